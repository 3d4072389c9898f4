// Package directory is the camera directory: the cameras table, the
// append-only activity log, and the webhook registry, all on SQLite.
//
// The poll pipeline treats the directory as the system of record: the
// scheduler enumerates it, the orchestrator reads one camera per cycle
// and writes back poll state, and transitions land in camera_activities.
//
// Schema (created by EnsureSchema):
//
//	CREATE TABLE IF NOT EXISTS cameras (
//	    exid            TEXT PRIMARY KEY,
//	    name            TEXT NOT NULL DEFAULT '',
//	    owner           TEXT NOT NULL DEFAULT '',
//	    endpoint        TEXT NOT NULL DEFAULT '',  -- scheme://host:port
//	    snapshot_path   TEXT NOT NULL DEFAULT '',
//	    username        TEXT NOT NULL DEFAULT '',
//	    password        TEXT NOT NULL DEFAULT '',
//	    is_online       INTEGER NOT NULL DEFAULT 0,
//	    last_polled_at  INTEGER,                   -- unix seconds
//	    last_online_at  INTEGER,                   -- unix seconds
//	    thumbnail_url   TEXT NOT NULL DEFAULT '',
//	    created_at      INTEGER NOT NULL
//	);
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Activity log actions.
const (
	ActionOnline   = "online"
	ActionOffline  = "offline"
	ActionViewed   = "viewed"
	ActionCaptured = "captured"
	ActionDeleted  = "deleted"
)

// Camera is one row of the cameras table.
type Camera struct {
	Exid         string
	Name         string
	Owner        string
	Endpoint     string // scheme://host:port, empty when unconfigured
	SnapshotPath string
	Username     string
	Password     string
	IsOnline     bool
	LastPolledAt *time.Time
	LastOnlineAt *time.Time
	ThumbnailURL string
	CreatedAt    time.Time
}

// SnapshotURL joins the endpoint and snapshot path. Empty when the
// camera has no endpoint configured.
func (c *Camera) SnapshotURL() string {
	if c.Endpoint == "" {
		return ""
	}
	return strings.TrimSuffix(c.Endpoint, "/") + "/" + strings.TrimPrefix(c.SnapshotPath, "/")
}

// HasCredentials reports whether device credentials are configured.
func (c *Camera) HasCredentials() bool {
	return c.Username != ""
}

// PollState is what the orchestrator persists after a cycle. Nil pointer
// fields are left untouched.
type PollState struct {
	IsOnline     bool
	LastPolledAt time.Time
	LastOnlineAt *time.Time
	ThumbnailURL *string
}

// Activity is one row of the append-only camera_activities table.
type Activity struct {
	ID       string
	Exid     string
	Action   string
	Actor    string
	DoneAt   time.Time
	ExtraLog string
}

// Webhook is a registered notification target for a camera.
type Webhook struct {
	ID        string
	Exid      string
	URL       string
	CreatedAt time.Time
}

// Store wraps the directory database.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store. Call EnsureSchema once at startup.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the directory tables and indexes if they don't
// exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cameras (
			exid            TEXT PRIMARY KEY,
			name            TEXT NOT NULL DEFAULT '',
			owner           TEXT NOT NULL DEFAULT '',
			endpoint        TEXT NOT NULL DEFAULT '',
			snapshot_path   TEXT NOT NULL DEFAULT '',
			username        TEXT NOT NULL DEFAULT '',
			password        TEXT NOT NULL DEFAULT '',
			is_online       INTEGER NOT NULL DEFAULT 0,
			last_polled_at  INTEGER,
			last_online_at  INTEGER,
			thumbnail_url   TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS camera_activities (
			id         TEXT PRIMARY KEY,
			exid       TEXT NOT NULL,
			action     TEXT NOT NULL,
			actor      TEXT NOT NULL DEFAULT '',
			done_at    INTEGER NOT NULL,
			extra_log  TEXT NOT NULL DEFAULT ''
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_activities_dedup
			ON camera_activities (exid, action, done_at);
		CREATE INDEX IF NOT EXISTS idx_activities_exid
			ON camera_activities (exid, done_at);
		CREATE TABLE IF NOT EXISTS webhooks (
			id         TEXT PRIMARY KEY,
			exid       TEXT NOT NULL,
			url        TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_webhooks_exid ON webhooks (exid);
	`)
	return err
}

// PutCamera inserts or replaces a camera row. Used by seeding and tests;
// the poll pipeline itself only mutates poll state.
func (s *Store) PutCamera(ctx context.Context, c *Camera) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cameras
			(exid, name, owner, endpoint, snapshot_path, username, password,
			 is_online, last_polled_at, last_online_at, thumbnail_url, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.Exid, c.Name, c.Owner, c.Endpoint, c.SnapshotPath,
		c.Username, c.Password, boolToInt(c.IsOnline),
		unixOrNil(c.LastPolledAt), unixOrNil(c.LastOnlineAt),
		c.ThumbnailURL, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("directory: put camera %s: %w", c.Exid, err)
	}
	return nil
}

// GetCamera returns the camera with the given exid, or nil, nil when no
// such camera exists.
func (s *Store) GetCamera(ctx context.Context, exid string) (*Camera, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT exid, name, owner, endpoint, snapshot_path, username, password,
		       is_online, last_polled_at, last_online_at, thumbnail_url, created_at
		FROM cameras WHERE exid = ?`, exid)

	var c Camera
	var online int
	var polledAt, onlineAt sql.NullInt64
	var createdAt int64
	err := row.Scan(&c.Exid, &c.Name, &c.Owner, &c.Endpoint, &c.SnapshotPath,
		&c.Username, &c.Password, &online, &polledAt, &onlineAt,
		&c.ThumbnailURL, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("directory: get camera %s: %w", exid, err)
	}
	c.IsOnline = online != 0
	c.LastPolledAt = timeOrNil(polledAt)
	c.LastOnlineAt = timeOrNil(onlineAt)
	c.CreatedAt = time.Unix(createdAt, 0)
	return &c, nil
}

// ListCameraIDs returns every camera exid, ordered. This is the fleet
// scheduler's enumeration.
func (s *Store) ListCameraIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT exid FROM cameras ORDER BY exid`)
	if err != nil {
		return nil, fmt.Errorf("directory: list cameras: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdatePollState persists the outcome of one poll cycle. Nil optional
// fields keep their stored values, so a failed capture does not erase
// the last good thumbnail or online timestamp.
func (s *Store) UpdatePollState(ctx context.Context, exid string, st PollState) error {
	set := []string{"is_online = ?", "last_polled_at = ?"}
	args := []any{boolToInt(st.IsOnline), st.LastPolledAt.Unix()}
	if st.LastOnlineAt != nil {
		set = append(set, "last_online_at = ?")
		args = append(args, st.LastOnlineAt.Unix())
	}
	if st.ThumbnailURL != nil {
		set = append(set, "thumbnail_url = ?")
		args = append(args, *st.ThumbnailURL)
	}
	args = append(args, exid)

	res, err := s.db.ExecContext(ctx,
		`UPDATE cameras SET `+strings.Join(set, ", ")+` WHERE exid = ?`, args...)
	if err != nil {
		return fmt.Errorf("directory: update poll state %s: %w", exid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("directory: update poll state %s: camera not found", exid)
	}
	return nil
}

// DeleteCamera removes a camera, its activities and its webhooks.
func (s *Store) DeleteCamera(ctx context.Context, exid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM webhooks WHERE exid = ?`,
		`DELETE FROM camera_activities WHERE exid = ?`,
		`DELETE FROM cameras WHERE exid = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, exid); err != nil {
			return fmt.Errorf("directory: delete camera %s: %w", exid, err)
		}
	}
	return tx.Commit()
}

// AppendActivity records one activity log entry. Duplicate (exid, action,
// done_at) entries are ignored, so a redelivered job cannot double-log a
// transition.
func (s *Store) AppendActivity(ctx context.Context, a *Activity) error {
	doneAt := a.DoneAt
	if doneAt.IsZero() {
		doneAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO camera_activities (id, exid, action, actor, done_at, extra_log)
		VALUES (?,?,?,?,?,?)`,
		a.ID, a.Exid, a.Action, a.Actor, doneAt.Unix(), a.ExtraLog,
	)
	if err != nil {
		return fmt.Errorf("directory: append activity %s/%s: %w", a.Exid, a.Action, err)
	}
	return nil
}

// ListActivities returns the most recent activities for a camera, newest
// first, up to limit.
func (s *Store) ListActivities(ctx context.Context, exid string, limit int) ([]*Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, exid, action, actor, done_at, extra_log
		FROM camera_activities WHERE exid = ?
		ORDER BY done_at DESC LIMIT ?`, exid, limit)
	if err != nil {
		return nil, fmt.Errorf("directory: list activities %s: %w", exid, err)
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		var a Activity
		var doneAt int64
		if err := rows.Scan(&a.ID, &a.Exid, &a.Action, &a.Actor, &doneAt, &a.ExtraLog); err != nil {
			return nil, err
		}
		a.DoneAt = time.Unix(doneAt, 0)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// AddWebhook registers a notification target for a camera.
func (s *Store) AddWebhook(ctx context.Context, w *Webhook) error {
	createdAt := w.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, exid, url, created_at) VALUES (?,?,?,?)`,
		w.ID, w.Exid, w.URL, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("directory: add webhook %s: %w", w.Exid, err)
	}
	return nil
}

// ListWebhooks returns every webhook registered for a camera.
func (s *Store) ListWebhooks(ctx context.Context, exid string) ([]*Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, exid, url, created_at FROM webhooks
		WHERE exid = ? ORDER BY created_at`, exid)
	if err != nil {
		return nil, fmt.Errorf("directory: list webhooks %s: %w", exid, err)
	}
	defer rows.Close()

	var out []*Webhook
	for rows.Next() {
		var w Webhook
		var createdAt int64
		if err := rows.Scan(&w.ID, &w.Exid, &w.URL, &createdAt); err != nil {
			return nil, err
		}
		w.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &w)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
