// Package archive persists captured snapshots: original and thumbnail
// bytes to object storage, plus an immutable snapshot record in SQLite.
//
// Object keys follow the {cameraID}/snapshots/{unix}.jpg layout, with a
// _thumb suffix for the bounded preview. The thumbnail's presigned GET
// URL is handed back to the caller; its X-Amz-Date query parameter is
// the issue-time token the cache synchronizer compares for freshness.
//
// Schema (created by EnsureSchema):
//
//	CREATE TABLE IF NOT EXISTS snapshots (
//	    exid        TEXT NOT NULL,
//	    created_at  INTEGER NOT NULL,  -- unix seconds
//	    snapshot_id TEXT NOT NULL,
//	    notes       TEXT NOT NULL DEFAULT '',
//	    PRIMARY KEY (exid, created_at)
//	);
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/camfleet/fleetbeat/idgen"
)

// ErrArchiveFailed wraps object storage write failures. Callers degrade:
// the camera's online status still updates, only the thumbnail is
// skipped for the cycle.
var ErrArchiveFailed = errors.New("archive: storage write failed")

// DefaultExpiry is the presigned URL lifetime requested for thumbnails.
// Backends with a shorter signing cap clamp it; freshness comparison
// uses the issue time, not the expiry, so clamping is harmless.
const DefaultExpiry = 10 * 365 * 24 * time.Hour

// ObjectStore is the object storage the archiver writes to.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Snapshot is one immutable snapshot record.
type Snapshot struct {
	ID        string
	Exid      string
	CreatedAt time.Time
	Notes     string
}

// Key returns the object storage key for this snapshot's original bytes.
func (s *Snapshot) Key() string { return SnapshotKey(s.Exid, s.CreatedAt) }

// SnapshotKey is the object key for a camera's snapshot at ts.
func SnapshotKey(exid string, ts time.Time) string {
	return fmt.Sprintf("%s/snapshots/%d.jpg", exid, ts.Unix())
}

// ThumbKey is the object key for the snapshot's bounded thumbnail.
func ThumbKey(exid string, ts time.Time) string {
	return fmt.Sprintf("%s/snapshots/%d_thumb.jpg", exid, ts.Unix())
}

// Options configures the archiver.
type Options struct {
	// Expiry is the presigned thumbnail URL lifetime. Default:
	// DefaultExpiry.
	Expiry time.Duration
	// IDs generates snapshot record ids. Default: prefixed UUIDv7.
	IDs idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Expiry <= 0 {
		o.Expiry = DefaultExpiry
	}
	if o.IDs == nil {
		o.IDs = idgen.Prefixed("snp_", idgen.Default)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Result of one successful Archive call.
type Result struct {
	Key          string // locator of the original bytes
	ThumbnailURL string // presigned GET URL for the thumbnail
}

// Archiver writes snapshots to object storage and records them.
type Archiver struct {
	store ObjectStore
	db    *sql.DB
	opts  Options
}

// New creates an Archiver. Call EnsureSchema once at startup.
func New(store ObjectStore, db *sql.DB, opts Options) *Archiver {
	opts.defaults()
	return &Archiver{store: store, db: db, opts: opts}
}

// EnsureSchema creates the snapshots table if it doesn't exist.
func (a *Archiver) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS snapshots (
			exid        TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			snapshot_id TEXT NOT NULL,
			notes       TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (exid, created_at)
		);
	`)
	return err
}

// Archive stores the original and thumbnail bytes, records the snapshot,
// and returns the presigned thumbnail URL. Overwriting the same
// (camera, ts) object is idempotent; the snapshot record is created only
// if absent. Storage failures return ErrArchiveFailed.
func (a *Archiver) Archive(ctx context.Context, exid string, ts time.Time, raw, thumb []byte) (*Result, error) {
	key := SnapshotKey(exid, ts)
	thumbKey := ThumbKey(exid, ts)

	if err := a.store.Put(ctx, key, raw, "image/jpeg"); err != nil {
		return nil, fmt.Errorf("%w: put %s: %v", ErrArchiveFailed, key, err)
	}
	if err := a.store.Put(ctx, thumbKey, thumb, "image/jpeg"); err != nil {
		return nil, fmt.Errorf("%w: put %s: %v", ErrArchiveFailed, thumbKey, err)
	}

	signed, err := a.store.SignedURL(ctx, thumbKey, a.opts.Expiry)
	if err != nil {
		return nil, fmt.Errorf("%w: sign %s: %v", ErrArchiveFailed, thumbKey, err)
	}

	if err := a.record(ctx, exid, ts, "heartbeat capture"); err != nil {
		// The bytes are safely stored; a record failure is infrastructure
		// trouble, not a lost image.
		a.opts.Logger.Warn("archive: snapshot record failed",
			"exid", exid, "ts", ts.Unix(), "error", err)
	}

	return &Result{Key: key, ThumbnailURL: signed}, nil
}

// RegisterExternal records a snapshot for an object pushed to storage by
// an external producer. It reports whether a new record was created: the
// object must exist and no record may cover (camera, ts) yet.
func (a *Archiver) RegisterExternal(ctx context.Context, exid string, ts time.Time, note string) (bool, error) {
	ok, err := a.store.Exists(ctx, SnapshotKey(exid, ts))
	if err != nil {
		return false, fmt.Errorf("archive: stat %s: %w", SnapshotKey(exid, ts), err)
	}
	if !ok {
		return false, nil
	}

	existing, err := a.Get(ctx, exid, ts)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if err := a.record(ctx, exid, ts, note); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the snapshot record for (exid, ts), or nil, nil when none
// exists.
func (a *Archiver) Get(ctx context.Context, exid string, ts time.Time) (*Snapshot, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT snapshot_id, exid, created_at, notes FROM snapshots
		WHERE exid = ? AND created_at = ?`, exid, ts.Unix())
	return scanSnapshot(row)
}

// Latest returns the most recent snapshot record for a camera, or
// nil, nil when the camera has none.
func (a *Archiver) Latest(ctx context.Context, exid string) (*Snapshot, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT snapshot_id, exid, created_at, notes FROM snapshots
		WHERE exid = ? ORDER BY created_at DESC LIMIT 1`, exid)
	return scanSnapshot(row)
}

// Count returns the number of snapshot records for a camera.
func (a *Archiver) Count(ctx context.Context, exid string) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE exid = ?`, exid).Scan(&n)
	return n, err
}

func (a *Archiver) record(ctx context.Context, exid string, ts time.Time, notes string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO snapshots (exid, created_at, snapshot_id, notes)
		VALUES (?,?,?,?)`,
		exid, ts.Unix(), a.opts.IDs(), notes,
	)
	return err
}

func scanSnapshot(row *sql.Row) (*Snapshot, error) {
	var s Snapshot
	var createdAt int64
	err := row.Scan(&s.ID, &s.Exid, &createdAt, &s.Notes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	return &s, nil
}
