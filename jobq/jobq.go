// Package jobq implements the per-camera poll job queue on SQLite using
// visibility timeouts.
//
// Rows are invisible to consumers for a configurable duration after being
// claimed. If the holder finishes the cycle it acks (deletes) the row. If
// the holder crashes mid-cycle or exceeds the timeout the row reappears
// automatically and another consumer can claim it — this is the job-level
// redelivery that backs the fleet scheduler, distinct from the in-cycle
// probe retry.
//
// The queue is pure SQLite — no external broker.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS fleet_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    camera_id   TEXT NOT NULL,
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,             -- milliseconds since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package jobq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Job is a row in the queue. CameraID identifies the camera to poll;
// Payload carries an optional JSON descriptor.
type Job struct {
	ID        string
	Queue     string
	CameraID  string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Multiple queues can coexist in the
	// same table. Default: "" (the default queue).
	Queue string
	// Visibility is how long a claimed job stays invisible. Should exceed
	// the heartbeat cycle deadline so healthy cycles never get redelivered
	// mid-flight. Default: 45s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in RunBatch.
	// Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits how many times a job can be redelivered before
	// being discarded. 0 means unlimited. Default: 0.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 45 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue is the queue handle.
type Queue struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Queue {
	opts.defaults()
	return &Queue{db: db, opts: opts}
}

// EnsureTable creates the fleet_jobs table and indexes if they don't exist.
func (q *Queue) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fleet_jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			camera_id   TEXT NOT NULL,
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_fleet_jobs_visible ON fleet_jobs (queue, visible_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_fleet_jobs_camera ON fleet_jobs (queue, camera_id);
	`)
	return err
}

// Publish inserts a job that is immediately visible. At most one pending
// job per camera exists in a queue: publishing a camera that already has a
// queued job is a no-op, so a fleet kick during a slow batch does not pile
// up duplicate cycles.
func (q *Queue) Publish(ctx context.Context, id, cameraID string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO fleet_jobs (id, queue, camera_id, payload, visible_at, created_at)
		 VALUES (?,?,?,?,?,?)`,
		id, q.opts.Queue, cameraID, payload, now, now,
	)
	return err
}

// Claim atomically picks the oldest visible job, marks it invisible for
// the configured visibility duration, and returns it. Returns nil, nil if
// no job is available.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE fleet_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM fleet_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, queue, camera_id, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(),
	)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// BatchClaim atomically claims up to n visible jobs. It returns an empty
// (non-nil) slice when no jobs are available.
func (q *Queue) BatchClaim(ctx context.Context, n int) ([]*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE fleet_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM fleet_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT ?
		)
		RETURNING id, queue, camera_id, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Ack deletes a successfully processed job.
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM fleet_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// Nack makes a job immediately visible again so another consumer can pick
// it up.
func (q *Queue) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE fleet_jobs SET visible_at = 0 WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// Extend pushes the visibility timeout forward for a job whose cycle needs
// more processing time.
func (q *Queue) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE fleet_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		hideUntil, id, q.opts.Queue,
	)
	return err
}

// Purge deletes all jobs in the queue.
func (q *Queue) Purge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM fleet_jobs WHERE queue = ?`, q.opts.Queue,
	)
	return err
}

// Len returns the total number of jobs (visible + invisible) in the queue.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fleet_jobs WHERE queue = ?`, q.opts.Queue,
	).Scan(&n)
	return n, err
}

// Handler processes a claimed job. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, job *Job) error

// RunBatch polls in batches and processes jobs with bounded concurrency.
// It blocks until ctx is cancelled, draining in-flight handlers before
// returning. Jobs past MaxAttempts are discarded with a warning.
func (q *Queue) RunBatch(ctx context.Context, batchSize, maxConcurrency int, handler Handler) {
	log := q.opts.Logger
	log.Info("jobq: consumer started",
		"queue", q.opts.Queue,
		"batch_size", batchSize,
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("jobq: consumer stopping, draining in-flight handlers", "queue", q.opts.Queue)
			wg.Wait()
			log.Info("jobq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			jobs, err := q.BatchClaim(ctx, batchSize)
			if err != nil {
				if ctx.Err() != nil {
					wg.Wait()
					return
				}
				log.Warn("jobq: batch claim failed", "error", err, "queue", q.opts.Queue)
				continue
			}

			for _, job := range jobs {
				if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
					log.Warn("jobq: job exceeded max attempts, discarding",
						"id", job.ID, "camera_id", job.CameraID,
						"attempts", job.Attempts, "queue", q.opts.Queue)
					_ = q.Ack(ctx, job.ID)
					continue
				}

				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					_ = q.Nack(ctx, job.ID)
					wg.Wait()
					return
				}

				wg.Add(1)
				go func(j *Job) {
					defer wg.Done()
					defer func() { <-sem }()

					if err := handler(ctx, j); err != nil {
						log.Warn("jobq: handler failed, nacking",
							"id", j.ID, "camera_id", j.CameraID, "error", err, "queue", q.opts.Queue)
						_ = q.Nack(context.Background(), j.ID)
					} else {
						_ = q.Ack(context.Background(), j.ID)
					}
				}(job)
			}
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var j Job
	var visAt, creAt int64
	if err := r.Scan(&j.ID, &j.Queue, &j.CameraID, &j.Payload, &visAt, &creAt, &j.Attempts); err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}
