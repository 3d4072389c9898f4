// Package fleet drives the whole camera fleet through poll cycles: a
// periodic kick-off publishes one job per camera, and a bounded consumer
// turns each job into one heartbeat cycle.
//
// Job-level redelivery (visibility timeout, max attempts) lives in jobq;
// this package decides what counts as job success. A camera that has
// vanished from the directory is success — redelivering its job forever
// helps nobody.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/camfleet/fleetbeat/heartbeat"
	"github.com/camfleet/fleetbeat/idgen"
	"github.com/camfleet/fleetbeat/jobq"
	"github.com/camfleet/fleetbeat/observability"
)

// DefaultMaxAttempts is the redelivery budget per poll job.
const DefaultMaxAttempts = 10

// CycleRunner runs one camera's poll cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, exid string) (*heartbeat.CycleResult, error)
}

// Enumerator lists the fleet.
type Enumerator interface {
	ListCameraIDs(ctx context.Context) ([]string, error)
}

// Options configures the scheduler.
type Options struct {
	// PollInterval is the fleet-wide re-kick period. Default: 60s.
	PollInterval time.Duration
	// BatchSize is how many jobs one claim fetches. Default: 25.
	BatchSize int
	// MaxConcurrency bounds simultaneous cycles. Default: 10.
	MaxConcurrency int
	// IDs generates job ids. Default: prefixed UUIDv7.
	IDs idgen.Generator
	// Events, when set, records per-cycle and kick-off events.
	Events *observability.EventLogger
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 60 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 25
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 10
	}
	if o.IDs == nil {
		o.IDs = idgen.Prefixed("job_", idgen.Default)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Scheduler publishes and consumes poll jobs.
type Scheduler struct {
	dir    Enumerator
	queue  *jobq.Queue
	runner CycleRunner
	cycles atomic.Int64
	opts   Options
}

// New creates a Scheduler.
func New(dir Enumerator, queue *jobq.Queue, runner CycleRunner, opts Options) *Scheduler {
	opts.defaults()
	return &Scheduler{dir: dir, queue: queue, runner: runner, opts: opts}
}

// KickOff enumerates the fleet and publishes one poll job per camera.
// Cameras with a job already pending are skipped by the queue's
// per-camera dedup. Returns the number of cameras enumerated.
func (s *Scheduler) KickOff(ctx context.Context) (int, error) {
	start := time.Now()
	ids, err := s.dir.ListCameraIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("fleet: enumerate cameras: %w", err)
	}

	for _, exid := range ids {
		if err := s.queue.Publish(ctx, s.opts.IDs(), exid, nil); err != nil {
			return 0, fmt.Errorf("fleet: publish job for %s: %w", exid, err)
		}
	}

	s.opts.Logger.Info("fleet: kick-off published", "cameras", len(ids))
	if s.opts.Events != nil {
		s.opts.Events.LogAsync(s.opts.Events.NewEvent("fleet", "kickoff", "",
			map[string]int{"cameras": len(ids)}, nil, time.Since(start)))
	}
	return len(ids), nil
}

// Run kicks the fleet immediately, re-kicks at the poll interval, and
// consumes jobs until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log := s.opts.Logger

	if _, err := s.KickOff(ctx); err != nil {
		log.Error("fleet: initial kick-off failed", "error", err)
	}

	go func() {
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.KickOff(ctx); err != nil {
					log.Error("fleet: kick-off failed", "error", err)
				}
			}
		}
	}()

	s.queue.RunBatch(ctx, s.opts.BatchSize, s.opts.MaxConcurrency, s.handle)
}

// CyclesProcessed returns the number of poll cycles this scheduler has
// run since start, successful or not. The heartbeat writer records it so
// a consumer that stopped making progress shows up on the ops surface.
func (s *Scheduler) CyclesProcessed() int64 {
	return s.cycles.Load()
}

// handle turns one job into one poll cycle. A nil return acks the job;
// an error nacks it for redelivery.
func (s *Scheduler) handle(ctx context.Context, job *jobq.Job) error {
	start := time.Now()
	res, err := s.runner.RunCycle(ctx, job.CameraID)
	s.cycles.Add(1)

	if s.opts.Events != nil {
		var detail any
		if res != nil {
			detail = map[string]any{
				"observation": res.Observation.String(),
				"online":      res.Online,
				"archived":    res.Archived,
				"attempt":     job.Attempts,
			}
		}
		s.opts.Events.LogAsync(s.opts.Events.NewEvent(
			"heartbeat", "poll_cycle", job.CameraID, detail, err, time.Since(start)))
	}

	if errors.Is(err, heartbeat.ErrCameraNotFound) {
		// Deleted mid-flight; drop the job instead of redelivering it.
		s.opts.Logger.Info("fleet: camera gone, dropping job",
			"exid", job.CameraID, "job", job.ID)
		return nil
	}
	return err
}
