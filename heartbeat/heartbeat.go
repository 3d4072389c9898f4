// Package heartbeat runs one camera's poll cycle: probe, retry, archive,
// persist, notify, cache sync.
//
// The cycle is an explicit state machine rather than nested error
// handling: each state does one thing and names the next, so the
// anti-flap retry, the archive degradation path and the deadline abort
// are all visible in the transition table. One cycle never touches more
// than one camera; a failure, however ugly, is contained.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/camfleet/fleetbeat/archive"
	"github.com/camfleet/fleetbeat/camcache"
	"github.com/camfleet/fleetbeat/directory"
	"github.com/camfleet/fleetbeat/idgen"
	"github.com/camfleet/fleetbeat/imaging"
	"github.com/camfleet/fleetbeat/notify"
	"github.com/camfleet/fleetbeat/probe"
	"github.com/camfleet/fleetbeat/track"
)

// ErrCameraNotFound aborts a cycle for a camera that is no longer in the
// directory. The job should be acked, not redelivered: the camera is not
// coming back.
var ErrCameraNotFound = errors.New("heartbeat: camera not found")

// DefaultDeadline bounds one full cycle.
const DefaultDeadline = 30 * time.Second

// State names one step of the cycle, for logging and tests.
type State int

const (
	StateProbing State = iota
	StateRetrying
	StateArchiving
	StateUpdating
	StateNotifying
	StateCacheSync
	StateDone
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateRetrying:
		return "retrying"
	case StateArchiving:
		return "archiving"
	case StateUpdating:
		return "updating"
	case StateNotifying:
		return "notifying"
	case StateCacheSync:
		return "cache_sync"
	}
	return "done"
}

// Prober fetches a snapshot from a camera endpoint.
type Prober interface {
	Fetch(ctx context.Context, rawURL string, creds *probe.Credentials) probe.Result
}

// Archiver stores a captured snapshot and returns its thumbnail URL.
type Archiver interface {
	Archive(ctx context.Context, exid string, ts time.Time, raw, thumb []byte) (*archive.Result, error)
}

// Notifier delivers a status update to webhook targets.
type Notifier interface {
	Dispatch(ctx context.Context, update notify.Update, targets []string) int
}

// CacheSyncer reconciles the camera view cache after a poll.
type CacheSyncer interface {
	Sync(ctx context.Context, polled *camcache.View) (bool, error)
}

// Directory is the camera system of record the cycle reads and writes.
type Directory interface {
	GetCamera(ctx context.Context, exid string) (*directory.Camera, error)
	UpdatePollState(ctx context.Context, exid string, st directory.PollState) error
	AppendActivity(ctx context.Context, a *directory.Activity) error
	ListWebhooks(ctx context.Context, exid string) ([]*directory.Webhook, error)
}

// Options configures the orchestrator.
type Options struct {
	// Deadline bounds one cycle. Default: DefaultDeadline.
	Deadline time.Duration
	// Now overrides the clock, for tests. Default: time.Now.
	Now func() time.Time
	// IDs generates activity ids. Default: prefixed UUIDv7.
	IDs idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Deadline <= 0 {
		o.Deadline = DefaultDeadline
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.IDs == nil {
		o.IDs = idgen.Prefixed("act_", idgen.Default)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// CycleResult summarizes one completed cycle.
type CycleResult struct {
	Exid        string
	Observation track.Observation
	Online      bool
	Transition  *track.Transition
	Archived    bool
	Degraded    bool // capture succeeded but archival failed
	Delivered   int  // webhook deliveries
	Refreshed   bool // cache view refreshed
	Duration    time.Duration
}

// Orchestrator runs poll cycles.
type Orchestrator struct {
	dir      Directory
	prober   Prober
	archiver Archiver
	notifier Notifier
	cache    CacheSyncer
	opts     Options
}

// New creates an Orchestrator.
func New(dir Directory, prober Prober, archiver Archiver, notifier Notifier, cache CacheSyncer, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		dir:      dir,
		prober:   prober,
		archiver: archiver,
		notifier: notifier,
		cache:    cache,
		opts:     opts,
	}
}

// cycle carries the working set of one run through the state machine.
type cycle struct {
	cam       *directory.Camera
	obs       track.Observation
	processed *imaging.Processed
	archived  *archive.Result
	degraded  bool
	decision  track.Decision
	polledAt  time.Time
	delivered int
	refreshed bool
}

// RunCycle polls one camera through the full pipeline. It returns
// ErrCameraNotFound for unknown cameras and an infrastructure error when
// the state update failed or the deadline was exceeded; probe failures
// are outcomes, not errors.
func (o *Orchestrator) RunCycle(ctx context.Context, exid string) (*CycleResult, error) {
	start := o.opts.Now()
	ctx, cancel := context.WithTimeout(ctx, o.opts.Deadline)
	defer cancel()
	log := o.opts.Logger

	cam, err := o.dir.GetCamera(ctx, exid)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: load camera %s: %w", exid, err)
	}
	if cam == nil {
		return nil, fmt.Errorf("%w: %s", ErrCameraNotFound, exid)
	}

	c := &cycle{cam: cam, polledAt: o.opts.Now()}

	state := StateProbing
	for state != StateDone {
		if err := ctx.Err(); err != nil {
			log.Warn("heartbeat: cycle deadline exceeded",
				"exid", exid, "state", state.String())
			return nil, fmt.Errorf("heartbeat: cycle %s aborted in %s: %w", exid, state, err)
		}
		log.Debug("heartbeat: state", "exid", exid, "state", state.String())

		var err error
		state, err = o.step(ctx, state, c)
		if err != nil {
			return nil, err
		}
	}

	res := &CycleResult{
		Exid:        exid,
		Observation: c.obs,
		Online:      c.decision.NewOnline,
		Transition:  c.decision.Transition,
		Archived:    c.archived != nil,
		Degraded:    c.degraded,
		Delivered:   c.delivered,
		Refreshed:   c.refreshed,
		Duration:    o.opts.Now().Sub(start),
	}
	log.Info("heartbeat: cycle done",
		"exid", exid,
		"observation", c.obs.String(),
		"online", res.Online,
		"archived", res.Archived,
		"duration", res.Duration,
	)
	return res, nil
}

func (o *Orchestrator) step(ctx context.Context, state State, c *cycle) (State, error) {
	switch state {
	case StateProbing:
		if c.cam.SnapshotURL() == "" {
			// Unconfigured cameras are offline without network I/O.
			c.obs = track.ObservationNoEndpoint
			return StateUpdating, nil
		}
		c.obs = o.probeOnce(ctx, c)
		if !c.obs.Online() && c.cam.IsOnline {
			// One bad poll on a healthy camera gets a second opinion
			// before anything is persisted.
			return StateRetrying, nil
		}
		return afterProbe(c.obs), nil

	case StateRetrying:
		c.obs = o.probeOnce(ctx, c)
		return afterProbe(c.obs), nil

	case StateArchiving:
		res, err := o.archiver.Archive(ctx, c.cam.Exid, c.polledAt,
			c.processed.Original, c.processed.Thumbnail)
		if err != nil {
			// Degrade: the camera is demonstrably online, storage trouble
			// must not mark it offline or kill the cycle.
			o.opts.Logger.Warn("heartbeat: archive failed, degrading",
				"exid", c.cam.Exid, "error", err)
			c.degraded = true
		} else {
			c.archived = res
		}
		return StateUpdating, nil

	case StateUpdating:
		return StateNotifying, o.update(ctx, c)

	case StateNotifying:
		c.delivered = o.notifyHooks(ctx, c)
		return StateCacheSync, nil

	case StateCacheSync:
		refreshed, err := o.cache.Sync(ctx, o.view(c))
		if err != nil {
			// Cache trouble never fails a cycle; readers fall back to the
			// directory.
			o.opts.Logger.Warn("heartbeat: cache sync failed",
				"exid", c.cam.Exid, "error", err)
		}
		c.refreshed = refreshed
		return StateDone, nil
	}
	return StateDone, nil
}

// afterProbe routes to archival only when there is an image to store.
func afterProbe(obs track.Observation) State {
	if obs == track.ObservationCaptured {
		return StateArchiving
	}
	return StateUpdating
}

// probeOnce fetches and classifies one attempt, decoding captures.
func (o *Orchestrator) probeOnce(ctx context.Context, c *cycle) track.Observation {
	var creds *probe.Credentials
	if c.cam.HasCredentials() {
		creds = &probe.Credentials{Username: c.cam.Username, Password: c.cam.Password}
	}

	r := o.prober.Fetch(ctx, c.cam.SnapshotURL(), creds)
	switch r.Status {
	case probe.StatusCaptured:
		p, err := imaging.Process(r.Body)
		if err != nil {
			o.opts.Logger.Warn("heartbeat: capture did not decode",
				"exid", c.cam.Exid, "error", err)
			return track.ObservationInvalidImage
		}
		c.processed = p
		return track.ObservationCaptured
	case probe.StatusOnlineNoImage:
		return track.ObservationOnlineNoImage
	default:
		return track.ObservationUnreachable
	}
}

// update persists poll state and the transition activity. A state write
// failure is the one infrastructure error that fails the cycle: without
// it every downstream consumer would act on stale truth.
func (o *Orchestrator) update(ctx context.Context, c *cycle) error {
	// Any in-cycle retry has already run by the time we decide.
	c.decision = track.Decide(c.cam.IsOnline, c.obs, true)

	st := directory.PollState{
		IsOnline:     c.decision.NewOnline,
		LastPolledAt: c.polledAt,
	}
	if c.decision.NewOnline {
		t := c.polledAt
		st.LastOnlineAt = &t
	}
	if c.archived != nil {
		st.ThumbnailURL = &c.archived.ThumbnailURL
	}
	if err := o.dir.UpdatePollState(ctx, c.cam.Exid, st); err != nil {
		return fmt.Errorf("heartbeat: persist poll state %s: %w", c.cam.Exid, err)
	}

	if tr := c.decision.Transition; tr != nil {
		o.opts.Logger.Info("heartbeat: status transition",
			"exid", c.cam.Exid, "transition", string(*tr))
		if err := o.dir.AppendActivity(ctx, &directory.Activity{
			ID:     o.opts.IDs(),
			Exid:   c.cam.Exid,
			Action: string(*tr),
			Actor:  "heartbeat",
			DoneAt: c.polledAt,
		}); err != nil {
			// The flag is persisted; a lost log line is not worth a
			// redelivered cycle.
			o.opts.Logger.Warn("heartbeat: activity append failed",
				"exid", c.cam.Exid, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) notifyHooks(ctx context.Context, c *cycle) int {
	hooks, err := o.dir.ListWebhooks(ctx, c.cam.Exid)
	if err != nil {
		o.opts.Logger.Warn("heartbeat: webhook lookup failed",
			"exid", c.cam.Exid, "error", err)
		return 0
	}
	if len(hooks) == 0 {
		return 0
	}
	targets := make([]string, len(hooks))
	for i, h := range hooks {
		targets[i] = h.URL
	}

	polled := c.polledAt
	update := notify.Update{
		ID:           c.cam.Exid,
		LastPolledAt: &polled,
		IsOnline:     c.decision.NewOnline,
	}
	if c.decision.NewOnline {
		update.LastOnlineAt = &polled
	} else {
		update.LastOnlineAt = c.cam.LastOnlineAt
	}
	return o.notifier.Dispatch(ctx, update, targets)
}

// view builds the polled cache view from the cycle's outcome.
func (o *Orchestrator) view(c *cycle) *camcache.View {
	polled := c.polledAt
	v := &camcache.View{
		Exid:         c.cam.Exid,
		Name:         c.cam.Name,
		Owner:        c.cam.Owner,
		IsOnline:     c.decision.NewOnline,
		LastPolledAt: &polled,
		LastOnlineAt: c.cam.LastOnlineAt,
		ThumbnailURL: c.cam.ThumbnailURL,
	}
	if c.decision.NewOnline {
		v.LastOnlineAt = &polled
	}
	if c.archived != nil {
		v.ThumbnailURL = c.archived.ThumbnailURL
	}
	return v
}
