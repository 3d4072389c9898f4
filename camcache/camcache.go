// Package camcache keeps the denormalized camera view cache consistent
// with poll results.
//
// Views live forever (no TTL) and are refreshed only when the poll
// outcome actually changed something a reader could observe: the online
// flag flipped, or the thumbnail was re-issued meaningfully later than
// the cached one. The 30s skew gate stops clock jitter between workers
// from rewriting the cache every cycle.
package camcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// DefaultSkew is the minimum thumbnail issue-time advance that counts as
// a real refresh.
const DefaultSkew = 30 * time.Second

// ErrNoIssueTime is returned when a URL carries no parseable issue-time
// token.
var ErrNoIssueTime = errors.New("camcache: url has no issue-time token")

// View is the denormalized camera read model.
type View struct {
	Exid         string     `json:"exid"`
	Name         string     `json:"name"`
	Owner        string     `json:"owner"`
	IsOnline     bool       `json:"is_online"`
	LastPolledAt *time.Time `json:"last_polled_at"`
	LastOnlineAt *time.Time `json:"last_online_at"`
	ThumbnailURL string     `json:"thumbnail_url"`
}

// Cache is the view cache backend.
type Cache interface {
	// GetView returns the cached view, or nil, nil on a miss.
	GetView(ctx context.Context, exid string) (*View, error)
	// SetView stores the view without TTL.
	SetView(ctx context.Context, view *View) error
	// Invalidate fans an invalidation out to other cache holders.
	Invalidate(ctx context.Context, exid string) error
}

// IssueTime extracts the signing issue time from a presigned URL's
// X-Amz-Date query parameter.
func IssueTime(rawURL string) (time.Time, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return time.Time{}, fmt.Errorf("camcache: parse url: %w", err)
	}
	tok := u.Query().Get("X-Amz-Date")
	if tok == "" {
		return time.Time{}, ErrNoIssueTime
	}
	t, err := time.Parse("20060102T150405Z", tok)
	if err != nil {
		return time.Time{}, fmt.Errorf("camcache: parse issue time %q: %w", tok, err)
	}
	return t, nil
}

// Options configures the synchronizer.
type Options struct {
	// Skew is the issue-time advance below which a new thumbnail URL is
	// considered unchanged. Default: DefaultSkew.
	Skew time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Skew <= 0 {
		o.Skew = DefaultSkew
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Synchronizer applies poll results to the view cache.
type Synchronizer struct {
	cache Cache
	opts  Options
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(cache Cache, opts Options) *Synchronizer {
	opts.defaults()
	return &Synchronizer{cache: cache, opts: opts}
}

// Sync compares the freshly polled view against the cache and refreshes
// it (with invalidation fan-out) only when something observable changed.
// It reports whether a refresh happened.
func (s *Synchronizer) Sync(ctx context.Context, polled *View) (bool, error) {
	log := s.opts.Logger

	cached, err := s.cache.GetView(ctx, polled.Exid)
	if err != nil {
		return false, fmt.Errorf("camcache: read view %s: %w", polled.Exid, err)
	}

	if cached != nil && !s.changed(cached, polled) {
		log.Debug("camcache: view unchanged, skipping refresh", "exid", polled.Exid)
		return false, nil
	}

	if err := s.cache.SetView(ctx, polled); err != nil {
		return false, fmt.Errorf("camcache: write view %s: %w", polled.Exid, err)
	}
	if err := s.cache.Invalidate(ctx, polled.Exid); err != nil {
		// The authoritative write landed; stale peers will self-correct on
		// their next read-through.
		log.Warn("camcache: invalidation fan-out failed", "exid", polled.Exid, "error", err)
	}
	log.Debug("camcache: view refreshed", "exid", polled.Exid, "is_online", polled.IsOnline)
	return true, nil
}

// changed decides whether the polled view differs observably from the
// cached one.
func (s *Synchronizer) changed(cached, polled *View) bool {
	if cached.IsOnline != polled.IsOnline {
		return true
	}
	if cached.ThumbnailURL == polled.ThumbnailURL {
		return false
	}
	newIssued, err := IssueTime(polled.ThumbnailURL)
	if err != nil {
		// No freshness signal on the new URL: fall back to plain
		// inequality so a genuinely different URL still propagates.
		return polled.ThumbnailURL != ""
	}
	oldIssued, err := IssueTime(cached.ThumbnailURL)
	if err != nil {
		return true
	}
	return newIssued.Sub(oldIssued) > s.opts.Skew
}
