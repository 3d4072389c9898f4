// Package notify delivers camera status updates to registered webhooks.
//
// Delivery is best-effort, at most once per poll cycle, and per-target:
// a dead webhook never blocks the others and never fails the cycle.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/camfleet/fleetbeat/safeurl"
)

// Update is the status payload POSTed to each webhook.
type Update struct {
	ID           string     `json:"id"`
	LastPolledAt *time.Time `json:"last_polled_at"`
	LastOnlineAt *time.Time `json:"last_online_at"`
	IsOnline     bool       `json:"is_online"`
}

// Options configures the dispatcher.
type Options struct {
	// Timeout bounds each delivery attempt. Default: 5s.
	Timeout time.Duration
	// Secret, when non-empty, enables HMAC-SHA256 payload signing via the
	// X-Signature-256 header.
	Secret string
	// URLValidator validates target URLs before delivery (SSRF
	// prevention). Default: safeurl.Validate.
	URLValidator func(string) error
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.URLValidator == nil {
		o.URLValidator = safeurl.Validate
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Dispatcher posts updates to webhook targets.
type Dispatcher struct {
	http *http.Client
	opts Options
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	opts.defaults()
	return &Dispatcher{
		http: &http.Client{Timeout: opts.Timeout},
		opts: opts,
	}
}

// Dispatch posts the update to every target URL independently. It
// returns the number of successful deliveries; failures are logged, not
// returned — webhook trouble is the subscriber's problem, not the
// pipeline's.
func (d *Dispatcher) Dispatch(ctx context.Context, update Update, targets []string) int {
	if len(targets) == 0 {
		return 0
	}
	log := d.opts.Logger

	body, err := json.Marshal(update)
	if err != nil {
		log.Error("notify: marshal update", "exid", update.ID, "error", err)
		return 0
	}

	delivered := 0
	for _, target := range targets {
		if err := d.deliver(ctx, target, body); err != nil {
			log.Warn("notify: delivery failed",
				"exid", update.ID, "target", target, "error", err)
			continue
		}
		delivered++
	}
	log.Debug("notify: dispatched",
		"exid", update.ID, "targets", len(targets), "delivered", delivered)
	return delivered
}

func (d *Dispatcher) deliver(ctx context.Context, target string, body []byte) error {
	if err := d.opts.URLValidator(target); err != nil {
		return fmt.Errorf("target rejected: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.opts.Secret != "" {
		req.Header.Set("X-Signature-256", Sign(d.opts.Secret, body))
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the X-Signature-256 header value for a payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
