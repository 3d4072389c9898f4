// Package probe performs a single best-effort snapshot fetch against a
// camera's HTTP endpoint.
//
// The fleet is large and heterogeneous: timeouts, refused connections,
// broken firmware and malformed URLs are routine outcomes, not
// exceptional conditions. Fetch therefore never returns an error — every
// failure mode collapses into an unreachable result and the interesting
// cases are logged.
//
// Authentication is an explicit two-attempt protocol: a plain (optionally
// basic-authenticated) GET first, then exactly one retry with Digest
// credentials computed from the 401 challenge.
package probe

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/icholy/digest"

	"github.com/camfleet/fleetbeat/safeurl"
)

// Credentials are the camera's device credentials, used for both basic
// and digest auth.
type Credentials struct {
	Username string
	Password string
}

// Status classifies the outcome of one probe.
type Status int

const (
	// StatusCaptured: HTTP 200 with an image/* body.
	StatusCaptured Status = iota
	// StatusOnlineNoImage: the device answered 503 (busy) — reachable,
	// but no image this time.
	StatusOnlineNoImage
	// StatusUnreachable: everything else.
	StatusUnreachable
)

func (s Status) String() string {
	switch s {
	case StatusCaptured:
		return "captured"
	case StatusOnlineNoImage:
		return "online_no_image"
	}
	return "unreachable"
}

// Result is the outcome of one Fetch.
type Result struct {
	Status      Status
	Body        []byte // snapshot bytes when Status == StatusCaptured
	ContentType string
	HTTPStatus  int  // 0 when no response was received
	UsedDigest  bool // true when the digest retry produced the result
}

// Config configures the probe client.
type Config struct {
	// ConnectTimeout bounds TCP connection establishment. Default: 2s.
	ConnectTimeout time.Duration
	// Timeout bounds the whole request including body read. Default: 5s.
	Timeout time.Duration
	// MaxBytes caps the snapshot body size. Default: 8 MiB.
	MaxBytes int64
	// UserAgent sent with requests.
	UserAgent string
	// URLValidator validates endpoints before fetch (SSRF prevention).
	// Default: safeurl.Validate.
	URLValidator func(string) error
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 8 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "fleetbeat-probe/1.0"
	}
	if c.URLValidator == nil {
		c.URLValidator = safeurl.Validate
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client probes camera endpoints.
type Client struct {
	http   *http.Client
	config Config
}

// New creates a probe Client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.ConnectTimeout,
				}).DialContext,
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.Timeout,
				MaxIdleConnsPerHost:   1,
			},
		},
		config: cfg,
	}
}

// Fetch attempts to retrieve a snapshot from rawURL. It never returns an
// error: connection failures, timeouts, malformed URLs and unexpected
// responses all yield StatusUnreachable.
func (c *Client) Fetch(ctx context.Context, rawURL string, creds *Credentials) Result {
	log := c.config.Logger

	if err := c.config.URLValidator(rawURL); err != nil {
		log.Warn("probe: endpoint rejected", "url", rawURL, "error", err)
		return Result{Status: StatusUnreachable}
	}

	resp, err := c.attempt(ctx, rawURL, creds, "")
	if err != nil {
		// Expected for a fleet of flaky devices — debug, not warn.
		log.Debug("probe: request failed", "url", rawURL, "error", err)
		return Result{Status: StatusUnreachable}
	}

	// Digest fallback: exactly one extra attempt, computed from the
	// challenge the device just issued.
	if resp.StatusCode == http.StatusUnauthorized && creds != nil {
		challenge := resp.Header.Get("WWW-Authenticate")
		resp.Body.Close()
		if !strings.HasPrefix(strings.ToLower(challenge), "digest") {
			log.Debug("probe: auth refused, no digest challenge", "url", rawURL)
			return Result{Status: StatusUnreachable, HTTPStatus: http.StatusUnauthorized}
		}
		resp, err = c.attempt(ctx, rawURL, creds, challenge)
		if err != nil {
			log.Debug("probe: digest attempt failed", "url", rawURL, "error", err)
			return Result{Status: StatusUnreachable}
		}
		defer resp.Body.Close()
		r := c.classify(resp, rawURL)
		r.UsedDigest = true
		return r
	}
	defer resp.Body.Close()

	return c.classify(resp, rawURL)
}

// attempt performs one HTTP GET. When challenge is non-empty, Digest
// credentials are computed from it; otherwise basic auth is used when
// credentials are present.
func (c *Client) attempt(ctx context.Context, rawURL string, creds *Credentials, challenge string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "image/*")

	if challenge != "" {
		chal, err := digest.ParseChallenge(challenge)
		if err != nil {
			return nil, err
		}
		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method,
			URI:      req.URL.RequestURI(),
			Count:    1,
			Username: creds.Username,
			Password: creds.Password,
		})
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", cred.String())
	} else if creds != nil && creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	return c.http.Do(req)
}

// classify maps a completed HTTP response to a Result. The body is read
// (bounded) only for image responses.
func (c *Client) classify(resp *http.Response, rawURL string) Result {
	log := c.config.Logger

	switch {
	case resp.StatusCode == http.StatusOK:
		contentType := resp.Header.Get("Content-Type")
		if !strings.HasPrefix(contentType, "image/") {
			log.Warn("probe: device answered but returned non-image content",
				"url", rawURL, "content_type", contentType)
			return Result{Status: StatusUnreachable, HTTPStatus: resp.StatusCode}
		}
		body, err := safeurl.LimitedReadAll(resp.Body, c.config.MaxBytes)
		if err != nil {
			log.Warn("probe: body read failed", "url", rawURL, "error", err)
			return Result{Status: StatusUnreachable, HTTPStatus: resp.StatusCode}
		}
		return Result{
			Status:      StatusCaptured,
			Body:        body,
			ContentType: contentType,
			HTTPStatus:  resp.StatusCode,
		}

	case resp.StatusCode == http.StatusServiceUnavailable:
		// Device is up but busy (single-client firmware, mid-reboot).
		// Reachable counts as online even without an image.
		return Result{Status: StatusOnlineNoImage, HTTPStatus: resp.StatusCode}

	default:
		log.Debug("probe: unexpected status", "url", rawURL, "status", resp.StatusCode)
		return Result{Status: StatusUnreachable, HTTPStatus: resp.StatusCode}
	}
}
