package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/camfleet/fleetbeat/notify"
)

func noopValidator(_ string) error { return nil }

func newDispatcher(opts notify.Options) *notify.Dispatcher {
	opts.URLValidator = noopValidator
	return notify.New(opts)
}

func TestDispatchDeliversJSON(t *testing.T) {
	var got notify.Update
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type: got %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
	}))
	defer srv.Close()

	polled := time.Unix(1700000000, 0).UTC()
	d := newDispatcher(notify.Options{})
	n := d.Dispatch(context.Background(), notify.Update{
		ID: "cam-1", LastPolledAt: &polled, IsOnline: true,
	}, []string{srv.URL})

	if n != 1 {
		t.Fatalf("delivered: got %d, want 1", n)
	}
	if got.ID != "cam-1" || !got.IsOnline {
		t.Errorf("payload: got %+v", got)
	}
	if got.LastPolledAt == nil || !got.LastPolledAt.Equal(polled) {
		t.Errorf("last_polled_at: got %v", got.LastPolledAt)
	}
	if got.LastOnlineAt != nil {
		t.Errorf("last_online_at: got %v, want null", got.LastOnlineAt)
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	// WHAT: A failing target does not block delivery to the others, and
	// Dispatch never errors.
	// WHY: One subscriber's dead endpoint must not suppress everyone
	// else's notification.
	var okHits int
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okHits++
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badSrv.Close()
	deadSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := deadSrv.URL
	deadSrv.Close()

	d := newDispatcher(notify.Options{})
	n := d.Dispatch(context.Background(), notify.Update{ID: "cam-1"},
		[]string{badSrv.URL, deadURL, okSrv.URL})

	if n != 1 {
		t.Fatalf("delivered: got %d, want 1", n)
	}
	if okHits != 1 {
		t.Errorf("healthy target hits: got %d, want 1", okHits)
	}
}

func TestDispatchSignsPayload(t *testing.T) {
	// WHAT: With a secret configured, the HMAC header verifies against the
	// exact bytes received.
	var header string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Signature-256")
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	d := newDispatcher(notify.Options{Secret: "shared-secret"})
	if n := d.Dispatch(context.Background(), notify.Update{ID: "cam-1"}, []string{srv.URL}); n != 1 {
		t.Fatalf("delivered: got %d, want 1", n)
	}

	if header == "" {
		t.Fatal("signature header missing")
	}
	if want := notify.Sign("shared-secret", body); header != want {
		t.Errorf("signature: got %q, want %q", header, want)
	}
}

func TestDispatchNoSecretNoHeader(t *testing.T) {
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Signature-256")
	}))
	defer srv.Close()

	d := newDispatcher(notify.Options{})
	d.Dispatch(context.Background(), notify.Update{ID: "cam-1"}, []string{srv.URL})
	if header != "" {
		t.Errorf("unexpected signature header %q", header)
	}
}

func TestDispatchTimeout(t *testing.T) {
	// WHAT: A hanging webhook is abandoned at the configured timeout.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	d := newDispatcher(notify.Options{Timeout: 50 * time.Millisecond})
	start := time.Now()
	n := d.Dispatch(context.Background(), notify.Update{ID: "cam-1"}, []string{srv.URL})
	if n != 0 {
		t.Fatalf("delivered: got %d, want 0", n)
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Error("dispatch did not respect timeout")
	}
}

func TestDispatchSSRFGuard(t *testing.T) {
	// WHAT: The default validator rejects private targets before any I/O.
	d := notify.New(notify.Options{}) // real validator
	n := d.Dispatch(context.Background(), notify.Update{ID: "cam-1"},
		[]string{"http://127.0.0.1:9/hook", "http://10.0.0.5/hook"})
	if n != 0 {
		t.Fatalf("delivered: got %d, want 0", n)
	}
}

func TestDispatchNoTargets(t *testing.T) {
	d := newDispatcher(notify.Options{})
	if n := d.Dispatch(context.Background(), notify.Update{ID: "cam-1"}, nil); n != 0 {
		t.Fatalf("delivered: got %d, want 0", n)
	}
}
