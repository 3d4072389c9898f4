package heartbeat_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/camfleet/fleetbeat/archive"
	"github.com/camfleet/fleetbeat/camcache"
	"github.com/camfleet/fleetbeat/dbopen"
	"github.com/camfleet/fleetbeat/directory"
	"github.com/camfleet/fleetbeat/heartbeat"
	"github.com/camfleet/fleetbeat/notify"
	"github.com/camfleet/fleetbeat/probe"
	"github.com/camfleet/fleetbeat/track"
)

func noopValidator(_ string) error { return nil }

// testJPEG is a small but fully decodable camera frame.
func testJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 48)), nil); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

// rig wires an orchestrator against in-memory backends and a real probe
// client.
type rig struct {
	dir   *directory.Store
	store *archive.MemoryStore
	cache *camcache.MemoryCache
	orch  *heartbeat.Orchestrator
}

func newRig(t *testing.T, prober heartbeat.Prober, opts heartbeat.Options) *rig {
	t.Helper()
	ctx := context.Background()

	db := dbopen.OpenMemory(t)
	dir := directory.NewStore(db)
	if err := dir.EnsureSchema(ctx); err != nil {
		t.Fatalf("directory schema: %v", err)
	}

	store := archive.NewMemoryStore()
	arc := archive.New(store, db, archive.Options{})
	if err := arc.EnsureSchema(ctx); err != nil {
		t.Fatalf("archive schema: %v", err)
	}

	cache := camcache.NewMemoryCache()
	sync := camcache.NewSynchronizer(cache, camcache.Options{})
	disp := notify.New(notify.Options{URLValidator: noopValidator})

	if prober == nil {
		prober = probe.New(probe.Config{URLValidator: noopValidator})
	}

	return &rig{
		dir:   dir,
		store: store,
		cache: cache,
		orch:  heartbeat.New(dir, prober, arc, disp, sync, opts),
	}
}

func (r *rig) seed(t *testing.T, cam *directory.Camera) {
	t.Helper()
	if err := r.dir.PutCamera(context.Background(), cam); err != nil {
		t.Fatalf("seed camera: %v", err)
	}
}

// stubProber counts attempts and replays scripted results.
type stubProber struct {
	calls   atomic.Int32
	results []probe.Result
	block   time.Duration
}

func (s *stubProber) Fetch(_ context.Context, _ string, _ *probe.Credentials) probe.Result {
	n := int(s.calls.Add(1)) - 1
	if s.block > 0 {
		time.Sleep(s.block)
	}
	if n < len(s.results) {
		return s.results[n]
	}
	return s.results[len(s.results)-1]
}

func TestCycleBasicAuthCapture(t *testing.T) {
	// WHAT: An offline camera behind basic auth serves an image; the cycle
	// captures, archives, flips it online with an activity entry, notifies
	// the webhook and refreshes the cache.
	frame := testJPEG(t)
	cam := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "admin" || pass != "s3cret-cam" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(frame)
	}))
	defer cam.Close()

	var hookPayload notify.Update
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &hookPayload)
	}))
	defer hook.Close()

	r := newRig(t, nil, heartbeat.Options{})
	r.seed(t, &directory.Camera{
		Exid: "gate-cam", Endpoint: cam.URL, SnapshotPath: "/snapshot.jpg",
		Username: "admin", Password: "s3cret-cam",
	})
	ctx := context.Background()
	if err := r.dir.AddWebhook(ctx, &directory.Webhook{ID: "wh_1", Exid: "gate-cam", URL: hook.URL}); err != nil {
		t.Fatalf("add webhook: %v", err)
	}

	res, err := r.orch.RunCycle(ctx, "gate-cam")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if res.Observation != track.ObservationCaptured {
		t.Errorf("observation: got %v", res.Observation)
	}
	if !res.Online || !res.Archived || res.Degraded {
		t.Errorf("result: %+v", res)
	}
	if res.Transition == nil || *res.Transition != track.TransitionOnline {
		t.Error("expected online transition")
	}
	if res.Delivered != 1 {
		t.Errorf("delivered: got %d", res.Delivered)
	}
	if !res.Refreshed {
		t.Error("expected cache refresh")
	}

	// Both objects landed in storage.
	if r.store.Len() != 2 {
		t.Errorf("stored objects: got %d, want original + thumb", r.store.Len())
	}

	// Directory state reflects the capture.
	got, _ := r.dir.GetCamera(ctx, "gate-cam")
	if !got.IsOnline || got.ThumbnailURL == "" || got.LastOnlineAt == nil {
		t.Errorf("camera state: %+v", got)
	}

	acts, _ := r.dir.ListActivities(ctx, "gate-cam", 10)
	if len(acts) != 1 || acts[0].Action != directory.ActionOnline {
		t.Errorf("activities: %+v", acts)
	}

	if hookPayload.ID != "gate-cam" || !hookPayload.IsOnline {
		t.Errorf("webhook payload: %+v", hookPayload)
	}
}

func TestCycleDigestFallback(t *testing.T) {
	// WHAT: A camera demanding digest auth is still captured via the
	// one-retry challenge protocol.
	frame := testJPEG(t)
	cam := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" || r.Header.Get("Authorization")[:6] != "Digest" {
			w.Header().Set("WWW-Authenticate", `Digest realm="cam", nonce="n1", qop="auth", algorithm=MD5`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(frame)
	}))
	defer cam.Close()

	r := newRig(t, nil, heartbeat.Options{})
	r.seed(t, &directory.Camera{
		Exid: "dig-cam", Endpoint: cam.URL, SnapshotPath: "/snap",
		Username: "admin", Password: "pw",
	})

	res, err := r.orch.RunCycle(context.Background(), "dig-cam")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Observation != track.ObservationCaptured || !res.Online {
		t.Errorf("result: %+v", res)
	}
}

func TestCycleDoubleFailureGoesOffline(t *testing.T) {
	// WHAT: A previously-online camera failing the probe AND the in-cycle
	// retry transitions offline with an activity entry.
	p := &stubProber{results: []probe.Result{
		{Status: probe.StatusUnreachable},
		{Status: probe.StatusUnreachable},
	}}
	r := newRig(t, p, heartbeat.Options{})
	now := time.Now()
	r.seed(t, &directory.Camera{
		Exid: "flap-cam", Endpoint: "http://203.0.113.9", SnapshotPath: "/s.jpg",
		IsOnline: true, LastOnlineAt: &now,
	})

	res, err := r.orch.RunCycle(context.Background(), "flap-cam")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if p.calls.Load() != 2 {
		t.Errorf("probe attempts: got %d, want 2", p.calls.Load())
	}
	if res.Online {
		t.Error("expected offline")
	}
	if res.Transition == nil || *res.Transition != track.TransitionOffline {
		t.Error("expected offline transition")
	}

	acts, _ := r.dir.ListActivities(context.Background(), "flap-cam", 10)
	if len(acts) != 1 || acts[0].Action != directory.ActionOffline {
		t.Errorf("activities: %+v", acts)
	}
}

func TestCycleRetryRecovers(t *testing.T) {
	// WHAT: One transient failure on a healthy camera is absorbed by the
	// in-cycle retry — no transition, no activity noise.
	var frame bytes.Buffer
	jpeg.Encode(&frame, image.NewRGBA(image.Rect(0, 0, 32, 32)), nil)
	okResult := probe.Result{Status: probe.StatusCaptured, Body: frame.Bytes(), ContentType: "image/jpeg"}

	p := &stubProber{results: []probe.Result{
		{Status: probe.StatusUnreachable},
		okResult,
	}}
	r := newRig(t, p, heartbeat.Options{})
	r.seed(t, &directory.Camera{
		Exid: "ok-cam", Endpoint: "http://203.0.113.9", SnapshotPath: "/s.jpg", IsOnline: true,
	})

	res, err := r.orch.RunCycle(context.Background(), "ok-cam")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if p.calls.Load() != 2 {
		t.Errorf("probe attempts: got %d, want 2", p.calls.Load())
	}
	if !res.Online || res.Transition != nil {
		t.Errorf("result: %+v", res)
	}

	acts, _ := r.dir.ListActivities(context.Background(), "ok-cam", 10)
	if len(acts) != 0 {
		t.Errorf("expected no activity, got %+v", acts)
	}
}

func TestCycleOfflineCameraNoRetry(t *testing.T) {
	// WHAT: A camera already offline gets exactly one attempt — the retry
	// budget exists only to protect healthy state.
	p := &stubProber{results: []probe.Result{{Status: probe.StatusUnreachable}}}
	r := newRig(t, p, heartbeat.Options{})
	r.seed(t, &directory.Camera{
		Exid: "down-cam", Endpoint: "http://203.0.113.9", SnapshotPath: "/s.jpg",
	})

	res, err := r.orch.RunCycle(context.Background(), "down-cam")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if p.calls.Load() != 1 {
		t.Errorf("probe attempts: got %d, want 1", p.calls.Load())
	}
	if res.Online || res.Transition != nil {
		t.Errorf("result: %+v", res)
	}
}

func TestCycle503OnlineNoImage(t *testing.T) {
	// WHAT: A busy device counts as online without archiving anything.
	cam := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer cam.Close()

	r := newRig(t, nil, heartbeat.Options{})
	r.seed(t, &directory.Camera{Exid: "busy-cam", Endpoint: cam.URL, SnapshotPath: "/s.jpg"})

	res, err := r.orch.RunCycle(context.Background(), "busy-cam")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Observation != track.ObservationOnlineNoImage {
		t.Errorf("observation: got %v", res.Observation)
	}
	if !res.Online || res.Archived {
		t.Errorf("result: %+v", res)
	}
	if r.store.Len() != 0 {
		t.Error("nothing should be archived")
	}
	got, _ := r.dir.GetCamera(context.Background(), "busy-cam")
	if got.ThumbnailURL != "" {
		t.Error("no thumbnail expected")
	}
}

func TestCycleNoEndpointNoNetworkIO(t *testing.T) {
	// WHAT: A camera without an endpoint goes straight to offline with zero
	// probe attempts.
	p := &stubProber{results: []probe.Result{{Status: probe.StatusCaptured}}}
	r := newRig(t, p, heartbeat.Options{})
	now := time.Now()
	r.seed(t, &directory.Camera{Exid: "bare-cam", IsOnline: true, LastOnlineAt: &now})

	res, err := r.orch.RunCycle(context.Background(), "bare-cam")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if p.calls.Load() != 0 {
		t.Errorf("probe attempts: got %d, want 0", p.calls.Load())
	}
	if res.Observation != track.ObservationNoEndpoint || res.Online {
		t.Errorf("result: %+v", res)
	}
	if res.Transition == nil || *res.Transition != track.TransitionOffline {
		t.Error("previously-online camera losing its endpoint should log offline")
	}
}

func TestCycleInvalidImage(t *testing.T) {
	// WHAT: image/* headers with undecodable bytes count as a failure, not
	// a capture.
	cam := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("definitely not a jpeg"))
	}))
	defer cam.Close()

	r := newRig(t, nil, heartbeat.Options{})
	r.seed(t, &directory.Camera{Exid: "junk-cam", Endpoint: cam.URL, SnapshotPath: "/s.jpg"})

	res, err := r.orch.RunCycle(context.Background(), "junk-cam")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Observation != track.ObservationInvalidImage || res.Online || res.Archived {
		t.Errorf("result: %+v", res)
	}
}

func TestCycleArchiveFailureDegrades(t *testing.T) {
	// WHAT: Storage trouble skips the thumbnail but still marks the camera
	// online — a demonstrably working device is never penalized for our
	// infrastructure.
	frame := testJPEG(t)
	cam := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(frame)
	}))
	defer cam.Close()

	r := newRig(t, nil, heartbeat.Options{})
	r.store.FailPuts = true
	r.seed(t, &directory.Camera{Exid: "deg-cam", Endpoint: cam.URL, SnapshotPath: "/s.jpg"})

	res, err := r.orch.RunCycle(context.Background(), "deg-cam")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if !res.Online || res.Archived || !res.Degraded {
		t.Errorf("result: %+v", res)
	}
	got, _ := r.dir.GetCamera(context.Background(), "deg-cam")
	if !got.IsOnline {
		t.Error("online flag must still be persisted")
	}
	if got.ThumbnailURL != "" {
		t.Error("no thumbnail should be recorded")
	}
}

func TestCycleCameraNotFound(t *testing.T) {
	r := newRig(t, &stubProber{results: []probe.Result{{}}}, heartbeat.Options{})
	_, err := r.orch.RunCycle(context.Background(), "ghost")
	if !errors.Is(err, heartbeat.ErrCameraNotFound) {
		t.Fatalf("error: got %v, want ErrCameraNotFound", err)
	}
}

func TestCycleDeadlineAborts(t *testing.T) {
	// WHAT: A cycle past its deadline aborts with an error instead of
	// limping through the remaining states.
	p := &stubProber{
		results: []probe.Result{{Status: probe.StatusUnreachable}},
		block:   50 * time.Millisecond,
	}
	r := newRig(t, p, heartbeat.Options{Deadline: 10 * time.Millisecond})
	r.seed(t, &directory.Camera{Exid: "slow-cam", Endpoint: "http://203.0.113.9", SnapshotPath: "/s.jpg"})

	_, err := r.orch.RunCycle(context.Background(), "slow-cam")
	if err == nil {
		t.Fatal("expected deadline abort")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error: got %v, want DeadlineExceeded", err)
	}
}

// pathProber serves a frame instantly, except on the slow path where it
// stalls until the cycle deadline fires.
type pathProber struct {
	slowPath string
	frame    []byte
}

func (p *pathProber) Fetch(ctx context.Context, rawURL string, _ *probe.Credentials) probe.Result {
	if strings.HasSuffix(rawURL, p.slowPath) {
		<-ctx.Done()
		return probe.Result{Status: probe.StatusUnreachable}
	}
	return probe.Result{Status: probe.StatusCaptured, Body: p.frame, ContentType: "image/jpeg"}
}

func TestCycleConcurrentDeadlineIsolation(t *testing.T) {
	// WHAT: A camera blowing its deadline neither delays nor fails another
	// camera's cycle running at the same time.
	p := &pathProber{slowPath: "/laggy", frame: testJPEG(t)}
	r := newRig(t, p, heartbeat.Options{Deadline: 250 * time.Millisecond})
	r.seed(t, &directory.Camera{Exid: "laggy-cam", Endpoint: "http://203.0.113.9", SnapshotPath: "/laggy"})
	r.seed(t, &directory.Camera{Exid: "brisk-cam", Endpoint: "http://203.0.113.10", SnapshotPath: "/s.jpg"})

	var wg sync.WaitGroup
	var laggyErr, briskErr error
	var briskRes *heartbeat.CycleResult
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, laggyErr = r.orch.RunCycle(context.Background(), "laggy-cam")
	}()
	go func() {
		defer wg.Done()
		briskRes, briskErr = r.orch.RunCycle(context.Background(), "brisk-cam")
	}()
	wg.Wait()

	if !errors.Is(laggyErr, context.DeadlineExceeded) {
		t.Fatalf("slow camera: got %v, want DeadlineExceeded", laggyErr)
	}
	// The fast camera ran under the same deadline, so finishing at all
	// proves the stalled cycle held nothing it needed.
	if briskErr != nil {
		t.Fatalf("concurrent cycle: %v", briskErr)
	}
	if briskRes.Observation != track.ObservationCaptured || !briskRes.Online || !briskRes.Archived {
		t.Errorf("concurrent result: %+v", briskRes)
	}
}

func TestCycleIsolation(t *testing.T) {
	// WHAT: One camera's deadline abort leaves another camera's cycle
	// untouched in the same orchestrator.
	frame := testJPEG(t)
	cam := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(frame)
	}))
	defer cam.Close()

	r := newRig(t, nil, heartbeat.Options{})
	r.seed(t, &directory.Camera{Exid: "good-cam", Endpoint: cam.URL, SnapshotPath: "/s.jpg"})

	if _, err := r.orch.RunCycle(context.Background(), "ghost"); err == nil {
		t.Fatal("expected failure for missing camera")
	}

	res, err := r.orch.RunCycle(context.Background(), "good-cam")
	if err != nil {
		t.Fatalf("good camera cycle: %v", err)
	}
	if !res.Online {
		t.Errorf("result: %+v", res)
	}
}
