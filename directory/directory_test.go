package directory_test

import (
	"context"
	"testing"
	"time"

	"github.com/camfleet/fleetbeat/dbopen"
	"github.com/camfleet/fleetbeat/directory"
)

func newStore(t *testing.T) *directory.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s := directory.NewStore(db)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func TestPutGetCamera(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	cam := &directory.Camera{
		Exid:         "front-door",
		Name:         "Front Door",
		Owner:        "ops",
		Endpoint:     "http://203.0.113.10:8080",
		SnapshotPath: "/snapshot.jpg",
		Username:     "admin",
		Password:     "hunter2",
	}
	if err := s.PutCamera(ctx, cam); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetCamera(ctx, "front-door")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("camera not found after put")
	}
	if got.SnapshotURL() != "http://203.0.113.10:8080/snapshot.jpg" {
		t.Errorf("snapshot url: got %q", got.SnapshotURL())
	}
	if !got.HasCredentials() {
		t.Error("expected credentials")
	}
	if got.IsOnline {
		t.Error("new camera should start offline")
	}
	if got.LastPolledAt != nil || got.LastOnlineAt != nil {
		t.Error("never-polled camera should have nil poll timestamps")
	}
}

func TestGetCameraMissing(t *testing.T) {
	// WHAT: A missing camera is nil, nil — not an error.
	// WHY: Camera-not-found aborts one cycle, it is not an infrastructure
	// failure.
	s := newStore(t)
	got, err := s.GetCamera(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for missing camera")
	}
}

func TestSnapshotURLWithoutEndpoint(t *testing.T) {
	c := &directory.Camera{Exid: "bare", SnapshotPath: "/snap.jpg"}
	if got := c.SnapshotURL(); got != "" {
		t.Errorf("expected empty url, got %q", got)
	}
}

func TestListCameraIDs(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"cam-b", "cam-a", "cam-c"} {
		if err := s.PutCamera(ctx, &directory.Camera{Exid: id}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	ids, err := s.ListCameraIDs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"cam-a", "cam-b", "cam-c"}
	if len(ids) != len(want) {
		t.Fatalf("got %d ids, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d]: got %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestUpdatePollState(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.PutCamera(ctx, &directory.Camera{Exid: "cam-1", ThumbnailURL: "old-thumb"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	polled := time.Unix(1700000000, 0)
	online := time.Unix(1700000000, 0)
	thumb := "https://store.example/cam-1/snapshots/1700000000.jpg?X-Amz-Date=20231114T221320Z"
	err := s.UpdatePollState(ctx, "cam-1", directory.PollState{
		IsOnline:     true,
		LastPolledAt: polled,
		LastOnlineAt: &online,
		ThumbnailURL: &thumb,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := s.GetCamera(ctx, "cam-1")
	if !got.IsOnline {
		t.Error("expected online")
	}
	if got.LastPolledAt == nil || !got.LastPolledAt.Equal(polled) {
		t.Errorf("last_polled_at: got %v", got.LastPolledAt)
	}
	if got.ThumbnailURL != thumb {
		t.Errorf("thumbnail: got %q", got.ThumbnailURL)
	}
}

func TestUpdatePollStatePartial(t *testing.T) {
	// WHAT: Nil optional fields keep stored values.
	// WHY: A failed archive must not erase the last good thumbnail.
	s := newStore(t)
	ctx := context.Background()
	online := time.Unix(1700000000, 0)
	thumb := "keep-me"
	if err := s.PutCamera(ctx, &directory.Camera{Exid: "cam-1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.UpdatePollState(ctx, "cam-1", directory.PollState{
		IsOnline: true, LastPolledAt: online, LastOnlineAt: &online, ThumbnailURL: &thumb,
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// Offline update with no optional fields.
	if err := s.UpdatePollState(ctx, "cam-1", directory.PollState{
		IsOnline: false, LastPolledAt: online.Add(time.Minute),
	}); err != nil {
		t.Fatalf("second update: %v", err)
	}

	got, _ := s.GetCamera(ctx, "cam-1")
	if got.IsOnline {
		t.Error("expected offline")
	}
	if got.ThumbnailURL != "keep-me" {
		t.Errorf("thumbnail erased: got %q", got.ThumbnailURL)
	}
	if got.LastOnlineAt == nil || !got.LastOnlineAt.Equal(online) {
		t.Errorf("last_online_at erased: got %v", got.LastOnlineAt)
	}
}

func TestUpdatePollStateMissingCamera(t *testing.T) {
	s := newStore(t)
	err := s.UpdatePollState(context.Background(), "ghost", directory.PollState{
		LastPolledAt: time.Now(),
	})
	if err == nil {
		t.Fatal("expected error for missing camera")
	}
}

func TestAppendAndListActivities(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	base := time.Unix(1700000000, 0)
	entries := []struct {
		id, action string
		at         time.Time
	}{
		{"act_1", directory.ActionOffline, base},
		{"act_2", directory.ActionOnline, base.Add(time.Minute)},
		{"act_3", directory.ActionCaptured, base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if err := s.AppendActivity(ctx, &directory.Activity{
			ID: e.id, Exid: "cam-1", Action: e.action, DoneAt: e.at,
		}); err != nil {
			t.Fatalf("append %s: %v", e.id, err)
		}
	}

	got, err := s.ListActivities(ctx, "cam-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d activities, want 3", len(got))
	}
	// Newest first.
	if got[0].Action != directory.ActionCaptured {
		t.Errorf("got[0].Action = %q, want captured", got[0].Action)
	}
}

func TestAppendActivityDedup(t *testing.T) {
	// WHAT: The same (camera, action, done_at) inserted twice stays one row.
	// WHY: A redelivered poll job must not double-log a transition.
	s := newStore(t)
	ctx := context.Background()
	at := time.Unix(1700000000, 0)

	for _, id := range []string{"act_a", "act_b"} {
		if err := s.AppendActivity(ctx, &directory.Activity{
			ID: id, Exid: "cam-1", Action: directory.ActionOffline, DoneAt: at,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, _ := s.ListActivities(ctx, "cam-1", 10)
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
}

func TestWebhooks(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.AddWebhook(ctx, &directory.Webhook{ID: "wh_1", Exid: "cam-1", URL: "https://a.example/hook"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddWebhook(ctx, &directory.Webhook{ID: "wh_2", Exid: "cam-1", URL: "https://b.example/hook"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddWebhook(ctx, &directory.Webhook{ID: "wh_3", Exid: "cam-2", URL: "https://c.example/hook"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := s.ListWebhooks(ctx, "cam-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d webhooks, want 2", len(got))
	}
}

func TestDeleteCamera(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.PutCamera(ctx, &directory.Camera{Exid: "cam-1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.AddWebhook(ctx, &directory.Webhook{ID: "wh_1", Exid: "cam-1", URL: "https://a.example"}); err != nil {
		t.Fatalf("add webhook: %v", err)
	}
	if err := s.AppendActivity(ctx, &directory.Activity{ID: "act_1", Exid: "cam-1", Action: directory.ActionOnline}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.DeleteCamera(ctx, "cam-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := s.GetCamera(ctx, "cam-1"); got != nil {
		t.Error("camera still present after delete")
	}
	if hooks, _ := s.ListWebhooks(ctx, "cam-1"); len(hooks) != 0 {
		t.Error("webhooks still present after delete")
	}
	if acts, _ := s.ListActivities(ctx, "cam-1", 10); len(acts) != 0 {
		t.Error("activities still present after delete")
	}
}
