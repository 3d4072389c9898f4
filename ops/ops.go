// Package ops exposes the operational HTTP surface: health, fleet
// status, camera inspection, on-demand polls and external snapshot
// registration. It is an internal tool endpoint, not a public API.
package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/camfleet/fleetbeat/archive"
	"github.com/camfleet/fleetbeat/directory"
	"github.com/camfleet/fleetbeat/heartbeat"
	"github.com/camfleet/fleetbeat/idgen"
	"github.com/camfleet/fleetbeat/jobq"
	"github.com/camfleet/fleetbeat/observability"
)

// CycleRunner runs one on-demand poll cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, exid string) (*heartbeat.CycleResult, error)
}

// Options configures the ops server.
type Options struct {
	// WorkerName is the fleet consumer whose heartbeat /status reports.
	WorkerName string
	// HeartbeatStaleness is the alive/stale boundary for /status.
	// Default: 45s.
	HeartbeatStaleness time.Duration
	// IDs generates activity ids. Default: prefixed UUIDv7.
	IDs idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.WorkerName == "" {
		o.WorkerName = "fleet-consumer"
	}
	if o.HeartbeatStaleness <= 0 {
		o.HeartbeatStaleness = 45 * time.Second
	}
	if o.IDs == nil {
		o.IDs = idgen.Prefixed("act_", idgen.Default)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Server is the ops HTTP handler set.
type Server struct {
	dir      *directory.Store
	queue    *jobq.Queue
	archiver *archive.Archiver
	events   *observability.EventLogger
	db       *sql.DB
	runner   CycleRunner
	opts     Options
}

// New creates a Server.
func New(dir *directory.Store, queue *jobq.Queue, archiver *archive.Archiver,
	events *observability.EventLogger, db *sql.DB, runner CycleRunner, opts Options) *Server {
	opts.defaults()
	return &Server{
		dir:      dir,
		queue:    queue,
		archiver: archiver,
		events:   events,
		db:       db,
		runner:   runner,
		opts:     opts,
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Route("/cameras/{exid}", func(r chi.Router) {
		r.Get("/", s.handleGetCamera)
		r.Get("/activities", s.handleActivities)
		r.Post("/poll", s.handlePoll)
		r.Get("/snapshots/latest", s.handleLatestSnapshot)
		r.Post("/snapshots/{timestamp}", s.handleRegisterSnapshot)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports queue depth, recent cycle outcomes and consumer
// liveness.
// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	qlen, err := s.queue.Len(ctx)
	if err != nil {
		http.Error(w, "queue unavailable", http.StatusInternalServerError)
		return
	}
	stats, err := s.events.Stats(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		http.Error(w, "event log unavailable", http.StatusInternalServerError)
		return
	}
	hb, err := observability.LatestHeartbeat(ctx, s.db, s.opts.WorkerName, s.opts.HeartbeatStaleness)
	if err != nil {
		http.Error(w, "heartbeat log unavailable", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queue_len": qlen,
		"cycles_1h": stats,
		"consumer":  hb,
	})
}

// handleGetCamera returns the camera record and logs a viewed activity.
// GET /cameras/{exid}
func (s *Server) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	exid := chi.URLParam(r, "exid")
	cam, err := s.dir.GetCamera(r.Context(), exid)
	if err != nil {
		http.Error(w, "directory unavailable", http.StatusInternalServerError)
		return
	}
	if cam == nil {
		http.Error(w, "camera not found", http.StatusNotFound)
		return
	}

	if err := s.dir.AppendActivity(r.Context(), &directory.Activity{
		ID:     s.opts.IDs(),
		Exid:   exid,
		Action: directory.ActionViewed,
		Actor:  "ops",
	}); err != nil {
		s.opts.Logger.Warn("ops: viewed activity failed", "exid", exid, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"exid":           cam.Exid,
		"name":           cam.Name,
		"owner":          cam.Owner,
		"is_online":      cam.IsOnline,
		"last_polled_at": cam.LastPolledAt,
		"last_online_at": cam.LastOnlineAt,
		"thumbnail_url":  cam.ThumbnailURL,
	})
}

// handleActivities returns the camera's recent activity log.
// GET /cameras/{exid}/activities?limit=N
func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	exid := chi.URLParam(r, "exid")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	acts, err := s.dir.ListActivities(r.Context(), exid, limit)
	if err != nil {
		http.Error(w, "directory unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, acts)
}

// handlePoll runs one synchronous poll cycle, outside the fleet
// schedule. A successful capture logs a captured activity with the
// requesting actor.
// POST /cameras/{exid}/poll
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	exid := chi.URLParam(r, "exid")

	res, err := s.runner.RunCycle(r.Context(), exid)
	if errors.Is(err, heartbeat.ErrCameraNotFound) {
		http.Error(w, "camera not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.opts.Logger.Error("ops: on-demand poll failed", "exid", exid, "error", err)
		http.Error(w, "poll failed", http.StatusBadGateway)
		return
	}

	if res.Archived {
		if err := s.dir.AppendActivity(r.Context(), &directory.Activity{
			ID:     s.opts.IDs(),
			Exid:   exid,
			Action: directory.ActionCaptured,
			Actor:  actorFrom(r),
		}); err != nil {
			s.opts.Logger.Warn("ops: captured activity failed", "exid", exid, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"exid":        res.Exid,
		"observation": res.Observation.String(),
		"is_online":   res.Online,
		"archived":    res.Archived,
		"duration_ms": res.Duration.Milliseconds(),
	})
}

// handleLatestSnapshot returns metadata for the camera's most recent
// snapshot record.
// GET /cameras/{exid}/snapshots/latest
func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	exid := chi.URLParam(r, "exid")
	snap, err := s.archiver.Latest(r.Context(), exid)
	if err != nil {
		http.Error(w, "archive unavailable", http.StatusInternalServerError)
		return
	}
	if snap == nil {
		http.Error(w, "no snapshots", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         snap.ID,
		"exid":       snap.Exid,
		"created_at": snap.CreatedAt.Unix(),
		"key":        snap.Key(),
		"notes":      snap.Notes,
	})
}

type registerRequest struct {
	Note string `json:"note"`
}

// handleRegisterSnapshot records an externally-pushed snapshot object.
// POST /cameras/{exid}/snapshots/{timestamp}
func (s *Server) handleRegisterSnapshot(w http.ResponseWriter, r *http.Request) {
	exid := chi.URLParam(r, "exid")
	unix, err := strconv.ParseInt(chi.URLParam(r, "timestamp"), 10, 64)
	if err != nil {
		http.Error(w, "invalid timestamp", http.StatusBadRequest)
		return
	}

	var req registerRequest
	// An empty body is fine; a malformed one is not.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Note == "" {
		req.Note = "external push"
	}

	created, err := s.archiver.RegisterExternal(r.Context(), exid, time.Unix(unix, 0), req.Note)
	if err != nil {
		s.opts.Logger.Error("ops: register snapshot failed", "exid", exid, "error", err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}
	if !created {
		http.Error(w, "object missing or already recorded", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"exid": exid, "created_at": unix})
}

func actorFrom(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "ops"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
