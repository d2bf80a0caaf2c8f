// Package httpapi is the control surface: net/http handlers for
// createSchedule/pause/resume/runNow/getAnalytics/getEvents, wrapped in
// auth + CORS + idempotency-key middleware, per spec.md §6 and
// SPEC_FULL.md §6's control-surface detail.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmesh/meshd/internal/idempotency"
	"github.com/agentmesh/meshd/internal/mesh"
	"github.com/agentmesh/meshd/internal/scheduler"
	"github.com/agentmesh/meshd/internal/store"
)

// API wires the control surface's handlers to the scheduler, store,
// mesh facade, and idempotency cache. Generalized from FluxForge's
// control_plane.API struct (store/scheduler/idempotency fields, plus
// the dashboard/ws-hub services this system folds into internal/mesh).
type API struct {
	log      *slog.Logger
	st       store.Store
	sched    *scheduler.Scheduler
	facade   *mesh.Facade
	hub      *mesh.EventHub
	idem     *idempotency.Store
	issuer   *TokenIssuer
	validate *validator.Validate
}

func New(logger *slog.Logger, st store.Store, sched *scheduler.Scheduler, facade *mesh.Facade, hub *mesh.EventHub, idem *idempotency.Store, issuer *TokenIssuer) *API {
	return &API{
		log:      logger,
		st:       st,
		sched:    sched,
		facade:   facade,
		hub:      hub,
		idem:     idem,
		issuer:   issuer,
		validate: validator.New(),
	}
}

// Routes builds the full handler chain: CORS wraps everything, auth
// wraps everything but /health and /metrics, per
// control_plane/main.go's "CORSMiddleware wraps http.DefaultServeMux,
// AuthMiddleware wraps individual routes" layering.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /schedules", a.withIdempotency(a.handleCreateSchedule))
	protected.HandleFunc("GET /schedules/{agentId}", a.handleGetSchedule)
	protected.HandleFunc("DELETE /schedules/{agentId}", a.handleDeleteSchedule)
	protected.HandleFunc("POST /schedules/{agentId}/pause", a.withIdempotency(a.handlePause))
	protected.HandleFunc("POST /schedules/{agentId}/resume", a.withIdempotency(a.handleResume))
	protected.HandleFunc("POST /schedules/{agentId}/run-now", a.withIdempotency(a.handleRunNow))
	protected.HandleFunc("POST /schedules/{agentId}/abort", a.handleAbort)
	protected.HandleFunc("GET /analytics/{agentId}", a.handleGetAnalytics)
	protected.HandleFunc("GET /events", a.handleGetEvents)
	if a.hub != nil {
		protected.HandleFunc("GET /events/stream", a.hub.ServeWS)
	}

	mux.Handle("/", authMiddleware(a.issuer, protected))

	return corsMiddleware(mux)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// responseRecorder captures a handler's response for the idempotency
// cache, the same shape as control_plane/api.go's responseRecorder.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays a cached response for a repeated
// X-Idempotency-Key instead of re-running the handler, so a retried
// createSchedule/pause/resume/runNow request doesn't double-enqueue,
// per SPEC_FULL.md's supplemental idempotency-key middleware.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idem.Get(r.Context(), key); found {
			for k, vals := range resp.Headers {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idem.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

type createScheduleRequest struct {
	AgentID     string             `json:"agentId" validate:"required"`
	IntervalMs  int64              `json:"intervalMs" validate:"required,gt=0"`
	ActiveHours *store.ActiveHours `json:"activeHours,omitempty"`
	Visibility  string             `json:"visibility" validate:"required,oneof=public private"`
}

func (a *API) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := a.st.GetScheduleByAgent(r.Context(), req.AgentID)
	if err != nil {
		a.log.Error("httpapi: get schedule by agent failed", "agentId", req.AgentID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	now := time.Now().UnixMilli()
	sc := &store.Schedule{
		AgentID:     req.AgentID,
		IntervalMs:  req.IntervalMs,
		ActiveHours: req.ActiveHours,
		Visibility:  req.Visibility,
		State:       store.ScheduleActive,
		NextRunAt:   now + req.IntervalMs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing != nil {
		sc.ID = existing.ID
		sc.CreatedAt = existing.CreatedAt
	}

	if err := a.st.UpsertSchedule(r.Context(), sc); err != nil {
		a.log.Error("httpapi: upsert schedule failed", "agentId", req.AgentID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, sc)
}

func (a *API) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	sc, err := a.st.GetScheduleByAgent(r.Context(), agentID)
	if err != nil {
		a.log.Error("httpapi: get schedule failed", "agentId", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sc == nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (a *API) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	sc, err := a.st.GetScheduleByAgent(r.Context(), agentID)
	if err != nil {
		a.log.Error("httpapi: get schedule failed", "agentId", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sc == nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err := a.st.DeleteSchedule(r.Context(), sc.ID); err != nil {
		a.log.Error("httpapi: delete schedule failed", "agentId", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type signalRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (a *API) enqueueSignal(w http.ResponseWriter, r *http.Request, kind store.SignalKind) {
	agentID := r.PathValue("agentId")
	sc, err := a.st.GetScheduleByAgent(r.Context(), agentID)
	if err != nil {
		a.log.Error("httpapi: get schedule failed", "agentId", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sc == nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}

	var req signalRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := a.st.EnqueueSignal(r.Context(), &store.Signal{
		ScheduleID: sc.ID,
		Kind:       kind,
		Reason:     req.Reason,
		Timestamp:  time.Now().UnixMilli(),
	}); err != nil {
		a.log.Error("httpapi: enqueue signal failed", "agentId", agentID, "kind", kind, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "signal enqueued"})
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request)  { a.enqueueSignal(w, r, store.SignalPause) }
func (a *API) handleResume(w http.ResponseWriter, r *http.Request) { a.enqueueSignal(w, r, store.SignalResume) }
func (a *API) handleRunNow(w http.ResponseWriter, r *http.Request) { a.enqueueSignal(w, r, store.SignalRunNow) }

// handleAbort cancels a schedule's in-flight run, if any — an
// operator action distinct from the pause/resume/runNow signals the
// scheduler drains on its own timer.
func (a *API) handleAbort(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, "operator", "admin") {
		return
	}

	agentID := r.PathValue("agentId")
	sc, err := a.st.GetScheduleByAgent(r.Context(), agentID)
	if err != nil {
		a.log.Error("httpapi: get schedule failed", "agentId", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sc == nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}

	aborted := a.sched.Abort(sc.ID)
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}

func (a *API) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	rng := store.AnalyticsRange(r.URL.Query().Get("range"))
	if rng == "" {
		rng = store.Range24h
	}

	summary, err := a.st.GetAnalytics(r.Context(), agentID, rng)
	if err != nil {
		a.log.Error("httpapi: get analytics failed", "agentId", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EventFilter{
		Type:   q.Get("type"),
		Source: q.Get("source"),
		Target: q.Get("target"),
	}
	limit := 100

	events, err := a.facade.QueryHistory(r.Context(), filter, limit)
	if err != nil {
		a.log.Error("httpapi: query history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, events)
}
