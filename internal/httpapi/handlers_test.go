package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentmesh/meshd/internal/idempotency"
	"github.com/agentmesh/meshd/internal/mesh"
	"github.com/agentmesh/meshd/internal/scheduler"
	"github.com/agentmesh/meshd/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAPI(t *testing.T) (*API, *TokenIssuer) {
	t.Helper()
	st := store.NewMemoryStore()
	sched := scheduler.New(testLogger(), st, nil, func(ctx context.Context, agentID string) (scheduler.AgentResult, error) {
		return scheduler.AgentResult{Status: store.RunOK}, nil
	}, scheduler.DefaultConfig())
	facade := mesh.New(testLogger(), st, nil, nil, 100)
	hub := mesh.NewEventHub(testLogger())
	idem := idempotency.NewStore(testLogger(), nil)
	issuer := NewTokenIssuer("test-secret-at-least-32-bytes-long")

	return New(testLogger(), st, sched, facade, hub, idem, issuer), issuer
}

func authedRequest(t *testing.T, issuer *TokenIssuer, method, target string, body any) *http.Request {
	t.Helper()
	token, err := issuer.Generate("operator")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestCreateScheduleRequiresAuth(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/schedules", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	api.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without Authorization header, got %d", rec.Code)
	}
}

func TestCreateScheduleValidatesBody(t *testing.T) {
	api, issuer := newTestAPI(t)
	req := authedRequest(t, issuer, http.MethodPost, "/schedules", map[string]any{"agentId": "", "intervalMs": 0})
	rec := httptest.NewRecorder()

	api.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid body, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateScheduleSucceeds(t *testing.T) {
	api, issuer := newTestAPI(t)
	req := authedRequest(t, issuer, http.MethodPost, "/schedules", map[string]any{
		"agentId":    "agent-1",
		"intervalMs": 60000,
		"visibility": "public",
	})
	rec := httptest.NewRecorder()

	api.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var sc store.Schedule
	if err := json.Unmarshal(rec.Body.Bytes(), &sc); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if sc.AgentID != "agent-1" || sc.State != store.ScheduleActive {
		t.Fatalf("unexpected schedule: %+v", sc)
	}
}

func TestPauseEnqueuesPauseSignal(t *testing.T) {
	api, issuer := newTestAPI(t)

	createReq := authedRequest(t, issuer, http.MethodPost, "/schedules", map[string]any{
		"agentId":    "agent-2",
		"intervalMs": 60000,
		"visibility": "public",
	})
	createRec := httptest.NewRecorder()
	api.Routes().ServeHTTP(createRec, createReq)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("expected schedule creation to succeed, got %d", createRec.Code)
	}

	pauseReq := authedRequest(t, issuer, http.MethodPost, "/schedules/agent-2/pause", map[string]any{"reason": "maintenance"})
	pauseRec := httptest.NewRecorder()
	api.Routes().ServeHTTP(pauseRec, pauseReq)
	if pauseRec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for pause signal, got %d: %s", pauseRec.Code, pauseRec.Body.String())
	}

	signals, err := api.st.DrainSignals(context.Background(), mustScheduleID(t, api, "agent-2"))
	if err != nil {
		t.Fatalf("drain signals: %v", err)
	}
	if len(signals) != 1 || signals[0].Kind != store.SignalPause {
		t.Fatalf("expected one pause signal, got %+v", signals)
	}
}

func mustScheduleID(t *testing.T, api *API, agentID string) string {
	t.Helper()
	sc, err := api.st.GetScheduleByAgent(context.Background(), agentID)
	if err != nil || sc == nil {
		t.Fatalf("expected schedule for %s: %v", agentID, err)
	}
	return sc.ID
}

func TestPauseRequiresExistingSchedule(t *testing.T) {
	api, issuer := newTestAPI(t)
	req := authedRequest(t, issuer, http.MethodPost, "/schedules/no-such-agent/pause", nil)
	rec := httptest.NewRecorder()

	api.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown agent, got %d", rec.Code)
	}
}

func TestIdempotencyKeyReplaysCachedResponse(t *testing.T) {
	api, issuer := newTestAPI(t)

	token, err := issuer.Generate("operator")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	body := []byte(`{"agentId":"agent-3","intervalMs":1000,"visibility":"public"}`)

	makeReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/schedules", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Idempotency-Key", "create-agent-3")
		return req
	}

	rec1 := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec1, makeReq())
	if rec1.Code != http.StatusCreated {
		t.Fatalf("expected first request to succeed, got %d: %s", rec1.Code, rec1.Body.String())
	}

	rec2 := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec2, makeReq())
	if rec2.Code != rec1.Code || rec2.Body.String() != rec1.Body.String() {
		t.Fatalf("expected replayed response to match original, got %d vs %d", rec2.Code, rec1.Code)
	}
}

func TestEventStreamRequiresAuth(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/events/stream", nil)
	rec := httptest.NewRecorder()

	api.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without Authorization header, got %d", rec.Code)
	}
}

func TestHealthEndpointDoesNotRequireAuth(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	api.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
