package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgehive/fleetd/internal/apperr"
	"github.com/edgehive/fleetd/internal/engine"
	"github.com/edgehive/fleetd/internal/state"
	"github.com/edgehive/fleetd/internal/store"
)

type stubEngine struct {
	current    state.Snapshot
	target     state.Snapshot
	summary    engine.Summary
	reconcile  error
	rejection  string
	reconciles int
}

func (s *stubEngine) GetCurrent() state.Snapshot { return s.current.Clone() }
func (s *stubEngine) GetTarget() state.Snapshot  { return s.target.Clone() }
func (s *stubEngine) Reconcile(ctx context.Context) (engine.Summary, error) {
	s.reconciles++
	return s.summary, s.reconcile
}
func (s *stubEngine) TargetRejection() (string, bool) { return s.rejection, s.rejection != "" }

type stubPinger struct{ err error }

func (s stubPinger) Ping(ctx context.Context) error { return s.err }

type stubIdentity struct {
	ident store.DeviceIdentity
	err   error
}

func (s stubIdentity) GetIdentity(ctx context.Context) (store.DeviceIdentity, error) {
	return s.ident, s.err
}

func newTestHandler(eng *stubEngine, ping stubPinger, token string) http.Handler {
	return NewHandler(Deps{
		Engine:   eng,
		Runtime:  ping,
		Identity: stubIdentity{ident: store.DeviceIdentity{UUID: "dev-1", Provisioned: true}},
		Token:    token,
	})
}

func TestGetState(t *testing.T) {
	eng := &stubEngine{current: state.NewSnapshot(), target: state.NewSnapshot()}
	eng.current.Apps[1001] = state.App{AppID: 1001, AppName: "web"}
	h := newTestHandler(eng, stubPinger{}, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/state", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		State state.Snapshot `json:"state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State.Apps[1001].AppName != "web" {
		t.Fatalf("state = %+v", resp.State)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	eng := &stubEngine{
		current: state.NewSnapshot(), target: state.NewSnapshot(),
		summary: engine.Summary{Outcome: engine.OutcomeCompleted, PlanSteps: 2, Executed: 2},
	}
	h := newTestHandler(eng, stubPinger{}, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/reconcile", nil))

	if rec.Code != http.StatusOK || eng.reconciles != 1 {
		t.Fatalf("status = %d, reconciles = %d", rec.Code, eng.reconciles)
	}
}

func TestReconcileEndpointConflict(t *testing.T) {
	eng := &stubEngine{
		current: state.NewSnapshot(), target: state.NewSnapshot(),
		reconcile: apperr.New(apperr.KindAlreadyRunning, "busy"),
	}
	h := newTestHandler(eng, stubPinger{}, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/reconcile", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestHealthReflectsRuntime(t *testing.T) {
	eng := &stubEngine{current: state.NewSnapshot(), target: state.NewSnapshot()}

	h := newTestHandler(eng, stubPinger{}, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", rec.Code)
	}

	h = newTestHandler(eng, stubPinger{err: apperr.New(apperr.KindTransient, "daemon down")}, "")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d", rec.Code)
	}
}

func TestTokenGuardsV1(t *testing.T) {
	eng := &stubEngine{current: state.NewSnapshot(), target: state.NewSnapshot()}
	h := newTestHandler(eng, stubPinger{}, "sekrit")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/state", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token = %d", rec.Code)
	}

	// Health stays open for supervisors.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health with token required = %d", rec.Code)
	}
}

func TestDeviceEndpointUnprovisioned(t *testing.T) {
	eng := &stubEngine{current: state.NewSnapshot(), target: state.NewSnapshot()}
	h := NewHandler(Deps{
		Engine:   eng,
		Runtime:  stubPinger{},
		Identity: stubIdentity{err: apperr.New(apperr.KindNotProvisioned, "no identity")},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/device", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["provisioned"] != false {
		t.Fatalf("resp = %+v", resp)
	}
}
