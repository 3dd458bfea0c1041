package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dohr-michael/agentica-server/internal/agent"
	"github.com/dohr-michael/agentica-server/internal/delta"
	"github.com/dohr-michael/agentica-server/internal/ids"
	"github.com/dohr-michael/agentica-server/internal/notifier"
	"github.com/dohr-michael/agentica-server/internal/registry"
	"github.com/dohr-michael/agentica-server/internal/sandbox"
	"github.com/dohr-michael/agentica-server/internal/sequencer"
)

type stubGeneration struct{}

func (stubGeneration) Infer(ctx context.Context, history []delta.Delta, opts sequencer.ModelInference) (delta.Delta, error) {
	return delta.Delta{Content: "```\nreturn 1\n```", EndReason: delta.EndReasonStop}, nil
}

func (g stubGeneration) InferStreaming(ctx context.Context, history []delta.Delta, opts sequencer.ModelInference, onPartial func(delta.Delta)) (delta.Delta, error) {
	return g.Infer(ctx, history, opts)
}

type stubFactory struct{ bus *notifier.Bus }

func (f *stubFactory) NewAgent(ctx context.Context, cid ids.CID, spec agent.ModelSpec, req registry.CreateAgentRequest) (*agent.Agent, error) {
	guest := sandbox.NewInProcessGuest(nil)
	bridge := sandbox.NewBridge(guest, nil)
	return agent.New(agent.Config{
		UID:        ids.NewUID(),
		CID:        cid,
		ModelSpec:  spec,
		Budget:     agent.TokenBudget{MaxRounds: 5},
		ReturnType: "str",
	}, bridge, stubGeneration{}, f.bus), nil
}

type stubSocketHandler struct{ called bool }

func (s *stubSocketHandler) ServeSocket(w http.ResponseWriter, r *http.Request, cid ids.CID) {
	s.called = true
	w.WriteHeader(http.StatusOK)
}

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	promReg := prometheus.NewRegistry()
	bus := notifier.NewBus(64, notifier.NewMetrics(promReg))
	t.Cleanup(bus.Close)
	reg := registry.New(&stubFactory{bus: bus}, 4)
	vp := NewVersionPolicy("1.0.0")
	s := NewServer(reg, bus, &stubSocketHandler{}, promReg, vp, "127.0.0.1", 0)
	return s, reg
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSessionRegisterRequiresHeader(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/session/register", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAgentCreateFullRoundTrip(t *testing.T) {
	s, reg := newTestServer(t)

	cid := ids.CID("session-1")
	regReq := httptest.NewRequest(http.MethodPost, "/session/register", nil)
	regReq.Header.Set(ClientSessionHeader, string(cid))
	regRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(regRec, regReq)
	if regRec.Code != http.StatusOK {
		t.Fatalf("register status = %d", regRec.Code)
	}

	body := strings.NewReader(`{"model":"openai:gpt-4"}`)
	createReq := httptest.NewRequest(http.MethodPost, "/agent/create", body)
	createReq.Header.Set(ClientSessionHeader, string(cid))
	createRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(createRec, createReq)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", createRec.Code, createRec.Body.String())
	}

	var created map[string]string
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	uid := ids.UID(created["uid"])
	if _, ok := reg.Lookup(uid); !ok {
		t.Fatalf("agent %s not found in registry", uid)
	}

	destroyReq := httptest.NewRequest(http.MethodDelete, "/agent/destroy/"+string(uid), nil)
	destroyRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(destroyRec, destroyReq)
	if destroyRec.Code != http.StatusNoContent {
		t.Fatalf("destroy status = %d", destroyRec.Code)
	}

	destroyAgainRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(destroyAgainRec, destroyReq)
	if destroyAgainRec.Code != http.StatusNotFound {
		t.Fatalf("second destroy status = %d, want 404", destroyAgainRec.Code)
	}
}

func TestAgentCreateRejectsUnregisteredSession(t *testing.T) {
	s, _ := newTestServer(t)
	body := strings.NewReader(`{"model":"openai:gpt-4"}`)
	req := httptest.NewRequest(http.MethodPost, "/agent/create", body)
	req.Header.Set(ClientSessionHeader, "never-registered")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError && rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want an error status", rec.Code)
	}
}

func TestAgentCreateRejectsUnsupportedSDKVersion(t *testing.T) {
	s, _ := newTestServer(t)
	body := strings.NewReader(`{"model":"openai:gpt-4","protocol":"python/0.0.1"}`)
	req := httptest.NewRequest(http.MethodPost, "/agent/create", body)
	req.Header.Set(ClientSessionHeader, "session-1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUpgradeRequired {
		t.Fatalf("status = %d, want 426", rec.Code)
	}
}

func TestSocketUpgradeHasNoSDKVersionGate(t *testing.T) {
	s, reg := newTestServer(t)
	cid := ids.CID("session-socket")
	reg.RegisterSession(cid)

	req := httptest.NewRequest(http.MethodGet, "/socket", nil)
	req.Header.Set(ClientSessionHeader, string(cid))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code == http.StatusUpgradeRequired {
		t.Fatalf("socket route must not apply the SDK version gate, got 426")
	}
}

func TestAgentDestroyUnknownUIDReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/agent/destroy/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSocketRequiresRegisteredSession(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/socket", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
