package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/modelfleet/router/internal/auth"
	"github.com/modelfleet/router/internal/engine"
	"github.com/modelfleet/router/internal/lifecycle"
	"github.com/modelfleet/router/internal/prober"
	"github.com/modelfleet/router/internal/registry"
	"github.com/modelfleet/router/internal/selector"
	"github.com/modelfleet/router/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEngine struct {
	mu    sync.Mutex
	state map[string]engine.State
}

func newFakeEngine(initial map[string]engine.State) *fakeEngine {
	return &fakeEngine{state: initial}
}

func (f *fakeEngine) Inspect(_ context.Context, container string) (engine.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.state[container]
	if !ok {
		return engine.StateMissing, nil
	}
	return st, nil
}

func (f *fakeEngine) Start(_ context.Context, container string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[container] = engine.StateRunning
	return nil
}

func (f *fakeEngine) Stop(_ context.Context, container string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[container] = engine.StateStopped
	return nil
}

func (f *fakeEngine) Kill(_ context.Context, container string) error {
	return f.Stop(context.Background(), container, 0)
}

// newTestGateway wires a Gateway against a single chat backend whose
// base_url points at srv, with a running container in eng.
func newTestGateway(t *testing.T, requireAPIKey bool, srv *httptest.Server) (*Gateway, *registry.Registry) {
	t.Helper()

	reg, err := registry.New([]registry.Spec{
		{Model: "m", Kind: "chat", GPU: "0", Strategy: "long", BaseURL: srv.URL, Container: "c0"},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	st := state.New(reg)
	eng := newFakeEngine(map[string]engine.State{"c0": engine.StateRunning})
	prb := prober.New(time.Second)

	ctrl := lifecycle.New(reg, st, eng, prb, lifecycle.Config{
		DefaultModelCap:    10,
		InteractiveWarmup:  time.Second,
		AutomationWarmup:   time.Second,
		HealthProbeTimeout: time.Second,
		MaxStartRetries:    1,
		StopTimeout:        time.Second,
	}, testLogger(), nil)

	authn := auth.New(requireAPIKey, "itok", "atok")

	gw := NewGateway(Options{
		Registry:      reg,
		Store:         st,
		Authenticator: authn,
		Controller:    ctrl,
		SelectorCfg:   selector.Config{},
		Logger:        testLogger(),
	})
	return gw, reg
}

func newJSONRequestCtx(method, path, body string, headers map[string]string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(path)
	req.SetBodyString(body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	ctx.Init(&req, nil, nil)
	return &ctx
}

func failIfHitServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected upstream call: %s %s", r.Method, r.URL.Path)
	}))
}

func TestAdmitAndProxyRejectsUnauthorized(t *testing.T) {
	srv := failIfHitServer(t)
	defer srv.Close()
	gw, _ := newTestGateway(t, true, srv)

	ctx := newJSONRequestCtx("POST", "/v1/chat/completions", `{"model":"m"}`, nil)
	gw.admitAndProxy(ctx, registry.KindChat, "/chat/completions", false)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusUnauthorized {
		t.Errorf("status = %d, want %d", got, fasthttp.StatusUnauthorized)
	}
}

func TestAdmitAndProxyRejectsMissingModel(t *testing.T) {
	srv := failIfHitServer(t)
	defer srv.Close()
	gw, _ := newTestGateway(t, false, srv)

	ctx := newJSONRequestCtx("POST", "/v1/chat/completions", `{}`, nil)
	gw.admitAndProxy(ctx, registry.KindChat, "/chat/completions", false)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusBadRequest {
		t.Errorf("status = %d, want %d", got, fasthttp.StatusBadRequest)
	}
}

func TestAdmitAndProxyRejectsUnknownModel(t *testing.T) {
	srv := failIfHitServer(t)
	defer srv.Close()
	gw, _ := newTestGateway(t, false, srv)

	ctx := newJSONRequestCtx("POST", "/v1/chat/completions", `{"model":"does-not-exist"}`, nil)
	gw.admitAndProxy(ctx, registry.KindChat, "/chat/completions", false)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusBadRequest {
		t.Errorf("status = %d, want %d (unknown_model)", got, fasthttp.StatusBadRequest)
	}
}

func TestAdmitAndProxyForwardsToHealthyBackend(t *testing.T) {
	var sawBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/models" {
			w.Write([]byte(`{"data":[{"id":"m"}]}`))
			return
		}
		b, _ := io.ReadAll(r.Body)
		sawBody = b
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	gw, _ := newTestGateway(t, false, srv)

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}]}`
	ctx := newJSONRequestCtx("POST", "/v1/chat/completions", body, nil)
	gw.admitAndProxy(ctx, registry.KindChat, "/chat/completions", false)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", got, ctx.Response.Body())
	}
	var out map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("decode proxied response: %v", err)
	}
	if out["ok"] != true {
		t.Errorf("proxied response = %v, want ok:true", out)
	}
	if string(sawBody) != body {
		t.Errorf("upstream saw body %q, want %q", sawBody, body)
	}
}

func TestHandleModelsRequiresAuth(t *testing.T) {
	srv := failIfHitServer(t)
	defer srv.Close()
	gw, _ := newTestGateway(t, true, srv)

	ctx := newJSONRequestCtx("GET", "/v1/models", "", nil)
	gw.handleModels(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusUnauthorized {
		t.Errorf("status = %d, want %d", got, fasthttp.StatusUnauthorized)
	}
}

func TestHandleModelsListsRegistryModels(t *testing.T) {
	srv := failIfHitServer(t)
	defer srv.Close()
	gw, _ := newTestGateway(t, false, srv)

	ctx := newJSONRequestCtx("GET", "/v1/models", "", nil)
	gw.handleModels(ctx)

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Data) != 1 || out.Data[0].ID != "m" {
		t.Errorf("data = %+v, want one entry for model m", out.Data)
	}
}

func TestHandleHealthzIsUnauthenticated(t *testing.T) {
	srv := failIfHitServer(t)
	defer srv.Close()
	gw, _ := newTestGateway(t, true, srv)

	ctx := newJSONRequestCtx("GET", "/healthz", "", nil)
	gw.handleHealthz(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusOK {
		t.Errorf("status = %d, want 200 (no auth required)", got)
	}
}

func TestHandleDebugBackendsReportsInflightAndSticky(t *testing.T) {
	srv := failIfHitServer(t)
	defer srv.Close()
	gw, reg := newTestGateway(t, false, srv)

	backends := reg.All()
	gw.st.IncInflight(backends[0].ID)
	gw.st.SetSticky(backends[0].GPU, backends[0].ID)

	ctx := newJSONRequestCtx("GET", "/debug/backends", "", nil)
	gw.handleDebugBackends(ctx)

	var out struct {
		Backends []struct {
			ID       string `json:"id"`
			Inflight int64  `json:"inflight"`
		} `json:"backends"`
		Sticky map[string]string `json:"sticky"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Backends) != 1 || out.Backends[0].Inflight != 1 {
		t.Errorf("backends = %+v, want one entry with inflight=1", out.Backends)
	}
	if out.Sticky["0"] != backends[0].ID {
		t.Errorf("sticky[0] = %q, want %q", out.Sticky["0"], backends[0].ID)
	}
}
