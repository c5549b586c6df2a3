package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/modelfleet/router/internal/registry"
	"github.com/modelfleet/router/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080") without management
// endpoints.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.GET("/healthz", g.handleHealthz)
	r.GET("/v1/models", g.handleModels)
	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/embeddings", g.handleEmbeddings)
	r.POST("/v1/rerank", g.handleRerank)
	r.GET("/debug/backends", g.handleDebugBackends)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 300 * time.Second, // chat completions can run long
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.admitAndProxy(ctx, registry.KindChat, "/chat/completions", false)
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.admitAndProxy(ctx, registry.KindEmbeddings, "/embeddings", false)
}

func (g *Gateway) handleRerank(ctx *fasthttp.RequestCtx) {
	g.admitAndProxy(ctx, registry.KindRerank, "/rerank", true)
}

// handleHealthz is unauthenticated: it only reports that the router process
// itself is alive, not that any backend is.
func (g *Gateway) handleHealthz(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"ok": true, "ts": time.Now().Unix()})
}

// handleModels lists every distinct model the registry knows about, in the
// OpenAI-compatible /v1/models listing shape.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	if _, err := g.authn.Authenticate(string(ctx.Request.Header.Peek("Authorization"))); err != nil {
		apierr.WriteUnauthorized(ctx)
		return
	}
	type modelEntry struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	models := g.reg.Models()
	entries := make([]modelEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, modelEntry{ID: m, Object: "model"})
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": entries})
}

// handleDebugBackends dumps the live mutable state of every backend —
// inflight count, last-used time, and GPU sticky pointer — for operators.
func (g *Gateway) handleDebugBackends(ctx *fasthttp.RequestCtx) {
	if _, err := g.authn.Authenticate(string(ctx.Request.Header.Peek("Authorization"))); err != nil {
		apierr.WriteUnauthorized(ctx)
		return
	}
	type entry struct {
		ID       string `json:"id"`
		Model    string `json:"model"`
		Kind     string `json:"kind"`
		GPU      string `json:"gpu"`
		Inflight int64  `json:"inflight"`
		LastUsed string `json:"last_used,omitempty"`
	}
	var out []entry
	for _, b := range g.reg.All() {
		e := entry{ID: b.ID, Model: b.Model, Kind: string(b.Kind), GPU: b.GPU, Inflight: g.st.Inflight(b.ID)}
		if last := g.st.LastUsed(b.ID); !last.IsZero() {
			e.LastUsed = last.UTC().Format(time.RFC3339)
		}
		out = append(out, e)
	}
	sticky := map[string]string{}
	for _, gpu := range []string{"0", "1"} {
		if id, ok := g.st.Sticky(gpu); ok {
			sticky[gpu] = id
		}
	}
	writeJSON(ctx, map[string]any{"backends": out, "sticky": sticky})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
