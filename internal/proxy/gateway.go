// Package proxy implements the router's HTTP surface: authentication,
// token estimation, backend admission, and transparent pass-through
// proxying to whichever backend the admission protocol chose.
//
// Proxying is deliberately dumb: once a backend is admitted, the request
// body is forwarded byte-for-byte and the response is copied back
// byte-for-byte, headers and status included. All of the interesting
// decisions happen before the proxy call, in internal/selector and
// internal/lifecycle.
package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/modelfleet/router/internal/auth"
	"github.com/modelfleet/router/internal/lifecycle"
	"github.com/modelfleet/router/internal/logger"
	"github.com/modelfleet/router/internal/metrics"
	"github.com/modelfleet/router/internal/registry"
	"github.com/modelfleet/router/internal/selector"
	"github.com/modelfleet/router/internal/state"
	"github.com/modelfleet/router/internal/tokens"
	"github.com/modelfleet/router/pkg/apierr"
)

// hopByHopHeaders are stripped when copying a response back to the caller,
// per RFC 7230 §6.1 — these describe the immediate connection, not the
// resource, and must not be forwarded across a proxy hop.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Gateway wires together the static registry, mutable state, selector,
// lifecycle controller, and HTTP transport into the router's request path.
type Gateway struct {
	reg    *registry.Registry
	st     *state.Store
	authn  *auth.Authenticator
	ctrl   *lifecycle.Controller
	selCfg selector.Config

	httpClient *http.Client

	log     *slog.Logger
	metrics *metrics.Registry
	reqLog  *logger.Logger

	corsOrigins []string
}

// Options bundles the Gateway's dependencies.
type Options struct {
	Registry      *registry.Registry
	Store         *state.Store
	Authenticator *auth.Authenticator
	Controller    *lifecycle.Controller
	SelectorCfg   selector.Config
	Logger        *slog.Logger
	Metrics       *metrics.Registry
	RequestLogger *logger.Logger
	CORSOrigins   []string
}

// NewGateway builds a Gateway from Options.
func NewGateway(opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		reg:         opts.Registry,
		st:          opts.Store,
		authn:       opts.Authenticator,
		ctrl:        opts.Controller,
		selCfg:      opts.SelectorCfg,
		httpClient:  &http.Client{},
		log:         log,
		metrics:     opts.Metrics,
		reqLog:      opts.RequestLogger,
		corsOrigins: opts.CORSOrigins,
	}
}

type chatRequestPeek struct {
	Model string `json:"model"`
}

// admitAndProxy runs authentication, model resolution, admission, and
// transparent proxying for one of the three model-scoped routes. suffixPath
// is appended to the backend's base URL (e.g. "/chat/completions"); when
// rootRoute is true it is instead appended to the backend's root
// (stripping a trailing /v1), matching the rerank backends' wire shape.
func (g *Gateway) admitAndProxy(ctx *fasthttp.RequestCtx, kind registry.Kind, suffixPath string, rootRoute bool) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	role, err := g.authn.Authenticate(string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		apierr.WriteUnauthorized(ctx)
		return
	}

	body := ctx.PostBody()
	model := peekModel(body)
	if model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "request body must include a model field", apierr.TypeInvalidRequest, apierr.CodeUnknownModel)
		return
	}

	var estimatedTokens *int
	if kind == registry.KindChat {
		n := tokens.Estimate(body)
		estimatedTokens = &n
		if g.metrics != nil {
			g.metrics.AddEstimatedTokens(model, n)
		}
	}

	preferred, err := selector.Select(g.reg, g.st, g.selCfg, model, estimatedTokens, role)
	if err != nil {
		apierr.WriteAdmission(ctx, "unknown_model", err.Error())
		return
	}

	backendID, err := g.ctrl.AdmitModel(ctx, model, preferred, role)
	admissionDur := time.Since(start)
	if err != nil {
		outcome := "error"
		var lerr *lifecycle.Error
		if errors.As(err, &lerr) {
			outcome = string(lerr.Kind)
			apierr.WriteAdmission(ctx, string(lerr.Kind), lerr.Message)
		} else {
			apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServer, apierr.CodeInternalError)
		}
		if g.metrics != nil {
			g.metrics.RecordAdmission(backendID, outcome, admissionDur)
		}
		g.logRequest(reqID, backendID, model, role, estimatedTokens, outcome, time.Since(start), 0)
		return
	}
	if g.metrics != nil {
		g.metrics.RecordAdmission(backendID, "ready", admissionDur)
	}

	backend, _ := g.reg.Backend(backendID)

	g.st.IncInflight(backendID)
	if g.metrics != nil {
		g.metrics.SetBackendInflight(backendID, g.st.Inflight(backendID))
	}
	defer func() {
		g.st.DecInflight(backendID)
		if g.metrics != nil {
			g.metrics.SetBackendInflight(backendID, g.st.Inflight(backendID))
		}
	}()

	target := backend.BaseURL + suffixPath
	if rootRoute {
		target = strings.TrimSuffix(strings.TrimSuffix(backend.BaseURL, "/"), "/v1") + suffixPath
	}

	status := g.proxyRequest(ctx, target)

	if status < 500 {
		now := time.Now()
		g.st.MarkUsed(backendID, now)
		g.st.SetSticky(backend.GPU, backendID)
	}

	g.logRequest(reqID, backendID, model, role, estimatedTokens, "ready", time.Since(start), status)
}

// proxyRequest forwards ctx's request verbatim to target and copies the
// response back verbatim. It returns the upstream status code, or 502 if
// the upstream could not be reached at all.
func (g *Gateway) proxyRequest(ctx *fasthttp.RequestCtx, target string) int {
	req, err := http.NewRequestWithContext(ctx, string(ctx.Method()), target, strings.NewReader(string(ctx.PostBody())))
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "failed to build upstream request", apierr.TypeServer, apierr.CodeInternalError)
		return fasthttp.StatusBadGateway
	}
	copyRequestHeaders(ctx, req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "upstream request failed: "+err.Error(), apierr.TypeServer, apierr.CodeInternalError)
		return fasthttp.StatusBadGateway
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "failed to read upstream response", apierr.TypeServer, apierr.CodeInternalError)
		return fasthttp.StatusBadGateway
	}

	copyResponseHeaders(resp, ctx)
	ctx.SetStatusCode(resp.StatusCode)
	ctx.SetBody(respBody)
	return resp.StatusCode
}

// copyRequestHeaders forwards every inbound header except Host and
// Content-Length, which net/http recomputes itself, and hop-by-hop headers.
func copyRequestHeaders(ctx *fasthttp.RequestCtx, req *http.Request) {
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		key := string(k)
		if strings.EqualFold(key, "Host") || strings.EqualFold(key, "Content-Length") || isHopByHop(key) {
			return
		}
		req.Header.Add(key, string(v))
	})
}

// copyResponseHeaders forwards every upstream response header except
// hop-by-hop headers and Content-Length, which fasthttp recomputes itself.
func copyResponseHeaders(resp *http.Response, ctx *fasthttp.RequestCtx) {
	for k, vals := range resp.Header {
		if strings.EqualFold(k, "Content-Length") || isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			ctx.Response.Header.Add(k, v)
		}
	}
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func peekModel(body []byte) string {
	var peek chatRequestPeek
	if err := json.Unmarshal(body, &peek); err != nil {
		return ""
	}
	return peek.Model
}

func (g *Gateway) logRequest(reqID, backendID, model string, role auth.Role, estimatedTokens *int, outcome string, dur time.Duration, status int) {
	if g.reqLog == nil {
		return
	}
	id, err := uuid.Parse(reqID)
	if err != nil {
		id = uuid.New()
	}
	var est uint32
	if estimatedTokens != nil {
		est = uint32(*estimatedTokens)
	}
	latencyMs := dur.Milliseconds()
	if latencyMs > 65535 {
		latencyMs = 65535
	}
	g.reqLog.Log(logger.RequestLog{
		ID:               id,
		Backend:          backendID,
		Model:            model,
		Role:             string(role),
		EstimatedTokens:  est,
		AdmissionOutcome: outcome,
		LatencyMs:        uint16(latencyMs),
		Status:           uint16(status),
		CreatedAt:        time.Now(),
	})
}
