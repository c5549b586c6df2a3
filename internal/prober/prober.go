// Package prober implements the Health Prober: kind-specific HTTP checks
// that decide whether a backend container is actually ready to serve,
// beyond the container runtime's own "running" state.
package prober

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/modelfleet/router/internal/registry"
)

// pollInterval is how often WaitUntilHealthy retries the probe while
// waiting for a backend to come up.
const pollInterval = 2 * time.Second

// Prober issues the per-kind readiness checks against a backend's base URL.
type Prober struct {
	client *http.Client
}

// New builds a Prober whose individual HTTP calls are bounded by timeout.
func New(timeout time.Duration) *Prober {
	return &Prober{client: &http.Client{Timeout: timeout}}
}

// Probe runs the kind-specific readiness check for b once and reports
// whether it passed.
func (p *Prober) Probe(ctx context.Context, b registry.Backend) bool {
	if !p.probeModels(ctx, b) {
		return false
	}
	switch b.Kind {
	case registry.KindChat:
		return p.probeChat(ctx, b)
	case registry.KindEmbeddings:
		return p.probeEmbeddings(ctx, b)
	case registry.KindRerank:
		return p.probeRerank(ctx, b)
	default:
		return false
	}
}

// WaitUntilHealthy polls Probe until it succeeds or deadline elapses,
// returning whether the backend became healthy in time.
func (p *Prober) WaitUntilHealthy(ctx context.Context, b registry.Backend, deadline time.Duration) bool {
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if p.Probe(waitCtx, b) {
		return true
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return false
		case <-ticker.C:
			if p.Probe(waitCtx, b) {
				return true
			}
		}
	}
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// probeModels checks GET <base>/models lists b.Model.
func (p *Prober) probeModels(ctx context.Context, b registry.Backend) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+"/models", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var out modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false
	}
	for _, m := range out.Data {
		if m.ID == b.Model {
			return true
		}
	}
	return false
}

// probeChat sends a minimal chat completion to confirm the backend can
// actually generate, not just list itself.
func (p *Prober) probeChat(ctx context.Context, b registry.Backend) bool {
	body := map[string]any{
		"model":       b.Model,
		"messages":    []map[string]string{{"role": "user", "content": "ping"}},
		"max_tokens":  5,
		"temperature": 0,
	}
	return p.postOK(ctx, b.BaseURL+"/chat/completions", body)
}

// probeEmbeddings sends a minimal embedding request.
func (p *Prober) probeEmbeddings(ctx context.Context, b registry.Backend) bool {
	body := map[string]any{
		"model": b.Model,
		"input": []string{"ping"},
	}
	return p.postOK(ctx, b.BaseURL+"/embeddings", body)
}

// probeRerank sends a minimal rerank request against the backend's root —
// rerank backends expose /rerank outside the /v1 prefix the other kinds use.
func (p *Prober) probeRerank(ctx context.Context, b registry.Backend) bool {
	body := map[string]any{
		"query":     "ping",
		"documents": []string{"pong"},
		"top_n":     1,
	}
	return p.postOK(ctx, rerankRoot(b.BaseURL)+"/rerank", body)
}

// rerankRoot strips a trailing "/v1" from base, since rerank backends
// serve from their root rather than an OpenAI-compatible /v1 prefix.
func rerankRoot(base string) string {
	return strings.TrimSuffix(strings.TrimSuffix(base, "/"), "/v1")
}

func (p *Prober) postOK(ctx context.Context, url string, body any) bool {
	raw, err := json.Marshal(body)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// diagnostic builds a short human-readable failure string for logging,
// without leaking response bodies.
func diagnostic(b registry.Backend, err error) string {
	if err == nil {
		return fmt.Sprintf("probe failed for %s (%s)", b.ID, b.Kind)
	}
	return fmt.Sprintf("probe failed for %s (%s): %v", b.ID, b.Kind, err)
}
