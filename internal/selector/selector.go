// Package selector implements the Backend Selector: a pure function that
// picks which registered backend should serve a model request, given the
// current sticky-GPU assignments and the caller's role.
//
// Selection runs, in order, through stickiness, adaptive strategy matching,
// role affinity, and a final deterministic fallback. It never fails for a
// known model — the fallback stage always returns a candidate.
package selector

import (
	"errors"

	"github.com/modelfleet/router/internal/auth"
	"github.com/modelfleet/router/internal/registry"
	"github.com/modelfleet/router/internal/state"
)

// ErrUnknownModel is returned when the requested model has no registered
// backends.
var ErrUnknownModel = errors.New("selector: unknown model")

// Config holds the adaptive-routing policy knobs.
type Config struct {
	// AdaptiveEnabled turns on strategy-aware stickiness/selection. When
	// false, every chat backend is considered interchangeable regardless
	// of its long/throughput strategy.
	AdaptiveEnabled bool
	// Threshold is the estimated-token count above which a request is
	// considered "long" for strategy matching.
	Threshold int
}

// gpuOrder is the fixed order stickiness and role affinity are evaluated in.
var gpuOrder = []string{"0", "1"}

// Select returns the backend id that should serve model for a request with
// estimatedTokens (nil when the caller, e.g. embeddings/rerank, has no
// token estimate) from a caller in role.
func Select(reg *registry.Registry, st *state.Store, cfg Config, model string, estimatedTokens *int, role auth.Role) (string, error) {
	ids, ok := reg.ModelBackends(model)
	if !ok || len(ids) == 0 {
		return "", ErrUnknownModel
	}

	if id, ok := selectSticky(reg, st, cfg, ids, model, estimatedTokens); ok {
		return id, nil
	}

	if cfg.AdaptiveEnabled && estimatedTokens != nil {
		if id, ok := selectAdaptive(reg, ids, cfg, estimatedTokens); ok {
			return id, nil
		}
	}

	if id, ok := selectRoleAffinity(reg, ids, role); ok {
		return id, nil
	}

	return ids[0], nil
}

// selectSticky walks the fixed GPU order looking for a sticky backend that
// serves model and, under adaptive routing, still matches the strategy the
// request needs.
func selectSticky(reg *registry.Registry, st *state.Store, cfg Config, ids []string, model string, estimatedTokens *int) (string, bool) {
	for _, gpu := range gpuOrder {
		id, ok := st.Sticky(gpu)
		if !ok {
			continue
		}
		b, ok := reg.Backend(id)
		if !ok || b.Model != model {
			continue
		}
		if strategyMatches(b, cfg, estimatedTokens) {
			return id, true
		}
	}
	return "", false
}

// selectAdaptive picks the first backend whose strategy matches the
// inferred need (long vs. throughput) for the request.
func selectAdaptive(reg *registry.Registry, ids []string, cfg Config, estimatedTokens *int) (string, bool) {
	want := registry.StrategyThroughput
	if needsLong(estimatedTokens, cfg.Threshold) {
		want = registry.StrategyLong
	}
	for _, id := range ids {
		b, ok := reg.Backend(id)
		if ok && b.Kind == registry.KindChat && b.Strategy == want {
			return id, true
		}
	}
	return "", false
}

// selectRoleAffinity prefers GPU 0 for interactive callers and GPU 1 for
// automation callers.
func selectRoleAffinity(reg *registry.Registry, ids []string, role auth.Role) (string, bool) {
	preferredGPU := "1"
	if role == auth.RoleInteractive {
		preferredGPU = "0"
	}
	for _, id := range ids {
		b, ok := reg.Backend(id)
		if ok && b.GPU == preferredGPU {
			return id, true
		}
	}
	return "", false
}

// needsLong reports whether the estimated token count exceeds threshold.
// A nil estimate is treated as not needing the long-context profile.
func needsLong(estimatedTokens *int, threshold int) bool {
	return estimatedTokens != nil && *estimatedTokens > threshold
}

// strategyMatches reports whether b is an acceptable choice for the
// request's inferred need. Non-chat backends (embeddings, rerank) have no
// strategy axis and always match; with adaptive routing disabled, every
// chat backend matches too.
func strategyMatches(b registry.Backend, cfg Config, estimatedTokens *int) bool {
	if !cfg.AdaptiveEnabled || b.Kind != registry.KindChat {
		return true
	}
	want := registry.StrategyThroughput
	if needsLong(estimatedTokens, cfg.Threshold) {
		want = registry.StrategyLong
	}
	return b.Strategy == want
}
