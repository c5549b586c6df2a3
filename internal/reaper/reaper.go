// Package reaper implements the TTL Sweeper: a background loop that stops
// backend containers that have sat idle past their configured TTL, so GPU
// memory doesn't stay pinned by a model nobody is using.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelfleet/router/internal/engine"
	"github.com/modelfleet/router/internal/metrics"
	"github.com/modelfleet/router/internal/registry"
	"github.com/modelfleet/router/internal/state"
)

// Config holds the sweeper's timing policy.
type Config struct {
	// TickInterval is how often the sweeper wakes up and evaluates every
	// backend.
	TickInterval time.Duration
	// GracePeriod is the minimum idle time before a backend is even
	// considered for eviction, regardless of its TTL — protects a backend
	// that just finished serving from being reaped by an unlucky tick.
	GracePeriod time.Duration
	// DefaultTTL is the idle threshold for backends with no kind-specific
	// override.
	DefaultTTL time.Duration
	// GPU1ChatTTL overrides DefaultTTL for chat backends on GPU 1, which
	// tend to be the throughput pool and are cheaper to restart.
	GPU1ChatTTL time.Duration
	// KeepLastPerGPU, when true, never reaps the backend currently sticky
	// for a GPU if it has ever served a request — keeping at least one
	// warm backend per GPU.
	KeepLastPerGPU bool
	// StopTimeout bounds the graceful stop given to a reaped container.
	StopTimeout time.Duration
}

// ttlFor returns the TTL that applies to b.
func (c Config) ttlFor(b registry.Backend) time.Duration {
	if b.GPU == "1" && b.Kind == registry.KindChat {
		return c.GPU1ChatTTL
	}
	return c.DefaultTTL
}

// Reaper periodically sweeps the registry for idle backends to stop.
type Reaper struct {
	reg     *registry.Registry
	st      *state.Store
	eng     engine.Engine
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Registry
}

// New builds a Reaper over reg/st, controlling containers through eng. mtx
// may be nil, in which case reap events simply aren't recorded.
func New(reg *registry.Registry, st *state.Store, eng engine.Engine, cfg Config, log *slog.Logger, mtx *metrics.Registry) *Reaper {
	return &Reaper{reg: reg, st: st, eng: eng, cfg: cfg, log: log, metrics: mtx}
}

// Run blocks, sweeping every TickInterval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep evaluates every registered backend once.
func (r *Reaper) sweep(ctx context.Context) {
	for _, b := range r.reg.All() {
		r.evaluate(ctx, b)
	}
}

// evaluate applies the skip rules and, if none apply, stops b's container
// when it has been idle past its TTL.
func (r *Reaper) evaluate(ctx context.Context, b registry.Backend) {
	st, err := r.eng.Inspect(ctx, b.Container)
	if err != nil || st != engine.StateRunning {
		return
	}

	if r.cfg.KeepLastPerGPU && r.st.EverUsed(b.ID) {
		if sticky, ok := r.st.Sticky(b.GPU); ok && sticky == b.ID {
			return
		}
	}

	if r.st.Inflight(b.ID) > 0 {
		return
	}

	idle := r.idleDuration(b.ID)
	if idle < r.cfg.GracePeriod {
		return
	}
	if idle < r.cfg.ttlFor(b) {
		return
	}

	r.log.InfoContext(ctx, "reaper_stopping",
		slog.String("backend", b.ID), slog.Duration("idle", idle))
	if err := r.eng.Stop(ctx, b.Container, r.cfg.StopTimeout); err != nil {
		r.log.WarnContext(ctx, "reaper_stop_failed",
			slog.String("backend", b.ID), slog.String("error", err.Error()))
		if kerr := r.eng.Kill(ctx, b.Container); kerr != nil {
			r.log.WarnContext(ctx, "reaper_kill_failed",
				slog.String("backend", b.ID), slog.String("error", kerr.Error()))
			return
		}
	}
	if r.metrics != nil {
		r.metrics.RecordContainerStop(b.ID, "reap")
		r.metrics.SetBackendRunning(b.ID, false)
	}
}

// idleDuration returns how long b has sat without a request. A backend
// that has never served anything is treated as infinitely idle.
func (r *Reaper) idleDuration(id string) time.Duration {
	last := r.st.LastUsed(id)
	if last.IsZero() {
		return time.Since(time.Unix(0, 0))
	}
	return time.Since(last)
}
