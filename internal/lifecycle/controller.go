// Package lifecycle implements the Lifecycle Controller: the state machine
// that decides, for a single admission request, whether a backend is ready
// to serve or needs to be started first — and if starting requires
// preempting or displacing something else on the same GPU.
//
// The controller never proxies a request itself. Admit only returns once
// the chosen backend is verified healthy (or returns a typed Error
// explaining why it isn't); the caller is responsible for the actual
// upstream call and for recording inflight/last-used state around it.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/modelfleet/router/internal/auth"
	"github.com/modelfleet/router/internal/engine"
	"github.com/modelfleet/router/internal/metrics"
	"github.com/modelfleet/router/internal/prober"
	"github.com/modelfleet/router/internal/registry"
	"github.com/modelfleet/router/internal/state"
)

// Controller ties the registry, shared mutable state, container engine,
// and health prober together behind the admission protocol.
type Controller struct {
	reg     *registry.Registry
	st      *state.Store
	engine  engine.Engine
	prober  *prober.Prober
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Registry
}

// New builds a Controller over reg/st using eng to control containers and
// prb to verify readiness. mtx may be nil, in which case container/GPU
// lifecycle events simply aren't recorded.
func New(reg *registry.Registry, st *state.Store, eng engine.Engine, prb *prober.Prober, cfg Config, log *slog.Logger, mtx *metrics.Registry) *Controller {
	return &Controller{reg: reg, st: st, engine: eng, prober: prb, cfg: cfg, log: log, metrics: mtx}
}

// AdmitModel runs the admission protocol for model on behalf of role,
// trying preferred first and then the model's remaining backends in
// registry order, until one is admitted or every candidate is exhausted.
// It returns the id of the backend that became ready.
func (c *Controller) AdmitModel(ctx context.Context, model, preferred string, role auth.Role) (string, error) {
	ids, ok := c.reg.ModelBackends(model)
	if !ok || len(ids) == 0 {
		return "", newError(ErrUnknownModel, "model %q has no registered backends", model)
	}

	candidates := orderCandidates(ids, preferred)

	var lastErr error
	for _, id := range candidates {
		err := c.Admit(ctx, id, role)
		if err == nil {
			return id, nil
		}

		var lerr *Error
		if errors.As(err, &lerr) && lerr.Kind == ErrGPUBusy {
			lastErr = err
			continue
		}
		return "", err
	}
	return "", lastErr
}

// orderCandidates returns ids with preferred moved to the front, preserving
// the relative order of the rest.
func orderCandidates(ids []string, preferred string) []string {
	out := make([]string, 0, len(ids))
	out = append(out, preferred)
	for _, id := range ids {
		if id != preferred {
			out = append(out, id)
		}
	}
	return out
}

// Admit runs the full admission protocol for a single backend id:
// model-wide cap check, container existence/fast-path check, and — if the
// backend is not already running — the locked start protocol.
func (c *Controller) Admit(ctx context.Context, id string, role auth.Role) error {
	b, ok := c.reg.Backend(id)
	if !ok {
		return newError(ErrContainerMissing, "backend %q is not registered", id)
	}

	modelIDs, _ := c.reg.ModelBackends(b.Model)
	if c.st.ModelInflight(modelIDs) >= c.cfg.modelCap(b.Model) {
		return newError(ErrRateLimited, "model %q at inflight cap", b.Model)
	}

	if err := c.fastPath(ctx, b); err != errNotRunning {
		return err
	}

	return c.startLocked(ctx, b, role)
}

// errNotRunning is an internal sentinel meaning the fast path found the
// container not running, so the caller should fall through to the locked
// start protocol. It is never returned from an exported function.
var errNotRunning = errors.New("lifecycle: container not running")

// fastPath checks whether b's container is already running and healthy
// without taking any lock. It returns nil on success, errNotRunning when
// the start protocol should run, or a typed Error otherwise.
func (c *Controller) fastPath(ctx context.Context, b registry.Backend) error {
	st, err := c.engine.Inspect(ctx, b.Container)
	if err != nil {
		return newError(ErrStartFailed, "inspect %s: %v", b.Container, err)
	}
	switch st {
	case engine.StateMissing:
		return newError(ErrContainerMissing, "container %q does not exist", b.Container)
	case engine.StateRunning:
		if c.prober.Probe(ctx, b) {
			return nil
		}
		return newError(ErrUnhealthy, "backend %s running but failed health probe", b.ID)
	default:
		return errNotRunning
	}
}

// startLocked runs the full locked start protocol: acquire start_lock,
// recheck, acquire gpu_lock, apply GPU policy, start with retries. Both
// locks are released in gpu_lock-then-start_lock order on every exit path.
func (c *Controller) startLocked(ctx context.Context, b registry.Backend, role auth.Role) error {
	startMu := c.st.StartLock(b.ID)
	startMu.Lock()
	defer startMu.Unlock()

	// Re-check under start_lock: another goroutine may have started (or
	// even fully warmed up) this backend while we were waiting for the lock.
	if err := c.fastPath(ctx, b); err != errNotRunning {
		return err
	}

	gpuMu := c.st.GPULock(b.GPU)
	gpuMu.Lock()
	defer gpuMu.Unlock()

	if err := c.applyGPUPolicy(ctx, b, role); err != nil {
		return err
	}

	return c.startWithRetries(ctx, b, role)
}

// applyGPUPolicy enforces the one-heavy-chat-per-GPU rule and the
// embed/rerank displacement rule before a start is attempted. It runs
// entirely under the target GPU's gpu_lock.
func (c *Controller) applyGPUPolicy(ctx context.Context, b registry.Backend, role auth.Role) error {
	if c.cfg.OneHeavyPerGPU && b.Kind == registry.KindChat {
		if incumbent, found := c.runningChatOnGPU(ctx, b.GPU, b.ID); found {
			switch {
			case role == auth.RoleInteractive && c.cfg.WebUIFailFastOnGPUBusy:
				return newError(ErrGPUBusy, "gpu %s busy with %s", b.GPU, incumbent.ID)
			case role == auth.RoleAutomation && b.GPU == "1" && c.cfg.AutomationAllowPreemptGPU1:
				c.bestEffortStop(ctx, incumbent, "preempt")
				if c.metrics != nil {
					c.metrics.RecordPreemption(b.GPU)
				}
				c.settle(ctx)
			default:
				return newError(ErrGPUBusy, "gpu %s busy with %s", b.GPU, incumbent.ID)
			}
		}
	}

	if b.GPU == "1" && b.Kind == registry.KindChat && c.cfg.StopEmbedBeforeGPU1Chat {
		if c.displaceEmbedRerank(ctx, b.GPU) {
			c.settle(ctx)
		}
	}

	return nil
}

// runningChatOnGPU returns the currently running chat backend on gpu other
// than excludeID, if any.
func (c *Controller) runningChatOnGPU(ctx context.Context, gpu, excludeID string) (registry.Backend, bool) {
	for _, cand := range c.reg.All() {
		if cand.ID == excludeID || cand.GPU != gpu || cand.Kind != registry.KindChat {
			continue
		}
		st, err := c.engine.Inspect(ctx, cand.Container)
		if err == nil && st == engine.StateRunning {
			return cand, true
		}
	}
	return registry.Backend{}, false
}

// displaceEmbedRerank best-effort stops every running embeddings/rerank
// backend on gpu, returning whether anything was actually stopped.
func (c *Controller) displaceEmbedRerank(ctx context.Context, gpu string) bool {
	stopped := false
	for _, cand := range c.reg.All() {
		if cand.GPU != gpu {
			continue
		}
		if cand.Kind != registry.KindEmbeddings && cand.Kind != registry.KindRerank {
			continue
		}
		st, err := c.engine.Inspect(ctx, cand.Container)
		if err == nil && st == engine.StateRunning {
			c.bestEffortStop(ctx, cand, "displacement")
			stopped = true
		}
	}
	return stopped
}

// bestEffortStop stops b's container, falling back to a kill if the
// graceful stop itself errors, logging either way but never failing the
// admission it was called from.
func (c *Controller) bestEffortStop(ctx context.Context, b registry.Backend, reason string) {
	if err := c.engine.Stop(ctx, b.Container, c.cfg.StopTimeout); err != nil {
		c.log.WarnContext(ctx, "lifecycle_stop_failed",
			slog.String("backend", b.ID), slog.String("reason", reason), slog.String("error", err.Error()))
		if kerr := c.engine.Kill(ctx, b.Container); kerr != nil {
			c.log.WarnContext(ctx, "lifecycle_kill_failed",
				slog.String("backend", b.ID), slog.String("error", kerr.Error()))
			return
		}
	} else {
		c.log.InfoContext(ctx, "lifecycle_stopped",
			slog.String("backend", b.ID), slog.String("reason", reason))
	}
	if c.metrics != nil {
		c.metrics.RecordContainerStop(b.ID, reason)
		c.metrics.SetBackendRunning(b.ID, false)
	}
}

// settle pauses briefly after a preemption or displacement stop, giving the
// runtime a moment to release GPU memory before the next container starts.
func (c *Controller) settle(ctx context.Context) {
	t := time.NewTimer(c.cfg.PolicySettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// startWithRetries starts b's container and waits for it to become
// healthy, retrying up to cfg.MaxStartRetries times.
func (c *Controller) startWithRetries(ctx context.Context, b registry.Backend, role auth.Role) error {
	warmup := c.cfg.warmupFor(role)

	var lastErr string
	for attempt := 1; attempt <= c.cfg.MaxStartRetries; attempt++ {
		if err := c.engine.Start(ctx, b.Container); err != nil {
			lastErr = err.Error()
			c.log.WarnContext(ctx, "lifecycle_start_failed",
				slog.String("backend", b.ID), slog.Int("attempt", attempt), slog.String("error", lastErr))
			c.sleep(ctx, c.cfg.StartRetryDelay)
			continue
		}
		if c.metrics != nil {
			c.metrics.RecordContainerStart(b.ID)
		}

		if c.prober.WaitUntilHealthy(ctx, b, warmup) {
			c.log.InfoContext(ctx, "lifecycle_started",
				slog.String("backend", b.ID), slog.Int("attempt", attempt))
			if c.metrics != nil {
				c.metrics.SetBackendRunning(b.ID, true)
			}
			return nil
		}

		lastErr = "did not become healthy within warmup"
		c.log.WarnContext(ctx, "lifecycle_warmup_timeout",
			slog.String("backend", b.ID), slog.Int("attempt", attempt))
		c.bestEffortStop(ctx, b, "warmup_timeout")
		c.sleep(ctx, c.cfg.StartRetryDelay)
	}

	return newError(ErrStartFailed, "backend %s failed after %d attempt(s): %s", b.ID, c.cfg.MaxStartRetries, lastErr)
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
