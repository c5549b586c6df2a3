package lifecycle

import (
	"time"

	"github.com/modelfleet/router/internal/auth"
)

// Config holds the policy knobs the Lifecycle Controller enforces. All of
// these are deployment-time settings read once at startup by
// internal/config; nothing here changes at runtime.
type Config struct {
	// ModelCaps maps model name to the maximum number of in-flight
	// requests allowed across all of that model's backends at once.
	// A model with no entry uses DefaultModelCap.
	ModelCaps      map[string]int
	DefaultModelCap int

	// InteractiveWarmup and AutomationWarmup bound how long a freshly
	// started backend is given to become healthy before the start is
	// declared failed, depending on who is waiting on it.
	InteractiveWarmup time.Duration
	AutomationWarmup  time.Duration

	// HealthProbeTimeout is not read by the Controller. Readiness probes,
	// on the fast path and during warmup alike, are bounded per HTTP call
	// by the timeout the Prober was built with.
	HealthProbeTimeout time.Duration

	// MaxStartRetries bounds how many times the controller will attempt
	// to start and warm up a single backend before giving up on it.
	MaxStartRetries int

	// StopTimeout bounds how long a graceful container stop is given
	// before the controller considers it best-effort-complete.
	StopTimeout time.Duration

	// OneHeavyPerGPU enforces at most one running chat backend per GPU.
	OneHeavyPerGPU bool
	// StopEmbedBeforeGPU1Chat displaces any running embeddings/rerank
	// backend on GPU 1 before starting a chat backend there.
	StopEmbedBeforeGPU1Chat bool
	// WebUIFailFastOnGPUBusy makes interactive callers receive gpu_busy
	// when the one-heavy-per-GPU rule blocks them. Interactive callers never
	// preempt, so with the flag off they receive gpu_busy as well; nothing
	// waits for the GPU to free up.
	WebUIFailFastOnGPUBusy bool
	// AutomationAllowPreemptGPU1 lets automation callers preempt a
	// running chat backend on GPU 1 (never GPU 0) to start their own.
	AutomationAllowPreemptGPU1 bool

	// PolicySettleDelay is the pause after a best-effort preemption or
	// displacement stop, giving the runtime a moment to release GPU
	// memory before the new container starts.
	PolicySettleDelay time.Duration
	// StartRetryDelay is the pause between a failed start attempt and
	// the next retry.
	StartRetryDelay time.Duration
}

// modelCap returns the configured inflight cap for model, falling back to
// DefaultModelCap when the model has no explicit entry.
func (c Config) modelCap(model string) int {
	if n, ok := c.ModelCaps[model]; ok {
		return n
	}
	return c.DefaultModelCap
}

// warmupFor returns the warmup deadline appropriate to role.
func (c Config) warmupFor(role auth.Role) time.Duration {
	if role == auth.RoleInteractive {
		return c.InteractiveWarmup
	}
	return c.AutomationWarmup
}
