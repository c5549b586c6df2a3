// Package config loads and validates all runtime configuration for the
// router.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example REGISTRY_PATH becomes
// registry_path in YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// RegistryPath is the path to the registry.yaml describing the static
	// backend table. Default: registry.yaml.
	RegistryPath string

	// Auth controls bearer-token classification.
	Auth AuthConfig

	// Admission controls per-model inflight caps and adaptive routing.
	Admission AdmissionConfig

	// Lifecycle controls the container start/stop protocol.
	Lifecycle LifecycleConfig

	// Reaper controls the idle-backend TTL sweeper.
	Reaper ReaperConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AppBaseURL is used to construct absolute URLs in logs/diagnostics.
	AppBaseURL string
}

// AuthConfig controls bearer-token classification.
type AuthConfig struct {
	// RequireAPIKey gates whether the Authenticator rejects unrecognized
	// bearer tokens. When false, every request is treated as interactive.
	RequireAPIKey bool
	// InteractiveToken is the shared bearer token for the web UI.
	InteractiveToken string
	// AutomationToken is the shared bearer token for batch/background callers.
	AutomationToken string
}

// AdmissionConfig controls per-model caps and adaptive backend selection.
type AdmissionConfig struct {
	// ModelCaps maps model name to its maximum inflight requests.
	ModelCaps map[string]int
	// DefaultModelCap applies to any model without an explicit entry.
	DefaultModelCap int
	// AdaptiveRoutingEnabled turns on strategy-aware stickiness/selection.
	AdaptiveRoutingEnabled bool
	// AdaptiveRoutingThreshold is the estimated-token count above which a
	// chat request is considered long.
	AdaptiveRoutingThreshold int
}

// LifecycleConfig controls the container start/stop protocol.
type LifecycleConfig struct {
	InteractiveWarmup  time.Duration
	AutomationWarmup   time.Duration
	HealthProbeTimeout time.Duration
	MaxStartRetries    int
	StopTimeout        time.Duration

	OneHeavyPerGPU             bool
	StopEmbedBeforeGPU1Chat    bool
	WebUIFailFastOnGPUBusy     bool
	AutomationAllowPreemptGPU1 bool

	PolicySettleDelay time.Duration
	StartRetryDelay   time.Duration
}

// ReaperConfig controls the idle-backend TTL sweeper.
type ReaperConfig struct {
	TickInterval   time.Duration
	GracePeriod    time.Duration
	DefaultTTL     time.Duration
	GPU1ChatTTL    time.Duration
	KeepLastPerGPU bool
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REGISTRY_PATH", "registry.yaml")

	v.SetDefault("REQUIRE_API_KEY", true)
	v.SetDefault("INTERACTIVE_TOKEN", "")
	v.SetDefault("AUTOMATION_TOKEN", "")

	v.SetDefault("MODEL_CAPS", "")
	v.SetDefault("DEFAULT_MODEL_CAP", 4)
	v.SetDefault("ADAPTIVE_ROUTING_ENABLED", true)
	v.SetDefault("ADAPTIVE_ROUTING_THRESHOLD", 2048)

	v.SetDefault("WARMUP_INTERACTIVE", "60s")
	v.SetDefault("WARMUP_AUTOMATION", "180s")
	v.SetDefault("HEALTH_PROBE_TIMEOUT", "5s")
	v.SetDefault("MAX_START_RETRIES", 3)
	v.SetDefault("STOP_TIMEOUT", "15s")

	v.SetDefault("ONE_HEAVY_PER_GPU", true)
	v.SetDefault("STOP_EMBED_BEFORE_GPU1_CHAT", true)
	v.SetDefault("WEBUI_FAIL_FAST_ON_GPU_BUSY", false)
	v.SetDefault("AUTOMATION_ALLOW_PREEMPT_GPU1", true)
	v.SetDefault("POLICY_SETTLE_DELAY", "3s")
	v.SetDefault("START_RETRY_DELAY", "2s")

	v.SetDefault("REAP_TICK_INTERVAL", "60s")
	v.SetDefault("REAP_GRACE_PERIOD", "5m")
	v.SetDefault("REAP_DEFAULT_TTL", "20m")
	v.SetDefault("REAP_GPU1_CHAT_TTL", "15m")
	v.SetDefault("REAP_KEEP_LAST_PER_GPU", true)

	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("APP_BASE_URL", "")

	// ── Build config ──────────────────────────────────────────────────────────
	modelCaps, err := parseModelCaps(v.GetString("MODEL_CAPS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:         v.GetInt("PORT"),
		LogLevel:     strings.ToLower(v.GetString("LOG_LEVEL")),
		RegistryPath: v.GetString("REGISTRY_PATH"),

		Auth: AuthConfig{
			RequireAPIKey:    v.GetBool("REQUIRE_API_KEY"),
			InteractiveToken: v.GetString("INTERACTIVE_TOKEN"),
			AutomationToken:  v.GetString("AUTOMATION_TOKEN"),
		},

		Admission: AdmissionConfig{
			ModelCaps:                modelCaps,
			DefaultModelCap:          v.GetInt("DEFAULT_MODEL_CAP"),
			AdaptiveRoutingEnabled:   v.GetBool("ADAPTIVE_ROUTING_ENABLED"),
			AdaptiveRoutingThreshold: v.GetInt("ADAPTIVE_ROUTING_THRESHOLD"),
		},

		Lifecycle: LifecycleConfig{
			InteractiveWarmup:  v.GetDuration("WARMUP_INTERACTIVE"),
			AutomationWarmup:   v.GetDuration("WARMUP_AUTOMATION"),
			HealthProbeTimeout: v.GetDuration("HEALTH_PROBE_TIMEOUT"),
			MaxStartRetries:    v.GetInt("MAX_START_RETRIES"),
			StopTimeout:        v.GetDuration("STOP_TIMEOUT"),

			OneHeavyPerGPU:             v.GetBool("ONE_HEAVY_PER_GPU"),
			StopEmbedBeforeGPU1Chat:    v.GetBool("STOP_EMBED_BEFORE_GPU1_CHAT"),
			WebUIFailFastOnGPUBusy:     v.GetBool("WEBUI_FAIL_FAST_ON_GPU_BUSY"),
			AutomationAllowPreemptGPU1: v.GetBool("AUTOMATION_ALLOW_PREEMPT_GPU1"),

			PolicySettleDelay: v.GetDuration("POLICY_SETTLE_DELAY"),
			StartRetryDelay:   v.GetDuration("START_RETRY_DELAY"),
		},

		Reaper: ReaperConfig{
			TickInterval:   v.GetDuration("REAP_TICK_INTERVAL"),
			GracePeriod:    v.GetDuration("REAP_GRACE_PERIOD"),
			DefaultTTL:     v.GetDuration("REAP_DEFAULT_TTL"),
			GPU1ChatTTL:    v.GetDuration("REAP_GPU1_CHAT_TTL"),
			KeepLastPerGPU: v.GetBool("REAP_KEEP_LAST_PER_GPU"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AppBaseURL:  v.GetString("APP_BASE_URL"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.RegistryPath == "" {
		return fmt.Errorf("config: REGISTRY_PATH is required")
	}

	if c.Auth.RequireAPIKey && c.Auth.InteractiveToken == "" && c.Auth.AutomationToken == "" {
		return fmt.Errorf(
			"config: REQUIRE_API_KEY=true but neither INTERACTIVE_TOKEN nor AUTOMATION_TOKEN is set; " +
				"set REQUIRE_API_KEY=false to run without access control",
		)
	}

	if c.Admission.DefaultModelCap < 1 {
		return fmt.Errorf("config: DEFAULT_MODEL_CAP must be ≥ 1, got %d", c.Admission.DefaultModelCap)
	}
	if c.Admission.AdaptiveRoutingThreshold < 0 {
		return fmt.Errorf("config: ADAPTIVE_ROUTING_THRESHOLD must be ≥ 0")
	}

	if c.Lifecycle.MaxStartRetries < 1 {
		return fmt.Errorf("config: MAX_START_RETRIES must be ≥ 1, got %d", c.Lifecycle.MaxStartRetries)
	}
	if c.Lifecycle.HealthProbeTimeout <= 0 {
		return fmt.Errorf("config: HEALTH_PROBE_TIMEOUT must be a positive duration")
	}
	if c.Lifecycle.InteractiveWarmup <= 0 || c.Lifecycle.AutomationWarmup <= 0 {
		return fmt.Errorf("config: WARMUP_INTERACTIVE and WARMUP_AUTOMATION must be positive durations")
	}

	if c.Reaper.TickInterval <= 0 {
		return fmt.Errorf("config: REAP_TICK_INTERVAL must be a positive duration")
	}
	if c.Reaper.DefaultTTL <= c.Reaper.GracePeriod {
		return fmt.Errorf("config: REAP_DEFAULT_TTL must exceed REAP_GRACE_PERIOD")
	}

	return nil
}

// parseModelCaps parses a "model=cap,model2=cap2" list into a map. An
// empty string yields an empty, non-nil map.
func parseModelCaps(raw string) (map[string]int, error) {
	caps := make(map[string]int)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return caps, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("config: invalid MODEL_CAPS entry %q; expected model=cap", entry)
		}
		model := strings.TrimSpace(parts[0])
		n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("config: invalid MODEL_CAPS cap for %q: %q", model, parts[1])
		}
		caps[model] = n
	}
	return caps, nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
