package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelfleet/router/internal/auth"
	"github.com/modelfleet/router/internal/config"
	"github.com/modelfleet/router/internal/engine"
	"github.com/modelfleet/router/internal/lifecycle"
	"github.com/modelfleet/router/internal/logger"
	"github.com/modelfleet/router/internal/metrics"
	"github.com/modelfleet/router/internal/prober"
	"github.com/modelfleet/router/internal/proxy"
	"github.com/modelfleet/router/internal/reaper"
	"github.com/modelfleet/router/internal/selector"
	"github.com/modelfleet/router/internal/state"
)

// initInfra establishes the connection to the container runtime.
func (a *App) initInfra(_ context.Context) error {
	eng, err := engine.NewDockerEngine()
	if err != nil {
		return fmt.Errorf("docker: %w", err)
	}
	a.eng = eng
	a.log.Info("docker engine connected")
	return nil
}

// initRegistry loads the static backend table and builds the mutable state
// store over it.
func (a *App) initRegistry(_ context.Context) error {
	reg, err := config.LoadRegistry(a.cfg.RegistryPath)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if len(reg.All()) == 0 {
		return fmt.Errorf("registry: no backends configured in %s", a.cfg.RegistryPath)
	}
	a.reg = reg
	a.st = state.New(reg)
	a.log.Info("registry loaded",
		slog.Int("backends", len(reg.All())),
		slog.Int("models", len(reg.Models())),
	)
	return nil
}

// initServices creates the Prometheus metrics registry and the async
// request logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLog, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLog

	return nil
}

// initGateway wires together the selector, lifecycle controller, reaper,
// and HTTP gateway.
func (a *App) initGateway(_ context.Context) error {
	prb := prober.New(a.cfg.Lifecycle.HealthProbeTimeout)

	lcCfg := lifecycle.Config{
		ModelCaps:                  a.cfg.Admission.ModelCaps,
		DefaultModelCap:            a.cfg.Admission.DefaultModelCap,
		InteractiveWarmup:          a.cfg.Lifecycle.InteractiveWarmup,
		AutomationWarmup:           a.cfg.Lifecycle.AutomationWarmup,
		HealthProbeTimeout:         a.cfg.Lifecycle.HealthProbeTimeout,
		MaxStartRetries:            a.cfg.Lifecycle.MaxStartRetries,
		StopTimeout:                a.cfg.Lifecycle.StopTimeout,
		OneHeavyPerGPU:             a.cfg.Lifecycle.OneHeavyPerGPU,
		StopEmbedBeforeGPU1Chat:    a.cfg.Lifecycle.StopEmbedBeforeGPU1Chat,
		WebUIFailFastOnGPUBusy:     a.cfg.Lifecycle.WebUIFailFastOnGPUBusy,
		AutomationAllowPreemptGPU1: a.cfg.Lifecycle.AutomationAllowPreemptGPU1,
		PolicySettleDelay:          a.cfg.Lifecycle.PolicySettleDelay,
		StartRetryDelay:            a.cfg.Lifecycle.StartRetryDelay,
	}
	a.ctrl = lifecycle.New(a.reg, a.st, a.eng, prb, lcCfg, a.log, a.prom)

	reapCfg := reaper.Config{
		TickInterval:   a.cfg.Reaper.TickInterval,
		GracePeriod:    a.cfg.Reaper.GracePeriod,
		DefaultTTL:     a.cfg.Reaper.DefaultTTL,
		GPU1ChatTTL:    a.cfg.Reaper.GPU1ChatTTL,
		KeepLastPerGPU: a.cfg.Reaper.KeepLastPerGPU,
		StopTimeout:    a.cfg.Lifecycle.StopTimeout,
	}
	a.reaper = reaper.New(a.reg, a.st, a.eng, reapCfg, a.log, a.prom)

	authn := auth.New(a.cfg.Auth.RequireAPIKey, a.cfg.Auth.InteractiveToken, a.cfg.Auth.AutomationToken)

	a.gw = proxy.NewGateway(proxy.Options{
		Registry:      a.reg,
		Store:         a.st,
		Authenticator: authn,
		Controller:    a.ctrl,
		SelectorCfg: selector.Config{
			AdaptiveEnabled: a.cfg.Admission.AdaptiveRoutingEnabled,
			Threshold:       a.cfg.Admission.AdaptiveRoutingThreshold,
		},
		Logger:        a.log,
		Metrics:       a.prom,
		RequestLogger: a.reqLogger,
		CORSOrigins:   a.cfg.CORSOrigins,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
