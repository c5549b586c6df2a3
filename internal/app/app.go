// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — container engine connection
//  2. initRegistry  — static backend table + mutable state store
//  3. initServices  — metrics registry, request logger
//  4. initGateway   — lifecycle controller, reaper, proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/modelfleet/router/internal/config"
	"github.com/modelfleet/router/internal/engine"
	"github.com/modelfleet/router/internal/lifecycle"
	"github.com/modelfleet/router/internal/logger"
	"github.com/modelfleet/router/internal/metrics"
	"github.com/modelfleet/router/internal/proxy"
	"github.com/modelfleet/router/internal/reaper"
	"github.com/modelfleet/router/internal/registry"
	"github.com/modelfleet/router/internal/state"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	eng *engine.DockerEngine

	reg *registry.Registry
	st  *state.Store

	reqLogger *logger.Logger
	prom      *metrics.Registry

	ctrl   *lifecycle.Controller
	reaper *reaper.Reaper

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"registry", a.initRegistry},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the reaper loop, blocking until ctx is
// cancelled or either fails. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting router",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("backends", len(a.reg.All())),
		slog.Int("models", len(a.reg.Models())),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		a.reaper.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times in sequence; concurrent calls are not synchronized.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.eng != nil {
		if err := a.eng.Close(); err != nil {
			a.log.Error("docker client close error", slog.String("error", err.Error()))
		}
		a.eng = nil
	}
}
