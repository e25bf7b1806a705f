// Package application wires the gateway's components together and owns their
// lifecycle.
package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/infrastructure/config"
	"github.com/routecodex/routecodex/internal/infrastructure/monitoring"
	"github.com/routecodex/routecodex/internal/infrastructure/pipeline"
	"github.com/routecodex/routecodex/internal/infrastructure/router"
	"github.com/routecodex/routecodex/internal/infrastructure/snapshot"
	"github.com/routecodex/routecodex/internal/infrastructure/toolgov"
	"github.com/routecodex/routecodex/internal/infrastructure/transport"
	"github.com/routecodex/routecodex/internal/infrastructure/vault"
	"github.com/routecodex/routecodex/internal/infrastructure/workflow"
	httpiface "github.com/routecodex/routecodex/internal/interfaces/http"
	"github.com/routecodex/routecodex/pkg/safego"

	// Protocol codecs register themselves on import.
	_ "github.com/routecodex/routecodex/internal/infrastructure/llmswitch/anthropicmsg"
	_ "github.com/routecodex/routecodex/internal/infrastructure/llmswitch/openaichat"
	_ "github.com/routecodex/routecodex/internal/infrastructure/llmswitch/responses"
)

// App is the assembled gateway.
type App struct {
	cfg     *config.Config
	watcher *config.Watcher
	engine  *pipeline.Engine
	server  *httpiface.Server
	logger  *zap.Logger

	stopFns []func()
}

// New assembles the gateway from config.
func New(cfg *config.Config, configPath string, logger *zap.Logger) (*App, error) {
	sink := snapshot.NewSink(cfg.Snapshot.Dir, cfg.Snapshot.PerReasonCap, logger)
	metrics := monitoring.New()

	vrouter := router.New(cfg, logger)
	credVault, err := vault.New(cfg, logger)
	if err != nil {
		return nil, err
	}

	app := &App{cfg: cfg, logger: logger}

	if configPath != "" {
		app.watcher = config.NewWatcher(configPath, cfg, func(next *config.Config) {
			vrouter.Reload(next)
		}, logger)
	}
	providers := func() map[string]config.ProviderConfig {
		if app.watcher != nil {
			return app.watcher.Config().VirtualRouter.Providers
		}
		return cfg.VirtualRouter.Providers
	}

	engine := pipeline.NewEngine(pipeline.Deps{
		Providers: providers,
		Pipeline:  cfg.Pipeline,
		UserAgent: cfg.UserAgent,
		Router:    vrouter,
		Vault:     credVault,
		Client:    transport.NewClient(logger),
		Rates:     transport.NewRateTable(10 * time.Second),
		Flow:      workflow.New(cfg.Pipeline.SynthesisDelta, cfg.Pipeline.HeartbeatInterval, logger),
		Gov:       toolgov.NewNormalizer(sink, true, logger),
		Sink:      sink,
		Logger:    logger,
	})
	app.engine = engine

	app.server = httpiface.NewServer(cfg.HTTPServer, engine, sink, metrics, providers, logger)
	return app, nil
}

// Engine exposes the pipeline engine (tests).
func (a *App) Engine() *pipeline.Engine { return a.engine }

// Start launches the server and background loops.
func (a *App) Start(ctx context.Context) error {
	if a.watcher != nil {
		safego.Go(a.logger, "config-watcher", a.watcher.Start)
		a.stopFns = append(a.stopFns, a.watcher.Stop)
	}
	safego.Go(a.logger, "pending-evictor", a.engine.Pending().StartEvictor)
	a.stopFns = append(a.stopFns, a.engine.Pending().Stop)

	slotGC := make(chan struct{})
	safego.Go(a.logger, "slot-gc", func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-slotGC:
				return
			case <-ticker.C:
				a.engine.Slots().GC()
			}
		}
	})
	a.stopFns = append(a.stopFns, func() { close(slotGC) })

	return a.server.Start(ctx)
}

// Stop shuts everything down.
func (a *App) Stop(ctx context.Context) error {
	for _, stop := range a.stopFns {
		stop()
	}
	return a.server.Stop(ctx)
}

// Addr reports the listener address.
func (a *App) Addr() string { return a.server.Addr() }
