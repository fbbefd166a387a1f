package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aiinpocket/n3n/api"
	"github.com/aiinpocket/n3n/approval"
	"github.com/aiinpocket/n3n/component"
	"github.com/aiinpocket/n3n/config"
	"github.com/aiinpocket/n3n/engine"
	"github.com/aiinpocket/n3n/event"
	"github.com/aiinpocket/n3n/flow"
	"github.com/aiinpocket/n3n/housekeeping"
	"github.com/aiinpocket/n3n/node"
	"github.com/aiinpocket/n3n/node/builtin"
	"github.com/aiinpocket/n3n/storage"
	"github.com/aiinpocket/n3n/trigger"
)

// App wires the engine together: NATS, stores, registry, coordinator,
// trigger ingress, housekeeping and the HTTP surface.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	store    storage.Store
	flows    *flow.DirStore
	registry *node.Registry

	coord     *engine.Coordinator
	approvals *approval.Manager
	scheduler *trigger.Scheduler
	keeper    *housekeeping.Housekeeper
	httpSrv   *http.Server

	runner *component.Runner
}

// NewApp creates the application from config.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Start brings every component up in dependency order and recovers
// in-flight executions.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	store, err := storage.NewKVStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store

	flows, err := flow.NewDirStore(a.cfg.Flows.Dir, a.logger)
	if err != nil {
		return fmt.Errorf("load flow definitions: %w", err)
	}
	a.flows = flows

	a.registry = node.NewRegistry()
	if err := builtin.Register(a.registry, nil); err != nil {
		return fmt.Errorf("register builtin handlers: %w", err)
	}

	metricsReg := prometheus.NewRegistry()
	sink := event.Multi{
		event.NewLogSink(a.logger),
		event.NewMetricsSink(metricsReg),
	}

	a.coord = engine.New(engine.Config{
		Workers:             a.cfg.Engine.Workers,
		DefaultNodeTimeout:  a.cfg.Engine.DefaultNodeTimeout,
		CancelGrace:         a.cfg.Engine.CancelGrace,
		MaxNodeRetries:      a.cfg.Engine.MaxNodeRetries,
		ExecutionMaxRetries: a.cfg.Engine.ExecutionMaxRetries,
	}, a.store, a.flows, a.registry, sink, nil, a.logger)

	a.approvals = approval.New(a.store, a.coord, a.logger, a.cfg.Approvals.SweepInterval)
	a.coord.SetPauseHook(a.approvals.OnPause)
	a.coord.SetCancelHook(a.approvals.CancelFor)

	a.scheduler = trigger.NewScheduler(a.store, a.coord, a.logger, a.cfg.Scheduler.MaxConcurrentPerFlow)
	webhooks := trigger.NewWebhookIngress(a.store, a.coord, a.logger)
	forms := trigger.NewForms(a.store, a.coord, a.coord, a.logger)

	archive := true
	if a.cfg.Housekeeping.Archive != nil {
		archive = *a.cfg.Housekeeping.Archive
	}
	a.keeper = housekeeping.New(a.store, housekeeping.Config{
		CronExpression:       a.cfg.Housekeeping.Cron,
		RetentionDays:        a.cfg.Housekeeping.RetentionDays,
		HistoryRetentionDays: a.cfg.Housekeeping.HistoryRetentionDays,
		BatchSize:            a.cfg.Housekeeping.BatchSize,
		Archive:              archive,
	}, a.logger)

	a.runner = component.NewRunner(a.logger, a.components(webhooks, forms, metricsReg)...)
	if err := a.runner.Start(ctx); err != nil {
		return err
	}

	// Relaunch executions interrupted by the previous shutdown.
	if err := a.coord.Recover(ctx); err != nil {
		a.logger.Error("execution recovery failed", "error", err)
	}
	return nil
}

// Stop shuts components down in reverse order and closes NATS.
func (a *App) Stop(timeout time.Duration) {
	if a.runner != nil {
		a.runner.Stop(timeout)
	}
	if a.flows != nil {
		a.flows.Close()
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
	}
}

func (a *App) components(webhooks *trigger.WebhookIngress, forms *trigger.Forms, metricsReg *prometheus.Registry) []component.Component {
	srv := api.NewServer(a.store, a.coord, a.approvals, forms, webhooks, api.Config{
		WebhookPrefix: a.cfg.HTTP.WebhookPrefix,
		Registry:      metricsReg,
		Health:        func() map[string]string { return a.runner.Health() },
	}, a.logger)
	a.httpSrv = &http.Server{Addr: a.cfg.HTTP.Addr, Handler: srv}

	list := []component.Component{
		component.NewAdapter("engine", component.Hooks{
			OnStart: a.coord.Start,
			OnStop:  a.coord.Stop,
		}),
		component.NewAdapter("approvals", component.Hooks{
			OnStart: a.approvals.Start,
			OnStop:  a.approvals.Stop,
		}),
		component.NewAdapter("scheduler", component.Hooks{
			OnStart: a.scheduler.Start,
			OnStop: func(time.Duration) error {
				a.scheduler.Stop()
				return nil
			},
		}),
		component.NewAdapter("housekeeping", component.Hooks{
			OnStart: a.keeper.Start,
			OnStop: func(time.Duration) error {
				a.keeper.Stop()
				return nil
			},
		}),
		component.NewAdapter("http", component.Hooks{
			OnStart: func(context.Context) error {
				go func() {
					if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("http server exited", "error", err)
					}
				}()
				return nil
			},
			OnStop: func(timeout time.Duration) error {
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				return a.httpSrv.Shutdown(ctx)
			},
		}),
	}

	if a.cfg.Flows.Watch {
		list = append([]component.Component{component.NewAdapter("flows", component.Hooks{
			OnStart: a.flows.Watch,
			OnStop:  func(time.Duration) error { return nil },
		})}, list...)
	}
	return list
}

func (a *App) startNATS() error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			StoreDir:  a.cfg.NATS.StoreDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}
