package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/semplan/config"
	planexecutor "github.com/c360studio/semplan/processor/plan-executor"
	"github.com/c360studio/semplan/source/planfile"
	"github.com/c360studio/semplan/storage"
	"github.com/c360studio/semplan/storage/postgres"
	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/coordinator"
	"github.com/c360studio/semplan/workflow/events"
	"github.com/c360studio/semplan/workflow/retry"
	"github.com/c360studio/semplan/workflow/router"
	"github.com/c360studio/semplan/workflow/versions"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	// Storage
	db       *sql.DB
	versions versions.Store
	recorder events.Recorder
	records  recordReader

	// Engine
	registry  *prometheus.Registry
	metrics   *planexecutor.Metrics
	outbox    *events.Outbox
	engine    *coordinator.Engine
	component *planexecutor.Component
	watcher   *planfile.Watcher
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start initializes all components. Nothing runs until Run is called.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}
	if err := a.openStorage(ctx); err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	if err := a.buildEngine(); err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	if a.cfg.Plans.Dir != "" {
		w, err := planfile.NewWatcher(a.cfg.Plans.Watch, a.cfg.Plans.Dir, a.logger)
		if err != nil {
			return fmt.Errorf("create plan watcher: %w", err)
		}
		a.watcher = w
	}

	a.logger.Info("Components initialized",
		"storage", a.cfg.Storage.Backend,
		"layers", a.cfg.Layers(),
		"plans_dir", a.cfg.Plans.Dir)
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.Name("semplan"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1,
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

	if _, err := events.EnsureStream(ctx, js); err != nil {
		return err
	}
	return nil
}

func (a *App) openStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendMemory:
		a.versions = versions.NewMemoryStore()

	case config.BackendNATS:
		store, err := storage.NewStore(ctx, a.js)
		if err != nil {
			return err
		}
		a.versions = store
		a.recorder = store
		a.records = store

	case config.BackendPostgres:
		db, err := postgres.Open(ctx, postgres.DefaultConfig(a.cfg.Storage.PostgresURL))
		if err != nil {
			return err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return err
		}
		records := postgres.NewRecordStore(db)
		a.db = db
		a.versions = postgres.NewVersionStore(db)
		a.recorder = records
		a.records = records

	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) buildEngine() error {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = planexecutor.NewMetrics(a.registry)

	sinks := events.MultiSink{
		events.NewJetStreamSink(a.js, appName),
		a.metrics,
		events.NewLogSink(a.logger),
	}
	if a.recorder != nil {
		sinks = append(sinks, events.NewRecordingSink(a.recorder))
	}
	a.outbox = events.NewOutbox(sinks, events.OutboxOptions{Logger: a.logger})

	executors := make(map[workflow.Layer]router.Executor)
	for _, layer := range a.cfg.Layers() {
		executors[layer] = router.NewNATSExecutor(a.natsConn, layer)
	}
	rt, err := router.New(executors,
		router.WithDefaultTimeout(a.cfg.Engine.DispatchTimeout),
		router.WithLogger(a.logger))
	if err != nil {
		return err
	}

	policy, err := retry.NewExponential(a.cfg.Retry)
	if err != nil {
		return err
	}

	engine, err := coordinator.NewEngine(coordinator.EngineConfig{
		Coordinator: coordinator.Config{
			MaxConcurrency: a.cfg.Engine.MaxConcurrency,
			GatePolicies:   a.cfg.Gate,
		},
		TimeoutCheckInterval: a.cfg.Engine.TimeoutCheckInterval,
	}, coordinator.Deps{
		Router:    rt,
		Versions:  a.versions,
		Publisher: a.outbox,
		Retry:     policy,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}
	a.engine = engine

	// The stream was created by startNATS.
	rawConfig, err := json.Marshal(map[string]any{"external_stream": true})
	if err != nil {
		return err
	}
	comp, err := planexecutor.NewComponent(rawConfig, planexecutor.Deps{
		JetStream: a.js,
		Engine:    engine,
		Logger:    a.logger,
		Metrics:   a.metrics,
	})
	if err != nil {
		return err
	}
	if err := comp.Initialize(); err != nil {
		return err
	}
	a.component = comp
	return nil
}

// Run runs the engine, the command consumer, the metrics endpoint and the
// plan watcher until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.engine.Run(ctx)
	})

	g.Go(func() error {
		if err := a.component.Start(ctx); err != nil {
			return fmt.Errorf("start plan-executor: %w", err)
		}
		<-ctx.Done()
		return a.component.Stop(10 * time.Second)
	})

	if a.cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              a.cfg.Metrics.Addr,
			Handler:           a.httpHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("Metrics endpoint listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.watcher != nil {
		g.Go(func() error {
			if err := a.watcher.Start(ctx); err != nil {
				return fmt.Errorf("start plan watcher: %w", err)
			}
			defer a.watcher.Stop()
			ps := &planSync{
				engine:    a.engine,
				publisher: a.js,
				hold:      a.cfg.Plans.Hold,
				logger:    a.logger,
			}
			for change := range a.watcher.Events() {
				if err := ps.apply(ctx, change); err != nil {
					a.logger.Warn("Failed to apply plan file change",
						"path", change.Path,
						"error", err)
				}
			}
			return nil
		})
	}

	return g.Wait()
}

func (a *App) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		health := a.component.Health()
		w.Header().Set("Content-Type", "application/json")
		if !health.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"healthy":      health.Healthy,
			"status":       health.Status,
			"active_plans": a.engine.Active(),
		})
	})
	return mux
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.engine != nil {
		if err := a.engine.Shutdown(ctx); err != nil {
			a.logger.Warn("Engine shutdown incomplete", "error", err)
		}
	}
	if a.outbox != nil {
		if err := a.outbox.Close(ctx); err != nil {
			a.logger.Warn("Event outbox not drained", "pending", a.outbox.Pending(), "error", err)
		}
	}

	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}

	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	if a.db != nil {
		_ = a.db.Close()
	}

	a.logger.Info("Shutdown complete")
}
