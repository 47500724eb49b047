package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"

	"sqlpipe/internal/adapter/httpapi"
	"sqlpipe/internal/config"
	"sqlpipe/internal/maintenance"
	"sqlpipe/internal/platform/logger"
	"sqlpipe/pkg/pipeline"
	"sqlpipe/pkg/pipeline/hooks"
)

// App wires application components.
type App struct {
	cfg      config.Config
	log      *slog.Logger
	registry *prometheus.Registry
}

// New loads configuration and creates the logger.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Env:           cfg.Env,
		ConsoleLevel:  cfg.Log.ConsoleLevel,
		ConsoleFormat: cfg.Log.Format,
		FileLevel:     cfg.Log.FileLevel,
		File:          cfg.Log.File,
		Rotation: logger.Rotation{
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		},
		App: "sqlpipe",
	})
	return NewWithConfig(cfg, log), nil
}

// NewWithConfig creates an App from an already loaded configuration.
func NewWithConfig(cfg config.Config, log *slog.Logger) *App {
	if log == nil {
		log = slog.Default()
	}
	return &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
}

// Config returns the configuration in use.
func (a *App) Config() config.Config { return a.cfg }

// SetDBPath overrides the configured database path. An in-memory database
// cannot be shared, so its reader count drops to zero.
func (a *App) SetDBPath(path string) error {
	cfg := a.cfg
	cfg.DB.Path = path
	if path == pipeline.InMemory && cfg.DB.Readers > 0 {
		a.log.Info("in-memory database has no readers", "configured", cfg.DB.Readers)
		cfg.DB.Readers = 0
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("db path %q: %w", path, err)
	}
	a.cfg = cfg
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.log }

// Registry returns the Prometheus registry the metrics hook writes to.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Close flushes the log file.
func (a *App) Close() error { return logger.Close(a.log) }

// Options builds queue options from the configuration.
func (a *App) Options() (pipeline.Options, error) {
	opts := pipeline.DefaultOptions()
	opts.Label = a.cfg.DB.Label
	opts.QoS = pipeline.QoS(a.cfg.DB.QoS)
	opts.WALMode = a.cfg.DB.WAL
	opts.ForeignKeys = a.cfg.DB.ForeignKeys
	opts.BusyTimeout = a.cfg.DB.BusyTimeout
	opts.Synchronous = pipeline.Synchronous(a.cfg.DB.Synchronous)
	opts.QueueSize = a.cfg.DB.QueueSize
	opts.MigrationsURL = a.cfg.DB.MigrationsURL
	opts.Logger = logger.Component(a.log, "pipeline")

	opts.Hooks = append(opts.Hooks, hooks.NewLoggerHook(logger.Component(a.log, "sql"), a.cfg.Log.Statements, a.cfg.Log.SlowQuery))
	if a.cfg.Metrics.Enabled {
		m, err := hooks.NewMetricsHook(a.registry)
		if err != nil {
			return opts, fmt.Errorf("metrics hook: %w", err)
		}
		opts.Hooks = append(opts.Hooks, m)
	}
	if a.cfg.Tracing.Enabled {
		opts.Hooks = append(opts.Hooks, hooks.NewTracingHook(otel.Tracer("sqlpipe")))
	}
	return opts, nil
}

// Stack holds the write queue and its read queues.
type Stack struct {
	Queue   *pipeline.Queue
	Readers []*pipeline.ReadQueue
}

// Close closes readers first, then the write queue.
func (s *Stack) Close() error {
	var errs []error
	for _, r := range s.Readers {
		errs = append(errs, r.Close())
	}
	if s.Queue != nil {
		errs = append(errs, s.Queue.Close())
	}
	return errors.Join(errs...)
}

// Open opens the write queue and the configured number of readers.
func (a *App) Open(ctx context.Context) (*Stack, error) {
	opts, err := a.Options()
	if err != nil {
		return nil, err
	}

	var q *pipeline.Queue
	if a.cfg.DB.Path == pipeline.InMemory {
		q, err = pipeline.OpenInMemoryQueue(ctx, opts)
	} else {
		q, err = pipeline.OpenQueue(ctx, a.cfg.DB.Path, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", a.cfg.DB.Path, err)
	}

	st := &Stack{Queue: q}
	for i := 0; i < a.cfg.DB.Readers; i++ {
		r, err := pipeline.NewReadQueueFrom(ctx, q, func(o *pipeline.Options) {
			o.Label = fmt.Sprintf("%s.read.%d", a.cfg.DB.Label, i)
		})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open reader %d: %w", i, err)
		}
		st.Readers = append(st.Readers, r)
	}
	a.log.Info("database opened",
		"path", a.cfg.DB.Path,
		"wal", a.cfg.DB.WAL,
		"readers", len(st.Readers),
	)
	return st, nil
}

// Maintenance creates the background maintenance service for st.
func (a *App) Maintenance(ctx context.Context, st *Stack) (*maintenance.Service, error) {
	readers := make([]maintenance.Reader, 0, len(st.Readers))
	for _, r := range st.Readers {
		readers = append(readers, r)
	}

	cfg := maintenance.Config{
		OptimizeSchedule: a.cfg.Maintenance.OptimizeSchedule,
		ReaderRefresh:    a.cfg.Maintenance.ReaderRefresh,
		Logger:           logger.Component(a.log, "maintenance"),
	}
	// Checkpoints only apply to WAL databases.
	if a.cfg.DB.WAL && a.cfg.DB.Path != pipeline.InMemory {
		cfg.CheckpointSchedule = a.cfg.Maintenance.CheckpointSchedule
		cfg.CheckpointMode = pipeline.CheckpointMode(a.cfg.Maintenance.CheckpointMode)
	}
	return maintenance.New(ctx, cfg, st.Queue, readers...)
}

// Handler builds the HTTP handler for st.
func (a *App) Handler(st *Stack) http.Handler {
	if a.cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	opts := httpapi.Options{
		Logger:    logger.Component(a.log, "http"),
		Tokens:    a.cfg.HTTP.Tokens,
		RateLimit: a.cfg.HTTP.RateLimit,
	}
	if a.cfg.Metrics.Enabled {
		opts.Gatherer = a.registry
	}
	return httpapi.NewRouter(st.Queue, st.Readers, opts)
}

// Run starts the database, maintenance and HTTP server and blocks until
// SIGINT/SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.Serve(ctx)
}

// Serve runs until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	a.log.Info("starting")

	if a.cfg.Metrics.Enabled {
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	st, err := a.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			a.log.Error("close database", "error", err)
		}
	}()

	maint, err := a.Maintenance(ctx, st)
	if err != nil {
		return err
	}
	maint.Start()

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.Handler(st),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.log.Info("http listening", "addr", a.cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		a.log.Error("server", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.log.Warn("http shutdown", "error", serr)
	}
	if merr := maint.Stop(shutdownCtx); merr != nil {
		a.log.Warn("maintenance stop", "error", merr)
	}
	a.log.Info("stopped")
	return err
}
