package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/abogen/internal/api"
	"github.com/loqalabs/abogen/internal/bus"
	"github.com/loqalabs/abogen/internal/config"
	"github.com/loqalabs/abogen/internal/engine"
	"github.com/loqalabs/abogen/internal/events"
	"github.com/loqalabs/abogen/internal/eventstore"
	"github.com/loqalabs/abogen/internal/job"
	"github.com/loqalabs/abogen/internal/natsserver"
	"github.com/loqalabs/abogen/internal/output"
	"github.com/loqalabs/abogen/internal/subtitle"
)

const (
	lockFileName    = "abogend.lock"
	shutdownTimeout = 10 * time.Second
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	// addr is the bound API address, set once listening.
	addr atomic.Value
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr returns the API listen address once Start has bound it.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Ready reports whether every component has started.
func (r *Runtime) Ready() bool { return r.ready.Load() }

// components holds everything Start builds so teardown can run in
// reverse order regardless of where startup stopped.
type components struct {
	lock        *flock.Flock
	telemetry   func(context.Context) error
	pool        *engine.Pool
	broker      *events.Broker
	archive     *eventstore.Store
	nats        *natsserver.EmbeddedServer
	busClient   *bus.Client
	busService  *bus.Service
	jobs        *job.Registry
	httpServer  *http.Server
	metricsSrv  *http.Server
	apiListener net.Listener
}

// Start builds the daemon, serves until ctx is done, then shuts down.
func (r *Runtime) Start(ctx context.Context) error {
	c := &components{}
	defer r.teardown(c)

	if err := r.build(ctx, c); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.httpServer.Serve(c.apiListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	if c.metricsSrv != nil {
		g.Go(func() error {
			if err := c.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Warn("metrics server failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	g.Go(func() error {
		return c.jobs.RunReaper(gctx, r.cfg.Jobs.ReapInterval)
	})
	if c.archive != nil {
		g.Go(func() error {
			r.pruneArchive(gctx, c.archive)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		if c.metricsSrv != nil {
			_ = c.metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.Addr()))
	return g.Wait()
}

func (r *Runtime) build(ctx context.Context, c *components) error {
	if err := os.MkdirAll(r.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lockPath := filepath.Join(r.cfg.DataDir, lockFileName)
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another abogend instance holds %s", lockPath)
	}
	c.lock = lock

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	c.telemetry = shutdownTelemetry

	engines, err := buildEngines(r.cfg.Engines)
	if err != nil {
		return fmt.Errorf("register engines: %w", err)
	}
	c.pool, err = engine.NewPool(engines, r.cfg.Engines.PoolSize, r.logger)
	if err != nil {
		return fmt.Errorf("create engine pool: %w", err)
	}

	c.broker = events.NewBroker(r.cfg.Jobs.LogCap, r.logger)
	if r.cfg.EventStore.Enabled {
		c.archive, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		c.broker.AddSink(c.archive)
	}

	var sink job.Sink
	if r.cfg.Output.Enabled {
		format, err := subtitle.ParseFormat(r.cfg.Output.SubtitleFormat)
		if err != nil {
			return err
		}
		w, err := output.NewWriter(output.Options{Dir: r.cfg.Output.Dir, Format: format}, r.logger)
		if err != nil {
			return err
		}
		sink = w
	}
	granularity, err := subtitle.ParseGranularity(r.cfg.Output.Granularity)
	if err != nil {
		return err
	}

	c.jobs, err = job.NewRegistry(job.Options{
		Pool:             c.pool,
		Broker:           c.broker,
		Sink:             sink,
		DefaultEngine:    r.cfg.Engines.Default,
		Device:           r.cfg.Engines.Device,
		MaxConcurrent:    r.cfg.Jobs.MaxConcurrent,
		Retention:        r.cfg.Jobs.Retention,
		MaxWords:         r.cfg.Jobs.MaxWords,
		GapSeconds:       r.cfg.Jobs.GapSeconds,
		Granularity:      granularity,
		WordsPerCue:      r.cfg.Output.WordsPerCue,
		NormalizeUnicode: r.cfg.Jobs.NormalizeUnicode,
		Logger:           r.logger,
	})
	if err != nil {
		return fmt.Errorf("create job registry: %w", err)
	}

	if err := r.startBus(ctx, c); err != nil {
		return err
	}

	apiOpts := api.Options{
		Jobs:          c.jobs,
		Engines:       engines,
		Voices:        c.pool,
		DefaultEngine: r.cfg.Engines.Default,
		Device:        r.cfg.Engines.Device,
		Metrics:       metricsHandler,
		Ready:         r.Ready,
		Logger:        r.logger,
	}
	if c.archive != nil {
		apiOpts.Archive = c.archive
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	c.apiListener, err = net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	r.addr.Store(c.apiListener.Addr().String())
	c.httpServer = &http.Server{
		Handler:           api.NewServer(apiOpts),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		c.metricsSrv = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context, c *components) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	c.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	c.busClient, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	if busCfg.MirrorEvents {
		c.broker.AddSink(bus.NewMirror(c.busClient))
	}
	c.busService = bus.NewService(ctx, c.busClient, c.jobs, r.logger)
	return c.busService.Start()
}

func (r *Runtime) pruneArchive(ctx context.Context, store *eventstore.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) teardown(c *components) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if c.apiListener != nil && c.httpServer == nil {
		_ = c.apiListener.Close()
	}
	if c.busService != nil {
		c.busService.Close()
	}
	if c.jobs != nil {
		if err := c.jobs.Close(shutdownCtx); err != nil {
			r.logger.Warn("jobs did not stop in time", slog.String("error", err.Error()))
		}
	}
	if c.broker != nil {
		c.broker.Close()
	}
	if c.busClient != nil {
		c.busClient.Close()
	}
	if c.nats != nil {
		c.nats.Shutdown()
	}
	if c.archive != nil {
		if err := c.archive.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	if c.pool != nil {
		c.pool.Close()
	}
	if c.telemetry != nil {
		if err := c.telemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	if c.lock != nil {
		if err := c.lock.Unlock(); err != nil {
			r.logger.Warn("failed to release daemon lock", slog.String("error", err.Error()))
		}
	}
}
