package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/cronfire/cronfire/internal/config"
	"github.com/cronfire/cronfire/internal/health"
	"github.com/cronfire/cronfire/internal/job"
	"github.com/cronfire/cronfire/internal/pkg/logs"
	"github.com/cronfire/cronfire/internal/pkg/metrics"
	"github.com/cronfire/cronfire/internal/queue"
	"github.com/cronfire/cronfire/internal/ratelimit"
	"github.com/cronfire/cronfire/internal/respproc"
	"github.com/cronfire/cronfire/internal/timeplan"
	"github.com/cronfire/cronfire/internal/worker"
)

var serveHwd = &ServeRunner{}

type ServeRunner struct{}

func (r *ServeRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the scheduler: queue maintenance, workers, health and metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				Value:   "cronfire.yaml",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address for the health and metrics endpoints",
				Value: ":9090",
			},
			&cli.BoolFlag{
				Name:  "memory-queue",
				Usage: "Use the in-process queue backend instead of the KV store (single node only)",
			},
		},
		Action: r.run,
	}
}

func (r *ServeRunner) run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("loading config error: %w", err)
	}
	if err = r.initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("init logger error: %w", err)
	}

	logs.CtxInfo(ctx, "booting cronfire, config file: %s", cmd.String("config"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := job.OpenStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	backend, err := r.buildBackend(cfg, cmd.Bool("memory-queue"))
	if err != nil {
		return fmt.Errorf("connect queue backend: %w", err)
	}
	defer backend.Close()

	adapter := queue.NewAdapter(backend, cfg.Queue)
	planner := timeplan.New(cfg.Timezone.Default, cfg.Timezone.Allowed)
	mgr := job.NewManager(store, planner, adapter, cfg)

	limiter := ratelimit.New(cfg.RateLimiting)
	go limiter.StartGC(ctx)

	proc, err := r.buildProcessor(cfg)
	if err != nil {
		return fmt.Errorf("build response processor: %w", err)
	}

	w := worker.New(adapter, mgr, limiter, proc, cfg)
	w.Start(ctx)

	// Stall detection keys off the lock duration: an active token whose lock
	// lapsed has lost its worker.
	go adapter.Run(ctx,
		time.Duration(cfg.Worker.PollIntervalMS)*time.Millisecond,
		time.Duration(cfg.Worker.LockDurationMS)*time.Millisecond)

	monitor := health.New(cfg.Monitoring, adapter, adapter, store)
	adapter.OnEvent(monitor.Observe)
	go monitor.Run(ctx)

	go r.sweepLoop(ctx, mgr, cfg.Database)

	srv := r.serveHTTP(ctx, cmd.String("listen"), monitor)

	logs.CtxInfo(ctx, "cronfire is up. Press Ctrl+C to stop.")

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case sig := <-signalCh:
		logs.CtxInfo(ctx, "received shutdown signal (%s), stopping...", sig.String())
	case <-ctx.Done():
		logs.CtxInfo(ctx, "context canceled, stopping...")
	}

	cancel()
	w.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logs.Error("shutdown http server: %v", err)
	}

	logs.Info("all stopped, good bye!")
	return nil
}

func (r *ServeRunner) buildBackend(cfg *config.Config, memory bool) (queue.Backend, error) {
	if memory {
		logs.Warn("using the in-process queue backend; scheduled state will not survive restarts")
		return queue.NewMemoryBackend(), nil
	}
	return queue.NewValkeyBackend(cfg.Queue)
}

func (r *ServeRunner) buildProcessor(cfg *config.Config) (*respproc.Processor, error) {
	var blob respproc.BlobStore
	if cfg.ResponseHandling.StorageProvider == "local" && cfg.ResponseHandling.StoragePath != "" {
		var err error
		blob, err = respproc.NewLocalStore(cfg.ResponseHandling.StoragePath)
		if err != nil {
			return nil, err
		}
	}
	return respproc.NewProcessor(cfg.ResponseHandling, blob), nil
}

// sweepLoop prunes executions past the retention window.
func (r *ServeRunner) sweepLoop(ctx context.Context, mgr *job.Manager, cfg config.DatabaseConfig) {
	interval := time.Duration(cfg.CleanupIntervalMin) * time.Minute
	retention := time.Duration(cfg.ExecutionRetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := mgr.SweepExpiredExecutions(ctx, retention); err != nil {
				logs.CtxWarn(ctx, "sweep expired executions: %v", err)
			} else if n > 0 {
				logs.CtxInfo(ctx, "swept %d expired executions", n)
			}
		}
	}
}

func (r *ServeRunner) serveHTTP(ctx context.Context, addr string, monitor *health.Monitor) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/health", monitor.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logs.CtxInfo(ctx, "health and metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.CtxError(ctx, "http server: %v", err)
		}
	}()
	return srv
}

func (r *ServeRunner) initLogger(cfg config.LoggingConfig) error {
	return logs.Init(logs.Options{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		File:       cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
}
