package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel"

	"github.com/eugener/xmlfetch/internal/app"
	"github.com/eugener/xmlfetch/internal/auth"
	"github.com/eugener/xmlfetch/internal/cache"
	"github.com/eugener/xmlfetch/internal/channel"
	"github.com/eugener/xmlfetch/internal/channel/inproc"
	"github.com/eugener/xmlfetch/internal/channel/stream"
	"github.com/eugener/xmlfetch/internal/circuitbreaker"
	"github.com/eugener/xmlfetch/internal/config"
	"github.com/eugener/xmlfetch/internal/connector"
	"github.com/eugener/xmlfetch/internal/fetcher"
	"github.com/eugener/xmlfetch/internal/server"
	"github.com/eugener/xmlfetch/internal/storage/sqlite"
	"github.com/eugener/xmlfetch/internal/telemetry"
	"github.com/eugener/xmlfetch/internal/worker"
	"github.com/eugener/xmlfetch/internal/xmlworker"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting xmlfetch", "version", version, "addr", cfg.Server.Addr,
		"worker_mode", cfg.Worker.Mode, "feeds", len(cfg.Feeds))

	// Background context for workers and spawned processes. Cancelled last.
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	// Open database
	store, err := sqlite.New(bgCtx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Telemetry
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	connOpts := []connector.Option{connector.WithCallTimeout(cfg.Worker.CallTimeout)}
	if tc := cfg.Telemetry.Tracing; tc.Enabled {
		shutdown, err := telemetry.SetupTracing(bgCtx, "xmlfetch", tc.Endpoint, tc.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
		connOpts = append(connOpts, connector.WithTracerProvider(otel.GetTracerProvider()))
	}

	// Document cache
	var docCache cache.Cache
	if cfg.Cache.Enabled {
		mem, err := cache.NewMemory(cfg.Cache.MaxSize)
		if err != nil {
			return err
		}
		docCache = mem
	}

	// Fetch workers
	resolver := &dnscache.Resolver{}
	newChannel, err := channelFactory(bgCtx, cfg.Worker, resolver)
	if err != nil {
		return err
	}

	recorder := worker.NewSnapshotRecorder(store, metrics)
	feeds, err := app.NewFeedService(app.Deps{
		Feeds:      feedsFromConfig(cfg.Feeds),
		NewChannel: newChannel,
		Store:      store,
		Cache:      docCache,
		DefaultTTL: cfg.Cache.DefaultTTL,
		Breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			ErrorThreshold: cfg.Breaker.ErrorThreshold,
			MinSamples:     cfg.Breaker.MinSamples,
			Window:         circuitbreaker.DefaultConfig().Window,
			OpenTimeout:    cfg.Breaker.OpenTimeout,
		}),
		Recorder:         recorder,
		Metrics:          metrics,
		ConnectorOptions: connOpts,
	})
	if err != nil {
		return err
	}

	// Background workers
	workers := []worker.Worker{recorder}
	if p := worker.NewFeedPoller(feeds, cfg.Worker.PollInterval); p != nil {
		workers = append(workers, p)
	}
	if p := worker.NewSnapshotPruner(store, cfg.Database.Retention); p != nil {
		workers = append(workers, p)
	}
	if cfg.Worker.Mode == config.ModeInproc {
		if d := worker.NewDNSRefresher(resolver, cfg.Worker.DNSRefresh); d != nil {
			workers = append(workers, d)
		}
	}
	workerCtx, stopWorkers := context.WithCancel(bgCtx)
	defer stopWorkers()
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- worker.NewRunner(workers...).Run(workerCtx) }()

	// Create HTTP server
	deps := server.Deps{
		Feeds:          feeds,
		ReadyCheck:     store.Ping,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	}
	if a := auth.NewAPIKeyAuth(cfg.Server.APIKeys); a != nil {
		deps.Auth = a
	} else {
		slog.Warn("no api_keys configured, feed API is open")
	}
	handler := server.New(deps)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("xmlfetch ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		runErr = err
	case err := <-runnerDone:
		runErr = fmt.Errorf("background worker: %w", err)
		runnerDone <- nil
	}

	// Shutdown: stop taking requests, release feed workers, then let the
	// snapshot recorder drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if err := feeds.Close(); err != nil {
		slog.Warn("closing feeds", "error", err)
	}
	stopWorkers()
	if err := <-runnerDone; err != nil {
		runErr = errors.Join(runErr, err)
	}

	slog.Info("xmlfetch stopped")
	return runErr
}

// channelFactory returns how new worker channels are opened for the
// configured mode. Spawned processes live until ctx is cancelled or their
// channel is closed.
func channelFactory(ctx context.Context, cfg config.WorkerConfig, resolver *dnscache.Resolver) (app.ChannelFactory, error) {
	switch cfg.Mode {
	case config.ModeProcess:
		command := cfg.Command
		if command == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("locate worker executable: %w", err)
			}
			command = exe
		}
		return func(feed string) (channel.Channel, error) {
			ch, err := stream.Spawn(ctx, command, "-worker")
			if err != nil {
				return nil, fmt.Errorf("feed %q: %w", feed, err)
			}
			return ch, nil
		}, nil
	case config.ModeInproc:
		return func(string) (channel.Channel, error) {
			return inproc.New(xmlworker.New(resolver)), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown worker mode %q", cfg.Mode)
	}
}

func feedsFromConfig(entries []config.FeedEntry) []app.Feed {
	feeds := make([]app.Feed, 0, len(entries))
	for _, e := range entries {
		feeds = append(feeds, app.Feed{
			Name: e.Name,
			Params: fetcher.InitParams{
				URL:       e.URL,
				Headers:   e.Headers,
				Auth:      e.Auth,
				TimeoutMs: e.TimeoutMs,
			},
			CacheTTL:  e.CacheTTL,
			RateLimit: e.RateLimit,
		})
	}
	return feeds
}
