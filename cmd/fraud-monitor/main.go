package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/fraud-monitor/internal/api"
	"github.com/miradorstack/fraud-monitor/internal/cache"
	"github.com/miradorstack/fraud-monitor/internal/config"
	"github.com/miradorstack/fraud-monitor/internal/display"
	"github.com/miradorstack/fraud-monitor/internal/engine"
	"github.com/miradorstack/fraud-monitor/internal/metrics"
	"github.com/miradorstack/fraud-monitor/internal/repo"
	"github.com/miradorstack/fraud-monitor/internal/store"
	"github.com/miradorstack/fraud-monitor/internal/utils"
)

func main() {
	var (
		configPath string
		once       bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&once, "once", false, "Run a single sampling cycle, print the view and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	// The scoreboard owns stdout when it is enabled.
	logOut := os.Stdout
	if cfg.Display.Terminal || once {
		logOut = os.Stderr
	}
	logger := utils.NewLoggerTo(logOut, cfg.Logging.Level, cfg.Logging.JSON)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	source := newSource(cfg, logger)
	views := store.New()
	views.Subscribe(metrics.ObserveView)

	sampler := engine.NewSampler(logger, source, views, engine.NewAggregator(), engine.SamplerConfig{
		Interval:     cfg.Sampler.Interval(),
		FetchTimeout: cfg.Sampler.FetchTimeout,
	})

	if once {
		os.Exit(runOnce(logger, cfg, sampler, views))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Display.Terminal {
		views.Subscribe(display.NewPrinter(os.Stdout, true).Notify)
	}

	g, gctx := errgroup.WithContext(ctx)

	var published api.PublishedReader
	if cfg.Publish.Enabled {
		provider := newPublishProvider(ctx, cfg, logger)
		defer provider.Close()
		publisher := cache.NewPublisher(logger, provider, cache.PublisherConfig{
			Key:          cfg.Publish.Key,
			TTL:          cfg.Publish.TTL,
			WriteTimeout: cfg.Publish.WriteTimeout,
		})
		views.Subscribe(publisher.Notify)
		g.Go(func() error {
			publisher.Run(gctx)
			return nil
		})
		published = publisher
	}

	monitor := api.NewMonitor(logger, views)
	server, err := api.NewServer(cfg.Server, monitor)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}
	g.Go(func() error {
		logger.Info("gRPC server listening", slog.String("address", server.Address()))
		if err := server.Start(); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})

	var httpServer *http.Server
	if cfg.Server.HTTPAddress != "" {
		httpServer = &http.Server{
			Addr: cfg.Server.HTTPAddress,
			Handler: api.NewHTTPHandler(logger, views, prometheus.DefaultGatherer, api.HTTPOptions{
				RateLimit: cfg.Server.HTTPRateLimit,
				RateBurst: cfg.Server.HTTPRateBurst,
				Published: published,
			}),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http server listening", slog.String("address", cfg.Server.HTTPAddress))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	sampler.Start(gctx)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sampler.Stop()
		sampler.Wait()

		monitor.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)

		if httpServer != nil {
			if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("http server shutdown", slog.Any("error", err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("fraud-monitor exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("fraud-monitor stopped")
}

func newSource(cfg *config.Config, logger *slog.Logger) engine.Source {
	if cfg.Source.BaseURL == "" {
		logger.Info("using synthetic transaction source", slog.Int("batch_size", cfg.Source.BatchSize))
		return repo.NewSyntheticSource(cfg.Source.BatchSize)
	}
	logger.Info("using scoring backend", slog.String("base_url", cfg.Source.BaseURL), slog.String("path", cfg.Source.BatchPath))
	return repo.NewScoringClient(cfg.Source.BaseURL, cfg.Source.BatchPath, cfg.Source.BatchSize, cfg.Source.Timeout)
}

// newPublishProvider picks the publish backend. An unreachable Valkey falls
// back to the in-process store so the published read-back keeps working.
func newPublishProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) cache.Provider {
	if cfg.Publish.Backend == config.PublishBackendMemory {
		logger.Info("publishing view in memory", slog.String("key", cfg.Publish.Key))
		return cache.NewMemoryProvider(cfg.Publish.TTL)
	}
	provider, err := cache.NewValkeyProvider(ctx, cache.ValkeyConfig{
		Addr:         cfg.Publish.Addr,
		Username:     cfg.Publish.Username,
		Password:     cfg.Publish.Password,
		DB:           cfg.Publish.DB,
		DialTimeout:  cfg.Publish.DialTimeout,
		ReadTimeout:  cfg.Publish.ReadTimeout,
		WriteTimeout: cfg.Publish.WriteTimeout,
		MaxRetries:   cfg.Publish.MaxRetries,
		TLS:          cfg.Publish.TLS,
	})
	if err != nil {
		logger.Warn("valkey unavailable, publishing view in memory", slog.String("addr", cfg.Publish.Addr), slog.Any("error", err))
		return cache.NewMemoryProvider(cfg.Publish.TTL)
	}
	logger.Info("publishing view to valkey", slog.String("addr", cfg.Publish.Addr), slog.String("key", cfg.Publish.Key))
	return provider
}

// runOnce samples a single cycle and prints the resulting view. It returns
// the process exit code.
func runOnce(logger *slog.Logger, cfg *config.Config, sampler *engine.Sampler, views *store.Store) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cycleErr := sampler.RunOnce(ctx)
	view := views.Current()

	if cfg.Display.Terminal {
		display.NewPrinter(os.Stdout, false).Notify(view)
	} else {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(view); err != nil {
			logger.Error("write view", slog.Any("error", err))
			return 1
		}
	}
	if cycleErr != nil {
		return 1
	}
	return 0
}
