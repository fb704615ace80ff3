package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/video_cache/internal/cache"
	"github.com/italolelis/video_cache/internal/config"
	"github.com/italolelis/video_cache/internal/feed"
	"github.com/italolelis/video_cache/internal/feed/putio"
	"github.com/italolelis/video_cache/internal/http/rest"
	"github.com/italolelis/video_cache/internal/logctx"
	"github.com/italolelis/video_cache/internal/notifier"
	"github.com/italolelis/video_cache/internal/storage/sqlite"
	"github.com/italolelis/video_cache/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName    = "video_cache"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := logctx.New(os.Stdout, cfg.SlogLevel())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("video cache starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.TelemetryEnabled,
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Start Cache
	c, err := cache.New(cfg.CacheOptions(), cache.WithTracker(repo), cache.WithTelemetry(tel))
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cache: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := c.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop cache", "err", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Notification
	setupNotification(ctx, g, c, cfg)

	// =========================================================================
	// Start Feed
	if err := setupFeed(ctx, g, c, cfg, tel); err != nil {
		return err
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, c, cfg, tel)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for content...",
		"download_dir", cfg.DownloadDir,
		"max_parallel", cfg.MaxParallel,
		"max_storage_bytes", cfg.MaxStorageBytes,
		"retention", cfg.Retention.String(),
	)

	return g.Wait()
}

func setupNotification(ctx context.Context, g *errgroup.Group, c *cache.Cache, cfg *config.Config) {
	var notif notifier.Notifier = notifier.LogNotifier{}

	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	} else {
		logctx.LoggerFromContext(ctx).Debug("discord notifications disabled, events are only logged")
	}

	g.Go(func() error {
		notifier.Forward(ctx, notif, c.OnCompleted, c.OnFailed, c.OnEvicted)

		return nil
	})
}

func setupFeed(ctx context.Context, g *errgroup.Group, c *cache.Cache, cfg *config.Config, tel *telemetry.Telemetry) error {
	logger := logctx.LoggerFromContext(ctx)

	if cfg.PutioToken == "" {
		logger.Debug("put.io feed disabled")

		return nil
	}

	source := feed.NewInstrumentedSource(putio.NewClient(cfg.PutioToken, cfg.PutioFolderID), tel, "putio")

	if err := source.Authenticate(ctx); err != nil {
		return fmt.Errorf("authentication error: %w", err)
	}

	poller := feed.NewPoller("putio", source, c, cfg.FeedInterval)

	g.Go(func() error {
		poller.Run(ctx)

		return nil
	})

	return nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, c *cache.Cache, cfg *config.Config, tel *telemetry.Telemetry) *http.Server {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/", rest.NewContentHandler(c, cfg.Web.Username, cfg.Web.Password).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
