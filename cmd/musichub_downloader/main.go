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
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/musichub_downloader/internal/cleanup"
	"github.com/italolelis/musichub_downloader/internal/config"
	"github.com/italolelis/musichub_downloader/internal/downloader"
	"github.com/italolelis/musichub_downloader/internal/extension"
	"github.com/italolelis/musichub_downloader/internal/extension/local"
	"github.com/italolelis/musichub_downloader/internal/extension/piped"
	"github.com/italolelis/musichub_downloader/internal/extension/unified"
	"github.com/italolelis/musichub_downloader/internal/fetch"
	"github.com/italolelis/musichub_downloader/internal/http/rest"
	"github.com/italolelis/musichub_downloader/internal/logctx"
	"github.com/italolelis/musichub_downloader/internal/notifier"
	"github.com/italolelis/musichub_downloader/internal/progress"
	"github.com/italolelis/musichub_downloader/internal/scheduler"
	"github.com/italolelis/musichub_downloader/internal/storage"
	"github.com/italolelis/musichub_downloader/internal/storage/sqlite"
	"github.com/italolelis/musichub_downloader/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// version is set at build time.
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("musichub downloader starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	for _, dir := range []string{cfg.TargetDir, cfg.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	dr := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Start Extensions
	registry, err := buildRegistry(ctx, cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build extensions: %w", err)
	}

	// =========================================================================
	// Start Downloader
	sched := scheduler.New(ctx, scheduler.WithPollInterval(cfg.ConstraintPollInterval))
	defer sched.Close()

	dl := downloader.New(ctx, dr, registry, sched, downloader.Options{
		WorkDir:            cfg.WorkDir,
		TargetDir:          cfg.TargetDir,
		DefaultConcurrency: cfg.DefaultConcurrency,
		ResolveTimeout:     cfg.ResolveTimeout,
		ServerIdle:         cfg.ServerCacheIdle,
		Constraints: []scheduler.Constraint{
			scheduler.NetworkConnected(),
			scheduler.StorageNotLow(cfg.WorkDir, cfg.MinFreeDisk),
		},
		Telemetry: tel,
	})
	defer dl.Close()

	if err := dl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start downloader: %w", err)
	}

	// =========================================================================
	// Start Notification
	setupNotification(ctx, dl, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, dl, registry, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"target_dir", cfg.TargetDir,
		"work_dir", cfg.WorkDir,
		"extensions", len(registry.Enabled()),
		"cleanup_interval", cfg.CleanupInterval.String(),
	)

	// =========================================================================
	// Start Cleanup
	go runCleanup(ctx, dr, cfg)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
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

		return ctx.Err()
	}
}

// buildRegistry registers the configured extensions. The download extension
// is the first enabled one able to download, so piped is registered first.
func buildRegistry(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*extension.Registry, error) {
	logger := logctx.LoggerFromContext(ctx)
	registry := extension.NewRegistry()

	if len(cfg.PipedInstances) > 0 {
		client, err := fetch.New(cfg.PipedInstances,
			fetch.WithTimeouts(fetch.Timeouts{
				Connect: cfg.FetchConnectTimeout,
				Read:    cfg.FetchReadTimeout,
				Write:   cfg.FetchWriteTimeout,
			}),
			fetch.WithTelemetry(tel),
		)
		if err != nil {
			return nil, err
		}

		registry.Register(piped.New(client,
			piped.WithRegion(cfg.PipedRegion),
			piped.WithConcurrency(cfg.PipedConcurrency),
			piped.WithLimiter(progress.NewLimiter(cfg.RateLimit)),
		), cfg.PipedEnabled)
	}

	if cfg.LocalLibraryDir != "" {
		lib := local.New(cfg.LocalLibraryDir)
		if err := lib.Index(ctx); err != nil {
			return nil, fmt.Errorf("failed to index local library: %w", err)
		}

		registry.Register(lib, cfg.LocalEnabled)
	} else if cfg.LocalEnabled {
		logger.Info("local library disabled, LOCAL_LIBRARY_DIR is empty")
	}

	registry.Register(unified.New(registry), cfg.UnifiedEnabled)

	return registry, nil
}

func setupNotification(ctx context.Context, dl *downloader.Downloader, cfg *config.Config) {
	if cfg.DiscordWebhookURL == "" {
		return
	}

	feed, unsubscribe := dl.SubscribeFeed()

	go func() {
		defer unsubscribe()

		notifier.Forward(ctx, feed, &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL})
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	dl *downloader.Downloader,
	registry *extension.Registry,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", rest.NewHandler(dl, registry).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "musichub_downloader"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func runCleanup(ctx context.Context, store storage.DownloadReadRepository, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			records, err := store.GetDownloads(ctx)
			if err != nil {
				logger.Error("failed to get downloads for cleanup", "err", err)

				continue
			}

			if _, err := cleanup.SweepOrphans(ctx, records, cfg.WorkDir, cfg.CleanupInterval); err != nil {
				logger.Error("failed to sweep orphaned files", "err", err)
			}
		}
	}
}
