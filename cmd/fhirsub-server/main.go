package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirsub/fhirsub/internal/config"
	"github.com/fhirsub/fhirsub/internal/domain/notify"
	"github.com/fhirsub/fhirsub/internal/domain/subscription"
	"github.com/fhirsub/fhirsub/internal/platform/cache"
	"github.com/fhirsub/fhirsub/internal/platform/fhir"
	"github.com/fhirsub/fhirsub/internal/platform/middleware"
	"github.com/fhirsub/fhirsub/internal/platform/queue"
	"github.com/fhirsub/fhirsub/internal/platform/webhook"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirsub-server",
		Short: "FHIR Subscription notification engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reloadCacheCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the subscription engine and its admin server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func reloadCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload-cache",
		Short: "Rebuild the subscription cache from the FHIR server and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			store, err := cache.NewRedisStore(ctx, cfg.RedisURL)
			if err != nil {
				return err
			}
			defer store.Close()

			index := subscription.NewIndex(store, logger)
			gateway := newGateway(cfg, logger)
			guard := subscription.NewRedisReloadGuard(store.Client())
			reloader := subscription.NewReloader(index, gateway, guard, logger)
			return reloader.Run(ctx)
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func newGateway(cfg *config.Config, logger zerolog.Logger) *fhir.Gateway {
	var tokens fhir.TokenProvider
	if cfg.AuthTokenURL != "" {
		tokens = fhir.NewClientCredentialsProvider(cfg.AuthTokenURL, cfg.AuthClientID, cfg.AuthClientSecret, cfg.AuthScope, logger)
	}
	return fhir.NewGateway(fhir.Config{
		BaseURL:      cfg.FHIRServerURL,
		MaxRetries:   cfg.FHIRMaxRetries,
		RetryDelay:   time.Duration(cfg.FHIRRetryDelayMS) * time.Millisecond,
		Exponential:  cfg.FHIRRetryExponential,
		JitterFactor: cfg.FHIRRetryJitter,
	}, tokens, logger)
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cache.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer store.Close()
	logger.Info().Msg("connected to redis")

	broker, err := queue.Connect(ctx, cfg.NATSURL, queue.Config{
		EventStream:   cfg.EventStream,
		EventSubject:  cfg.EventSubject,
		NotifyStream:  cfg.NotifyStream,
		NotifySubject: cfg.NotifySubject,
		DLQSubject:    cfg.NotifyDLQSubject,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer broker.Close()
	logger.Info().Msg("connected to nats")

	gateway := newGateway(cfg, logger)
	hooks := webhook.NewClient(30 * time.Second)
	index := subscription.NewIndex(store, logger)

	manager := subscription.NewManager(index, gateway, hooks, subscription.ManagerOptions{
		Backport:      cfg.BackportMode,
		ServerBaseURL: cfg.FHIRServerURL,
	}, logger)
	matcher := subscription.NewMatcher(index, gateway, broker, subscription.MatcherOptions{
		Backport: cfg.BackportMode,
	}, logger)
	dispatcher := notify.NewDispatcher(index, gateway, hooks, manager, notify.DispatcherOptions{
		Backport:      cfg.BackportMode,
		ServerBaseURL: cfg.FHIRServerURL,
		MaxRetries:    cfg.MaxNotifyRetries,
		RetryDelay:    time.Duration(cfg.NotifyRetrySecs) * time.Second,
	}, logger)

	guard := subscription.NewRedisReloadGuard(store.Client())
	reloader := subscription.NewReloader(index, gateway, guard, logger)

	notifyConsumer, err := broker.StartNotifyConsumer(ctx, dispatcher)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start notify consumer")
	}
	defer notifyConsumer.Stop()

	go func() {
		if err := broker.RunEventLoop(ctx, manager, matcher); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("event loop terminated")
		}
	}()

	e := newAdminServer(logger, reloader)
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("admin server failed")
		}
	}()
	logger.Info().Str("port", cfg.Port).Msg("admin server started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// newAdminServer exposes health, metrics, the cache-reload trigger, and a
// sample subscriber callback for local end-to-end runs.
func newAdminServer(logger zerolog.Logger, reloader *subscription.Reloader) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/admin/reload-cache", reloadHandler(reloader))
	e.POST("/callback", callbackHandler(logger))

	return e
}

func reloadHandler(reloader *subscription.Reloader) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := reloader.Start(c.Request().Context())
		switch {
		case errors.Is(err, subscription.ErrReloadRunning):
			return c.JSON(http.StatusConflict, map[string]string{
				"error": err.Error(),
			})
		case err != nil:
			return err
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status": "reload started",
		})
	}
}

// callbackHandler acknowledges any notification, logging its size. It stands
// in for a subscriber endpoint during local runs.
func callbackHandler(logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body []byte
		if c.Request().Body != nil {
			body, _ = io.ReadAll(c.Request().Body)
		}
		logger.Info().Int("bytes", len(body)).Msg("callback received notification")
		return c.NoContent(http.StatusOK)
	}
}
