package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/healthsync/healthsync/internal/config"
	"github.com/healthsync/healthsync/internal/domain/directory"
	"github.com/healthsync/healthsync/internal/domain/scheduling"
	"github.com/healthsync/healthsync/internal/platform/auth"
	"github.com/healthsync/healthsync/internal/platform/cache"
	"github.com/healthsync/healthsync/internal/platform/db"
	"github.com/healthsync/healthsync/internal/platform/middleware"
	"github.com/healthsync/healthsync/internal/platform/notification"
)

// newEcho builds the server with global middleware and the unauthenticated
// health endpoint. Authenticated routes hang off the returned /api/v1 group.
func newEcho(cfg *config.Config, logger zerolog.Logger) (*echo.Echo, *echo.Group) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.HeaderUserID, auth.HeaderUserRole},
	}))
	e.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api/v1", authMiddleware(cfg), middleware.RequestTimeout(cfg.RequestTimeout))
	return e, api
}

// authMiddleware trusts identity headers in development and requires signed
// tokens everywhere else.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtConfig(cfg))
	}
	return auth.JWTMiddleware(jwtConfig(cfg))
}

// newSlotCache connects to Redis when REDIS_URL is set. An unreachable Redis
// is logged and replaced by the no-op cache so bookings keep working.
func newSlotCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (scheduling.SlotCache, func()) {
	if cfg.RedisURL == "" {
		return cache.Nop{}, func() {}
	}
	client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, slot cache disabled")
		return cache.Nop{}, func() {}
	}
	logger.Info().Dur("ttl", cfg.SlotCacheTTL).Msg("slot cache enabled")
	return cache.NewRedisSlotCache(client, cfg.SlotCacheTTL), func() { client.Close() }
}

// newSender uses SMTP when configured and otherwise logs each message.
func newSender(cfg *config.Config, logger zerolog.Logger) notification.Sender {
	if cfg.SMTPEnabled() {
		return notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailSender,
		})
	}
	return notification.NewLogSender(logger)
}

func newDispatcher(cfg *config.Config, logger zerolog.Logger) *notification.Dispatcher {
	dcfg := notification.DefaultDispatcherConfig()
	dcfg.Workers = cfg.NotifyWorkers
	dcfg.QueueSize = cfg.NotifyQueueSize
	return notification.NewDispatcher(newSender(cfg, logger), notification.NewTemplateEngine(), logger, dcfg)
}

// registerDomains wires repositories, services and handlers onto api.
func registerDomains(api *echo.Group, pool *pgxpool.Pool, slots scheduling.SlotCache,
	notifier scheduling.Notifier, logger zerolog.Logger) {
	tx := db.NewTxRunner(pool)
	availRepo := scheduling.NewAvailabilityRepoPG(pool)

	dirSvc := directory.NewService(
		directory.NewUserRepoPG(pool),
		directory.NewHospitalRepoPG(pool),
		directory.NewDepartmentRepoPG(pool),
		directory.NewDoctorRepoPG(pool),
		tx,
		scheduling.NewSeeder(availRepo),
		logger.With().Str("component", "directory").Logger(),
	)
	directory.NewHandler(dirSvc).RegisterRoutes(api)

	schedSvc := scheduling.NewService(
		availRepo,
		scheduling.NewAppointmentRepoPG(pool),
		dirSvc,
		tx,
		slots,
		notifier,
		logger.With().Str("component", "scheduling").Logger(),
	)
	scheduling.NewHandler(schedSvc).RegisterRoutes(api, middleware.RateLimit(middleware.BookingRateLimitConfig()))
}

func runServer() error {
	cfg, err := config.Load()
	logger := newLogger(os.Getenv("ENV"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	slots, closeCache := newSlotCache(ctx, cfg, logger)
	defer closeCache()

	dispatcher := newDispatcher(cfg, logger.With().Str("component", "notification").Logger())

	e, api := newEcho(cfg, logger)
	e.GET("/health/db", db.HealthHandler(pool))
	api.Use(db.ConnMiddleware(pool))
	registerDomains(api, pool, slots, dispatcher, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Interface("stats", dispatcher.Stats()).Msg("notification queue not drained")
	}
	logger.Info().Msg("server stopped")
	return nil
}
