package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rollcall/attendance-server-go/internal/config"
	"github.com/rollcall/attendance-server-go/internal/database"
	"github.com/rollcall/attendance-server-go/internal/expiry"
	"github.com/rollcall/attendance-server-go/internal/handler"
	"github.com/rollcall/attendance-server-go/internal/jobs"
	"github.com/rollcall/attendance-server-go/internal/middleware"
	"github.com/rollcall/attendance-server-go/internal/mirror"
	"github.com/rollcall/attendance-server-go/internal/realtime"
	"github.com/rollcall/attendance-server-go/internal/redis"
	"github.com/rollcall/attendance-server-go/internal/registry"
	"github.com/rollcall/attendance-server-go/internal/repository"
	"github.com/rollcall/attendance-server-go/internal/service"
	"github.com/rollcall/attendance-server-go/internal/shortcode"
	"github.com/rollcall/attendance-server-go/internal/token"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("APP_ENV") == "production"
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}
	cancel()
	log.Info().Msg("database connected")

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")
	}

	studentRepo := repository.NewStudentRepository(db.DB)
	enrollmentRepo := repository.NewEnrollmentRepository(db.DB)
	attendanceRepo := repository.NewAttendanceRepository(db.DB)

	broker := realtime.NewBroker(redisClient)
	defer broker.Close()

	persistence := mirror.New(attendanceRepo, cfg.MirrorQueueSize, config.MirrorWriteTimeout)
	persistence.Start()
	defer persistence.Stop(config.MirrorDrainTimeout)

	codec := token.NewCodec(cfg.TokenSecret)
	timers := expiry.NewTimers(nil)
	reg := registry.New(codec, shortcode.NewAllocator(), timers)
	defer reg.Shutdown()

	sessionService := service.NewSessionService(reg, enrollmentRepo, broker, persistence, service.SessionConfig{
		DefaultWindow: cfg.DefaultWindow(),
		MaxWindow:     cfg.MaxWindow(),
		AutoCreate:    cfg.AutoCreateSessions,
	})
	scanService := service.NewScanService(reg, codec, studentRepo, enrollmentRepo, broker, persistence)
	adminService := service.NewAdminService(broker)

	var scanLimiter middleware.Limiter
	if redisClient != nil {
		scanLimiter = middleware.NewRedisRateLimiter(redisClient.Client, config.ScanRateLimitWindow)
	} else {
		scanLimiter = middleware.NewRateLimiter(config.ScanRateLimitWindow)
	}
	scanRateLimitMiddleware := middleware.NewIPRateLimitMiddleware(scanLimiter, cfg.ScanRateLimitPerMin, "scan")
	adminKeyMiddleware := middleware.NewAdminKeyMiddleware(cfg.AdminAPIKeyHash)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	sessionHandler := handler.NewSessionHandler(sessionService)
	scanHandler := handler.NewScanHandler(scanService)
	eventsHandler := handler.NewEventsHandler(broker, sessionService)
	wsHandler := handler.NewWSHandler(broker, sessionService, cfg.AllowedOrigins)
	adminHandler := handler.NewAdminHandler(adminService, sessionService, eventsHandler, wsHandler)
	healthHandler := handler.NewHealthHandler(sessionService, broker)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		// streams stay outside the request timeout
		r.Get("/sessions/{id}/events", eventsHandler.SessionStream)
		r.Get("/ws", wsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Mount("/sessions", sessionHandler.Routes())
			r.Post("/qr/generate", sessionHandler.Generate)
			r.With(scanRateLimitMiddleware.Handler).Post("/attendance/scan", scanHandler.Scan)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminKeyMiddleware.Handler)
		r.Mount("/", adminHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(
		sessionService, attendanceRepo,
		cfg.SessionMaxAge(), cfg.SessionRetention(), config.CleanupJobInterval,
	)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Bool("redis", redisClient != nil).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
