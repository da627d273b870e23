package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/database"
	"github.com/stemsi/exam-session-backend/internal/handler"
	"github.com/stemsi/exam-session-backend/internal/lock"
	"github.com/stemsi/exam-session-backend/internal/logger"
	"github.com/stemsi/exam-session-backend/internal/middleware"
	"github.com/stemsi/exam-session-backend/internal/repository"
	"github.com/stemsi/exam-session-backend/internal/router"
	"github.com/stemsi/exam-session-backend/internal/service"
	"github.com/stemsi/exam-session-backend/internal/validator"
	"github.com/stemsi/exam-session-backend/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("lock_driver", cfg.LockDriver).
		Msg("Starting exam session backend")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	examRepo := repository.NewExamRepository(pool)
	sessionRepo := repository.NewExamSessionRepository(pool)

	// ─── Initialize Locking ────────────────────────────────────────────
	var locker lock.Locker
	switch cfg.LockDriver {
	case config.LockDriverRedis:
		locker = lock.NewRedisLocker(rdb, cfg.LockTTL, log)
	default:
		locker = lock.NewKeyedMutex()
	}

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	catalogService := service.NewExamCatalogService(examRepo, rdb, cfg.CatalogCacheTTL, log)
	monitorService := service.NewMonitorService(rdb, log)
	sessionService := service.NewExamSessionService(sessionRepo, catalogService, catalogService, locker, log,
		service.WithEvents(monitorService),
	)

	// Shared by PUT .../answers and WebSocket autosaves.
	checkpointLimiter := middleware.NewRateLimiter(cfg.CheckpointRatePerMinute, time.Minute, middleware.IdentityKey)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		StudentPortal: handler.NewStudentPortalHandler(sessionService, log),
		Exam:          handler.NewExamHandler(sessionService, catalogService, log),
		WS:            handler.NewWSHandler(sessionService, checkpointLimiter, log, cfg.AllowedOrigins),
		Monitor:       handler.NewMonitorHandler(catalogService, sessionService, monitorService, log),
		System:        handler.NewSystemHandler(rdb, sessionService, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	workers.Add(1)
	go func() {
		defer workers.Done()
		checkpointLimiter.Run(workerCtx)
	}()

	if cfg.ExpirySweepInterval > 0 {
		sweeper := worker.NewExpirySweeper(sessionService, locker, cfg.ExpirySweepInterval, cfg.ExpirySweepBatch, log)
		workers.Add(1)
		go func() {
			defer workers.Done()
			sweeper.Start(workerCtx)
		}()
	} else {
		log.Info().Msg("Expiry sweeper disabled, relying on lazy expiry")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, checkpointLimiter, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for the current round to finish.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
