package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keyfleet/keyfleet/internal/backup"
	"github.com/keyfleet/keyfleet/internal/cache"
	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/database"
	"github.com/keyfleet/keyfleet/internal/logging"
	"github.com/keyfleet/keyfleet/internal/monitoring"
	"github.com/keyfleet/keyfleet/internal/rotation"
	"github.com/keyfleet/keyfleet/internal/server"
	"github.com/keyfleet/keyfleet/migrations"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(&cfg.Logging, cfg.Server.Env)

	log.Info().
		Str("env", cfg.Server.Env).
		Msg("Starting keyfleet API server")

	db, err := database.New(cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := database.RunMigrations(cfg.Database.URL, migrations.FS, "."); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	rdb, err := cache.New(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to redis")
	}
	defer rdb.Close()

	monitoring.Init()
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	threshold, err := decimal.NewFromString(cfg.Rotation.SpendThreshold)
	if err != nil {
		log.Fatal().Err(err).Str("threshold", cfg.Rotation.SpendThreshold).Msg("Invalid spend threshold")
	}

	backupSvc := backup.NewService(db.Pool)
	rotationSvc := rotation.NewService(db.Pool, backupSvc, &rotation.Config{
		Threshold:     threshold,
		CheckInterval: cfg.Rotation.CheckInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := rotation.NewScheduler(rotationSvc, logging.NewLogger("scheduler"))
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start spend monitor")
	}
	defer scheduler.Stop()

	sweeper := backup.NewSweeper(backupSvc, &cfg.Backup, logging.NewLogger("sweeper"))
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start retention sweeper")
	}
	defer sweeper.Stop()

	srv := server.NewAPIServer(cfg, db.Pool, rdb, rotationSvc)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().
		Str("signal", sig.String()).
		Msg("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited gracefully")
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().
		Int("port", port).
		Msg("Prometheus metrics server listening")

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
