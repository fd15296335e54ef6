// Package main is the entry point for the Vigil portfolio monitoring daemon.
// Vigil watches ultra-high-net-worth portfolios for concentration breaches,
// allocation drift, and tax exposure, runs a multi-agent analysis pass over
// every triggering event, and records each step on a hash-linked audit chain.
//
// Startup sequence:
//  1. Load configuration from environment variables (.env file supported)
//  2. Initialize structured logging
//  3. Wire all dependencies via the DI container (databases, chain, agents)
//  4. Start the ops HTTP server
//  5. Start gateway drain loops for the scheduled and feed sessions
//  6. Start the event scheduler (heartbeats, review cron jobs)
//  7. Start the sector feed client (if enabled)
//  8. Start infrastructure jobs (backups, maintenance, history cleanup)
//  9. Wait for shutdown signal and stop everything in reverse order
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meridianfo/vigil/internal/config"
	"github.com/meridianfo/vigil/internal/di"
	"github.com/meridianfo/vigil/internal/events"
	"github.com/meridianfo/vigil/pkg/logger"
)

// Sessions owned by the daemon. Heartbeats and cron jobs get their own
// ordering domains so a slow review never delays a market event.
const (
	heartbeatSession = "heartbeat_main"
	cronSession      = "cron_main"
)

// Infrastructure job schedules. These run off-hours, outside the gateway,
// because they maintain the daemon itself rather than analyze portfolios.
const (
	maintenanceCron = "30 2 * * *"
	cleanupCron     = "0 1 * * *"

	backupTimeout   = 10 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use a fallback logger so the configuration error is still visible
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true, Service: "vigil"})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: "vigil",
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting Vigil")

	// Wire all dependencies using the DI container. This opens the databases,
	// resumes the audit chain from disk, builds the specialist agents, and
	// registers the analysis pipeline on the gateway.
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.CloseDatabases()

	// Start the ops HTTP server in a goroutine so background services can
	// start concurrently.
	go func() {
		if err := container.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start ops server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Ops server started")

	// Drain loops must be running before the scheduler submits anything,
	// otherwise the first heartbeat sits queued until its session starts.
	container.Gateway.StartProcessing(heartbeatSession)
	container.Gateway.StartProcessing(cronSession)
	if container.Feed != nil {
		container.Gateway.StartProcessing(cfg.Feed.SessionID)
	}

	// Scheduled event sources: periodic heartbeats sweep the stored
	// portfolios, cron jobs submit the daily review and optional EOD tax run.
	container.Scheduler.Start()
	heartbeatEvery := time.Duration(cfg.HeartbeatInterval) * time.Minute
	if _, err := container.Scheduler.ScheduleHeartbeat(cfg.HeartbeatPortfolios, heartbeatSession, heartbeatEvery); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule heartbeat")
	}
	if _, err := container.Scheduler.ScheduleCronJob(events.JobTypeDailyReview, cronSession, cfg.DailyReviewCron, ""); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule daily review")
	}
	if cfg.EODTaxCron != "" {
		if _, err := container.Scheduler.ScheduleCronJob(events.JobTypeEODTax, cronSession, cfg.EODTaxCron, ""); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule EOD tax run")
		}
	}
	log.Info().
		Dur("heartbeat_every", heartbeatEvery).
		Str("daily_review", cfg.DailyReviewCron).
		Msg("Event scheduler started")

	// Sector feed client streams live prices and submits market events when
	// a sector moves. It reconnects on its own if the stream drops.
	if container.Feed != nil {
		if err := container.Feed.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start sector feed client")
		}
	}

	// Infrastructure jobs run on their own cron, not through the gateway:
	// they keep the daemon healthy rather than analyze portfolios.
	infra := cron.New()
	if container.Backup != nil {
		if _, err := infra.AddFunc(cfg.Backup.Cron, func() {
			ctx, cancel := context.WithTimeout(context.Background(), backupTimeout)
			defer cancel()
			if err := container.Backup.CreateAndUploadBackup(ctx); err != nil {
				log.Error().Err(err).Msg("Chain backup failed")
				return
			}
			if err := container.Backup.RotateOldBackups(ctx, cfg.Backup.Keep); err != nil {
				log.Error().Err(err).Msg("Backup rotation failed")
			}
		}); err != nil {
			log.Fatal().Err(err).Str("cron", cfg.Backup.Cron).Msg("Failed to schedule backups")
		}
		log.Info().Str("cron", cfg.Backup.Cron).Msg("Chain backups scheduled")
	}
	if _, err := infra.AddFunc(maintenanceCron, func() {
		if err := container.Maintenance.Run(); err != nil {
			log.Error().Err(err).Msg("Maintenance run failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule maintenance")
	}
	if _, err := infra.AddFunc(cleanupCron, func() {
		if err := container.Cleanup.Run(); err != nil {
			log.Error().Err(err).Msg("Transaction history cleanup failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule history cleanup")
	}
	infra.Start()

	// Expired analysis sessions are reaped on a fixed interval. Each removal
	// is recorded on the audit chain by the registry.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.SessionCleanupEvery) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := container.Sessions.CleanupExpired(); n > 0 {
					log.Info().Int("expired", n).Msg("Expired sessions cleaned up")
				}
			}
		}
	}()

	log.Info().Msg("Vigil running")

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()

	if container.Feed != nil {
		if err := container.Feed.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping sector feed client")
		}
	}

	// Stop event sources before the drain loops so nothing new queues up,
	// then let in-flight analysis finish.
	container.Scheduler.Stop()
	infraCtx := infra.Stop()
	<-infraCtx.Done()
	container.Gateway.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ops server forced to shutdown")
	}

	log.Info().Msg("Vigil stopped")
}
