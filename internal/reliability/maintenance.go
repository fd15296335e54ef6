package reliability

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianfo/vigil/internal/chain"
	"github.com/meridianfo/vigil/internal/database"
)

// MaintenanceJob keeps the audit chain and its archive mirror healthy. It is
// meant to run on a daily cron.
type MaintenanceJob struct {
	chain     *chain.Chain
	archiveDB *database.DB // optional, archive steps skipped when nil
	archive   *chain.SQLiteArchive
	dataDir   string
	log       zerolog.Logger
}

// NewMaintenanceJob creates a maintenance job. archiveDB and archive may be
// nil when the daemon runs without the SQLite mirror.
func NewMaintenanceJob(ch *chain.Chain, archiveDB *database.DB, archive *chain.SQLiteArchive, dataDir string, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		chain:     ch,
		archiveDB: archiveDB,
		archive:   archive,
		dataDir:   dataDir,
		log:       log.With().Str("job", "maintenance").Logger(),
	}
}

// Name returns the job name for scheduling
func (j *MaintenanceJob) Name() string {
	return "maintenance"
}

// Run executes the maintenance pass
func (j *MaintenanceJob) Run() error {
	j.log.Info().Msg("Starting maintenance")
	startTime := time.Now()

	// Step 1: full chain integrity walk. A broken chain means the audit
	// trail can no longer be trusted, so this halts the job.
	if !j.chain.VerifyIntegrity() {
		j.log.Error().Msg("CRITICAL: chain integrity check failed")
		return fmt.Errorf("CRITICAL: chain integrity check failed at %d blocks", j.chain.Len())
	}

	// Step 2: archive mirror checks
	if j.archiveDB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := j.archiveDB.HealthCheck(ctx); err != nil {
			j.log.Error().Err(err).Msg("CRITICAL: archive integrity check failed")
			return fmt.Errorf("CRITICAL: archive integrity check failed: %w", err)
		}

		// WAL checkpoint to prevent bloat
		if err := j.archiveDB.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Msg("WAL checkpoint failed")
		}
	}

	// Step 3: mirror lag check
	if j.archive != nil {
		count, err := j.archive.Count()
		if err != nil {
			j.log.Warn().Err(err).Msg("Failed to count archive blocks")
		} else if count < j.chain.Len() {
			j.log.Warn().
				Int("archive_blocks", count).
				Int("chain_blocks", j.chain.Len()).
				Msg("Archive mirror is behind the chain, resyncing")

			if err := j.archive.Sync(j.chain.Export()); err != nil {
				j.log.Error().Err(err).Msg("Archive resync failed")
			}
		}
	}

	// Step 4: disk space
	if err := j.checkDiskSpace(); err != nil {
		return err
	}

	// Step 5: archive growth
	j.logArchiveStats()

	j.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Int("chain_blocks", j.chain.Len()).
		Msg("Maintenance completed")

	return nil
}

// checkDiskSpace verifies sufficient disk space is available for the chain
// file, archive and backup staging
func (j *MaintenanceJob) checkDiskSpace() error {
	stat := syscall.Statfs_t{}
	if err := syscall.Statfs(j.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableBytes := stat.Bavail * uint64(stat.Bsize)
	availableGB := float64(availableBytes) / 1e9

	j.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")

	// CRITICAL: less than 500MB
	if availableGB < 0.5 {
		j.log.Error().
			Float64("available_gb", availableGB).
			Msg("CRITICAL: Insufficient disk space")
		return fmt.Errorf("CRITICAL: only %.2f GB free", availableGB)
	}

	if availableGB < 5.0 {
		j.log.Warn().
			Float64("available_gb", availableGB).
			Msg("Disk space running low")
	}

	return nil
}

// logArchiveStats records archive database size for growth tracking
func (j *MaintenanceJob) logArchiveStats() {
	if j.archiveDB == nil {
		return
	}

	stats, err := j.archiveDB.GetStats()
	if err != nil {
		j.log.Warn().Err(err).Msg("Failed to get archive stats")
		return
	}

	j.log.Info().
		Float64("size_mb", float64(stats.SizeBytes)/1024/1024).
		Float64("wal_size_mb", float64(stats.WALSizeBytes)/1024/1024).
		Msg("Archive database stats")
}
