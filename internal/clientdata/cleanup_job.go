package clientdata

import (
	"time"

	"github.com/rs/zerolog"
)

// DefaultRetention keeps 400 days of transaction history. Wash-sale checks
// look back 31 days and YTD gain figures reach back to January 1st, so a
// year plus slack covers every analysis window.
const DefaultRetention = 400 * 24 * time.Hour

// CleanupJob prunes transaction history past the retention window.
// It should be scheduled to run daily.
type CleanupJob struct {
	repo      *Repository
	retention time.Duration
	log       zerolog.Logger
}

// NewCleanupJob creates a cleanup job. A non-positive retention falls back
// to DefaultRetention.
func NewCleanupJob(repo *Repository, retention time.Duration, log zerolog.Logger) *CleanupJob {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &CleanupJob{
		repo:      repo,
		retention: retention,
		log:       log.With().Str("job", "client_data_cleanup").Logger(),
	}
}

// Run deletes transactions older than the retention window.
func (j *CleanupJob) Run() error {
	cutoff := time.Now().Add(-j.retention)

	deleted, err := j.repo.DeleteTransactionsBefore(cutoff)
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to prune transaction history")
		return err
	}

	if deleted > 0 {
		j.log.Info().
			Int64("deleted", deleted).
			Time("cutoff", cutoff).
			Msg("Pruned transaction history")
	}

	return nil
}

// Name returns the job name for scheduling and logging.
func (j *CleanupJob) Name() string {
	return "client_data_cleanup"
}
