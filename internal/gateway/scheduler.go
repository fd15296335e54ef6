package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/meridianfo/vigil/internal/events"
)

// Priorities assigned to scheduler-emitted events.
const (
	HeartbeatPriority = 3
	CronJobPriority   = 4
)

// Scheduler emits periodic heartbeats and cron jobs into the gateway.
type Scheduler struct {
	gateway *Gateway
	cron    *cron.Cron
	log     zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
}

// NewScheduler creates a scheduler bound to a gateway. Call Start to begin
// firing registered jobs.
func NewScheduler(gw *Gateway, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		gateway: gw,
		cron:    cron.New(),
		log:     log.With().Str("component", "scheduler").Logger(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins firing scheduled jobs. Safe to call more than once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop halts scheduling and waits for in-flight jobs to finish. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// ScheduleHeartbeat submits a heartbeat for the given portfolios on every
// interval. The returned job id cancels the schedule.
func (s *Scheduler) ScheduleHeartbeat(portfolioIDs []string, sessionID string, interval time.Duration) (string, error) {
	if sessionID == "" {
		return "", events.ErrMissingSessionID
	}
	if interval <= 0 {
		return "", fmt.Errorf("heartbeat interval must be positive, got %s", interval)
	}

	ids := append([]string(nil), portfolioIDs...)
	entryID, err := s.cron.AddFunc("@every "+interval.String(), func() {
		hb := &events.Heartbeat{
			Envelope:     events.NewEnvelope(sessionID),
			PortfolioIDs: ids,
		}
		hb.Priority = HeartbeatPriority
		if _, err := s.gateway.Submit(hb); err != nil {
			s.log.Error().
				Err(err).
				Str("session_id", sessionID).
				Msg("Heartbeat submission failed")
		}
	})
	if err != nil {
		return "", fmt.Errorf("failed to schedule heartbeat: %w", err)
	}

	jobID := s.track(entryID)
	s.log.Info().
		Str("job_id", jobID).
		Str("session_id", sessionID).
		Dur("interval", interval).
		Int("portfolios", len(ids)).
		Msg("Heartbeat scheduled")
	return jobID, nil
}

// ScheduleCronJob submits a cron job event at each firing of the given
// expression. The expression uses the standard five-field cron format plus
// the @every and @hourly style descriptors; a bad expression is reported
// here, at registration.
func (s *Scheduler) ScheduleCronJob(jobType events.JobType, sessionID, expression, instructions string) (string, error) {
	if sessionID == "" {
		return "", events.ErrMissingSessionID
	}
	if !jobType.IsValid() {
		return "", fmt.Errorf("invalid cron job type: %s", jobType)
	}

	entryID, err := s.cron.AddFunc(expression, func() {
		job := &events.CronJob{
			Envelope:     events.NewEnvelope(sessionID),
			JobType:      jobType,
			Instructions: instructions,
		}
		job.Priority = CronJobPriority
		if _, err := s.gateway.Submit(job); err != nil {
			s.log.Error().
				Err(err).
				Str("job_type", string(jobType)).
				Msg("Cron job submission failed")
		}
	})
	if err != nil {
		return "", fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}

	jobID := s.track(entryID)
	s.log.Info().
		Str("job_id", jobID).
		Str("job_type", string(jobType)).
		Str("session_id", sessionID).
		Str("expression", expression).
		Msg("Cron job scheduled")
	return jobID, nil
}

// CancelJob removes a scheduled job. Unknown ids are ignored.
func (s *Scheduler) CancelJob(jobID string) {
	s.mu.Lock()
	entryID, ok := s.entries[jobID]
	if ok {
		delete(s.entries, jobID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.cron.Remove(entryID)
	s.log.Info().Str("job_id", jobID).Msg("Scheduled job cancelled")
}

// Jobs returns the ids of the active scheduled jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) track(entryID cron.EntryID) string {
	jobID := "job_" + uuid.New().String()
	s.mu.Lock()
	s.entries[jobID] = entryID
	s.mu.Unlock()
	return jobID
}
