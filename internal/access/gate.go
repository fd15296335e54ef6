package access

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/meridianfo/vigil/internal/chain"
)

// Gate guards sensitive operations behind a permission declaration. Every
// denial lands on the audit chain; grants are recorded when recordGrants is
// set.
type Gate struct {
	chain        *chain.Chain
	log          zerolog.Logger
	recordGrants bool
}

// NewGate creates a permission gate writing to the given chain
func NewGate(c *chain.Chain, recordGrants bool, log zerolog.Logger) *Gate {
	return &Gate{
		chain:        c,
		recordGrants: recordGrants,
		log:          log.With().Str("component", "gate").Logger(),
	}
}

// Require checks that the session may perform an action needing perm against
// portfolioID (empty for operations without a portfolio target). Denials are
// logged as permission_denied blocks and returned as errors; grants update
// the session's counters and optionally log access_granted with the resource.
func (g *Gate) Require(s *Session, portfolioID string, perm Permission, action, resource string) error {
	err := s.ValidateAccess(portfolioID, perm)
	s.recordCheck(err == nil)

	if err != nil {
		var perr *PermissionError
		if errors.As(err, &perr) {
			perr.Action = action
		}
		if _, addErr := g.chain.Add(map[string]any{
			"event_type": "permission_denied",
			"session_id": s.SessionID,
			"actor":      string(s.Role),
			"action":     action,
			"role":       string(s.Role),
			"required":   perm.String(),
			"error":      err.Error(),
		}); addErr != nil {
			g.log.Error().Err(addErr).Str("session_id", s.SessionID).Msg("Failed to log denial")
		}
		g.log.Warn().
			Str("session_id", s.SessionID).
			Str("role", string(s.Role)).
			Str("action", action).
			Str("required", perm.String()).
			Msg("Permission denied")
		return err
	}

	if g.recordGrants {
		if _, addErr := g.chain.Add(map[string]any{
			"event_type": "access_granted",
			"session_id": s.SessionID,
			"actor":      string(s.Role),
			"action":     action,
			"resource":   resource,
		}); addErr != nil {
			g.log.Error().Err(addErr).Str("session_id", s.SessionID).Msg("Failed to log grant")
		}
	}
	if portfolioID != "" {
		s.recordPortfolioAccess()
	}
	return nil
}
