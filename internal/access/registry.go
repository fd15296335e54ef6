package access

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianfo/vigil/internal/chain"
	"github.com/meridianfo/vigil/internal/events"
)

const (
	// DefaultTimeoutSeconds bounds a session's life when none is given.
	DefaultTimeoutSeconds = 3600
	// DefaultMaxToolCalls bounds a session's tool budget when none is given.
	DefaultMaxToolCalls = 100
)

// ErrSessionNotFound rejects operations on unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// CreateParams describes a session to create. Zero TimeoutSeconds and
// MaxToolCalls take the package defaults.
type CreateParams struct {
	SessionType       SessionType
	Role              Role
	UserID            string
	AllowedPortfolios []string
	MaxToolCalls      int
	TimeoutSeconds    int
}

// Registry owns active sessions. Creation, termination and expiry are all
// recorded on the audit chain.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	chain    *chain.Chain
	bus      *events.Bus
	log      zerolog.Logger
}

// NewRegistry creates an empty session registry. The bus is optional.
func NewRegistry(c *chain.Chain, bus *events.Bus, log zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		chain:    c,
		bus:      bus,
		log:      log.With().Str("component", "access").Logger(),
	}
}

// Create registers a new session and logs a session_created block
func (r *Registry) Create(params CreateParams) (*Session, error) {
	if !params.SessionType.IsValid() {
		return nil, fmt.Errorf("invalid session type: %s", params.SessionType)
	}
	if !params.Role.IsValid() {
		return nil, fmt.Errorf("invalid role: %s", params.Role)
	}

	timeout := params.TimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds
	}
	maxCalls := params.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = DefaultMaxToolCalls
	}

	now := time.Now().UTC()
	session := &Session{
		SessionID:         "sess_" + uuid.New().String(),
		SessionType:       params.SessionType,
		Role:              params.Role,
		UserID:            params.UserID,
		AllowedPortfolios: params.AllowedPortfolios,
		SandboxMode:       params.SessionType.Untrusted(),
		MaxToolCalls:      maxCalls,
		TimeoutSeconds:    timeout,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Duration(timeout) * time.Second),
	}

	r.mu.Lock()
	r.sessions[session.SessionID] = session
	r.mu.Unlock()

	if _, err := r.chain.Add(map[string]any{
		"event_type":   "session_created",
		"session_id":   session.SessionID,
		"actor":        "access",
		"action":       "create_session",
		"session_type": string(session.SessionType),
		"role":         string(session.Role),
		"sandbox_mode": session.SandboxMode,
		"expires_at":   session.ExpiresAt.Format(time.RFC3339),
	}); err != nil {
		r.log.Error().Err(err).Str("session_id", session.SessionID).Msg("Failed to log session creation")
	}

	if r.bus != nil {
		r.bus.Emit(events.NotificationSessionCreated, "access", map[string]any{
			"session_id":   session.SessionID,
			"session_type": string(session.SessionType),
			"role":         string(session.Role),
		})
	}

	r.log.Info().
		Str("session_id", session.SessionID).
		Str("role", string(session.Role)).
		Bool("sandbox", session.SandboxMode).
		Msg("Session created")
	return session, nil
}

// Get returns the session with the given id
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Terminate removes a session and logs a session_terminated block with its
// usage metrics
func (r *Registry) Terminate(sessionID, reason string) error {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	r.logClosure(session, "session_terminated", "terminate_session", reason)
	if r.bus != nil {
		r.bus.Emit(events.NotificationSessionTerminated, "access", map[string]any{
			"session_id": sessionID,
			"reason":     reason,
		})
	}
	r.log.Info().Str("session_id", sessionID).Str("reason", reason).Msg("Session terminated")
	return nil
}

// CleanupExpired removes every expired session, logging a session_expired
// block per removal, and returns the number removed
func (r *Registry) CleanupExpired() int {
	now := time.Now()

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.IsExpired(now) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.logClosure(s, "session_expired", "expire_session", "timeout")
		if r.bus != nil {
			r.bus.Emit(events.NotificationSessionExpired, "access", map[string]any{
				"session_id": s.SessionID,
			})
		}
	}
	if len(expired) > 0 {
		r.log.Info().Int("count", len(expired)).Msg("Expired sessions removed")
	}
	return len(expired)
}

// logClosure records the end of a session's life with its usage metrics
func (r *Registry) logClosure(s *Session, eventType, action, reason string) {
	metrics := s.Metrics()
	if _, err := r.chain.Add(map[string]any{
		"event_type":         eventType,
		"session_id":         s.SessionID,
		"actor":              "access",
		"action":             action,
		"reason":             reason,
		"tool_calls":         metrics.ToolCalls,
		"permission_checks":  metrics.PermissionChecks,
		"denials":            metrics.Denials,
		"portfolio_accesses": metrics.PortfolioAccesses,
		"duration_seconds":   time.Since(s.CreatedAt).Seconds(),
	}); err != nil {
		r.log.Error().Err(err).Str("session_id", s.SessionID).Msg("Failed to log session closure")
	}
}
