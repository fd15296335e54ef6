package access

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSessionExpired rejects access attempts made past a session's expiry.
var ErrSessionExpired = errors.New("session expired")

// ErrPortfolioScope rejects access to a portfolio outside the session's scope.
var ErrPortfolioScope = errors.New("portfolio outside session scope")

// PermissionError reports a failed permission check
type PermissionError struct {
	SessionID string
	Role      Role
	Required  Permission
	Action    string
}

func (e *PermissionError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("session %s (role %s) denied %s: requires %s",
			e.SessionID, e.Role, e.Action, e.Required)
	}
	return fmt.Sprintf("session %s (role %s) missing permission %s",
		e.SessionID, e.Role, e.Required)
}

// Session is a lifecycle-bounded principal. AllowedPortfolios nil means
// unrestricted; an empty non-nil slice grants access to nothing.
type Session struct {
	SessionID         string
	SessionType       SessionType
	Role              Role
	UserID            string
	AllowedPortfolios []string
	SandboxMode       bool
	MaxToolCalls      int
	TimeoutSeconds    int
	CreatedAt         time.Time
	ExpiresAt         time.Time

	mu                sync.Mutex
	toolCalls         int
	permissionChecks  int
	denials           int
	portfolioAccesses int
}

// SessionMetrics is a point-in-time snapshot of a session's usage counters
type SessionMetrics struct {
	ToolCalls         int `json:"tool_calls"`
	PermissionChecks  int `json:"permission_checks"`
	Denials           int `json:"denials"`
	PortfolioAccesses int `json:"portfolio_accesses"`
}

// IsExpired reports whether the session's expiry has passed
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// HasPermission reports whether the session's role grants a permission
func (s *Session) HasPermission(p Permission) bool {
	return HasPermission(s.Role, p)
}

func (s *Session) scopeAllows(portfolioID string) bool {
	if s.AllowedPortfolios == nil {
		return true
	}
	for _, id := range s.AllowedPortfolios {
		if id == portfolioID {
			return true
		}
	}
	return false
}

// CanAccessPortfolio reports whether the session may touch a portfolio.
// Expired sessions deny every access.
func (s *Session) CanAccessPortfolio(portfolioID string) bool {
	if s.IsExpired(time.Now()) {
		return false
	}
	return s.scopeAllows(portfolioID)
}

// ValidateAccess checks expiry, portfolio scope and permission, in that
// order. An empty portfolioID skips the scope check for operations that do
// not target a specific portfolio.
func (s *Session) ValidateAccess(portfolioID string, perm Permission) error {
	if s.IsExpired(time.Now()) {
		return fmt.Errorf("session %s: %w", s.SessionID, ErrSessionExpired)
	}
	if portfolioID != "" && !s.scopeAllows(portfolioID) {
		return fmt.Errorf("session %s, portfolio %s: %w", s.SessionID, portfolioID, ErrPortfolioScope)
	}
	if !s.HasPermission(perm) {
		return &PermissionError{SessionID: s.SessionID, Role: s.Role, Required: perm}
	}
	return nil
}

// RecordToolCall increments the tool call counter and reports whether the
// session is still within its budget. MaxToolCalls 0 means unlimited.
func (s *Session) RecordToolCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCalls++
	return s.MaxToolCalls <= 0 || s.toolCalls <= s.MaxToolCalls
}

// recordCheck counts a permission check and, when denied, the denial
func (s *Session) recordCheck(granted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissionChecks++
	if !granted {
		s.denials++
	}
}

// recordPortfolioAccess counts a granted portfolio-scoped access
func (s *Session) recordPortfolioAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portfolioAccesses++
}

// Metrics returns a snapshot of the session's usage counters
func (s *Session) Metrics() SessionMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionMetrics{
		ToolCalls:         s.toolCalls,
		PermissionChecks:  s.permissionChecks,
		Denials:           s.denials,
		PortfolioAccesses: s.portfolioAccesses,
	}
}
