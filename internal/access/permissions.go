// Package access provides the role and permission model, session lifecycle,
// and the permission gate that guards sensitive operations. Every denial and
// session transition is recorded on the audit chain.
package access

import "strings"

// Permission is a bit-flag set of granted capabilities
type Permission uint32

const (
	PermissionReadHoldings Permission = 1 << iota
	PermissionReadTaxLots
	PermissionReadClientPII
	PermissionReadTransactions
	PermissionReadRecommendations
	PermissionWriteRecommendations
	PermissionApproveTrades
	PermissionExecuteTrades
	PermissionConfigureSystem
	PermissionManageUsers
	PermissionViewAuditLog
	PermissionAdmin
)

// orderedPermissions keeps Names output stable
var orderedPermissions = []struct {
	flag Permission
	name string
}{
	{PermissionReadHoldings, "read_holdings"},
	{PermissionReadTaxLots, "read_tax_lots"},
	{PermissionReadClientPII, "read_client_pii"},
	{PermissionReadTransactions, "read_transactions"},
	{PermissionReadRecommendations, "read_recommendations"},
	{PermissionWriteRecommendations, "write_recommendations"},
	{PermissionApproveTrades, "approve_trades"},
	{PermissionExecuteTrades, "execute_trades"},
	{PermissionConfigureSystem, "configure_system"},
	{PermissionManageUsers, "manage_users"},
	{PermissionViewAuditLog, "view_audit_log"},
	{PermissionAdmin, "admin"},
}

// Has reports whether all bits of flag are present in p
func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}

// Names returns the flag names set in p, in declaration order
func (p Permission) Names() []string {
	var out []string
	for _, entry := range orderedPermissions {
		if p.Has(entry.flag) {
			out = append(out, entry.name)
		}
	}
	return out
}

func (p Permission) String() string {
	names := p.Names()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Role identifies a principal class with a fixed permission set
type Role string

const (
	RoleDriftAgent   Role = "drift_agent"
	RoleTaxAgent     Role = "tax_agent"
	RoleCoordinator  Role = "coordinator"
	RoleHumanAdvisor Role = "human_advisor"
	RoleAnalyst      Role = "analyst"
	RoleClient       Role = "client"
	RoleSystem       Role = "system"
	RoleAdmin        Role = "admin"
)

// IsValid checks if the role is a known value
func (r Role) IsValid() bool {
	switch r {
	case RoleDriftAgent, RoleTaxAgent, RoleCoordinator, RoleHumanAdvisor,
		RoleAnalyst, RoleClient, RoleSystem, RoleAdmin:
		return true
	}
	return false
}

// rolePermissions is the role→permission table, fixed at startup. The admin
// role is a wildcard and short-circuits in HasPermission.
var rolePermissions = map[Role]Permission{
	RoleDriftAgent: PermissionReadHoldings | PermissionReadTransactions |
		PermissionReadRecommendations | PermissionWriteRecommendations,
	RoleTaxAgent: PermissionReadHoldings | PermissionReadTaxLots |
		PermissionReadTransactions | PermissionReadRecommendations |
		PermissionWriteRecommendations,
	RoleCoordinator: PermissionReadHoldings | PermissionReadTaxLots |
		PermissionReadTransactions | PermissionReadRecommendations |
		PermissionWriteRecommendations,
	RoleHumanAdvisor: PermissionReadHoldings | PermissionReadTaxLots |
		PermissionReadClientPII | PermissionReadTransactions |
		PermissionReadRecommendations | PermissionWriteRecommendations |
		PermissionApproveTrades | PermissionViewAuditLog,
	RoleAnalyst: PermissionReadHoldings | PermissionReadTransactions |
		PermissionReadRecommendations,
	RoleClient: PermissionReadHoldings | PermissionReadRecommendations,
	RoleSystem: PermissionReadHoldings | PermissionReadTaxLots |
		PermissionReadTransactions | PermissionReadRecommendations |
		PermissionWriteRecommendations | PermissionConfigureSystem |
		PermissionViewAuditLog,
	RoleAdmin: PermissionAdmin,
}

// RolePermissionSet returns the permission flags granted to a role
func RolePermissionSet(r Role) Permission {
	return rolePermissions[r]
}

// HasPermission reports whether a role grants a permission. Admin is a
// wildcard and passes every check.
func HasPermission(r Role, p Permission) bool {
	if r == RoleAdmin {
		return true
	}
	return rolePermissions[r].Has(p)
}

// SessionType classifies the origin of a session
type SessionType string

const (
	SessionAdvisorMain  SessionType = "advisor_main"
	SessionAnalystType  SessionType = "analyst"
	SessionClientPortal SessionType = "client_portal"
	SessionSystemType   SessionType = "system"
)

// IsValid checks if the session type is a known value
func (t SessionType) IsValid() bool {
	switch t {
	case SessionAdvisorMain, SessionAnalystType, SessionClientPortal, SessionSystemType:
		return true
	}
	return false
}

// Untrusted reports whether sessions of this type must run sandboxed
func (t SessionType) Untrusted() bool {
	return t == SessionAnalystType || t == SessionClientPortal
}
