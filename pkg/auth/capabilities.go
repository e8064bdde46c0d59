// Package auth implements credential verification with lockout, bearer-token
// minting and validation, and role-to-capability expansion.
package auth

// Capability is a fine-grained dotted permission token.
type Capability string

const (
	CapEscalationView    Capability = "escalation.view"
	CapEscalationResolve Capability = "escalation.resolve"
	CapEscalationCreate  Capability = "escalation.create"

	CapTaskCreate Capability = "task.create"
	CapTaskUpdate Capability = "task.update"
	CapTaskDelete Capability = "task.delete"
	CapTaskView   Capability = "task.view"

	CapAgentConfigure Capability = "agent.configure"
	CapAgentView      Capability = "agent.view"

	CapBudgetView      Capability = "budget.view"
	CapBudgetConfigure Capability = "budget.configure"

	CapLearningApprove Capability = "learning.approve"
	CapLearningView    Capability = "learning.view"

	CapDLQRead Capability = "dlq.read"

	CapSystemAdmin Capability = "system.admin"
	CapMetricsView Capability = "metrics.view"
)

// allCapabilities is the admin set.
var allCapabilities = []Capability{
	CapEscalationView, CapEscalationResolve, CapEscalationCreate,
	CapTaskCreate, CapTaskUpdate, CapTaskDelete, CapTaskView,
	CapAgentConfigure, CapAgentView,
	CapBudgetView, CapBudgetConfigure,
	CapLearningApprove, CapLearningView,
	CapDLQRead,
	CapSystemAdmin, CapMetricsView,
}

// Role names. Tokens carry the role only; capabilities are always
// reconstructed from this table, never trusted from the token payload.
const (
	RoleAdmin     = "admin"
	RoleOperator  = "operator"
	RoleDeveloper = "developer"
	RoleObserver  = "observer"
)

var roleCapabilities = map[string][]Capability{
	RoleAdmin: allCapabilities,
	RoleOperator: {
		CapEscalationView, CapEscalationResolve,
		CapTaskCreate, CapTaskUpdate, CapTaskView,
		CapAgentView,
		CapBudgetView,
		CapLearningView,
		CapMetricsView,
	},
	RoleDeveloper: {
		CapTaskCreate, CapTaskUpdate, CapTaskView,
		CapAgentView,
		CapMetricsView,
	},
	RoleObserver: {
		CapTaskView,
		CapAgentView,
		CapMetricsView,
	},
}

// CapabilitiesFor expands a role into its capability set. Unknown roles
// collapse to observer, the safe default.
func CapabilitiesFor(role string) []Capability {
	caps, ok := roleCapabilities[role]
	if !ok {
		caps = roleCapabilities[RoleObserver]
	}
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}

// KnownRole reports whether role exists in the mapping.
func KnownRole(role string) bool {
	_, ok := roleCapabilities[role]
	return ok
}

// NormalizeRole returns the role itself when known, observer otherwise.
func NormalizeRole(role string) string {
	if KnownRole(role) {
		return role
	}
	return RoleObserver
}
