package v1

import "time"

// AgentRole identifies the specialization of a squad member
type AgentRole string

const (
	RoleProjectManager    AgentRole = "project_manager"
	RoleTechLead          AgentRole = "tech_lead"
	RoleBackendDeveloper  AgentRole = "backend_developer"
	RoleFrontendDeveloper AgentRole = "frontend_developer"
	RoleQATester          AgentRole = "qa_tester"
	RoleSolutionArchitect AgentRole = "solution_architect"
	RoleDevOpsEngineer    AgentRole = "devops_engineer"
	RoleAIEngineer        AgentRole = "ai_engineer"
	RoleDesigner          AgentRole = "designer"
)

// KnownRoles lists every role the platform accepts.
var KnownRoles = []AgentRole{
	RoleProjectManager,
	RoleTechLead,
	RoleBackendDeveloper,
	RoleFrontendDeveloper,
	RoleQATester,
	RoleSolutionArchitect,
	RoleDevOpsEngineer,
	RoleAIEngineer,
	RoleDesigner,
}

// IsKnownRole reports whether the role is one the platform accepts.
func IsKnownRole(role AgentRole) bool {
	for _, r := range KnownRoles {
		if r == role {
			return true
		}
	}
	return false
}

// roleRank orders roles for delegation checks. Higher rank may delegate
// to lower or equal rank.
func roleRank(role AgentRole) int {
	switch role {
	case RoleProjectManager:
		return 3
	case RoleTechLead:
		return 2
	default:
		return 1
	}
}

// CanDelegate reports whether sender may address a task_assignment to recipient.
// The hierarchy is project_manager > tech_lead > everyone else; equal ranks
// may delegate sideways at every level.
func CanDelegate(sender, recipient AgentRole) bool {
	return roleRank(sender) >= roleRank(recipient)
}

// EscalationTarget returns the role one level above the given role, or
// false when the ladder is exhausted and the question must go to a human.
func EscalationTarget(role AgentRole) (AgentRole, bool) {
	switch roleRank(role) {
	case 1:
		return RoleTechLead, true
	case 2:
		return RoleProjectManager, true
	default:
		return "", false
	}
}

// SquadStatus represents the lifecycle state of a squad
type SquadStatus string

const (
	SquadStatusActive   SquadStatus = "active"
	SquadStatusPaused   SquadStatus = "paused"
	SquadStatusArchived SquadStatus = "archived"
)

// Squad is a persistent team of role-specialized agents
type Squad struct {
	ID        string                 `json:"id"`
	OrgID     string                 `json:"org_id"`
	OwnerID   string                 `json:"owner_id"`
	Name      string                 `json:"name"`
	Status    SquadStatus            `json:"status"`
	Config    map[string]interface{} `json:"config,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// SquadMember is one agent definition inside a squad. Identity is the
// (squad, role, id) tuple; two members of a squad may share a role.
type SquadMember struct {
	ID             string                 `json:"id"`
	SquadID        string                 `json:"squad_id"`
	Role           AgentRole              `json:"role"`
	Specialization string                 `json:"specialization,omitempty"`
	LLMProvider    string                 `json:"llm_provider"`
	LLMModel       string                 `json:"llm_model"`
	SystemPrompt   string                 `json:"system_prompt"`
	Config         map[string]interface{} `json:"config,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}
