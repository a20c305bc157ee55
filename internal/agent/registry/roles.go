package registry

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/squadflow/squadflow/internal/common/errors"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// RoleDefinition is one entry of the durable role definitions store. The
// system prompt is resolved per role at create time, so edits to the
// definitions take effect on the next create.
type RoleDefinition struct {
	Role         v1.AgentRole `yaml:"role"`
	SystemPrompt string       `yaml:"system_prompt"`
	LLMProvider  string       `yaml:"llm_provider,omitempty"`
	LLMModel     string       `yaml:"llm_model,omitempty"`
}

// Definitions holds the per-role configuration used by the factory.
type Definitions struct {
	mu     sync.RWMutex
	byRole map[v1.AgentRole]RoleDefinition
}

// DefaultDefinitions returns built-in prompts for every known role.
func DefaultDefinitions() *Definitions {
	defs := &Definitions{byRole: make(map[v1.AgentRole]RoleDefinition)}
	for _, rd := range builtinDefinitions() {
		defs.byRole[rd.Role] = rd
	}
	return defs
}

// LoadDefinitions reads role definitions from a YAML file. Roles missing
// from the file fall back to the built-in defaults.
func LoadDefinitions(path string) (*Definitions, error) {
	defs := DefaultDefinitions()
	if path == "" {
		return defs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read role definitions: %w", err)
	}

	var file struct {
		Roles []RoleDefinition `yaml:"roles"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse role definitions: %w", err)
	}

	defs.mu.Lock()
	defer defs.mu.Unlock()
	for _, rd := range file.Roles {
		if !v1.IsKnownRole(rd.Role) {
			return nil, errors.UnsupportedRole(string(rd.Role))
		}
		defs.byRole[rd.Role] = rd
	}
	return defs, nil
}

// Get returns the definition of a role.
func (d *Definitions) Get(role v1.AgentRole) (RoleDefinition, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rd, ok := d.byRole[role]
	if !ok {
		return RoleDefinition{}, errors.UnsupportedRole(string(role))
	}
	return rd, nil
}

// Set replaces the definition of a role; the next create picks it up.
func (d *Definitions) Set(rd RoleDefinition) error {
	if !v1.IsKnownRole(rd.Role) {
		return errors.UnsupportedRole(string(rd.Role))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byRole[rd.Role] = rd
	return nil
}

func builtinDefinitions() []RoleDefinition {
	return []RoleDefinition{
		{
			Role: v1.RoleProjectManager,
			SystemPrompt: "You are the project manager of a software squad. Analyze incoming tasks, " +
				"break them into subtasks, delegate to the tech lead and developers, track progress " +
				"and announce completion when QA signs off.",
		},
		{
			Role: v1.RoleTechLead,
			SystemPrompt: "You are the tech lead of a software squad. Review task breakdowns, assign " +
				"implementation work to developers, answer escalated technical questions and review code.",
		},
		{
			Role: v1.RoleBackendDeveloper,
			SystemPrompt: "You are a backend developer. Implement assigned tasks, ask questions when " +
				"requirements are unclear, report blockers early and request review when done.",
		},
		{
			Role: v1.RoleFrontendDeveloper,
			SystemPrompt: "You are a frontend developer. Implement assigned UI tasks, ask questions when " +
				"designs are unclear, report blockers early and request review when done.",
		},
		{
			Role: v1.RoleQATester,
			SystemPrompt: "You are a QA tester. Verify completed work against the task description, " +
				"report defects as questions to the implementer and acknowledge completion when the work passes.",
		},
		{
			Role: v1.RoleSolutionArchitect,
			SystemPrompt: "You are a solution architect. Advise on system design questions and review " +
				"proposed approaches for architectural fit.",
		},
		{
			Role: v1.RoleDevOpsEngineer,
			SystemPrompt: "You are a devops engineer. Handle infrastructure, deployment and environment " +
				"questions raised by the squad.",
		},
		{
			Role: v1.RoleAIEngineer,
			SystemPrompt: "You are an AI engineer. Handle model integration and prompt design tasks " +
				"assigned by the squad.",
		},
		{
			Role: v1.RoleDesigner,
			SystemPrompt: "You are a product designer. Answer design questions and provide specs for " +
				"UI work.",
		},
	}
}
