// Package registry constructs and caches the running agents of a process.
// The cache is process-local; durable agent state lives in the session store.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/squadflow/squadflow/internal/agent/runtime"
	"github.com/squadflow/squadflow/internal/agent/session"
	"github.com/squadflow/squadflow/internal/common/errors"
	"github.com/squadflow/squadflow/internal/common/logger"
	"github.com/squadflow/squadflow/internal/events/bus"
	"github.com/squadflow/squadflow/internal/history"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// ModelConfig selects the reasoning backend for one agent.
type ModelConfig struct {
	Provider string
	Model    string
	Options  map[string]interface{}
}

// BrainFactory builds the reasoning capability for a role and model. Tests
// inject scripted brains here.
type BrainFactory func(role v1.AgentRole, model ModelConfig) (runtime.Brain, error)

// CreateRequest describes the agent to construct or resume.
type CreateRequest struct {
	AgentID     string
	Role        v1.AgentRole
	ExecutionID string
	Member      *v1.SquadMember
	Model       ModelConfig
	// SessionID resumes prior conversational history on first message.
	SessionID string
}

// Factory creates, caches and evicts agent runtimes.
type Factory struct {
	defs     *Definitions
	brains   BrainFactory
	tools    runtime.Tools
	bus      bus.Bus
	history  history.Store
	sessions session.Store
	log      *logger.Logger

	processTimeout time.Duration

	mu     sync.RWMutex
	agents map[string]*runtime.Agent
}

// NewFactory creates the agent factory.
func NewFactory(defs *Definitions, brains BrainFactory, tools runtime.Tools, b bus.Bus, hist history.Store, sessions session.Store, processTimeout time.Duration, log *logger.Logger) *Factory {
	return &Factory{
		defs:           defs,
		brains:         brains,
		tools:          tools,
		bus:            b,
		history:        hist,
		sessions:       sessions,
		log:            log.WithFields(zap.String("component", "agent_factory")),
		processTimeout: processTimeout,
		agents:         make(map[string]*runtime.Agent),
	}
}

// Create constructs or resumes an agent and starts its receive loop.
// Creating an agent ID that is already cached returns the cached runtime.
func (f *Factory) Create(ctx context.Context, req CreateRequest) (*runtime.Agent, error) {
	if !v1.IsKnownRole(req.Role) {
		return nil, errors.UnsupportedRole(string(req.Role))
	}

	f.mu.RLock()
	if existing, ok := f.agents[req.AgentID]; ok {
		f.mu.RUnlock()
		return existing, nil
	}
	f.mu.RUnlock()

	def, err := f.defs.Get(req.Role)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model.Provider == "" {
		model.Provider = def.LLMProvider
	}
	if model.Model == "" {
		model.Model = def.LLMModel
	}

	brain, err := f.brains(req.Role, model)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build reasoning backend")
	}

	agent := runtime.New(runtime.Config{
		Member:         req.Member,
		AgentID:        req.AgentID,
		Role:           req.Role,
		ExecutionID:    req.ExecutionID,
		SystemPrompt:   def.SystemPrompt,
		SessionID:      req.SessionID,
		ProcessTimeout: f.processTimeout,
	}, brain, f.tools, f.bus, f.history, f.sessions, f.log)

	f.mu.Lock()
	if existing, ok := f.agents[req.AgentID]; ok {
		f.mu.Unlock()
		return existing, nil
	}
	f.agents[req.AgentID] = agent
	f.mu.Unlock()

	if err := agent.Start(ctx); err != nil {
		f.mu.Lock()
		delete(f.agents, req.AgentID)
		f.mu.Unlock()
		return nil, err
	}

	f.log.Info("agent created",
		zap.String("agent_id", req.AgentID),
		zap.String("role", string(req.Role)),
		zap.String("execution_id", req.ExecutionID),
		zap.Bool("resumed", req.SessionID != ""))
	return agent, nil
}

// Get returns a cached agent runtime.
func (f *Factory) Get(agentID string) (*runtime.Agent, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	agent, ok := f.agents[agentID]
	return agent, ok
}

// Remove stops and evicts an agent runtime. The session persists, so a
// later Create with the same session ID resumes where the agent left off.
func (f *Factory) Remove(agentID string) {
	f.mu.Lock()
	agent, ok := f.agents[agentID]
	delete(f.agents, agentID)
	f.mu.Unlock()

	if ok {
		agent.Stop()
		f.log.Info("agent removed", zap.String("agent_id", agentID))
	}
}

// List returns all cached agent runtimes.
func (f *Factory) List() []*runtime.Agent {
	f.mu.RLock()
	defer f.mu.RUnlock()

	result := make([]*runtime.Agent, 0, len(f.agents))
	for _, agent := range f.agents {
		result = append(result, agent)
	}
	return result
}

// StopAll stops every cached agent. Used on shutdown.
func (f *Factory) StopAll() {
	f.mu.Lock()
	agents := make([]*runtime.Agent, 0, len(f.agents))
	for _, agent := range f.agents {
		agents = append(agents, agent)
	}
	f.agents = make(map[string]*runtime.Agent)
	f.mu.Unlock()

	for _, agent := range agents {
		agent.Stop()
	}
}
