package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadflow/squadflow/internal/agent/registry"
	"github.com/squadflow/squadflow/internal/agent/runtime"
	"github.com/squadflow/squadflow/internal/agent/session"
	"github.com/squadflow/squadflow/internal/common/errors"
	"github.com/squadflow/squadflow/internal/common/logger"
	"github.com/squadflow/squadflow/internal/events/bus"
	"github.com/squadflow/squadflow/internal/history"
	squadrepo "github.com/squadflow/squadflow/internal/squad/repository"
	taskrepo "github.com/squadflow/squadflow/internal/task/repository"
	"github.com/squadflow/squadflow/internal/workflow"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// quietBrain never replies; tests drive messages through the agents directly.
type quietBrain struct{}

func (quietBrain) Think(ctx context.Context, req runtime.ThinkRequest) (runtime.ThinkResponse, error) {
	return runtime.ThinkResponse{}, nil
}

type orchFixture struct {
	orch    *Orchestrator
	tasks   taskrepo.Repository
	squads  squadrepo.Repository
	engine  *workflow.Engine
	factory *registry.Factory
	locker  *MemoryLocker
	bus     bus.Bus
	history history.Store

	task  *v1.Task
	squad *v1.Squad
	pm    *v1.SquadMember
	tl    *v1.SquadMember
	be    *v1.SquadMember
	qa    *v1.SquadMember
}

func newOrchFixture(t *testing.T, cfg Config) *orchFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	b := bus.NewMemoryBus(bus.Options{
		StreamName:        "AGENT_MSG",
		RetentionMessages: 10000,
		RetentionAge:      time.Hour,
		AckWait:           50 * time.Millisecond,
	}, log)
	t.Cleanup(b.Close)

	tasks := taskrepo.NewMemoryRepository()
	squads := squadrepo.NewMemoryRepository()
	hist := history.NewMemoryStore()
	engine := workflow.NewEngine(tasks, hist, b, log)

	brains := func(role v1.AgentRole, model registry.ModelConfig) (runtime.Brain, error) {
		return quietBrain{}, nil
	}
	factory := registry.NewFactory(registry.DefaultDefinitions(), brains, nil, b,
		hist, session.NewMemoryStore(), 5*time.Second, log)
	t.Cleanup(factory.StopAll)

	locker := NewMemoryLocker()
	dir := NewDirectory(tasks, squads)
	orch := New(tasks, squads, engine, factory, b, hist, locker, dir, cfg, log)
	t.Cleanup(orch.Stop)

	f := &orchFixture{
		orch:    orch,
		tasks:   tasks,
		squads:  squads,
		engine:  engine,
		factory: factory,
		locker:  locker,
		bus:     b,
		history: hist,
	}
	f.seed(t)
	return f
}

func (f *orchFixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	f.task = &v1.Task{
		ID:          uuid.New().String(),
		ProjectID:   "proj-1",
		Title:       "Add health endpoint",
		Description: "Expose GET /health returning 200.",
		Status:      v1.TaskStatusPending,
		Priority:    v1.PriorityHigh,
	}
	require.NoError(t, f.tasks.CreateTask(ctx, f.task))

	f.squad = &v1.Squad{
		ID:      uuid.New().String(),
		OrgID:   "org-1",
		OwnerID: "user-1",
		Name:    "core squad",
		Status:  v1.SquadStatusActive,
	}
	require.NoError(t, f.squads.CreateSquad(ctx, f.squad))

	f.pm = f.addMember(t, "pm-1", v1.RoleProjectManager)
	f.tl = f.addMember(t, "tl-1", v1.RoleTechLead)
	f.be = f.addMember(t, "be-1", v1.RoleBackendDeveloper)
	f.qa = f.addMember(t, "qa-1", v1.RoleQATester)
}

func (f *orchFixture) addMember(t *testing.T, id string, role v1.AgentRole) *v1.SquadMember {
	t.Helper()
	m := &v1.SquadMember{ID: id, SquadID: f.squad.ID, Role: role}
	require.NoError(t, f.squads.AddMember(context.Background(), m))
	return m
}

func (f *orchFixture) agent(t *testing.T, id string) *runtime.Agent {
	t.Helper()
	a, ok := f.factory.Get(id)
	require.True(t, ok, "agent %s not running", id)
	return a
}

func (f *orchFixture) waitForState(t *testing.T, executionID string, want v1.WorkflowState) *v1.TaskExecution {
	t.Helper()
	var exec *v1.TaskExecution
	require.Eventually(t, func() bool {
		var err error
		exec, err = f.tasks.GetExecution(context.Background(), executionID)
		return err == nil && exec.WorkflowState == want
	}, 3*time.Second, 5*time.Millisecond, "execution never reached %s", want)
	return exec
}

func TestStartExecutionDispatchesToPM(t *testing.T) {
	f := newOrchFixture(t, Config{})
	ctx := context.Background()

	exec, err := f.orch.StartExecution(ctx, f.task.ID, f.squad.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StateAnalyzing, f.waitForState(t, exec.ID, v1.StateAnalyzing).WorkflowState)

	// all four squad members got live runtimes
	for _, id := range []string{"pm-1", "tl-1", "be-1", "qa-1"} {
		_, ok := f.factory.Get(id)
		assert.True(t, ok, "agent %s should be running", id)
	}

	// the assignment is journalled with the task content
	require.Eventually(t, func() bool {
		msgs, err := f.history.QueryByAgent(ctx, f.pm.ID, history.Query{})
		return err == nil && len(msgs) > 0 && msgs[0].Type == v1.MessageTypeTaskAssignment
	}, 2*time.Second, 5*time.Millisecond)

	status, ok := f.orch.RunStatus(exec.ID)
	require.True(t, ok)
	assert.Equal(t, f.pm.ID, status.PMAgentID)
}

func TestHappyPathDrivesExecutionToCompleted(t *testing.T) {
	f := newOrchFixture(t, Config{})
	ctx := context.Background()

	exec, err := f.orch.StartExecution(ctx, f.task.ID, f.squad.ID)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateAnalyzing)

	pm := f.agent(t, "pm-1")
	tl := f.agent(t, "tl-1")
	be := f.agent(t, "be-1")
	qa := f.agent(t, "qa-1")

	_, err = pm.SendMessage(ctx, f.tl.ID, v1.RoleTechLead, v1.MessageTypeTaskAssignment,
		"break this down and assign the backend work", nil)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateDelegated)

	_, err = be.SendMessage(ctx, f.pm.ID, v1.RoleProjectManager, v1.MessageTypeStatusUpdate,
		"started on the endpoint", nil)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateInProgress)

	_, err = be.SendMessage(ctx, f.tl.ID, v1.RoleTechLead, v1.MessageTypeCodeReviewRequest,
		"please review the handler", nil)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateReviewing)

	_, err = tl.SendMessage(ctx, f.be.ID, v1.RoleBackendDeveloper, v1.MessageTypeCodeReviewResponse,
		"looks good", nil)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateTesting)

	_, err = qa.SendMessage(ctx, f.pm.ID, v1.RoleProjectManager, v1.MessageTypeTaskCompletion,
		"verified, all checks pass", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		status, ok := f.orch.RunStatus(exec.ID)
		return ok && status.QAAcked
	}, 2*time.Second, 5*time.Millisecond)

	_, err = pm.BroadcastMessage(ctx, v1.ScopeExecution, v1.MessageTypeTaskCompletion,
		"task complete", map[string]interface{}{"visibility": v1.VisibilityPublic})
	require.NoError(t, err)

	final := f.waitForState(t, exec.ID, v1.StateCompleted)
	assert.Equal(t, 100, final.ProgressPct)
	assert.NotNil(t, final.CompletedAt)

	// the run is released once the execution completes
	require.Eventually(t, func() bool {
		_, ok := f.orch.RunStatus(exec.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInvalidDelegationRejected(t *testing.T) {
	f := newOrchFixture(t, Config{})
	ctx := context.Background()

	exec, err := f.orch.StartExecution(ctx, f.task.ID, f.squad.ID)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateAnalyzing)

	be := f.agent(t, "be-1")
	_, err = be.SendMessage(ctx, f.tl.ID, v1.RoleTechLead, v1.MessageTypeTaskAssignment,
		"you do it", nil)
	require.NoError(t, err)

	// the sender gets a system-generated answer naming the violation
	require.Eventually(t, func() bool {
		msgs, err := f.history.QueryByAgent(ctx, f.be.ID, history.Query{})
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.SenderID == "orchestrator" && m.Type == v1.MessageTypeAnswer &&
				m.Metadata["error_code"] == errors.ErrCodeInvalidDelegation {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// the execution did not advance on the rejected assignment
	got, err := f.tasks.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StateAnalyzing, got.WorkflowState)
}

func TestBlockerAndResume(t *testing.T) {
	f := newOrchFixture(t, Config{})
	ctx := context.Background()

	exec, err := f.orch.StartExecution(ctx, f.task.ID, f.squad.ID)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateAnalyzing)

	pm := f.agent(t, "pm-1")
	be := f.agent(t, "be-1")

	_, err = pm.SendMessage(ctx, f.tl.ID, v1.RoleTechLead, v1.MessageTypeTaskAssignment, "plan it", nil)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateDelegated)

	_, err = be.SendMessage(ctx, f.pm.ID, v1.RoleProjectManager, v1.MessageTypeStatusUpdate, "working", nil)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateInProgress)

	_, err = be.SendMessage(ctx, f.pm.ID, v1.RoleProjectManager, v1.MessageTypeStatusUpdate,
		"missing API credentials", map[string]interface{}{"blocked": true})
	require.NoError(t, err)

	blocked := f.waitForState(t, exec.ID, v1.StateBlocked)
	assert.Equal(t, v1.StateInProgress, blocked.PrevState)
	assert.Equal(t, 62, blocked.ProgressPct, "blocking must not change progress")
	assert.Equal(t, "missing API credentials", blocked.Error)

	resumed, err := f.orch.Resume(ctx, exec.ID, "credentials provisioned")
	require.NoError(t, err)
	assert.Equal(t, v1.StateInProgress, resumed.WorkflowState)
	assert.Empty(t, resumed.PrevState)
}

func TestHumanInterventionBlocksExecution(t *testing.T) {
	f := newOrchFixture(t, Config{})
	ctx := context.Background()

	exec, err := f.orch.StartExecution(ctx, f.task.ID, f.squad.ID)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateAnalyzing)

	be := f.agent(t, "be-1")
	_, err = be.BroadcastMessage(ctx, v1.ScopeExecution, v1.MessageTypeHumanIntervention,
		"escalation ladder exhausted", nil)
	require.NoError(t, err)

	blocked := f.waitForState(t, exec.ID, v1.StateBlocked)
	assert.Equal(t, v1.StateAnalyzing, blocked.PrevState)
}

func TestCompletionWithoutQAAckFails(t *testing.T) {
	f := newOrchFixture(t, Config{})
	ctx := context.Background()

	exec, err := f.orch.StartExecution(ctx, f.task.ID, f.squad.ID)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateAnalyzing)

	pm := f.agent(t, "pm-1")
	_, err = pm.BroadcastMessage(ctx, v1.ScopeExecution, v1.MessageTypeTaskCompletion,
		"declaring victory", nil)
	require.NoError(t, err)

	failed := f.waitForState(t, exec.ID, v1.StateFailed)
	assert.Contains(t, failed.Error, "qa acknowledgment")
	assert.NotNil(t, failed.CompletedAt)
}

func TestSquadWithoutQACompletesOnPMAnnouncement(t *testing.T) {
	f := newOrchFixture(t, Config{})
	ctx := context.Background()

	squad := &v1.Squad{
		ID:      uuid.New().String(),
		OrgID:   "org-1",
		OwnerID: "user-1",
		Name:    "lean squad",
		Status:  v1.SquadStatusActive,
	}
	require.NoError(t, f.squads.CreateSquad(ctx, squad))
	for _, m := range []*v1.SquadMember{
		{ID: "pm-2", SquadID: squad.ID, Role: v1.RoleProjectManager},
		{ID: "tl-2", SquadID: squad.ID, Role: v1.RoleTechLead},
		{ID: "be-2", SquadID: squad.ID, Role: v1.RoleBackendDeveloper},
	} {
		require.NoError(t, f.squads.AddMember(ctx, m))
	}

	exec, err := f.orch.StartExecution(ctx, f.task.ID, squad.ID)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateAnalyzing)

	pm := f.agent(t, "pm-2")
	tl := f.agent(t, "tl-2")
	be := f.agent(t, "be-2")

	_, err = pm.SendMessage(ctx, "tl-2", v1.RoleTechLead, v1.MessageTypeTaskAssignment,
		"plan and assign the backend work", nil)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateDelegated)

	_, err = be.SendMessage(ctx, "pm-2", v1.RoleProjectManager, v1.MessageTypeStatusUpdate,
		"endpoint in progress", nil)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateInProgress)

	_, err = be.SendMessage(ctx, "tl-2", v1.RoleTechLead, v1.MessageTypeCodeReviewRequest,
		"please review", nil)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateReviewing)

	_, err = tl.SendMessage(ctx, "be-2", v1.RoleBackendDeveloper, v1.MessageTypeCodeReviewResponse,
		"approved", nil)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateTesting)

	// no qa_tester in the roster, so the PM's word closes the execution
	_, err = pm.BroadcastMessage(ctx, v1.ScopeExecution, v1.MessageTypeTaskCompletion,
		"task complete", map[string]interface{}{"visibility": v1.VisibilityPublic})
	require.NoError(t, err)

	final := f.waitForState(t, exec.ID, v1.StateCompleted)
	assert.Equal(t, 100, final.ProgressPct)
	assert.NotNil(t, final.CompletedAt)
}

func TestExecutionDeadlineFails(t *testing.T) {
	f := newOrchFixture(t, Config{ExecutionDeadline: 60 * time.Millisecond})
	ctx := context.Background()

	exec, err := f.orch.StartExecution(ctx, f.task.ID, f.squad.ID)
	require.NoError(t, err)

	failed := f.waitForState(t, exec.ID, v1.StateFailed)
	assert.Equal(t, "deadline_exceeded", failed.Error)
}

func TestCapacityQueuesByPriority(t *testing.T) {
	f := newOrchFixture(t, Config{MaxConcurrent: 1})
	ctx := context.Background()

	first, err := f.orch.StartExecution(ctx, f.task.ID, f.squad.ID)
	require.NoError(t, err)
	f.waitForState(t, first.ID, v1.StateAnalyzing)

	low := &v1.Task{ID: uuid.New().String(), ProjectID: "proj-1", Title: "low", Priority: v1.PriorityLow, Status: v1.TaskStatusPending}
	urgent := &v1.Task{ID: uuid.New().String(), ProjectID: "proj-1", Title: "urgent", Priority: v1.PriorityUrgent, Status: v1.TaskStatusPending}
	require.NoError(t, f.tasks.CreateTask(ctx, low))
	require.NoError(t, f.tasks.CreateTask(ctx, urgent))

	lowExec, err := f.orch.StartExecution(ctx, low.ID, f.squad.ID)
	require.NoError(t, err)
	urgentExec, err := f.orch.StartExecution(ctx, urgent.ID, f.squad.ID)
	require.NoError(t, err)

	stats := f.orch.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 2, stats.Queued)

	// freeing the slot dispatches the urgent execution first
	require.NoError(t, f.orch.Cancel(ctx, first.ID, "make room"))
	f.waitForState(t, urgentExec.ID, v1.StateAnalyzing)

	got, err := f.tasks.GetExecution(ctx, lowExec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatePending, got.WorkflowState, "low priority stays queued")
}

func TestLockContentionPreventsSecondDriver(t *testing.T) {
	f := newOrchFixture(t, Config{})
	ctx := context.Background()

	exec, err := f.orch.StartExecution(ctx, f.task.ID, f.squad.ID)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateAnalyzing)

	_, err = f.locker.Acquire(ctx, exec.ID, "rival", time.Minute)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLockContention))
}

func TestLostLeaseStandsDown(t *testing.T) {
	f := newOrchFixture(t, Config{LockTTL: 30 * time.Millisecond})
	ctx := context.Background()

	exec, err := f.orch.StartExecution(ctx, f.task.ID, f.squad.ID)
	require.NoError(t, err)
	f.waitForState(t, exec.ID, v1.StateAnalyzing)

	f.locker.Steal(exec.ID, "rival")

	require.Eventually(t, func() bool {
		_, ok := f.orch.RunStatus(exec.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "run must stand down after losing the lock")

	// the execution row is untouched; the new owner picks it up from here
	got, err := f.tasks.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StateAnalyzing, got.WorkflowState)
}

func TestCancelQueuedExecution(t *testing.T) {
	f := newOrchFixture(t, Config{MaxConcurrent: 1})
	ctx := context.Background()

	first, err := f.orch.StartExecution(ctx, f.task.ID, f.squad.ID)
	require.NoError(t, err)
	f.waitForState(t, first.ID, v1.StateAnalyzing)

	other := &v1.Task{ID: uuid.New().String(), ProjectID: "proj-1", Title: "other", Priority: v1.PriorityMedium, Status: v1.TaskStatusPending}
	require.NoError(t, f.tasks.CreateTask(ctx, other))
	queued, err := f.orch.StartExecution(ctx, other.ID, f.squad.ID)
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel(ctx, queued.ID, "no longer needed"))
	got, err := f.tasks.GetExecution(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StateFailed, got.WorkflowState)
	assert.Equal(t, 0, f.orch.Stats().Queued)
}
