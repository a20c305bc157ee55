// Package orchestrator drives task executions end to end: it spawns the
// squad's agents, dispatches the task to the project manager, observes the
// resulting agent traffic and advances the workflow state machine.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/squadflow/squadflow/internal/agent/registry"
	"github.com/squadflow/squadflow/internal/common/errors"
	"github.com/squadflow/squadflow/internal/common/logger"
	"github.com/squadflow/squadflow/internal/events/bus"
	"github.com/squadflow/squadflow/internal/history"
	"github.com/squadflow/squadflow/internal/orchestrator/queue"
	squadrepo "github.com/squadflow/squadflow/internal/squad/repository"
	taskrepo "github.com/squadflow/squadflow/internal/task/repository"
	"github.com/squadflow/squadflow/internal/workflow"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// systemActor is the sender identity used for orchestrator-generated
// messages and transitions.
const systemActor = "orchestrator"

// Config tunes one orchestrator instance.
type Config struct {
	// OwnerID identifies this instance for execution lock ownership.
	OwnerID string
	// LockTTL is the execution lock lease duration.
	LockTTL time.Duration
	// MaxConcurrent bounds the number of simultaneously driven executions;
	// further starts queue until capacity frees up.
	MaxConcurrent int
	// QueueSize bounds the pending-execution queue. Zero means unbounded.
	QueueSize int
	// ExecutionDeadline fails an execution that has not reached a terminal
	// state in time.
	ExecutionDeadline time.Duration
}

// happyPath is the straight-line state sequence used when observed agent
// traffic implies the execution is further along than the recorded state.
var happyPath = []v1.WorkflowState{
	v1.StatePending,
	v1.StateAnalyzing,
	v1.StatePlanning,
	v1.StateDelegated,
	v1.StateInProgress,
	v1.StateReviewing,
	v1.StateTesting,
	v1.StateCompleted,
}

func pathIndex(s v1.WorkflowState) int {
	for i, st := range happyPath {
		if st == s {
			return i
		}
	}
	return -1
}

// run is the in-memory state of one actively driven execution.
type run struct {
	executionID string
	squadID     string
	pmID        string
	// hasQA records whether the squad roster includes a qa_tester; the
	// completion gate only applies when it does.
	hasQA bool

	lease    *Lease
	subs     []bus.Subscription
	deadline *time.Timer

	mu            sync.Mutex
	seen          map[string]struct{}
	qaAcked       bool
	conversations map[string]string // conversation ID -> last observed state
	finished      bool
}

// Status is the externally visible view of a driven execution.
type Status struct {
	ExecutionID   string            `json:"execution_id"`
	SquadID       string            `json:"squad_id"`
	PMAgentID     string            `json:"pm_agent_id"`
	QAAcked       bool              `json:"qa_acked"`
	Conversations map[string]string `json:"conversations,omitempty"`
}

// Stats summarizes orchestrator load for the stats endpoint.
type Stats struct {
	Active int       `json:"active"`
	Queued int       `json:"queued"`
	Bus    bus.Stats `json:"bus"`
}

// Orchestrator owns the execution lifecycle of this process.
type Orchestrator struct {
	tasks   taskrepo.Repository
	squads  squadrepo.Repository
	engine  *workflow.Engine
	factory *registry.Factory
	bus     bus.Bus
	history history.Store
	locker  Locker
	dir     *Directory
	cfg     Config
	log     *logger.Logger

	mu     sync.Mutex
	runs   map[string]*run
	queued *queue.Queue
	closed bool
}

// New creates the orchestrator.
func New(tasks taskrepo.Repository, squads squadrepo.Repository, engine *workflow.Engine,
	factory *registry.Factory, b bus.Bus, hist history.Store, locker Locker, dir *Directory,
	cfg Config, log *logger.Logger) *Orchestrator {
	if cfg.OwnerID == "" {
		cfg.OwnerID = systemActor + "-" + uuid.New().String()[:8]
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.ExecutionDeadline <= 0 {
		cfg.ExecutionDeadline = 24 * time.Hour
	}
	return &Orchestrator{
		tasks:   tasks,
		squads:  squads,
		engine:  engine,
		factory: factory,
		bus:     b,
		history: hist,
		locker:  locker,
		dir:     dir,
		cfg:     cfg,
		log:     log.WithFields(zap.String("component", "orchestrator")),
		runs:    make(map[string]*run),
		queued:  queue.New(cfg.QueueSize),
	}
}

// StartExecution creates an execution for a task and begins driving it. When
// the orchestrator is at capacity the execution stays PENDING in the queue
// and is dispatched as soon as a slot frees up.
func (o *Orchestrator) StartExecution(ctx context.Context, taskID, squadID string) (*v1.TaskExecution, error) {
	task, err := o.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if _, err := o.squads.GetSquad(ctx, squadID); err != nil {
		return nil, err
	}

	exec := &v1.TaskExecution{
		ID:            uuid.New().String(),
		TaskID:        task.ID,
		SquadID:       squadID,
		WorkflowState: v1.StatePending,
		StartedAt:     time.Now().UTC(),
	}
	if err := o.tasks.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	if err := o.tasks.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusInProgress); err != nil {
		o.log.Warn("failed to mark task in progress", zap.String("task_id", task.ID), zap.Error(err))
	}

	o.mu.Lock()
	atCapacity := len(o.runs) >= o.cfg.MaxConcurrent
	o.mu.Unlock()

	if atCapacity {
		if err := o.queued.Enqueue(exec.ID, squadID, task); err != nil {
			return nil, errors.Wrap(err, "orchestrator is saturated")
		}
		o.log.Info("execution queued",
			zap.String("execution_id", exec.ID),
			zap.String("priority", string(task.Priority)))
		return exec, nil
	}

	if err := o.launch(ctx, exec, task); err != nil {
		return nil, err
	}
	return exec, nil
}

// launch acquires the execution lock, spawns the squad and dispatches the
// task to the project manager.
func (o *Orchestrator) launch(ctx context.Context, exec *v1.TaskExecution, task *v1.Task) error {
	lease, err := o.locker.Acquire(ctx, exec.ID, o.cfg.OwnerID, o.cfg.LockTTL)
	if err != nil {
		return err
	}

	members, err := o.squads.ListMembers(ctx, exec.SquadID)
	if err != nil {
		lease.Release()
		return err
	}
	var pm *v1.SquadMember
	hasQA := false
	for _, m := range members {
		if m.Role == v1.RoleProjectManager && pm == nil {
			pm = m
		}
		if m.Role == v1.RoleQATester {
			hasQA = true
		}
	}
	if pm == nil {
		lease.Release()
		return errors.NotFound("project manager in squad", exec.SquadID)
	}

	// every squad member gets a live runtime so delegated work and
	// escalations have a recipient
	for _, m := range members {
		_, err := o.factory.Create(ctx, registry.CreateRequest{
			AgentID:     m.ID,
			Role:        m.Role,
			ExecutionID: exec.ID,
			Member:      m,
			Model:       registry.ModelConfig{Provider: m.LLMProvider, Model: m.LLMModel},
		})
		if err != nil {
			lease.Release()
			return errors.Wrap(err, fmt.Sprintf("failed to spawn agent '%s'", m.ID))
		}
	}

	r := &run{
		executionID:   exec.ID,
		squadID:       exec.SquadID,
		pmID:          pm.ID,
		hasQA:         hasQA,
		lease:         lease,
		seen:          make(map[string]struct{}),
		conversations: make(map[string]string),
	}

	msgSub, err := o.bus.Subscribe("agent.msg."+exec.ID+".>", "orch-"+exec.ID,
		func(ctx context.Context, msg *bus.Message) error {
			return o.handleAgentMessage(ctx, r, msg)
		})
	if err != nil {
		lease.Release()
		return errors.Wrap(err, "failed to subscribe to agent traffic")
	}
	convSub, err := o.bus.Subscribe("conv."+exec.ID+".>", "orch-conv-"+exec.ID,
		func(ctx context.Context, msg *bus.Message) error {
			return o.handleConversationEvent(ctx, r, msg)
		})
	if err != nil {
		msgSub.Unsubscribe()
		lease.Release()
		return errors.Wrap(err, "failed to subscribe to conversation events")
	}
	r.subs = []bus.Subscription{msgSub, convSub}
	r.deadline = time.AfterFunc(o.cfg.ExecutionDeadline, func() {
		o.onExecutionDeadline(r)
	})

	o.mu.Lock()
	o.runs[exec.ID] = r
	o.mu.Unlock()
	go o.watchLease(r)

	if _, err := o.engine.Transition(ctx, exec.ID, v1.StateAnalyzing, systemActor, "task dispatched"); err != nil {
		o.abort(r)
		return err
	}
	if err := o.dispatchToPM(ctx, exec, task, pm); err != nil {
		o.abort(r)
		return err
	}

	o.log.Info("execution launched",
		zap.String("execution_id", exec.ID),
		zap.String("task_id", task.ID),
		zap.String("pm_id", pm.ID))
	return nil
}

// dispatchToPM sends the task description to the project manager as a
// task_assignment, history first.
func (o *Orchestrator) dispatchToPM(ctx context.Context, exec *v1.TaskExecution, task *v1.Task, pm *v1.SquadMember) error {
	m := &v1.AgentMessage{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		SenderID:    systemActor,
		RecipientID: pm.ID,
		Type:        v1.MessageTypeTaskAssignment,
		Content:     fmt.Sprintf("%s\n\n%s", task.Title, task.Description),
		Metadata: map[string]interface{}{
			"task_id":    task.ID,
			"priority":   string(task.Priority),
			"visibility": v1.VisibilityPublic,
		},
	}
	return o.deliver(ctx, m, pm.Role)
}

func (o *Orchestrator) deliver(ctx context.Context, m *v1.AgentMessage, recipientRole v1.AgentRole) error {
	if err := o.history.Append(ctx, m); err != nil {
		return errors.Wrap(err, "failed to journal message")
	}
	subject := bus.AgentSubject(m.ExecutionID, recipientRole, m.RecipientID)
	busMsg, err := bus.NewMessage(m.ID, subject, string(m.Type), m)
	if err != nil {
		return err
	}
	if err := o.bus.Publish(ctx, subject, busMsg); err != nil {
		return errors.BusUnavailable(err)
	}
	return nil
}

// handleAgentMessage classifies one observed agent message and advances the
// workflow accordingly.
func (o *Orchestrator) handleAgentMessage(ctx context.Context, r *run, msg *bus.Message) error {
	var m v1.AgentMessage
	if err := msg.Decode(&m); err != nil {
		o.log.Warn("skipping undecodable message", zap.String("subject", msg.Subject), zap.Error(err))
		return nil
	}

	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return nil
	}
	if _, dup := r.seen[m.ID]; dup {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := o.route(ctx, r, &m); err != nil {
		// nack; redelivery retries against fresh state
		return err
	}

	r.mu.Lock()
	r.seen[m.ID] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (o *Orchestrator) route(ctx context.Context, r *run, m *v1.AgentMessage) error {
	switch m.Type {
	case v1.MessageTypeTaskAssignment:
		return o.onTaskAssignment(ctx, r, m)
	case v1.MessageTypeStatusUpdate:
		return o.onStatusUpdate(ctx, r, m)
	case v1.MessageTypeCodeReviewRequest:
		return o.advanceTo(ctx, r, v1.StateReviewing, m.SenderID, "code review requested")
	case v1.MessageTypeCodeReviewResponse:
		return o.advanceTo(ctx, r, v1.StateTesting, m.SenderID, "code review passed")
	case v1.MessageTypeTaskCompletion:
		return o.onTaskCompletion(ctx, r, m)
	case v1.MessageTypeHumanIntervention:
		return o.block(ctx, r, m.SenderID, m.Content)
	}

	// any acknowledgment from QA counts toward the completion gate
	if m.Flags.Acknowledgment {
		o.noteQAAck(ctx, r, m)
	}
	return nil
}

// onTaskAssignment enforces the delegation hierarchy and, when the PM starts
// delegating, advances the execution toward DELEGATED.
func (o *Orchestrator) onTaskAssignment(ctx context.Context, r *run, m *v1.AgentMessage) error {
	if m.SenderID == systemActor {
		return nil
	}

	senderRole, err := o.dir.Role(ctx, r.executionID, m.SenderID)
	if err != nil {
		o.rejectDelegation(ctx, r, m, "unknown sender")
		return nil
	}
	if m.RecipientID != "" {
		recipientRole, err := o.dir.Role(ctx, r.executionID, m.RecipientID)
		if err != nil {
			o.rejectDelegation(ctx, r, m, "unknown recipient")
			return nil
		}
		if !v1.CanDelegate(senderRole, recipientRole) {
			o.rejectDelegation(ctx, r, m,
				fmt.Sprintf("role_hierarchy_violation: %s may not delegate to %s", senderRole, recipientRole))
			return nil
		}
	}

	return o.advanceTo(ctx, r, v1.StateDelegated, m.SenderID, "work delegated")
}

// rejectDelegation drops an invalid task_assignment: the sender gets a
// system-generated answer and observers get an invalid_delegation log frame.
func (o *Orchestrator) rejectDelegation(ctx context.Context, r *run, m *v1.AgentMessage, reason string) {
	o.log.Warn("invalid delegation dropped",
		zap.String("execution_id", r.executionID),
		zap.String("sender_id", m.SenderID),
		zap.String("recipient_id", m.RecipientID),
		zap.String("reason", reason))

	senderRole, err := o.dir.Role(ctx, r.executionID, m.SenderID)
	if err == nil {
		answer := &v1.AgentMessage{
			ID:              uuid.New().String(),
			ExecutionID:     r.executionID,
			SenderID:        systemActor,
			RecipientID:     m.SenderID,
			Type:            v1.MessageTypeAnswer,
			Content:         "Task assignment rejected: " + reason,
			ParentMessageID: m.ID,
			Metadata:        map[string]interface{}{"error_code": errors.ErrCodeInvalidDelegation},
		}
		if err := o.deliver(ctx, answer, senderRole); err != nil {
			o.log.Error("failed to deliver delegation rejection", zap.Error(err))
		}
	}

	o.publishLog(ctx, r.executionID, map[string]interface{}{
		"event":      "invalid_delegation",
		"message_id": m.ID,
		"sender_id":  m.SenderID,
		"reason":     reason,
	})
}

// onStatusUpdate advances DELEGATED work to IN_PROGRESS, or raises a blocker
// when the update carries the blocked marker.
func (o *Orchestrator) onStatusUpdate(ctx context.Context, r *run, m *v1.AgentMessage) error {
	if m.Blocked() {
		return o.block(ctx, r, m.SenderID, m.Content)
	}
	if m.SenderID == r.pmID || m.SenderID == systemActor {
		return nil
	}
	return o.advanceTo(ctx, r, v1.StateInProgress, m.SenderID, "work started")
}

// onTaskCompletion closes the execution when the PM announces completion.
// Squads with a qa_tester require a prior QA acknowledgment; announcing
// completion without one fails the execution. Squads without QA complete on
// the PM's word alone.
func (o *Orchestrator) onTaskCompletion(ctx context.Context, r *run, m *v1.AgentMessage) error {
	o.noteQAAck(ctx, r, m)

	if m.SenderID != r.pmID {
		return nil
	}

	r.mu.Lock()
	qaAcked := r.qaAcked
	r.mu.Unlock()

	if r.hasQA && !qaAcked {
		o.failExecution(ctx, r.executionID, m.SenderID, "completion announced without qa acknowledgment")
		return nil
	}
	reason := "qa signed off"
	if !r.hasQA {
		reason = "completion announced"
	}
	if err := o.advanceTo(ctx, r, v1.StateTesting, m.SenderID, "completion announced"); err != nil {
		return err
	}
	_, err := o.engine.Transition(ctx, r.executionID, v1.StateCompleted, m.SenderID, reason)
	if err != nil {
		o.log.Error("failed to complete execution", zap.String("execution_id", r.executionID), zap.Error(err))
		return nil
	}
	o.finish(ctx, r, string(v1.StateCompleted))
	return nil
}

// noteQAAck records the QA sign-off gate.
func (o *Orchestrator) noteQAAck(ctx context.Context, r *run, m *v1.AgentMessage) {
	role, err := o.dir.Role(ctx, r.executionID, m.SenderID)
	if err != nil || role != v1.RoleQATester {
		return
	}
	if m.Type != v1.MessageTypeTaskCompletion && !m.Flags.Acknowledgment {
		return
	}
	r.mu.Lock()
	r.qaAcked = true
	r.mu.Unlock()
	o.log.Info("qa acknowledgment recorded",
		zap.String("execution_id", r.executionID),
		zap.String("qa_id", m.SenderID))
}

// handleConversationEvent tracks per-conversation state for the status view.
func (o *Orchestrator) handleConversationEvent(ctx context.Context, r *run, msg *bus.Message) error {
	var p v1.ConversationPayload
	if err := msg.Decode(&p); err != nil {
		return nil
	}
	r.mu.Lock()
	r.conversations[p.ConversationID] = p.State
	r.mu.Unlock()
	return nil
}

// advanceTo walks the execution forward along the happy path until it
// reaches the target state. Blocked and terminal executions are left alone.
func (o *Orchestrator) advanceTo(ctx context.Context, r *run, target v1.WorkflowState, actorID, reason string) error {
	exec, err := o.tasks.GetExecution(ctx, r.executionID)
	if err != nil {
		return err
	}
	if exec.WorkflowState == v1.StateBlocked || exec.WorkflowState.IsTerminal() {
		return nil
	}

	from := pathIndex(exec.WorkflowState)
	to := pathIndex(target)
	if from < 0 || to < 0 || from >= to {
		return nil
	}
	for i := from + 1; i <= to; i++ {
		if _, err := o.engine.Transition(ctx, r.executionID, happyPath[i], actorID, reason); err != nil {
			if errors.IsCode(err, errors.ErrCodeIllegalTransition) {
				return nil
			}
			return err
		}
	}
	return nil
}

// block moves the execution to BLOCKED and waits for a resume.
func (o *Orchestrator) block(ctx context.Context, r *run, actorID, reason string) error {
	_, err := o.engine.Transition(ctx, r.executionID, v1.StateBlocked, actorID, reason)
	if errors.IsCode(err, errors.ErrCodeIllegalTransition) {
		// already blocked or terminal
		return nil
	}
	return err
}

// Resume restores a blocked execution to its pre-block state.
func (o *Orchestrator) Resume(ctx context.Context, executionID, resolution string) (*v1.TaskExecution, error) {
	if _, err := o.engine.Resume(ctx, executionID, systemActor, resolution); err != nil {
		return nil, err
	}
	return o.tasks.GetExecution(ctx, executionID)
}

// Cancel fails an execution on operator request. Queued executions are
// removed from the queue first.
func (o *Orchestrator) Cancel(ctx context.Context, executionID, reason string) error {
	o.queued.Remove(executionID)
	o.failExecution(ctx, executionID, systemActor, reason)

	exec, err := o.tasks.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.WorkflowState != v1.StateFailed {
		return errors.Conflict(fmt.Sprintf("execution is %s, not cancellable", exec.WorkflowState))
	}
	return nil
}

// failExecution drives an execution to FAILED, detouring through an
// intermediate state when the current one has no direct failure edge.
func (o *Orchestrator) failExecution(ctx context.Context, executionID, actorID, reason string) {
	exec, err := o.tasks.GetExecution(ctx, executionID)
	if err != nil {
		o.log.Error("failed to load execution", zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	if exec.WorkflowState.IsTerminal() {
		return
	}

	var detour []v1.WorkflowState
	switch exec.WorkflowState {
	case v1.StatePending:
		detour = []v1.WorkflowState{v1.StateAnalyzing}
	case v1.StateDelegated:
		detour = []v1.WorkflowState{v1.StateBlocked}
	}
	for _, step := range detour {
		if _, err := o.engine.Transition(ctx, executionID, step, actorID, reason); err != nil {
			o.log.Error("failed to reach a failable state",
				zap.String("execution_id", executionID), zap.Error(err))
			return
		}
	}
	if _, err := o.engine.Transition(ctx, executionID, v1.StateFailed, actorID, reason); err != nil {
		o.log.Error("failed to fail execution", zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	o.finishByID(ctx, executionID, string(v1.StateFailed))
}

func (o *Orchestrator) onExecutionDeadline(r *run) {
	ctx := context.Background()
	exec, err := o.tasks.GetExecution(ctx, r.executionID)
	if err != nil || exec.WorkflowState.IsTerminal() {
		return
	}
	o.log.Warn("execution deadline exceeded", zap.String("execution_id", r.executionID))
	o.failExecution(ctx, r.executionID, systemActor, "deadline_exceeded")
}

// watchLease aborts the run when the execution lock is lost.
func (o *Orchestrator) watchLease(r *run) {
	<-r.lease.Done()
	r.mu.Lock()
	finished := r.finished
	r.mu.Unlock()
	if finished {
		return
	}
	o.log.Warn("execution lock lost, standing down", zap.String("execution_id", r.executionID))
	o.abort(r)
}

// finish releases a completed run's resources and dispatches the next queued
// execution.
func (o *Orchestrator) finish(ctx context.Context, r *run, outcome string) {
	o.publishCompleted(ctx, r.executionID, outcome)
	if exec, err := o.tasks.GetExecution(ctx, r.executionID); err == nil {
		status := v1.TaskStatusCompleted
		if outcome != string(v1.StateCompleted) {
			status = v1.TaskStatusFailed
		}
		if err := o.tasks.UpdateTaskStatus(ctx, exec.TaskID, status); err != nil {
			o.log.Warn("failed to update task status", zap.String("task_id", exec.TaskID), zap.Error(err))
		}
	}
	o.cleanup(r)
	o.dispatchNext()
}

func (o *Orchestrator) finishByID(ctx context.Context, executionID, outcome string) {
	o.mu.Lock()
	r, ok := o.runs[executionID]
	o.mu.Unlock()
	if ok {
		o.finish(ctx, r, outcome)
	} else {
		o.publishCompleted(ctx, executionID, outcome)
	}
}

// abort drops a run without touching execution state; another orchestrator
// may own it now.
func (o *Orchestrator) abort(r *run) {
	o.cleanup(r)
	o.dispatchNext()
}

func (o *Orchestrator) cleanup(r *run) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.mu.Unlock()

	if r.deadline != nil {
		r.deadline.Stop()
	}
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.lease.Release()

	o.mu.Lock()
	delete(o.runs, r.executionID)
	o.mu.Unlock()
}

// dispatchNext pulls the highest priority queued execution once a slot is
// free.
func (o *Orchestrator) dispatchNext() {
	o.mu.Lock()
	if o.closed || len(o.runs) >= o.cfg.MaxConcurrent {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	qe := o.queued.Dequeue()
	if qe == nil {
		return
	}

	ctx := context.Background()
	exec, err := o.tasks.GetExecution(ctx, qe.ExecutionID)
	if err != nil {
		o.log.Error("queued execution vanished", zap.String("execution_id", qe.ExecutionID), zap.Error(err))
		o.dispatchNext()
		return
	}
	if err := o.launch(ctx, exec, qe.Task); err != nil {
		o.log.Error("failed to launch queued execution",
			zap.String("execution_id", qe.ExecutionID), zap.Error(err))
	}
}

// GetExecution returns the durable execution row.
func (o *Orchestrator) GetExecution(ctx context.Context, executionID string) (*v1.TaskExecution, error) {
	return o.tasks.GetExecution(ctx, executionID)
}

// RunStatus returns the live view of an actively driven execution.
func (o *Orchestrator) RunStatus(executionID string) (*Status, bool) {
	o.mu.Lock()
	r, ok := o.runs[executionID]
	o.mu.Unlock()
	if !ok {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	conversations := make(map[string]string, len(r.conversations))
	for id, state := range r.conversations {
		conversations[id] = state
	}
	return &Status{
		ExecutionID:   r.executionID,
		SquadID:       r.squadID,
		PMAgentID:     r.pmID,
		QAAcked:       r.qaAcked,
		Conversations: conversations,
	}, true
}

// Timing exposes the engine's working/blocked time split for an execution.
func (o *Orchestrator) Timing(executionID string) workflow.Timing {
	return o.engine.Timing(executionID)
}

// Stats reports orchestrator and bus load.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	active := len(o.runs)
	o.mu.Unlock()
	return Stats{
		Active: active,
		Queued: o.queued.Len(),
		Bus:    o.bus.Stats(),
	}
}

// publishLog emits a free-form log frame on the execution's state subject.
func (o *Orchestrator) publishLog(ctx context.Context, executionID string, fields map[string]interface{}) {
	subject := bus.StateSubject(executionID)
	msg, err := bus.NewMessage("", subject, string(v1.StreamEventLog), fields)
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, subject, msg); err != nil {
		o.log.Error("failed to publish log frame", zap.Error(err))
	}
}

// publishCompleted emits the completed frame consumed by stream subscribers.
func (o *Orchestrator) publishCompleted(ctx context.Context, executionID, outcome string) {
	subject := bus.StateSubject(executionID)
	payload := v1.CompletedPayload{
		ExecutionID: executionID,
		Outcome:     outcome,
		CompletedAt: time.Now().UTC(),
	}
	msg, err := bus.NewMessage("", subject, string(v1.StreamEventCompleted), payload)
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, subject, msg); err != nil {
		o.log.Error("failed to publish completed frame", zap.Error(err))
	}
}

// Stop stands down from every driven execution without altering state.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.closed = true
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		o.cleanup(r)
	}
}
