// Package workflow implements the task-execution state machine.
package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/squadflow/squadflow/internal/common/errors"
	"github.com/squadflow/squadflow/internal/common/logger"
	"github.com/squadflow/squadflow/internal/events/bus"
	"github.com/squadflow/squadflow/internal/history"
	"github.com/squadflow/squadflow/internal/task/repository"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// validTransitions is the full edge set. BLOCKED is handled separately: its
// exit edge depends on the recorded pre-block state.
var validTransitions = map[v1.WorkflowState][]v1.WorkflowState{
	v1.StatePending:    {v1.StateAnalyzing},
	v1.StateAnalyzing:  {v1.StatePlanning, v1.StateFailed, v1.StateBlocked},
	v1.StatePlanning:   {v1.StateDelegated, v1.StateBlocked, v1.StateFailed},
	v1.StateDelegated:  {v1.StateInProgress, v1.StateBlocked},
	v1.StateInProgress: {v1.StateReviewing, v1.StateBlocked, v1.StateFailed},
	v1.StateReviewing:  {v1.StateTesting, v1.StateInProgress, v1.StateBlocked, v1.StateFailed},
	v1.StateTesting:    {v1.StateCompleted, v1.StateInProgress, v1.StateFailed},
}

// progressByState maps each state to its fixed progress value. BLOCKED and
// FAILED are absent: both keep the last value.
var progressByState = map[v1.WorkflowState]int{
	v1.StatePending:    0,
	v1.StateAnalyzing:  12,
	v1.StatePlanning:   25,
	v1.StateDelegated:  37,
	v1.StateInProgress: 62,
	v1.StateReviewing:  75,
	v1.StateTesting:    87,
	v1.StateCompleted:  100,
}

// ProgressFor returns the fixed progress value of a state and whether the
// state carries one.
func ProgressFor(state v1.WorkflowState) (int, bool) {
	pct, ok := progressByState[state]
	return pct, ok
}

// CanTransition reports whether from -> to is a legal edge. Exits from
// BLOCKED are only legal toward FAILED or the recorded pre-block state.
func CanTransition(from, to, preBlock v1.WorkflowState) bool {
	if from == v1.StateBlocked {
		return to == v1.StateFailed || (preBlock != "" && to == preBlock)
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stateTimer accumulates per-state dwell time for one execution.
type stateTimer struct {
	state     v1.WorkflowState
	enteredAt time.Time
	working   time.Duration
	blocked   time.Duration
}

func (t *stateTimer) roll(now time.Time, next v1.WorkflowState) {
	if !t.enteredAt.IsZero() {
		elapsed := now.Sub(t.enteredAt)
		if t.state == v1.StateBlocked {
			t.blocked += elapsed
		} else {
			t.working += elapsed
		}
	}
	t.state = next
	t.enteredAt = now
}

// Timing reports how an execution spent its time so far. BLOCKED time is
// tracked separately and excluded from WorkingTime.
type Timing struct {
	WorkingTime time.Duration `json:"working_time"`
	BlockedTime time.Duration `json:"blocked_time"`
}

// Engine serializes all workflow transitions. Every TaskExecution row
// mutation in the system goes through Transition or Resume.
type Engine struct {
	repo    repository.Repository
	history history.Store
	bus     bus.Bus
	log     *logger.Logger

	mu     sync.Mutex
	timers map[string]*stateTimer
}

// NewEngine creates the workflow engine.
func NewEngine(repo repository.Repository, hist history.Store, b bus.Bus, log *logger.Logger) *Engine {
	return &Engine{
		repo:    repo,
		history: hist,
		bus:     b,
		log:     log.WithFields(zap.String("component", "workflow")),
		timers:  make(map[string]*stateTimer),
	}
}

// Transition moves an execution to a new state and returns the new progress
// value. The order is fixed: validate, journal the workflow event, update the
// row, publish state_changed. Readers of the row only ever see a state whose
// event is already durable.
func (e *Engine) Transition(ctx context.Context, executionID string, to v1.WorkflowState, actorID, reason string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transitionLocked(ctx, executionID, to, actorID, reason)
}

func (e *Engine) transitionLocked(ctx context.Context, executionID string, to v1.WorkflowState, actorID, reason string) (int, error) {
	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return 0, err
	}
	from := exec.WorkflowState

	if !CanTransition(from, to, exec.PrevState) {
		return exec.ProgressPct, errors.IllegalTransition(string(from), string(to))
	}

	if err := e.history.AppendWorkflowEvent(ctx, &history.WorkflowEvent{
		ExecutionID: executionID,
		FromState:   from,
		ToState:     to,
		ActorID:     actorID,
		Reason:      reason,
	}); err != nil {
		return exec.ProgressPct, errors.Wrap(err, "failed to journal workflow event")
	}

	update := repository.ExecutionUpdate{WorkflowState: &to}
	newProgress := exec.ProgressPct
	if pct, ok := progressByState[to]; ok {
		newProgress = pct
		update.ProgressPct = &newProgress
	}
	switch to {
	case v1.StateBlocked:
		// remember where we were so resume can put us back
		update.PrevState = &from
		if reason != "" {
			update.Error = &reason
		}
	case v1.StateFailed:
		update.Completed = true
		if reason != "" {
			update.Error = &reason
		}
	case v1.StateCompleted:
		update.Completed = true
	default:
		if from == v1.StateBlocked {
			empty := v1.WorkflowState("")
			cleared := ""
			update.PrevState = &empty
			update.Error = &cleared
		}
	}

	if _, err := e.repo.UpdateExecution(ctx, executionID, update); err != nil {
		return exec.ProgressPct, err
	}

	now := time.Now().UTC()
	timer, ok := e.timers[executionID]
	if !ok {
		timer = &stateTimer{state: from, enteredAt: exec.StartedAt}
		e.timers[executionID] = timer
	}
	timer.roll(now, to)
	if to.IsTerminal() {
		delete(e.timers, executionID)
	}

	e.publishStateChanged(ctx, executionID, from, to, newProgress, actorID, reason)

	e.log.Info("workflow transition",
		zap.String("execution_id", executionID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor_id", actorID),
		zap.Int("progress_pct", newProgress))
	return newProgress, nil
}

// Resume exits BLOCKED back into the state recorded when the blocker was
// raised.
func (e *Engine) Resume(ctx context.Context, executionID, actorID, resolution string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return 0, err
	}
	if exec.WorkflowState != v1.StateBlocked {
		return exec.ProgressPct, errors.IllegalTransition(string(exec.WorkflowState), "resume")
	}
	if exec.PrevState == "" {
		return exec.ProgressPct, errors.Conflict("execution has no recorded pre-block state")
	}
	return e.transitionLocked(ctx, executionID, exec.PrevState, actorID, resolution)
}

// Timing returns the accumulated working and blocked time of an execution.
func (e *Engine) Timing(executionID string) Timing {
	e.mu.Lock()
	defer e.mu.Unlock()

	timer, ok := e.timers[executionID]
	if !ok {
		return Timing{}
	}
	snapshot := *timer
	snapshot.roll(time.Now().UTC(), snapshot.state)
	return Timing{WorkingTime: snapshot.working, BlockedTime: snapshot.blocked}
}

func (e *Engine) publishStateChanged(ctx context.Context, executionID string, from, to v1.WorkflowState, progress int, actorID, reason string) {
	payload := v1.StateChangedPayload{
		ExecutionID: executionID,
		From:        from,
		To:          to,
		ProgressPct: progress,
		ActorID:     actorID,
		Reason:      reason,
	}
	msg, err := bus.NewMessage("", bus.StateSubject(executionID), string(v1.StreamEventStateChanged), payload)
	if err != nil {
		e.log.Error("failed to encode state_changed event", zap.Error(err))
		return
	}
	if err := e.bus.Publish(ctx, msg.Subject, msg); err != nil {
		// the row is already durable; observers catch up from history
		e.log.Error("failed to publish state_changed event",
			zap.String("execution_id", executionID), zap.Error(err))
	}
}
