package taskweave

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskweave/taskweave/internal/eventbus"
)

// ProcessState represents the current state of a query run.
type ProcessState string

const (
	// StateInit is the initial state of the run
	StateInit ProcessState = "init"
	// StatePlanning represents the plan generation phase
	StatePlanning ProcessState = "planning"
	// StateExecution represents the dispatch phase
	StateExecution ProcessState = "execution"
	// StateSynthesis represents the answer synthesis phase
	StateSynthesis ProcessState = "synthesis"
	// StateEvaluation represents the judge scoring phase
	StateEvaluation ProcessState = "evaluation"
	// StatePersistence represents the metrics append phase
	StatePersistence ProcessState = "persistence"
	// StateError represents an error state
	StateError ProcessState = "error"
	// StateComplete represents the completed state
	StateComplete ProcessState = "complete"
	// StateCancelled represents the cancelled state
	StateCancelled ProcessState = "cancelled"
	// StateUnknown is used when the status of an async run cannot be determined.
	StateUnknown ProcessState = "unknown"
)

// ProcessContext carries the data of one run through the state machine.
// It acts as the "tape" of a pushdown automaton.
type ProcessContext struct {
	// Input parameters
	RunID string
	Query string

	// Intermediate results
	Plan        *Plan
	Outcomes    []Outcome
	FinalAnswer string
	Record      *RunRecord
	RunScore    *Score

	// PlanError holds the validation-gate failure, if any. The run still
	// proceeds through synthesis, evaluation and persistence with zero
	// outcomes so an invalid plan is scored and logged like any other run.
	PlanError error

	// PersistError holds a metrics append failure. It is reported to the
	// caller without invalidating the synthesized answer.
	PersistError error

	// Error handling
	LastError  error
	ErrorStage string

	// State management
	CurrentState ProcessState
	StateStack   []ProcessState
	StateData    map[string]any

	// Timestamp tracking
	StartTime       time.Time
	EndTime         time.Time
	StateStartTimes map[ProcessState]time.Time

	// mu guards the state, error and timing fields. Async status readers
	// run concurrently with the goroutine driving the state machine.
	mu sync.RWMutex
}

// NewProcessContext creates a new process context for the given query.
func NewProcessContext(runID, query string) *ProcessContext {
	return &ProcessContext{
		RunID:           runID,
		Query:           query,
		CurrentState:    StateInit,
		StateStack:      []ProcessState{},
		StateData:       make(map[string]any),
		StartTime:       time.Now(),
		StateStartTimes: make(map[ProcessState]time.Time),
	}
}

// PushState pushes the current state onto the stack and sets a new current state.
func (pc *ProcessContext) PushState(state ProcessState) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.StateStack = append(pc.StateStack, pc.CurrentState)
	pc.CurrentState = state
	pc.StateStartTimes[state] = time.Now()
}

// PopState pops the top state from the stack and sets it as the current state.
// Returns false if the stack is empty.
func (pc *ProcessContext) PopState() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if len(pc.StateStack) == 0 {
		return false
	}
	lastIdx := len(pc.StateStack) - 1
	pc.CurrentState = pc.StateStack[lastIdx]
	pc.StateStack = pc.StateStack[:lastIdx]
	pc.StateStartTimes[pc.CurrentState] = time.Now()
	return true
}

// State returns the current state.
func (pc *ProcessContext) State() ProcessState {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.CurrentState
}

// SetState advances to the next state without touching the stack.
// It is a no-op once the run has reached a terminal state, so an external
// cancellation is never overwritten by an in-flight transition.
func (pc *ProcessContext) SetState(state ProcessState) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.terminal() {
		return
	}
	pc.CurrentState = state
	pc.StateStartTimes[state] = time.Now()
}

// IsTerminal checks if the current state is a terminal state.
func (pc *ProcessContext) IsTerminal() bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.terminal()
}

// terminal must be called with mu held.
func (pc *ProcessContext) terminal() bool {
	return pc.CurrentState == StateComplete || pc.CurrentState == StateError || pc.CurrentState == StateCancelled
}

// SetError sets the last error and error stage, transitioning to StateError.
// It is a no-op once the run has reached a terminal state.
func (pc *ProcessContext) SetError(err error, stage string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.terminal() {
		return
	}
	pc.LastError = err
	pc.ErrorStage = stage
	pc.CurrentState = StateError
	pc.StateStartTimes[StateError] = time.Now()
}

// SetCancelled sets the state to Cancelled and records the cancellation error.
// It is a no-op once the run has reached a terminal state.
func (pc *ProcessContext) SetCancelled(err error, stage string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.terminal() {
		return
	}
	pc.LastError = err
	pc.ErrorStage = stage
	pc.CurrentState = StateCancelled
	pc.StateStartTimes[StateCancelled] = time.Now()
}

// Complete marks the run as complete and sets the end time.
func (pc *ProcessContext) Complete() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.terminal() {
		return
	}
	pc.CurrentState = StateComplete
	pc.EndTime = time.Now()
	pc.StateStartTimes[StateComplete] = pc.EndTime
}

// Failure returns the recorded error and the stage it occurred in.
func (pc *ProcessContext) Failure() (error, string) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.LastError, pc.ErrorStage
}

// TerminalSince reports when the run entered its terminal state.
func (pc *ProcessContext) TerminalSince() (time.Time, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	if !pc.terminal() {
		return time.Time{}, false
	}
	return pc.StateStartTimes[pc.CurrentState], true
}

// GetTotalDuration returns the total duration of the run so far.
func (pc *ProcessContext) GetTotalDuration() time.Duration {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	if pc.CurrentState == StateComplete {
		return pc.EndTime.Sub(pc.StartTime)
	}
	return time.Since(pc.StartTime)
}

// StateTransition defines a transition function for the state machine.
type StateTransition func(ctx context.Context, eventBus eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error)

// StateMachine represents a finite state machine for query runs.
type StateMachine struct {
	transitions map[ProcessState]StateTransition
	eventBus    eventbus.EventBus
}

// NewStateMachine creates a new state machine with the provided event bus.
func NewStateMachine(eventBus eventbus.EventBus) *StateMachine {
	return &StateMachine{
		transitions: make(map[ProcessState]StateTransition),
		eventBus:    eventBus,
	}
}

// RegisterTransition registers a state transition function.
func (sm *StateMachine) RegisterTransition(state ProcessState, transition StateTransition) {
	sm.transitions[state] = transition
}

// Execute runs the state machine until a terminal state is reached.
func (sm *StateMachine) Execute(ctx context.Context, pCtx *ProcessContext) (string, error) {
	for !pCtx.IsTerminal() {
		state := pCtx.State()

		// Check for context cancellation before executing the next state
		select {
		case <-ctx.Done():
			err := ctx.Err()
			pCtx.SetCancelled(err, string(state))
			return "", err
		default:
		}

		transition, exists := sm.transitions[state]
		if !exists {
			err := fmt.Errorf("no transition defined for state: %s", state)
			pCtx.SetError(err, string(state))
			return "", err
		}

		nextState, err := transition(ctx, sm.eventBus, pCtx)

		if err != nil {
			currentStage := string(state)
			if err == context.Canceled || err == context.DeadlineExceeded {
				pCtx.SetCancelled(err, currentStage)
			} else {
				// Transitions usually call SetError themselves; this
				// catches any that returned an error without doing so.
				pCtx.SetError(err, currentStage)
			}
			continue
		}

		pCtx.SetState(nextState)
	}

	lastErr, _ := pCtx.Failure()
	return pCtx.FinalAnswer, lastErr
}
