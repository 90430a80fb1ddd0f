package taskweave

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/taskweave/taskweave/internal/eventbus"
)

// AsyncRunStatus represents the status information for an async run.
type AsyncRunStatus struct {
	RunID        string        `json:"run_id"`
	Query        string        `json:"query"`
	CurrentState ProcessState  `json:"current_state"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	IsComplete   bool          `json:"is_complete"`
	HasError     bool          `json:"has_error"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorStage   string        `json:"error_stage,omitempty"`
}

// ProcessAsync starts an asynchronous query run.
// It returns a unique run ID that can be used to check the status or get the result.
func (e *Engine) ProcessAsync(ctx context.Context, query string) (string, error) {
	runID := uuid.New().String()

	stateMachine := e.createStateMachine()
	processContext := NewProcessContext(runID, query)

	// The run outlives the caller's context; cancellation goes through
	// CancelAsyncRun instead. The cancel function must be in place before
	// the run becomes visible to CancelAsyncRun.
	asyncCtx, cancel := context.WithCancel(context.Background())
	processContext.StateData["cancel"] = cancel

	e.asyncRunsMutex.Lock()
	e.asyncRuns[runID] = processContext
	e.asyncRunsMutex.Unlock()

	if e.config.EnableEventBus && e.eventBus != nil {
		startEvent := eventbus.NewEvent(
			eventbus.EventQueryAsyncProcessingStarted,
			query,
			"Engine.ProcessAsync",
			map[string]any{
				"timestamp": time.Now().Format(time.RFC3339),
				"run_id":    runID,
			},
		)
		e.eventBus.Publish(ctx, startEvent)
	}

	go func() {
		defer cancel()

		_, err := stateMachine.Execute(asyncCtx, processContext)

		e.asyncRunsMutex.Lock()
		if pCtx, exists := e.asyncRuns[runID]; exists {
			if err != nil {
				// A no-op when Execute already reached a terminal state.
				pCtx.SetError(err, string(pCtx.State()))
			}
		}
		e.asyncRunsMutex.Unlock()

		if e.config.EnableEventBus && e.eventBus != nil {
			eventType := eventbus.EventQueryAsyncProcessingSuccess
			metadata := map[string]any{
				"run_id":      runID,
				"duration_ms": processContext.GetTotalDuration().Milliseconds(),
			}

			if err != nil {
				eventType = eventbus.EventQueryAsyncProcessingFailure
				metadata["error"] = err.Error()
				metadata["error_stage"] = processContext.ErrorStage
			}

			completionEvent := eventbus.NewEvent(eventType, query, "Engine.ProcessAsync", metadata)
			// Use background context since the original context might be done
			e.eventBus.Publish(context.Background(), completionEvent)
		}
	}()

	return runID, nil
}

// GetAsyncStatus retrieves the current status of an async run.
func (e *Engine) GetAsyncStatus(runID string) (*AsyncRunStatus, error) {
	e.asyncRunsMutex.RLock()
	defer e.asyncRunsMutex.RUnlock()

	pCtx, exists := e.asyncRuns[runID]
	if !exists {
		return nil, fmt.Errorf("run with ID '%s' not found", runID)
	}

	state := pCtx.State()
	status := &AsyncRunStatus{
		RunID:        runID,
		Query:        pCtx.Query,
		CurrentState: state,
		StartTime:    pCtx.StartTime,
		Duration:     pCtx.GetTotalDuration(),
		IsComplete:   state == StateComplete,
		HasError:     state == StateError,
	}

	if lastErr, stage := pCtx.Failure(); lastErr != nil {
		status.ErrorMessage = lastErr.Error()
		status.ErrorStage = stage
	}

	return status, nil
}

// GetAsyncResult retrieves the record and score of a completed async run.
// Returns an error if the run is not complete or failed outright.
func (e *Engine) GetAsyncResult(runID string) (*RunRecord, *Score, error) {
	e.asyncRunsMutex.RLock()
	defer e.asyncRunsMutex.RUnlock()

	pCtx, exists := e.asyncRuns[runID]
	if !exists {
		return nil, nil, fmt.Errorf("run with ID '%s' not found", runID)
	}

	state := pCtx.State()
	if state != StateComplete {
		if state == StateError {
			lastErr, stage := pCtx.Failure()
			return nil, nil, fmt.Errorf("run failed during stage '%s': %w", stage, lastErr)
		}
		return nil, nil, fmt.Errorf("run is still in progress (current state: %s)", state)
	}

	return pCtx.Record, pCtx.RunScore, pCtx.RunError()
}

// CancelAsyncRun cancels an ongoing async run.
// Returns true if the run was cancelled, false if it was already terminal.
func (e *Engine) CancelAsyncRun(runID string) (bool, error) {
	e.asyncRunsMutex.Lock()
	defer e.asyncRunsMutex.Unlock()

	pCtx, exists := e.asyncRuns[runID]
	if !exists {
		return false, fmt.Errorf("run with ID '%s' not found", runID)
	}

	if pCtx.IsTerminal() {
		return false, nil
	}

	cancelFn, ok := pCtx.StateData["cancel"].(context.CancelFunc)
	if !ok {
		return false, fmt.Errorf("cannot cancel run: cancel function not found")
	}

	cancelFn()
	stage := string(pCtx.State())
	pCtx.SetCancelled(NewCancelledError(stage, nil), stage)

	if e.config.EnableEventBus && e.eventBus != nil {
		cancelEvent := eventbus.NewEvent(
			eventbus.EventQueryAsyncProcessingCancelled,
			pCtx.Query,
			"Engine.CancelAsyncRun",
			map[string]any{
				"run_id":      runID,
				"duration_ms": pCtx.GetTotalDuration().Milliseconds(),
			},
		)
		e.eventBus.Publish(context.Background(), cancelEvent)
	}

	return true, nil
}

// ListAsyncRuns returns all async run IDs and their current states.
func (e *Engine) ListAsyncRuns() map[string]string {
	e.asyncRunsMutex.RLock()
	defer e.asyncRunsMutex.RUnlock()

	result := make(map[string]string, len(e.asyncRuns))
	for id, pCtx := range e.asyncRuns {
		result[id] = string(pCtx.State())
	}

	return result
}

// CleanupCompletedRuns removes terminal runs older than the given duration.
func (e *Engine) CleanupCompletedRuns(olderThan time.Duration) int {
	e.asyncRunsMutex.Lock()
	defer e.asyncRunsMutex.Unlock()

	now := time.Now()
	count := 0

	for id, pCtx := range e.asyncRuns {
		if enteredAt, terminal := pCtx.TerminalSince(); terminal && now.Sub(enteredAt) > olderThan {
			delete(e.asyncRuns, id)
			count++
		}
	}

	return count
}
