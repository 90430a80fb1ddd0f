package taskweave

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForState(t *testing.T, engine *Engine, runID string, state ProcessState) *AsyncRunStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err := engine.GetAsyncStatus(runID)
		require.NoError(t, err)
		if status.CurrentState == state {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached state %s", runID, state)
	return nil
}

func TestProcessAsyncLifecycle(t *testing.T) {
	planner := &mockPlanner{plan: testPlan()}
	dispatcher := &mockDispatcher{outcomes: []Outcome{
		{StepID: "s1", ToolName: "get_weather", Status: OutcomeSuccess, Attempts: 1},
	}}
	evaluator := &mockEvaluator{score: &Score{Success: 5}}
	engine := newTestEngine(t, planner, dispatcher, evaluator, &mockMetrics{})

	runID, err := engine.ProcessAsync(context.Background(), "weather in Paris")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	status := waitForState(t, engine, runID, StateComplete)
	assert.True(t, status.IsComplete)
	assert.False(t, status.HasError)

	record, score, err := engine.GetAsyncResult(runID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "answer for: weather in Paris", record.FinalAnswer)
	assert.Equal(t, 5, score.Success)

	runs := engine.ListAsyncRuns()
	assert.Equal(t, string(StateComplete), runs[runID])
}

func TestProcessAsyncResultBeforeCompletion(t *testing.T) {
	dispatcher := &mockDispatcher{delay: 500 * time.Millisecond, outcomes: []Outcome{
		{StepID: "s1", ToolName: "get_weather", Status: OutcomeSuccess, Attempts: 1},
	}}
	engine := newTestEngine(t, &mockPlanner{plan: testPlan()}, dispatcher,
		&mockEvaluator{score: &Score{}}, &mockMetrics{})

	runID, err := engine.ProcessAsync(context.Background(), "weather in Paris")
	require.NoError(t, err)

	_, _, err = engine.GetAsyncResult(runID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in progress")

	waitForState(t, engine, runID, StateComplete)
}

func TestCancelAsyncRun(t *testing.T) {
	dispatcher := &mockDispatcher{delay: 2 * time.Second, outcomes: []Outcome{
		{StepID: "s1", ToolName: "get_weather", Status: OutcomeFailure, Reason: "cancelled"},
	}}
	engine := newTestEngine(t, &mockPlanner{plan: testPlan()}, dispatcher,
		&mockEvaluator{score: &Score{}}, &mockMetrics{})

	runID, err := engine.ProcessAsync(context.Background(), "weather in Paris")
	require.NoError(t, err)

	waitForState(t, engine, runID, StateExecution)

	cancelled, err := engine.CancelAsyncRun(runID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	status, err := engine.GetAsyncStatus(runID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, status.CurrentState)

	// A second cancel is a no-op on a terminal run.
	cancelled, err = engine.CancelAsyncRun(runID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestAsyncStatusConcurrentWithRun(t *testing.T) {
	dispatcher := &mockDispatcher{delay: 100 * time.Millisecond, outcomes: []Outcome{
		{StepID: "s1", ToolName: "get_weather", Status: OutcomeSuccess, Attempts: 1},
	}}
	engine := newTestEngine(t, &mockPlanner{plan: testPlan()}, dispatcher,
		&mockEvaluator{score: &Score{Success: 5}}, &mockMetrics{})

	runID, err := engine.ProcessAsync(context.Background(), "weather in Paris")
	require.NoError(t, err)

	// Status readers poll while the run goroutine advances the machine.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				status, err := engine.GetAsyncStatus(runID)
				if err != nil {
					t.Errorf("status read failed: %v", err)
					return
				}
				engine.ListAsyncRuns()
				if status.IsComplete {
					return
				}
			}
			t.Error("run never completed")
		}()
	}
	wg.Wait()

	status, err := engine.GetAsyncStatus(runID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, status.CurrentState)
}

func TestAsyncUnknownRun(t *testing.T) {
	engine := newTestEngine(t, &mockPlanner{plan: testPlan()}, &mockDispatcher{},
		&mockEvaluator{score: &Score{}}, &mockMetrics{})

	_, err := engine.GetAsyncStatus("no-such-run")
	assert.Error(t, err)

	_, _, err = engine.GetAsyncResult("no-such-run")
	assert.Error(t, err)

	_, err = engine.CancelAsyncRun("no-such-run")
	assert.Error(t, err)
}

func TestCleanupCompletedRuns(t *testing.T) {
	planner := &mockPlanner{plan: testPlan()}
	dispatcher := &mockDispatcher{outcomes: []Outcome{
		{StepID: "s1", ToolName: "get_weather", Status: OutcomeSuccess, Attempts: 1},
	}}
	engine := newTestEngine(t, planner, dispatcher, &mockEvaluator{score: &Score{}}, &mockMetrics{})

	runID, err := engine.ProcessAsync(context.Background(), "weather in Paris")
	require.NoError(t, err)
	waitForState(t, engine, runID, StateComplete)

	// Too recent to be removed.
	assert.Equal(t, 0, engine.CleanupCompletedRuns(time.Minute))

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, engine.CleanupCompletedRuns(time.Nanosecond))
	assert.Empty(t, engine.ListAsyncRuns())
}
