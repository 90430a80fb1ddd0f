package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskweave/taskweave"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "runs", "metrics.jsonl"))
	require.NoError(t, err)
	return store
}

func testRecord(id, query string) *taskweave.RunRecord {
	plan := taskweave.NewPlan([]taskweave.Step{
		{ID: "s1", ToolName: "get_weather", Params: map[string]taskweave.ParamSource{
			"city": taskweave.Literal("Paris"),
		}},
	})
	return &taskweave.RunRecord{
		ID:    id,
		Query: query,
		Plan:  plan,
		Outcomes: []taskweave.Outcome{
			{StepID: "s1", ToolName: "get_weather", Status: taskweave.OutcomeSuccess,
				Payload: map[string]any{"temperature": 21.5}, Attempts: 1},
		},
		FinalAnswer: "21.5 degrees",
		Duration:    1200 * time.Millisecond,
		Timestamp:   time.Now().UTC(),
	}
}

func TestAppendAndReadAll(t *testing.T) {
	store := testStore(t)
	score := &taskweave.Score{Success: 5, PlanQuality: 4, Reasoning: 5, Notes: "good"}

	require.NoError(t, store.Append(testRecord("run-1", "weather in Paris"), score))
	require.NoError(t, store.Append(testRecord("run-2", "weather in Tokyo"), score))

	entries, err := store.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "run-1", entries[0].RunID)
	assert.Equal(t, "weather", entries[0].GoalType)
	assert.Equal(t, int64(1200), entries[0].DurationMS)
	assert.True(t, entries[0].Completed)
	require.NotNil(t, entries[0].Score)
	assert.Equal(t, 5, entries[0].Score.Success)
	require.Len(t, entries[0].Plan, 1)
	assert.Equal(t, "get_weather", entries[0].Plan[0].Tool)
	assert.Equal(t, "Paris", entries[0].Plan[0].Params["city"])
	require.Len(t, entries[0].Outcomes, 1)
	assert.Contains(t, entries[0].Outcomes[0].Payload, "temperature")
}

func TestAppendFailedRunWithoutPlan(t *testing.T) {
	store := testStore(t)
	record := &taskweave.RunRecord{
		ID:          "run-bad",
		Query:       "do something impossible",
		FinalAnswer: "No executable plan could be produced for this request, so no tools were invoked.",
		Duration:    50 * time.Millisecond,
		Timestamp:   time.Now().UTC(),
	}
	score := &taskweave.Score{Success: 0, PlanQuality: 0, Reasoning: 0, Notes: "no plan"}

	require.NoError(t, store.Append(record, score))

	entries, err := store.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Completed)
	assert.Empty(t, entries[0].Plan)
	assert.Empty(t, entries[0].Outcomes)
	assert.Equal(t, 0, entries[0].Score.Success)
}

func TestAppendTruncatesOversizedPayloads(t *testing.T) {
	store := testStore(t)
	record := testRecord("run-big", "weather in Paris")
	record.Outcomes[0].Payload = map[string]any{"blob": strings.Repeat("x", 10000)}

	require.NoError(t, store.Append(record, nil))

	entries, err := store.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.LessOrEqual(t, len(entries[0].Outcomes[0].Payload), maxPersistedValue+3)
	assert.True(t, strings.HasSuffix(entries[0].Outcomes[0].Payload, "..."))
}

func TestReadAllSkipsPartialTrailingLine(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Append(testRecord("run-1", "weather in Paris"), nil))

	f, err := os.OpenFile(store.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"timestamp":"2026-08-25T10:00:00Z","run_id":"run-trunc`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := store.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-1", entries[0].RunID)
}

func TestReadAllMissingFile(t *testing.T) {
	store := testStore(t)

	entries, err := store.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrentAppends(t *testing.T) {
	store := testStore(t)

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			record := testRecord("run-c", "weather in Paris")
			assert.NoError(t, store.Append(record, nil))
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	entries, err := store.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}

func TestInferGoalType(t *testing.T) {
	tracker := taskweave.NewPlan([]taskweave.Step{{ID: "s1", ToolName: "create_issue"}})
	assert.Equal(t, "tracker", InferGoalType(&taskweave.RunRecord{Plan: tracker}))

	search := taskweave.NewPlan([]taskweave.Step{{ID: "s1", ToolName: "tavily_search"}})
	assert.Equal(t, "search", InferGoalType(&taskweave.RunRecord{Plan: search}))

	assert.Equal(t, "weather", InferGoalType(&taskweave.RunRecord{Query: "what's the temperature in Oslo"}))
	assert.Equal(t, "other", InferGoalType(&taskweave.RunRecord{Query: "hello"}))
}

func TestComputeStats(t *testing.T) {
	store := testStore(t)

	for i := 0; i < 5; i++ {
		record := testRecord("run-low", "weather in Paris")
		require.NoError(t, store.Append(record, &taskweave.Score{Success: 1, PlanQuality: 2, Reasoning: 1}))
	}
	for i := 0; i < 5; i++ {
		record := testRecord("run-high", "weather in Paris")
		require.NoError(t, store.Append(record, &taskweave.Score{Success: 5, PlanQuality: 4, Reasoning: 5}))
	}

	stats, err := store.ComputeStats(0)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.TotalRuns)
	assert.InDelta(t, 3.0, stats.AvgSuccess, 0.01)
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.01)
	assert.Equal(t, "improving", stats.Trend)
	require.Contains(t, stats.ByGoalType, "weather")
	assert.Equal(t, 10, stats.ByGoalType["weather"].Runs)

	recent, err := store.ComputeStats(5)
	require.NoError(t, err)
	assert.Equal(t, 5, recent.TotalRuns)
	assert.InDelta(t, 5.0, recent.AvgSuccess, 0.01)
	assert.Equal(t, "stable", recent.Trend)
}

func TestStatsFormat(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Append(testRecord("run-1", "weather in Paris"),
		&taskweave.Score{Success: 4, PlanQuality: 4, Reasoning: 4}))

	stats, err := store.ComputeStats(0)
	require.NoError(t, err)
	out := stats.Format()
	assert.Contains(t, out, "Runs: 1")
	assert.Contains(t, out, "success 4.0")
	assert.Contains(t, out, "weather")

	empty := (&Stats{}).Format()
	assert.Contains(t, empty, "No runs recorded yet")
}
