package synthesis

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskweave/taskweave"
)

func weatherPlan() *taskweave.Plan {
	return taskweave.NewPlan([]taskweave.Step{
		{ID: "s1", ToolName: "get_weather", Params: map[string]taskweave.ParamSource{
			"city": taskweave.Literal("Paris"),
		}},
	})
}

func TestSynthesizeSuccess(t *testing.T) {
	s := New()
	outcomes := []taskweave.Outcome{
		{StepID: "s1", ToolName: "get_weather", Status: taskweave.OutcomeSuccess,
			Payload: map[string]any{"temperature": 21.5, "city": "Paris"}},
	}

	answer := s.Synthesize("weather in Paris", weatherPlan(), outcomes)

	assert.Contains(t, answer, "weather in Paris")
	assert.Contains(t, answer, "s1 (get_weather)")
	assert.Contains(t, answer, "temperature: 21.5")
	assert.NotContains(t, answer, "Failed steps")
}

func TestSynthesizeStableKeyOrder(t *testing.T) {
	s := New()
	outcomes := []taskweave.Outcome{
		{StepID: "s1", ToolName: "get_weather", Status: taskweave.OutcomeSuccess,
			Payload: map[string]any{"windspeed": 12.0, "city": "Paris", "temperature": 21.5}},
	}

	answer := s.Synthesize("q", weatherPlan(), outcomes)

	cityIdx := strings.Index(answer, "city:")
	tempIdx := strings.Index(answer, "temperature:")
	windIdx := strings.Index(answer, "windspeed:")
	require.True(t, cityIdx >= 0 && tempIdx >= 0 && windIdx >= 0)
	assert.Less(t, cityIdx, tempIdx)
	assert.Less(t, tempIdx, windIdx)
}

func TestSynthesizeIdempotent(t *testing.T) {
	s := New()
	plan := weatherPlan()
	outcomes := []taskweave.Outcome{
		{StepID: "s1", ToolName: "get_weather", Status: taskweave.OutcomeSuccess,
			Payload: map[string]any{
				"report": map[string]any{"high": 25, "low": 14},
				"tags":   []any{"sunny", "mild"},
			}},
	}

	first := s.Synthesize("weather in Paris", plan, outcomes)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.Synthesize("weather in Paris", plan, outcomes))
	}
}

func TestSynthesizeEnumeratesFailures(t *testing.T) {
	s := New()
	plan := taskweave.NewPlan([]taskweave.Step{
		{ID: "s1", ToolName: "tavily_search"},
		{ID: "s2", ToolName: "create_issue"},
	})
	outcomes := []taskweave.Outcome{
		{StepID: "s1", ToolName: "tavily_search", Status: taskweave.OutcomeSuccess,
			Payload: map[string]any{"results": []any{"hit"}}},
		{StepID: "s2", ToolName: "create_issue", Status: taskweave.OutcomeFailure,
			Reason: "provider error [422]: validation rejected"},
	}

	answer := s.Synthesize("search and file an issue", plan, outcomes)

	assert.Contains(t, answer, "Results:")
	assert.Contains(t, answer, "Failed steps:")
	assert.Contains(t, answer, "s2 (create_issue): provider error [422]: validation rejected")
}

func TestSynthesizeAllFailed(t *testing.T) {
	s := New()
	outcomes := []taskweave.Outcome{
		{StepID: "s1", ToolName: "get_weather", Status: taskweave.OutcomeFailure, Reason: "timeout"},
	}

	answer := s.Synthesize("weather in Paris", weatherPlan(), outcomes)

	assert.Contains(t, answer, "All 1 step(s) failed")
	assert.Contains(t, answer, "s1 (get_weather): timeout")
	assert.NotContains(t, answer, "Results:")
}

func TestSynthesizeNilPlan(t *testing.T) {
	s := New()

	answer := s.Synthesize("do something impossible", nil, nil)

	assert.Contains(t, answer, "No executable plan")
}
