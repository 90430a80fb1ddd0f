package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskweave/taskweave"
	"github.com/taskweave/taskweave/internal/cache"
	"github.com/taskweave/taskweave/internal/registry"
)

type mockCompleter struct {
	response string
	err      error
	calls    int
}

func (m *mockCompleter) Complete(_ context.Context, _ string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	specs := []registry.ToolSpec{
		{
			Name: "get_weather", Category: "weather", Provider: "weather",
			Params: []registry.ParamSpec{{Name: "city", Type: "string", Required: true}},
		},
		{
			Name: "tavily_search", Category: "search", Provider: "search",
			Params: []registry.ParamSpec{
				{Name: "query", Type: "string", Required: true},
				{Name: "max_results", Type: "number", Default: 10},
			},
		},
		{
			Name: "create_issue", Category: "tracker", Provider: "tracker",
			Params: []registry.ParamSpec{
				{Name: "owner", Type: "string", Required: true},
				{Name: "repo", Type: "string", Required: true},
				{Name: "title", Type: "string", Required: true},
				{Name: "body", Type: "string"},
			},
		},
	}
	for _, spec := range specs {
		require.NoError(t, r.Register(spec))
	}
	return r
}

func TestGenerateValidPlan(t *testing.T) {
	completer := &mockCompleter{
		response: `{"steps": [{"id": "s1", "tool": "get_weather", "params": {"city": "Paris"}}]}`,
	}
	p := New(completer, testRegistry(t))

	plan, err := p.Generate(context.Background(), "weather in Paris")
	require.NoError(t, err)
	require.Equal(t, 1, plan.Len())

	step := plan.Steps[0]
	assert.Equal(t, "s1", step.ID)
	assert.Equal(t, "get_weather", step.ToolName)
	assert.Equal(t, taskweave.ParamSourceLiteral, step.Params["city"].Type)
	assert.Equal(t, "Paris", step.Params["city"].Value)
}

func TestGenerateStripsCodeFences(t *testing.T) {
	completer := &mockCompleter{
		response: "```json\n{\"steps\": [{\"id\": \"s1\", \"tool\": \"get_weather\", \"params\": {\"city\": \"Tokyo\"}}]}\n```",
	}
	p := New(completer, testRegistry(t))

	plan, err := p.Generate(context.Background(), "weather in Tokyo")
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Len())
}

func TestGenerateUnknownToolFails(t *testing.T) {
	completer := &mockCompleter{
		response: `{"steps": [{"id": "s1", "tool": "list_issues", "params": {}}]}`,
	}
	p := New(completer, testRegistry(t))

	_, err := p.Generate(context.Background(), "list open issues in octocat/hello-world")
	require.Error(t, err)
	assert.True(t, taskweave.IsCode(err, taskweave.ErrCodeInvalidPlan))
}

func TestGenerateRebindsByCategory(t *testing.T) {
	completer := &mockCompleter{
		response: `{"steps": [{"id": "s1", "tool": "search", "params": {"query": "golang"}}]}`,
	}
	p := New(completer, testRegistry(t))

	plan, err := p.Generate(context.Background(), "search for golang")
	require.NoError(t, err)
	assert.Equal(t, "tavily_search", plan.Steps[0].ToolName)
}

func TestGenerateEmptyPlanFails(t *testing.T) {
	completer := &mockCompleter{response: `{"steps": []}`}
	p := New(completer, testRegistry(t))

	_, err := p.Generate(context.Background(), "do nothing")
	require.Error(t, err)
	assert.True(t, taskweave.IsCode(err, taskweave.ErrCodeInvalidPlan))
}

func TestGenerateOversizePlanFails(t *testing.T) {
	completer := &mockCompleter{
		response: `{"steps": [
			{"id": "s1", "tool": "get_weather", "params": {"city": "Paris"}},
			{"id": "s2", "tool": "get_weather", "params": {"city": "Tokyo"}},
			{"id": "s3", "tool": "get_weather", "params": {"city": "Berlin"}}
		]}`,
	}
	p := New(completer, testRegistry(t), WithMaxSteps(2))

	_, err := p.Generate(context.Background(), "weather everywhere")
	require.Error(t, err)
	assert.True(t, taskweave.IsCode(err, taskweave.ErrCodeInvalidPlan))
}

func TestGenerateForwardDependencyFails(t *testing.T) {
	completer := &mockCompleter{
		response: `{"steps": [
			{"id": "s1", "tool": "tavily_search", "params": {"query": "bug"}, "depends_on": ["s2"]},
			{"id": "s2", "tool": "create_issue", "params": {"owner": "a", "repo": "b", "title": "t"}}
		]}`,
	}
	p := New(completer, testRegistry(t))

	_, err := p.Generate(context.Background(), "search then file")
	require.Error(t, err)
	assert.True(t, taskweave.IsCode(err, taskweave.ErrCodeInvalidPlan))
}

func TestGenerateMalformedJSONFails(t *testing.T) {
	completer := &mockCompleter{response: "I cannot help with that."}
	p := New(completer, testRegistry(t))

	_, err := p.Generate(context.Background(), "weather in Paris")
	require.Error(t, err)
	assert.True(t, taskweave.IsCode(err, taskweave.ErrCodeInvalidPlan))
}

func TestGenerateCompleterErrorFails(t *testing.T) {
	completer := &mockCompleter{err: errors.New("model unavailable")}
	p := New(completer, testRegistry(t))

	_, err := p.Generate(context.Background(), "weather in Paris")
	require.Error(t, err)
	assert.True(t, taskweave.IsCode(err, taskweave.ErrCodeInvalidPlan))
}

func TestGenerateDependencyParams(t *testing.T) {
	completer := &mockCompleter{
		response: `{"steps": [
			{"id": "s1", "tool": "tavily_search", "params": {"query": "login bug reports"}},
			{"id": "s2", "tool": "create_issue", "params": {"owner": "octocat", "repo": "hello", "title": "Login bug", "body": "$s1.output.results"}, "depends_on": ["s1"]}
		]}`,
	}
	p := New(completer, testRegistry(t))

	plan, err := p.Generate(context.Background(), "search login bugs and file an issue in octocat/hello")
	require.NoError(t, err)
	require.Equal(t, 2, plan.Len())

	body := plan.Steps[1].Params["body"]
	assert.Equal(t, taskweave.ParamSourceDependency, body.Type)
	assert.Equal(t, "s1", body.DependencyStepID)
	assert.Equal(t, "results", body.OutputField)
}

func TestGenerateMissingRequiredBecomesPlaceholder(t *testing.T) {
	completer := &mockCompleter{
		response: `{"steps": [{"id": "s1", "tool": "get_weather", "params": {}}]}`,
	}
	p := New(completer, testRegistry(t))

	plan, err := p.Generate(context.Background(), "weather in Paris")
	require.NoError(t, err)
	assert.Equal(t, taskweave.ParamSourcePlaceholder, plan.Steps[0].Params["city"].Type)
}

func TestGenerateUsesCache(t *testing.T) {
	completer := &mockCompleter{
		response: `{"steps": [{"id": "s1", "tool": "get_weather", "params": {"city": "Paris"}}]}`,
	}
	c := cache.NewInMemoryCache(time.Minute)
	defer c.Close()

	p := New(completer, testRegistry(t), WithCache(c))

	ctx := context.Background()
	_, err := p.Generate(ctx, "weather in Paris")
	require.NoError(t, err)
	_, err = p.Generate(ctx, "weather in Paris")
	require.NoError(t, err)

	assert.Equal(t, 1, completer.calls)
}

func TestLoadAndValidatePlanFile(t *testing.T) {
	content := `name: weather-check
description: canned weather lookup
steps:
  - id: s1
    tool: tavily_search
    params:
      query: best weather sites
  - id: s2
    tool: get_weather
    params:
      city: Paris
    depends_on: [s1]
`
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	plan, err := LoadAndValidatePlan(path, testRegistry(t), 8)
	require.NoError(t, err)
	require.Equal(t, 2, plan.Len())
	assert.Equal(t, []string{"s1"}, plan.Steps[1].DependsOn)
}

func TestLoadPlanFileUnknownToolFails(t *testing.T) {
	content := `steps:
  - id: s1
    tool: not_a_tool
    params: {}
`
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadAndValidatePlan(path, testRegistry(t), 8)
	require.Error(t, err)
	assert.True(t, taskweave.IsCode(err, taskweave.ErrCodeInvalidPlan))
}
