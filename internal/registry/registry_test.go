package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskweave/taskweave"
)

func weatherSpec() ToolSpec {
	return ToolSpec{
		Name:        "get_weather",
		Category:    "weather",
		Description: "Get current weather for a city",
		Provider:    "weather",
		Params: []ParamSpec{
			{Name: "city", Type: "string", Required: true, Description: "City name"},
		},
	}
}

func searchSpec() ToolSpec {
	return ToolSpec{
		Name:        "tavily_search",
		Category:    "search",
		Description: "Web search",
		Provider:    "search",
		Params: []ParamSpec{
			{Name: "query", Type: "string", Required: true},
			{Name: "max_results", Type: "number", Required: false, Default: 10},
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(weatherSpec()))

	spec, ok := r.Get("get_weather")
	require.True(t, ok)
	assert.Equal(t, "weather", spec.Category)
	assert.Equal(t, []string{"city"}, spec.RequiredParams())

	_, ok = r.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(weatherSpec()))

	err := r.Register(weatherSpec())
	require.Error(t, err)
	assert.True(t, taskweave.IsCode(err, taskweave.ErrCodeConfiguration))
}

func TestRegisterEmptyNameFails(t *testing.T) {
	r := New()
	assert.Error(t, r.Register(ToolSpec{}))
}

func TestNamesSorted(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(searchSpec()))
	require.NoError(t, r.Register(weatherSpec()))

	assert.Equal(t, []string{"get_weather", "tavily_search"}, r.Names())
}

func TestByCategory(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(weatherSpec()))
	require.NoError(t, r.Register(searchSpec()))

	assert.Equal(t, []string{"get_weather"}, r.ByCategory("weather"))
	assert.Empty(t, r.ByCategory("tracker"))
}

func TestSchemas(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(searchSpec()))

	schemas := r.Schemas()
	require.Contains(t, schemas, "tavily_search")

	params, ok := schemas["tavily_search"]["parameters"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, params, "query")
	assert.Contains(t, params, "max_results")
}

func TestValidateParams(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(weatherSpec()))

	assert.NoError(t, r.ValidateParams("get_weather", map[string]any{"city": "Paris"}))

	err := r.ValidateParams("get_weather", map[string]any{})
	require.Error(t, err)
	assert.True(t, taskweave.IsCode(err, taskweave.ErrCodeMissingParameter))

	err = r.ValidateParams("get_weather", map[string]any{"city": ""})
	require.Error(t, err)
	assert.True(t, taskweave.IsCode(err, taskweave.ErrCodeMissingParameter))

	err = r.ValidateParams("unknown_tool", map[string]any{})
	require.Error(t, err)
	assert.True(t, taskweave.IsCode(err, taskweave.ErrCodeToolNotFound))
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(weatherSpec()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Get("get_weather")
			r.Names()
			r.Schemas()
		}()
	}
	wg.Wait()
}
