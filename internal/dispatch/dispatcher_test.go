package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskweave/taskweave"
	"github.com/taskweave/taskweave/internal/registry"
	"github.com/taskweave/taskweave/internal/resolver"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockProvider is a scriptable in-memory provider that records call counts
// and peak concurrency.
type mockProvider struct {
	mu        sync.Mutex
	calls     map[string]int
	fail      map[string]error
	failOnce  map[string]error
	delay     time.Duration
	active    int
	maxActive int
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		calls:    make(map[string]int),
		fail:     make(map[string]error),
		failOnce: make(map[string]error),
	}
}

func (m *mockProvider) Invoke(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
	m.mu.Lock()
	m.calls[tool]++
	callNum := m.calls[tool]
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}

	m.mu.Lock()
	failErr := m.fail[tool]
	onceErr := m.failOnce[tool]
	m.mu.Unlock()

	if failErr != nil {
		return nil, failErr
	}
	if onceErr != nil && callNum == 1 {
		return nil, onceErr
	}

	return map[string]any{"tool": tool, "call": callNum}, nil
}

func (m *mockProvider) callCount(tool string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[tool]
}

func memRegistry(t *testing.T, tools ...string) *registry.Registry {
	t.Helper()
	r := registry.New()
	for _, name := range tools {
		require.NoError(t, r.Register(registry.ToolSpec{
			Name:     name,
			Category: "mem",
			Provider: "mem",
			Params: []registry.ParamSpec{
				{Name: "input", Type: "string"},
			},
		}))
	}
	return r
}

func newTestDispatcher(reg *registry.Registry, provider taskweave.Provider, options ...DispatcherOption) *Dispatcher {
	base := []DispatcherOption{
		WithMaxRetries(2),
		WithRetryDelay(5 * time.Millisecond),
		WithStepTimeout(time.Second),
	}
	return New(
		map[string]taskweave.Provider{"mem": provider},
		reg,
		resolver.New(reg),
		append(base, options...)...,
	)
}

func literalStep(id, tool string) taskweave.Step {
	return taskweave.Step{
		ID:       id,
		ToolName: tool,
		Params:   map[string]taskweave.ParamSource{"input": taskweave.Literal(id)},
	}
}

func TestDispatchAllSuccessInOrder(t *testing.T) {
	reg := memRegistry(t, "alpha", "beta", "gamma")
	provider := newMockProvider()
	d := newTestDispatcher(reg, provider)

	s3 := literalStep("s3", "gamma")
	s3.DependsOn = []string{"s1"}
	plan := taskweave.NewPlan([]taskweave.Step{
		literalStep("s1", "alpha"),
		literalStep("s2", "beta"),
		s3,
	})

	outcomes := d.Dispatch(context.Background(), plan, "run everything")
	require.Len(t, outcomes, 3)

	for i, id := range []string{"s1", "s2", "s3"} {
		assert.Equal(t, id, outcomes[i].StepID)
		assert.True(t, outcomes[i].Succeeded(), "step %s", id)
		assert.Equal(t, 1, outcomes[i].Attempts)
	}

	m := d.Metrics()
	assert.Equal(t, 3, m.StepsExecuted)
	assert.Equal(t, 3, m.StepsSucceeded)
	assert.Equal(t, 0, m.StepsFailed)
}

func TestDispatchNonRetryableSingleAttempt(t *testing.T) {
	reg := memRegistry(t, "alpha")
	provider := newMockProvider()
	provider.fail["alpha"] = &taskweave.ProviderError{Code: "422", Message: "validation rejected", Retryable: false}
	d := newTestDispatcher(reg, provider)

	plan := taskweave.NewPlan([]taskweave.Step{literalStep("s1", "alpha")})
	outcomes := d.Dispatch(context.Background(), plan, "q")

	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Succeeded())
	assert.False(t, outcomes[0].Retryable)
	assert.Equal(t, 1, outcomes[0].Attempts)
	assert.Equal(t, 1, provider.callCount("alpha"))
	assert.Contains(t, outcomes[0].Reason, "validation rejected")
}

func TestDispatchRetryableRetriedToBound(t *testing.T) {
	reg := memRegistry(t, "alpha")
	provider := newMockProvider()
	provider.fail["alpha"] = &taskweave.ProviderError{Code: "503", Message: "upstream unavailable", Retryable: true}
	d := newTestDispatcher(reg, provider)

	plan := taskweave.NewPlan([]taskweave.Step{literalStep("s1", "alpha")})
	outcomes := d.Dispatch(context.Background(), plan, "q")

	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Succeeded())
	// Once the retry bound is spent the outcome is final.
	assert.False(t, outcomes[0].Retryable)
	// First attempt plus two retries.
	assert.Equal(t, 3, outcomes[0].Attempts)
	assert.Equal(t, 3, provider.callCount("alpha"))

	m := d.Metrics()
	assert.Equal(t, 2, m.TotalRetries)
}

func TestDispatchRetryableEventualSuccess(t *testing.T) {
	reg := memRegistry(t, "alpha")
	provider := newMockProvider()
	provider.failOnce["alpha"] = &taskweave.ProviderError{Code: "429", Message: "rate limited", Retryable: true}
	d := newTestDispatcher(reg, provider)

	plan := taskweave.NewPlan([]taskweave.Step{literalStep("s1", "alpha")})
	outcomes := d.Dispatch(context.Background(), plan, "q")

	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Succeeded())
	assert.Equal(t, 2, outcomes[0].Attempts)
}

func TestDispatchDependencyFailureSkipsCall(t *testing.T) {
	reg := memRegistry(t, "alpha", "beta")
	provider := newMockProvider()
	provider.fail["alpha"] = &taskweave.ProviderError{Code: "500", Message: "boom", Retryable: false}
	d := newTestDispatcher(reg, provider)

	s2 := literalStep("s2", "beta")
	s2.DependsOn = []string{"s1"}
	plan := taskweave.NewPlan([]taskweave.Step{literalStep("s1", "alpha"), s2})

	outcomes := d.Dispatch(context.Background(), plan, "q")
	require.Len(t, outcomes, 2)

	assert.False(t, outcomes[0].Succeeded())
	assert.False(t, outcomes[1].Succeeded())
	assert.Contains(t, outcomes[1].Reason, "dependency 's1' failed")
	assert.Equal(t, 0, provider.callCount("beta"))
	assert.Equal(t, 0, outcomes[1].Attempts)
}

func TestDispatchRunDeadlineTruncates(t *testing.T) {
	reg := memRegistry(t, "alpha", "beta")
	provider := newMockProvider()
	provider.delay = 300 * time.Millisecond
	d := newTestDispatcher(reg, provider)

	s2 := literalStep("s2", "beta")
	s2.DependsOn = []string{"s1"}
	plan := taskweave.NewPlan([]taskweave.Step{literalStep("s1", "alpha"), s2})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcomes := d.Dispatch(ctx, plan, "q")
	elapsed := time.Since(start)

	require.Len(t, outcomes, 2)
	assert.False(t, outcomes[0].Succeeded())
	assert.False(t, outcomes[1].Succeeded())
	assert.False(t, outcomes[1].Retryable)
	assert.Contains(t, outcomes[1].Reason, "run deadline exceeded")
	assert.Equal(t, 0, provider.callCount("beta"))
	assert.Less(t, elapsed, time.Second)
}

func TestDispatchConcurrentWithinLevel(t *testing.T) {
	reg := memRegistry(t, "alpha", "beta", "gamma")
	provider := newMockProvider()
	provider.delay = 60 * time.Millisecond
	d := newTestDispatcher(reg, provider, WithMaxWorkers(3))

	plan := taskweave.NewPlan([]taskweave.Step{
		literalStep("s1", "alpha"),
		literalStep("s2", "beta"),
		literalStep("s3", "gamma"),
	})

	start := time.Now()
	outcomes := d.Dispatch(context.Background(), plan, "q")
	elapsed := time.Since(start)

	for _, out := range outcomes {
		assert.True(t, out.Succeeded())
	}
	assert.Less(t, elapsed, 150*time.Millisecond, "independent steps should run concurrently")

	provider.mu.Lock()
	maxActive := provider.maxActive
	provider.mu.Unlock()
	assert.Greater(t, maxActive, 1)
}

func TestDispatchMissingParameterFailsStep(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.ToolSpec{
		Name: "get_weather", Category: "weather", Provider: "mem",
		Params: []registry.ParamSpec{{Name: "city", Type: "string", Required: true}},
	}))
	provider := newMockProvider()
	d := newTestDispatcher(reg, provider)

	plan := taskweave.NewPlan([]taskweave.Step{{
		ID:       "s1",
		ToolName: "get_weather",
		Params:   map[string]taskweave.ParamSource{"city": taskweave.Placeholder()},
	}})

	outcomes := d.Dispatch(context.Background(), plan, "how is the weather")
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Succeeded())
	assert.Contains(t, outcomes[0].Reason, "city")
	assert.Equal(t, 0, provider.callCount("get_weather"))
}

func TestDispatchDependencyOutputParam(t *testing.T) {
	reg := memRegistry(t, "alpha", "beta")
	provider := newMockProvider()
	d := newTestDispatcher(reg, provider)

	s2 := taskweave.Step{
		ID:       "s2",
		ToolName: "beta",
		Params: map[string]taskweave.ParamSource{
			"input": taskweave.FromStep("s1", "tool"),
		},
		DependsOn: []string{"s1"},
	}
	plan := taskweave.NewPlan([]taskweave.Step{literalStep("s1", "alpha"), s2})

	outcomes := d.Dispatch(context.Background(), plan, "q")
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Succeeded())
	assert.True(t, outcomes[1].Succeeded())
}

func TestDispatchConcurrentRunsKeepMetricsCoherent(t *testing.T) {
	reg := memRegistry(t, "alpha", "beta")
	provider := newMockProvider()
	provider.delay = 20 * time.Millisecond
	d := newTestDispatcher(reg, provider, WithMaxWorkers(2))

	planA := taskweave.NewPlan([]taskweave.Step{literalStep("s1", "alpha"), literalStep("s2", "beta")})
	planB := taskweave.NewPlan([]taskweave.Step{literalStep("s1", "beta"), literalStep("s2", "alpha")})

	var wg sync.WaitGroup
	for _, plan := range []*taskweave.Plan{planA, planB} {
		plan := plan
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes := d.Dispatch(context.Background(), plan, "q")
			for _, out := range outcomes {
				assert.True(t, out.Succeeded())
			}
		}()
	}
	wg.Wait()

	// Whichever run finished last, the snapshot covers exactly one plan.
	m := d.Metrics()
	assert.Equal(t, 2, m.StepsExecuted)
	assert.Equal(t, 2, m.StepsSucceeded)
	assert.Equal(t, 0, m.StepsFailed)
}

func TestPartitionLevels(t *testing.T) {
	s2 := literalStep("s2", "beta")
	s2.DependsOn = []string{"s1"}
	s3 := literalStep("s3", "gamma")
	s3.DependsOn = []string{"s1", "s2"}
	plan := taskweave.NewPlan([]taskweave.Step{literalStep("s1", "alpha"), s2, s3})

	levels := partitionLevels(plan)
	require.Len(t, levels, 3)
	assert.Equal(t, []int{0}, levels[0])
	assert.Equal(t, []int{1}, levels[1])
	assert.Equal(t, []int{2}, levels[2])
}
