// Package dispatch executes validated plans against tool providers with
// level-bounded concurrency and per-step failure isolation.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/taskweave/taskweave"
	"github.com/taskweave/taskweave/internal/eventbus"
	"github.com/taskweave/taskweave/internal/registry"
)

// Dispatcher runs plans level by level: steps whose dependencies are all
// satisfied run concurrently on a bounded worker pool, and the level
// barrier is the only synchronization between steps.
type Dispatcher struct {
	providers   map[string]taskweave.Provider
	registry    *registry.Registry
	resolver    taskweave.Resolver
	maxWorkers  int
	maxRetries  int
	retryDelay  time.Duration
	stepTimeout time.Duration
	eventBus    eventbus.EventBus

	metricsMu   sync.Mutex
	lastMetrics DispatchMetrics
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxWorkers bounds per-level concurrency.
func WithMaxWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxWorkers = n
	}
}

// WithMaxRetries sets the number of repeat attempts for retryable failures.
func WithMaxRetries(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxRetries = n
	}
}

// WithRetryDelay sets the initial backoff between attempts.
func WithRetryDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.retryDelay = delay
	}
}

// WithStepTimeout bounds each individual provider call.
func WithStepTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.stepTimeout = timeout
	}
}

// WithEventBus attaches an event bus for step lifecycle events.
func WithEventBus(bus eventbus.EventBus) DispatcherOption {
	return func(d *Dispatcher) {
		d.eventBus = bus
	}
}

// New creates a Dispatcher. Providers are keyed by the provider name tool
// specs bind to.
func New(providers map[string]taskweave.Provider, reg *registry.Registry, res taskweave.Resolver, options ...DispatcherOption) *Dispatcher {
	cfg := taskweave.DefaultConfig()
	d := &Dispatcher{
		providers:   providers,
		registry:    reg,
		resolver:    res,
		maxWorkers:  cfg.MaxConcurrentSteps,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		stepTimeout: cfg.StepTimeout,
	}

	for _, option := range options {
		option(d)
	}

	if len(d.providers) == 0 {
		log.Println("Warning: dispatcher initialized with no providers")
	}

	return d
}

// Dispatch implements taskweave.Dispatcher. It always returns exactly one
// Outcome per plan step, in plan order, regardless of failures or the run
// deadline.
func (d *Dispatcher) Dispatch(ctx context.Context, plan *taskweave.Plan, query string) []taskweave.Outcome {
	outcomes := make([]taskweave.Outcome, plan.Len())
	if plan.Len() == 0 {
		return outcomes
	}

	m := newDispatchMetrics()
	startTime := time.Now()
	log.Printf("Starting dispatch (total_steps: %d)", plan.Len())

	// results and failures are only written between level barriers; step
	// goroutines read them and write disjoint outcome slots.
	results := make(map[string]map[string]any, plan.Len())
	failures := make(map[string]string, plan.Len())

	for _, level := range partitionLevels(plan) {
		if ctx.Err() != nil {
			// Run deadline fired: everything not yet started is recorded
			// as a non-retryable timeout failure and control returns so
			// synthesis can still run.
			for _, idx := range level {
				step := plan.Steps[idx]
				out := taskweave.Failed(step, "run deadline exceeded before step started", false)
				outcomes[idx] = out
				failures[step.ID] = out.Reason
				m.record(out)
			}
			continue
		}

		workerPool := pool.New().WithMaxGoroutines(d.maxWorkers)
		for _, idx := range level {
			idx := idx
			step := plan.Steps[idx]
			workerPool.Go(func() {
				outcomes[idx] = d.executeStep(ctx, step, query, results, failures)
			})
		}
		workerPool.Wait()

		for _, idx := range level {
			out := outcomes[idx]
			if out.Succeeded() {
				results[out.StepID] = out.Payload
			} else {
				failures[out.StepID] = out.Reason
			}
			m.record(out)
		}
	}

	d.storeMetrics(m)
	log.Printf("Dispatch finished (total_steps: %d, succeeded: %d, failed: %d, retries: %d, duration: %v)",
		plan.Len(), m.StepsSucceeded, m.StepsFailed, m.TotalRetries, time.Since(startTime))

	return outcomes
}

// partitionLevels groups step indices by dependency depth. Dependencies
// always point at earlier steps, so a single forward pass suffices.
func partitionLevels(plan *taskweave.Plan) [][]int {
	depth := make(map[string]int, plan.Len())
	var levels [][]int

	for i, step := range plan.Steps {
		level := 0
		for _, dep := range step.DependsOn {
			if dl, ok := depth[dep]; ok && dl+1 > level {
				level = dl + 1
			}
		}
		depth[step.ID] = level

		for len(levels) <= level {
			levels = append(levels, nil)
		}
		levels[level] = append(levels[level], i)
	}

	return levels
}

// executeStep runs one step end to end: dependency check, parameter
// resolution, provider invocation with retry. It never panics the level
// and always returns a final Outcome.
func (d *Dispatcher) executeStep(ctx context.Context, step taskweave.Step, query string, results map[string]map[string]any, failures map[string]string) taskweave.Outcome {
	start := time.Now()

	finish := func(out taskweave.Outcome) taskweave.Outcome {
		out.Duration = time.Since(start)
		d.publishStepEvent(ctx, step, out)
		return out
	}

	if d.eventBus != nil {
		d.eventBus.Publish(ctx, eventbus.NewEvent(
			eventbus.EventStepExecutionStarted,
			step.ID,
			"Dispatcher",
			map[string]any{"tool": step.ToolName},
		))
	}

	// A failed dependency fails the step without a provider call.
	for _, dep := range step.DependsOn {
		if reason, failed := failures[dep]; failed {
			return finish(taskweave.Failed(step, fmt.Sprintf("dependency '%s' failed: %s", dep, reason), false))
		}
	}

	resolved, err := d.resolver.Resolve(step, query)
	if err != nil {
		return finish(taskweave.Failed(step, err.Error(), false))
	}

	params, err := d.materializeParams(resolved, results)
	if err != nil {
		return finish(taskweave.Failed(step, err.Error(), false))
	}

	if err := d.registry.ValidateParams(step.ToolName, params); err != nil {
		return finish(taskweave.Failed(step, err.Error(), false))
	}

	spec, ok := d.registry.Get(step.ToolName)
	if !ok {
		return finish(taskweave.Failed(step, fmt.Sprintf("tool '%s' not found", step.ToolName), false))
	}
	provider, ok := d.providers[spec.Provider]
	if !ok {
		return finish(taskweave.Failed(step, fmt.Sprintf("no provider registered for '%s'", spec.Provider), false))
	}

	out := d.invokeWithRetry(ctx, step, provider, params)
	return finish(out)
}

// invokeWithRetry calls the provider, retrying retryable failures up to the
// bound with doubling backoff. Non-retryable failures get exactly one attempt.
func (d *Dispatcher) invokeWithRetry(ctx context.Context, step taskweave.Step, provider taskweave.Provider, params map[string]any) taskweave.Outcome {
	attempts := 0
	delay := d.retryDelay

	for {
		if ctx.Err() != nil {
			out := taskweave.Failed(step, "run deadline exceeded", false)
			out.Attempts = attempts
			return out
		}

		attempts++

		callCtx, cancel := context.WithTimeout(ctx, d.stepTimeout)
		payload, err := provider.Invoke(callCtx, step.ToolName, params)
		callTimedOut := callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if err == nil {
			out := taskweave.Success(step, payload)
			out.Attempts = attempts
			return out
		}

		retryable := taskweave.IsRetryable(err)
		reason := err.Error()
		if callTimedOut {
			// A single slow call is transient; the run deadline is not.
			retryable = true
			reason = fmt.Sprintf("provider call timed out after %v", d.stepTimeout)
		}

		if !retryable || attempts > d.maxRetries {
			// No further attempt will be made, so the recorded outcome
			// is final even when the underlying failure was transient.
			out := taskweave.Failed(step, reason, false)
			out.Attempts = attempts
			return out
		}

		log.Printf("Step execution failed, retrying (step_id: %s, tool: %s, error: %v, attempt: %d, max_retries: %d)",
			step.ID, step.ToolName, err, attempts, d.maxRetries)

		if d.eventBus != nil {
			d.eventBus.Publish(ctx, eventbus.NewEvent(
				eventbus.EventStepExecutionRetry,
				step.ID,
				"Dispatcher",
				map[string]any{"attempt": attempts, "error": reason},
			))
		}

		select {
		case <-ctx.Done():
			out := taskweave.Failed(step, "run deadline exceeded while waiting to retry", false)
			out.Attempts = attempts
			return out
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// materializeParams converts each ParamSource into a concrete value using
// the payloads of completed dependency steps.
func (d *Dispatcher) materializeParams(step taskweave.Step, results map[string]map[string]any) (map[string]any, error) {
	params := make(map[string]any, len(step.Params))

	for name, src := range step.Params {
		switch src.Type {
		case taskweave.ParamSourceLiteral:
			params[name] = src.Value

		case taskweave.ParamSourcePlaceholder:
			// The resolver fills placeholders; one surviving to this
			// point means the parameter was optional and unresolvable.
			continue

		case taskweave.ParamSourceDependency:
			value, err := resolveDependencyOutput(step.ID, name, src, results)
			if err != nil {
				return nil, err
			}
			params[name] = value

		case taskweave.ParamSourceExpression:
			value, err := evaluateExpression(src.Expression, results)
			if err != nil {
				return nil, taskweave.NewInternalError("execution",
					fmt.Sprintf("failed to evaluate expression for parameter '%s' of step '%s'", name, step.ID), err)
			}
			params[name] = value

		default:
			return nil, taskweave.NewInternalError("execution",
				fmt.Sprintf("unknown parameter source type '%s' for parameter '%s' of step '%s'", src.Type, name, step.ID), nil)
		}
	}

	return params, nil
}

// resolveDependencyOutput extracts a value from a completed dependency's
// payload. An empty or "*" field selects the whole payload.
func resolveDependencyOutput(stepID, param string, src taskweave.ParamSource, results map[string]map[string]any) (any, error) {
	payload, ok := results[src.DependencyStepID]
	if !ok {
		return nil, taskweave.NewInternalError("execution",
			fmt.Sprintf("step '%s' parameter '%s' references step '%s' which has no result", stepID, param, src.DependencyStepID), nil)
	}

	if src.OutputField == "" || src.OutputField == "*" {
		return payload, nil
	}

	value, exists := payload[src.OutputField]
	if !exists {
		return nil, taskweave.NewInternalError("execution",
			fmt.Sprintf("output field '%s' not found in result of step '%s'", src.OutputField, src.DependencyStepID), nil)
	}
	return value, nil
}

// publishStepEvent emits the terminal event for a step outcome.
func (d *Dispatcher) publishStepEvent(ctx context.Context, step taskweave.Step, out taskweave.Outcome) {
	if d.eventBus == nil {
		return
	}

	eventType := eventbus.EventStepExecutionSuccess
	metadata := map[string]any{
		"tool":     step.ToolName,
		"attempts": out.Attempts,
	}
	if !out.Succeeded() {
		eventType = eventbus.EventStepExecutionFailure
		metadata["reason"] = out.Reason
	}

	d.eventBus.Publish(ctx, eventbus.NewEvent(eventType, step.ID, "Dispatcher", metadata))
}
