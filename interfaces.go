package taskweave

import "context"

// Completer is the narrow reasoning-service interface. Both the planner
// and the judge consume it; tests substitute a canned implementation.
type Completer interface {
	// Complete sends one prompt and returns the raw model text.
	Complete(ctx context.Context, prompt string) (string, error)
}

// Provider executes tool calls against one backing service. Implementations
// must be safe for concurrent use; any failure crossing this boundary should
// be a *ProviderError so the dispatcher can classify it.
type Provider interface {
	Invoke(ctx context.Context, tool string, params map[string]any) (map[string]any, error)
}

// Planner turns a query into a validated Plan.
type Planner interface {
	// Generate returns a plan that has already passed the validation gate,
	// or an INVALID_PLAN error. It never returns a partially valid plan.
	Generate(ctx context.Context, query string) (*Plan, error)
}

// Resolver fills placeholder parameters from the query text.
type Resolver interface {
	// Resolve returns a copy of the step with placeholders filled, or a
	// MISSING_PARAMETER error naming the first unresolvable parameter.
	Resolve(step Step, queryContext string) (Step, error)
}

// Dispatcher executes a validated plan and returns exactly one Outcome
// per step, in plan order.
type Dispatcher interface {
	Dispatch(ctx context.Context, plan *Plan, query string) []Outcome
}

// Synthesizer composes the final user-facing answer. It is pure: identical
// inputs produce byte-identical output.
type Synthesizer interface {
	Synthesize(query string, plan *Plan, outcomes []Outcome) string
}

// Evaluator scores a completed run. It must always return a well-formed
// Score (all dimensions 0-5) even when the underlying model misbehaves.
type Evaluator interface {
	Evaluate(ctx context.Context, record *RunRecord) (*Score, error)
}

// MetricsStore persists scored run records.
type MetricsStore interface {
	Append(record *RunRecord, score *Score) error
}

// Cache provides a simple mechanism for storing and retrieving generated
// plans or other artifacts.
type Cache interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, value any) error
}
