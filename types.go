package taskweave

import (
	"time"
)

// ParamSourceType defines where a step parameter's value comes from.
type ParamSourceType string

const (
	// ParamSourceLiteral is a concrete value carried by the plan itself.
	ParamSourceLiteral ParamSourceType = "literal"

	// ParamSourcePlaceholder marks a parameter the planner left open; the
	// resolver fills it from the query text before dispatch.
	ParamSourcePlaceholder ParamSourceType = "placeholder"

	// ParamSourceDependency takes the value from a prior step's payload.
	ParamSourceDependency ParamSourceType = "dependencyOutput"

	// ParamSourceExpression computes the value from an expression over
	// prior step payloads (e.g. "$s1.count + 1").
	ParamSourceExpression ParamSourceType = "expression"
)

// ParamSource describes one parameter of a Step.
type ParamSource struct {
	Type             ParamSourceType `json:"type"`
	Value            any             `json:"value,omitempty"`
	DependencyStepID string          `json:"dependencyStepId,omitempty"`
	OutputField      string          `json:"outputField,omitempty"` // key in the dependency payload; "" or "*" means the whole payload
	Expression       string          `json:"expression,omitempty"`
}

// Literal returns a ParamSource carrying a concrete value.
func Literal(v any) ParamSource {
	return ParamSource{Type: ParamSourceLiteral, Value: v}
}

// Placeholder returns a ParamSource the resolver must fill from the query.
func Placeholder() ParamSource {
	return ParamSource{Type: ParamSourcePlaceholder}
}

// FromStep returns a ParamSource bound to a prior step's output field.
func FromStep(stepID, field string) ParamSource {
	return ParamSource{Type: ParamSourceDependency, DependencyStepID: stepID, OutputField: field}
}

// Step is one planned tool invocation. Steps are immutable during and
// after execution; only the resolver produces an updated copy with
// placeholders filled.
type Step struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description,omitempty"`
	ToolName    string                 `json:"tool_name"`
	Params      map[string]ParamSource `json:"params"`
	DependsOn   []string               `json:"depends_on,omitempty"`
}

// Clone returns a deep-enough copy of the step for the resolver to fill
// without touching the plan's copy.
func (s Step) Clone() Step {
	out := s
	out.Params = make(map[string]ParamSource, len(s.Params))
	for k, v := range s.Params {
		out.Params[k] = v
	}
	out.DependsOn = append([]string(nil), s.DependsOn...)
	return out
}

// Plan is the validated, ordered sequence of steps for one run.
// It is immutable after validation.
type Plan struct {
	Steps []Step `json:"steps"`

	index map[string]int
}

// NewPlan builds a Plan and its step index. It does not validate; the
// planner's validation gate runs before a Plan reaches the dispatcher.
func NewPlan(steps []Step) *Plan {
	p := &Plan{Steps: steps, index: make(map[string]int, len(steps))}
	for i := range steps {
		p.index[steps[i].ID] = i
	}
	return p
}

// StepIndex returns the position of a step ID in the plan.
func (p *Plan) StepIndex(id string) (int, bool) {
	if p.index == nil {
		for i := range p.Steps {
			if p.Steps[i].ID == id {
				return i, true
			}
		}
		return 0, false
	}
	i, ok := p.index[id]
	return i, ok
}

// Step returns the step with the given ID.
func (p *Plan) Step(id string) (*Step, bool) {
	i, ok := p.StepIndex(id)
	if !ok {
		return nil, false
	}
	return &p.Steps[i], true
}

// Len returns the number of steps in the plan.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Steps)
}

// OutcomeStatus tags an Outcome as success or failure.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
)

// Outcome is the result of executing one Step. The dispatcher emits
// exactly one Outcome per Step, in plan order, and never rewrites one.
type Outcome struct {
	StepID   string         `json:"step_id"`
	ToolName string         `json:"tool_name"`
	Status   OutcomeStatus  `json:"status"`
	Payload  map[string]any `json:"payload,omitempty"` // success only
	Reason   string         `json:"reason,omitempty"`  // failure only
	Retryable bool          `json:"retryable,omitempty"`
	Attempts int            `json:"attempts"`
	Duration time.Duration  `json:"duration"`
}

// Succeeded reports whether the outcome is a success.
func (o Outcome) Succeeded() bool { return o.Status == OutcomeSuccess }

// Success builds a successful Outcome for a step.
func Success(step Step, payload map[string]any) Outcome {
	return Outcome{StepID: step.ID, ToolName: step.ToolName, Status: OutcomeSuccess, Payload: payload}
}

// Failed builds a failure Outcome for a step.
func Failed(step Step, reason string, retryable bool) Outcome {
	return Outcome{StepID: step.ID, ToolName: step.ToolName, Status: OutcomeFailure, Reason: reason, Retryable: retryable}
}

// RunRecord captures everything about one query's run. It is immutable
// once the final answer is set; the evaluator attaches a Score to it
// rather than mutating it.
type RunRecord struct {
	ID          string        `json:"id"`
	Query       string        `json:"query"`
	Plan        *Plan         `json:"plan,omitempty"`
	Outcomes    []Outcome     `json:"outcomes"`
	FinalAnswer string        `json:"final_answer"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
}

// SucceededSteps counts successful outcomes in the record.
func (r *RunRecord) SucceededSteps() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			n++
		}
	}
	return n
}

// Score is the judge's 0-5 rating of a run across three dimensions.
type Score struct {
	Success     int    `json:"success"`
	PlanQuality int    `json:"plan_quality"`
	Reasoning   int    `json:"reasoning_quality"`
	Notes       string `json:"notes"`
}

// Clamp forces every dimension into the 0-5 range.
func (s *Score) Clamp() {
	s.Success = clampScore(s.Success)
	s.PlanQuality = clampScore(s.PlanQuality)
	s.Reasoning = clampScore(s.Reasoning)
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 5 {
		return 5
	}
	return v
}
