// Package planner turns free-form queries into validated execution plans.
package planner

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/taskweave/taskweave"
	"github.com/taskweave/taskweave/internal/registry"
)

// planDocument is the JSON shape the model is asked to produce.
type planDocument struct {
	Steps []planStep `json:"steps"`
}

type planStep struct {
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params"`
	DependsOn   []string       `json:"depends_on,omitempty"`
}

// LLMPlanner generates plans by consulting a reasoning service and running
// every candidate through the validation gate before release.
type LLMPlanner struct {
	completer taskweave.Completer
	registry  *registry.Registry
	cache     taskweave.Cache
	maxSteps  int
}

// PlannerOption configures an LLMPlanner.
type PlannerOption func(*LLMPlanner)

// WithCache attaches a plan cache.
func WithCache(cache taskweave.Cache) PlannerOption {
	return func(p *LLMPlanner) {
		p.cache = cache
	}
}

// WithMaxSteps overrides the plan size bound.
func WithMaxSteps(max int) PlannerOption {
	return func(p *LLMPlanner) {
		p.maxSteps = max
	}
}

// New creates an LLMPlanner.
func New(completer taskweave.Completer, reg *registry.Registry, options ...PlannerOption) *LLMPlanner {
	p := &LLMPlanner{
		completer: completer,
		registry:  reg,
		maxSteps:  taskweave.DefaultConfig().MaxPlanSteps,
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// Generate implements taskweave.Planner.
func (p *LLMPlanner) Generate(ctx context.Context, query string) (*taskweave.Plan, error) {
	schemas := p.registry.Schemas()

	cacheKey := p.generateCacheKey(query, schemas)
	if p.cache != nil {
		if cached, err := p.cache.Get(ctx, cacheKey); err == nil {
			if plan, ok := cached.(*taskweave.Plan); ok {
				// Re-index in case the cached plan crossed a serialization boundary.
				return taskweave.NewPlan(plan.Steps), nil
			}
		}
	}

	prompt, err := buildPrompt(query, schemas)
	if err != nil {
		return nil, taskweave.NewInvalidPlanError("failed to build planner prompt", err)
	}

	raw, err := p.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, taskweave.NewInvalidPlanError("plan generation failed", err)
	}

	var doc planDocument
	if err := json.Unmarshal([]byte(sanitizeJSON(raw)), &doc); err != nil {
		return nil, taskweave.NewInvalidPlanError("plan is not valid JSON", err)
	}

	plan, err := buildPlan(doc.Steps, p.registry, p.maxSteps)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, cacheKey, plan); err != nil {
			log.Printf("Failed to cache plan: %v", err)
		}
	}

	return plan, nil
}

// buildPlan converts raw plan steps into a validated Plan. It is shared by
// the model path and the plan file loader.
func buildPlan(raw []planStep, reg *registry.Registry, maxSteps int) (*taskweave.Plan, error) {
	if len(raw) == 0 {
		return nil, taskweave.NewInvalidPlanError("plan contains no steps", nil)
	}
	if len(raw) > maxSteps {
		return nil, taskweave.NewInvalidPlanError(
			fmt.Sprintf("plan has %d steps, maximum is %d", len(raw), maxSteps), nil)
	}

	steps := make([]taskweave.Step, 0, len(raw))
	for i, rs := range raw {
		id := rs.ID
		if id == "" {
			id = fmt.Sprintf("s%d", i+1)
		}

		toolName, err := bindTool(rs.Tool, reg)
		if err != nil {
			return nil, err
		}

		spec, _ := reg.Get(toolName)
		params := make(map[string]taskweave.ParamSource, len(rs.Params))
		for name, value := range rs.Params {
			params[name] = toParamSource(value)
		}
		// Required parameters the model left out become placeholders for
		// the resolver to fill from the query.
		for _, name := range spec.RequiredParams() {
			if _, present := params[name]; !present {
				params[name] = taskweave.Placeholder()
			}
		}

		steps = append(steps, taskweave.Step{
			ID:          id,
			Description: rs.Description,
			ToolName:    toolName,
			Params:      params,
			DependsOn:   rs.DependsOn,
		})
	}

	plan := taskweave.NewPlan(steps)
	if err := Validate(plan, reg, maxSteps); err != nil {
		return nil, err
	}
	return plan, nil
}

// Validate is the hard gate every plan passes before dispatch: non-empty,
// bounded size, registered tools only, unique IDs, dependencies on earlier
// steps only, no cycles.
func Validate(plan *taskweave.Plan, reg *registry.Registry, maxSteps int) error {
	if plan.Len() == 0 {
		return taskweave.NewInvalidPlanError("plan contains no steps", nil)
	}
	if plan.Len() > maxSteps {
		return taskweave.NewInvalidPlanError(
			fmt.Sprintf("plan has %d steps, maximum is %d", plan.Len(), maxSteps), nil)
	}

	seen := make(map[string]int, plan.Len())
	for i, step := range plan.Steps {
		if step.ID == "" {
			return taskweave.NewInvalidPlanError(fmt.Sprintf("step %d has no ID", i), nil)
		}
		if prev, dup := seen[step.ID]; dup {
			return taskweave.NewInvalidPlanError(
				fmt.Sprintf("duplicate step ID '%s' (steps %d and %d)", step.ID, prev, i), nil)
		}
		seen[step.ID] = i

		if _, ok := reg.Get(step.ToolName); !ok {
			return taskweave.NewInvalidPlanError(
				fmt.Sprintf("step '%s' uses unregistered tool '%s'", step.ID, step.ToolName), nil)
		}
	}

	for i, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			depIdx, ok := seen[dep]
			if !ok {
				return taskweave.NewInvalidPlanError(
					fmt.Sprintf("step '%s' depends on unknown step '%s'", step.ID, dep), nil)
			}
			if depIdx >= i {
				return taskweave.NewInvalidPlanError(
					fmt.Sprintf("step '%s' depends on later step '%s'", step.ID, dep), nil)
			}
		}
		for name, src := range step.Params {
			if src.Type != taskweave.ParamSourceDependency {
				continue
			}
			depIdx, ok := seen[src.DependencyStepID]
			if !ok {
				return taskweave.NewInvalidPlanError(
					fmt.Sprintf("step '%s' param '%s' references unknown step '%s'", step.ID, name, src.DependencyStepID), nil)
			}
			if depIdx >= i {
				return taskweave.NewInvalidPlanError(
					fmt.Sprintf("step '%s' param '%s' references later step '%s'", step.ID, name, src.DependencyStepID), nil)
			}
		}
	}

	if cycleAt := findCycle(plan); cycleAt != "" {
		return taskweave.NewInvalidPlanError(
			fmt.Sprintf("cycle detected in plan at step '%s'", cycleAt), nil)
	}

	return nil
}

// findCycle runs a DFS over the dependency edges and returns the ID of a
// step on a cycle, or "".
func findCycle(plan *taskweave.Plan) string {
	visited := make(map[string]bool, plan.Len())
	stack := make(map[string]bool, plan.Len())

	var hasCycle func(id string) bool
	hasCycle = func(id string) bool {
		if stack[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		stack[id] = true
		if step, ok := plan.Step(id); ok {
			for _, dep := range step.DependsOn {
				if hasCycle(dep) {
					return true
				}
			}
		}
		stack[id] = false
		return false
	}

	for _, step := range plan.Steps {
		if hasCycle(step.ID) {
			return step.ID
		}
	}
	return ""
}

// bindTool maps a model-chosen tool name onto a registered tool: exact
// name first, then case-insensitive name, then a unique category match.
func bindTool(name string, reg *registry.Registry) (string, error) {
	if name == "" {
		return "", taskweave.NewInvalidPlanError("step has no tool name", nil)
	}

	if _, ok := reg.Get(name); ok {
		return name, nil
	}

	lower := strings.ToLower(name)
	for _, candidate := range reg.Names() {
		if strings.ToLower(candidate) == lower {
			return candidate, nil
		}
	}

	if matches := reg.ByCategory(lower); len(matches) == 1 {
		return matches[0], nil
	}

	return "", taskweave.NewInvalidPlanError(fmt.Sprintf("unknown tool '%s'", name), nil)
}

// toParamSource converts a raw plan parameter value to a ParamSource.
// Strings of the form "$step.output" or "$step.output.field" reference a
// dependency payload; "${...}" is an expression; anything else is literal.
func toParamSource(value any) taskweave.ParamSource {
	s, ok := value.(string)
	if !ok {
		return taskweave.Literal(value)
	}

	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return taskweave.ParamSource{
			Type:       taskweave.ParamSourceExpression,
			Expression: strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}"),
		}
	}

	if strings.HasPrefix(s, "$") {
		parts := strings.Split(strings.TrimPrefix(s, "$"), ".")
		if len(parts) >= 2 && parts[1] == "output" {
			field := ""
			if len(parts) > 2 {
				field = strings.Join(parts[2:], ".")
			}
			return taskweave.FromStep(parts[0], field)
		}
	}

	return taskweave.Literal(value)
}

// sanitizeJSON strips markdown code fences the model may wrap around its output.
func sanitizeJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

// generateCacheKey creates a stable key for caching generated plans.
func (p *LLMPlanner) generateCacheKey(query string, schemas map[string]map[string]any) string {
	cacheable := struct {
		Query   string                    `json:"query"`
		Schemas map[string]map[string]any `json:"schemas"`
	}{
		Query:   query,
		Schemas: schemas,
	}

	inputBytes, err := json.Marshal(cacheable)
	if err != nil {
		log.Printf("Failed to marshal planner input for cache key: %v", err)
		return "planner:" + query
	}

	hasher := sha1.New()
	hasher.Write(inputBytes)
	return "planner:" + hex.EncodeToString(hasher.Sum(nil))
}

// buildPrompt renders the planning prompt with the registry's tool schemas.
func buildPrompt(query string, schemas map[string]map[string]any) (string, error) {
	schemaJSON, err := json.MarshalIndent(schemas, "", "  ")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("You are a planning assistant. Convert the user request into a JSON execution plan.\n\n")
	b.WriteString("Available tools:\n")
	b.Write(schemaJSON)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- Use only the tools listed above, by their exact names.\n")
	b.WriteString("- One tool invocation per step.\n")
	b.WriteString("- Prefer the most specific tool that satisfies the request.\n")
	b.WriteString("- A step may reference an earlier step's result with \"$<step_id>.output\" or \"$<step_id>.output.<field>\".\n")
	b.WriteString("- List a step's prerequisites in its \"depends_on\" array; dependencies must appear earlier in the plan.\n")
	b.WriteString("- Omit parameters you cannot determine from the request; do not invent values.\n")
	b.WriteString("- Respond with JSON only, no prose and no code fences.\n\n")
	b.WriteString("Response format:\n")
	b.WriteString(`{"steps": [{"id": "s1", "tool": "get_weather", "params": {"city": "Paris"}, "depends_on": []}]}`)
	b.WriteString("\n\nUser request: ")
	b.WriteString(query)
	return b.String(), nil
}
