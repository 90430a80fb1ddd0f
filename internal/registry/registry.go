// Package registry holds the static capability catalog of invokable tools.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/taskweave/taskweave"
)

// ParamSpec describes one parameter a tool accepts.
type ParamSpec struct {
	Name        string
	Type        string // "string", "number", "boolean", "object"
	Required    bool
	Description string
	Default     any
}

// ToolSpec describes one registered tool: its provider binding, parameter
// contract and prompt-facing metadata.
type ToolSpec struct {
	Name        string
	Category    string // e.g. "weather", "search", "tracker"
	Description string
	Params      []ParamSpec
	Provider    string // name of the provider that serves this tool
}

// Param returns the parameter spec with the given name.
func (t ToolSpec) Param(name string) (ParamSpec, bool) {
	for _, p := range t.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// RequiredParams returns the names of all required parameters, in spec order.
func (t ToolSpec) RequiredParams() []string {
	var names []string
	for _, p := range t.Params {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}

// Schema returns the tool's prompt-facing schema map.
func (t ToolSpec) Schema() map[string]any {
	params := make(map[string]any, len(t.Params))
	for _, p := range t.Params {
		entry := map[string]any{
			"type":     p.Type,
			"required": p.Required,
		}
		if p.Description != "" {
			entry["description"] = p.Description
		}
		if p.Default != nil {
			entry["default"] = p.Default
		}
		params[p.Name] = entry
	}
	return map[string]any{
		"description": t.Description,
		"category":    t.Category,
		"parameters":  params,
	}
}

// Registry is a concurrency-safe catalog of tool specs.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ToolSpec
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]ToolSpec)}
}

// Register adds a tool spec. Registering the same name twice is an error.
func (r *Registry) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return taskweave.NewConfigurationError("tool name cannot be empty", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[spec.Name]; exists {
		return taskweave.NewConfigurationError(fmt.Sprintf("tool with name '%s' already exists", spec.Name), nil)
	}

	r.tools[spec.Name] = spec
	return nil
}

// Get returns the spec for a tool name.
func (r *Registry) Get(name string) (ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.tools[name]
	return spec, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByCategory returns the names of tools in the given category, sorted.
func (r *Registry) ByCategory(category string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, spec := range r.tools {
		if spec.Category == category {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Schemas returns the prompt-facing schema of every registered tool.
func (r *Registry) Schemas() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make(map[string]map[string]any, len(r.tools))
	for name, spec := range r.tools {
		schemas[name] = spec.Schema()
	}
	return schemas
}

// ValidateParams checks materialized parameters against the tool's spec:
// every required parameter must be present and non-nil.
func (r *Registry) ValidateParams(toolName string, params map[string]any) error {
	spec, ok := r.Get(toolName)
	if !ok {
		return taskweave.NewToolNotFoundError("execution", toolName)
	}

	for _, p := range spec.Params {
		if !p.Required {
			continue
		}
		v, present := params[p.Name]
		if !present || v == nil {
			return taskweave.NewMissingParameterError("execution", toolName, p.Name)
		}
		if s, isString := v.(string); isString && s == "" {
			return taskweave.NewMissingParameterError("execution", toolName, p.Name)
		}
	}

	return nil
}
