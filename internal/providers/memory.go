package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskweave/taskweave"
)

// Call records one invocation seen by a MemoryProvider.
type Call struct {
	Tool   string
	Params map[string]any
}

// MemoryProvider serves scripted responses from memory. It backs startup
// boot checks and tests that must not reach the network.
type MemoryProvider struct {
	mu        sync.Mutex
	responses map[string]map[string]any
	errs      map[string]error
	calls     []Call
}

// NewMemoryProvider creates an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		responses: make(map[string]map[string]any),
		errs:      make(map[string]error),
	}
}

// Script sets the payload returned for a tool.
func (p *MemoryProvider) Script(tool string, payload map[string]any) *MemoryProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[tool] = payload
	return p
}

// ScriptError sets the error returned for a tool.
func (p *MemoryProvider) ScriptError(tool string, err error) *MemoryProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[tool] = err
	return p
}

// Calls returns a copy of every invocation seen so far.
func (p *MemoryProvider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Invoke implements taskweave.Provider.
func (p *MemoryProvider) Invoke(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	copied := make(map[string]any, len(params))
	for k, v := range params {
		copied[k] = v
	}
	p.calls = append(p.calls, Call{Tool: tool, Params: copied})

	if err, ok := p.errs[tool]; ok {
		return nil, err
	}
	if payload, ok := p.responses[tool]; ok {
		return payload, nil
	}
	return nil, &taskweave.ProviderError{
		Code: "BAD_TOOL", Message: fmt.Sprintf("no scripted response for tool '%s'", tool), Retryable: false,
	}
}
