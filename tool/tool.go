// Package tool defines the executable tool interface tasks dispatch to,
// plus the builtin tools backing the five task types.
package tool

import (
	"context"
	"fmt"
	"sync"
)

// Tool is an executable capability a workflow task can invoke.
//
// Implementations should check ctx.Err() before expensive operations,
// validate required input parameters, and return structured output.
type Tool interface {
	// Name returns the tool's unique identifier, lowercase with
	// underscores (for example "retriever" or "rules_checker").
	Name() string

	// Call executes the tool. Input keys depend on the tool; all builtin
	// tools accept at least "prompt".
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Registry resolves tool names to implementations. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its own name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %q not registered", name)
	}
	return t, nil
}

// Names returns the registered tool names, unordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// promptFrom extracts the "prompt" input, the one key every builtin needs.
func promptFrom(input map[string]interface{}) (string, error) {
	raw, ok := input["prompt"]
	if !ok {
		return "", fmt.Errorf("prompt parameter required")
	}
	prompt, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("prompt must be a string, got %T", raw)
	}
	return prompt, nil
}
