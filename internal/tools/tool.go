// Package tools defines the agent-callable tool surface: a registry the
// agent loop draws definitions from, and the Discord actions the agent may
// take while composing a reply.
package tools

import (
	"context"
	"log/slog"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// Tool is one agent-callable action.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns a JSON Schema object describing the arguments.
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds the registered tools and their provider-facing
// definitions. Registration order is preserved so definitions reach the
// model in a stable order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// ProviderDefs returns the chat-completion tool definitions for every
// registered tool.
func (r *Registry) ProviderDefs() []openai.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]openai.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs the named tool. Unknown names come back as tool errors, not
// Go errors, so the model sees what went wrong and can correct itself.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult("unknown tool: " + name)
	}
	result := t.Execute(ctx, args)
	if result == nil {
		return ErrorResult("tool returned no result: " + name)
	}
	if result.IsError {
		slog.Warn("tool failed", "tool", name, "result", result.ForLLM)
	} else {
		slog.Debug("tool executed", "tool", name)
	}
	return result
}
