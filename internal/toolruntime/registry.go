package toolruntime

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// InvokeMeta describes the current attempt to a tool handler.
type InvokeMeta struct {
	Attempt int
}

// Handler executes a registered tool.
type Handler func(ctx context.Context, input any, meta InvokeMeta) (any, error)

// Tool is a registered tool definition.
type Tool struct {
	Name        string
	Description string
	Handler     Handler
	// Defaults sit between runtime defaults and call options.
	Defaults InvocationOptions
}

// Registry holds tools by name in registration order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds tool. Names are unique.
func (r *Registry) Register(tool Tool) error {
	if strings.TrimSpace(tool.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTool)
	}
	if tool.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidTool, tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name)
	}
	r.tools[tool.Name] = tool
	r.order = append(r.order, tool.Name)
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns tool names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
