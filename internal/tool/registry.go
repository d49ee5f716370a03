package tool

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"alfred/internal/domain"
)

// Registry holds the tools bound for one run and dispatches typed inputs to
// them by kind.
type Registry struct {
	mu     sync.RWMutex
	tools  map[domain.ToolKind]domain.Tool
	logger *slog.Logger
}

var _ domain.Dispatcher = (*Registry)(nil)

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[domain.ToolKind]domain.Tool),
		logger: logger,
	}
}

// Register adds t, replacing any tool already registered for the same kind.
func (r *Registry) Register(t domain.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Kind()] = t
	r.logger.Debug("registered tool", "tool", t.Kind())
}

func (r *Registry) Get(kind domain.ToolKind) domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[kind]
}

// Dispatch executes the tool matching input's kind.
func (r *Registry) Dispatch(ctx context.Context, input domain.ToolInput) (any, error) {
	if input == nil {
		return nil, fmt.Errorf("%w: nil input", domain.ErrToolNotRegistered)
	}
	t := r.Get(input.Kind())
	if t == nil {
		return nil, fmt.Errorf("%w: %s (available: %v)", domain.ErrToolNotRegistered, input.Kind(), r.Kinds())
	}
	return t.Execute(ctx, input)
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []domain.ToolKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]domain.ToolKind, 0, len(r.tools))
	for k := range r.tools {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
