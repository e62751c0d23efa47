package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// ── Category handlers ───────────────────────────────────────

// Handler executes a fully resolved intent of one category.
type Handler interface {
	Handle(ctx context.Context, req contracts.ExecutionRequest) (*contracts.ExecutionResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req contracts.ExecutionRequest) (*contracts.ExecutionResult, error)

func (f HandlerFunc) Handle(ctx context.Context, req contracts.ExecutionRequest) (*contracts.ExecutionResult, error) {
	return f(ctx, req)
}

// Registry maps intent categories to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.IntentCategory]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.IntentCategory]Handler)}
}

// DefaultRegistry sends every category to the business executor. Analysis
// and scheduling intents also get the rendered conversation, the others run
// on their parameters alone.
func DefaultRegistry(exec contracts.BusinessExecutor) *Registry {
	r := NewRegistry()
	bare := executorHandler(exec, false)
	withContext := executorHandler(exec, true)
	r.Register(models.CategoryForm, bare)
	r.Register(models.CategoryDataOp, bare)
	r.Register(models.CategorySystem, bare)
	r.Register(models.CategoryAnalysis, withContext)
	r.Register(models.CategorySchedule, withContext)
	return r
}

// Register sets the handler of category, replacing any previous one.
func (r *Registry) Register(category models.IntentCategory, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[category] = h
}

// Lookup returns the handler of category.
func (r *Registry) Lookup(category models.IntentCategory) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[category]
	return h, ok
}

func executorHandler(exec contracts.BusinessExecutor, keepContext bool) Handler {
	return HandlerFunc(func(ctx context.Context, req contracts.ExecutionRequest) (*contracts.ExecutionResult, error) {
		if exec == nil {
			return nil, fmt.Errorf("no business executor configured")
		}
		if !keepContext {
			req.Context = ""
		}
		return exec.Execute(ctx, req)
	})
}
