package embeddings

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/traceforge/traceforge/assistant/pkg/contracts"
)

const healthTimeout = 5 * time.Second

// Registry holds the named embedding providers reported by /health.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]contracts.EmbeddingProvider
}

// NewRegistry creates an empty embedding registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]contracts.EmbeddingProvider),
	}
}

// Register adds a provider under the given name. Overwrites if exists.
func (r *Registry) Register(name string, p contracts.EmbeddingProvider) {
	r.mu.Lock()
	r.providers[name] = p
	r.mu.Unlock()
	log.Info().Str("name", name).Str("model", p.ModelName()).Int("dims", p.Dimensions()).Msg("Embedding provider registered")
}

// Get returns the provider by name, or error if not found.
func (r *Registry) Get(name string) (contracts.EmbeddingProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("embedding provider not found: %s", name)
	}
	return p, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthCheckAll probes every registered provider concurrently, each
// bounded by healthTimeout, and returns the outcome keyed by name.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	snapshot := make(map[string]contracts.EmbeddingProvider, len(r.providers))
	for k, v := range r.providers {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[string]error, len(snapshot))
	g, gctx := errgroup.WithContext(ctx)
	for name, p := range snapshot {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, healthTimeout)
			defer cancel()
			err := p.HealthCheck(cctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
