// Package vectorstore persists intent vector snapshots so the intent cache
// can warm-start while the embedding provider is down.
// Backends: embedded (in-process) and pgvector (user-provided PostgreSQL).
package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// DefaultMaxVectors is the default cap for the embedded store (50K).
const DefaultMaxVectors = 50_000

// EmbeddedStore keeps snapshots in process memory. Suitable for development
// and tests; it does not survive a restart.
type EmbeddedStore struct {
	mu         sync.RWMutex
	byFactory  map[string][]models.IntentVectorEntry
	maxVectors int
}

// EmbeddedOption configures the embedded store.
type EmbeddedOption func(*EmbeddedStore)

// WithMaxVectors sets the maximum number of vectors (default 50K).
func WithMaxVectors(max int) EmbeddedOption {
	return func(s *EmbeddedStore) { s.maxVectors = max }
}

// NewEmbeddedStore creates an in-memory snapshot store.
func NewEmbeddedStore(opts ...EmbeddedOption) *EmbeddedStore {
	s := &EmbeddedStore{
		byFactory:  make(map[string][]models.IntentVectorEntry),
		maxVectors: DefaultMaxVectors,
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Info().Int("max_vectors", s.maxVectors).Msg("Embedded vector snapshot store initialized")
	return s
}

func (s *EmbeddedStore) Kind() string { return "embedded" }

// SaveEntries replaces the factory's snapshot wholesale.
func (s *EmbeddedStore) SaveEntries(_ context.Context, factoryID string, entries []models.IntentVectorEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(entries)
	for f, e := range s.byFactory {
		if f != factoryID {
			total += len(e)
		}
	}
	if total > s.maxVectors {
		return fmt.Errorf("embedded vector store capacity exceeded: %d > %d", total, s.maxVectors)
	}

	cp := make([]models.IntentVectorEntry, len(entries))
	for i, e := range entries {
		e.Vector = append([]float64(nil), e.Vector...)
		cp[i] = e
	}
	s.byFactory[factoryID] = cp
	return nil
}

// LoadAll returns every stored entry, ordered by factory.
func (s *EmbeddedStore) LoadAll(_ context.Context) ([]models.IntentVectorEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	factories := make([]string, 0, len(s.byFactory))
	for f := range s.byFactory {
		factories = append(factories, f)
	}
	sort.Strings(factories)

	var out []models.IntentVectorEntry
	for _, f := range factories {
		out = append(out, s.byFactory[f]...)
	}
	return out, nil
}

func (s *EmbeddedStore) HealthCheck(_ context.Context) error { return nil }
