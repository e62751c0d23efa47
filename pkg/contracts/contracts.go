// Package contracts defines the collaborator interfaces of the assistant's
// intent resolution plane.
//
// Everything the pipeline does not own (embedding models, the reasoning
// model, business services, multi-agent orchestration, persistence of cached
// vectors, cross-instance session locks) is reached through these interfaces.
// The composition root in pkg/server picks the concrete drivers.
package contracts

import (
	"context"
	"time"

	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// ── Embedding Provider ──────────────────────────────────────

// EmbeddingProvider turns text into fixed-dimension vectors.
// Implemented by the Ollama and OpenAI-compatible drivers in internal/embeddings.
//
// Failures to reach the backing model must wrap errs.ErrProviderUnavailable
// so callers can degrade instead of failing the user's turn.
type EmbeddingProvider interface {
	// Encode embeds a single text.
	Encode(ctx context.Context, text string) ([]float64, error)

	// EncodeBatch embeds texts in order. len(result) == len(texts).
	EncodeBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions is the fixed length of every returned vector.
	Dimensions() int

	// ModelName identifies the model; a change invalidates cached vectors.
	ModelName() string

	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// ── Reasoner ────────────────────────────────────────────────

// ReasonRequest is a single prompt to the reasoning model.
type ReasonRequest struct {
	System      string        `json:"system,omitempty"`
	Prompt      string        `json:"prompt"`
	JSON        bool          `json:"json,omitempty"` // ask for a JSON object response
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Timeout     time.Duration `json:"-"`
}

// ReasonResponse is the raw text answer of the reasoning model.
type ReasonResponse struct {
	Text       string `json:"text"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
	LatencyMs  int64  `json:"latency_ms"`
}

// Reasoner is the opaque large-model collaborator used for summarisation,
// parameter extraction fallback, intent classification and training data.
type Reasoner interface {
	Complete(ctx context.Context, req ReasonRequest) (*ReasonResponse, error)
}

// ── Business Execution ──────────────────────────────────────

// ExecutionRequest is a fully resolved intent ready to run.
type ExecutionRequest struct {
	FactoryID  string                  `json:"factory_id"`
	UserID     string                  `json:"user_id"`
	SessionID  string                  `json:"session_id"`
	Intent     *models.IntentDefinition `json:"intent"`
	Parameters map[string]any          `json:"parameters"`
	Mode       models.ProcessingMode   `json:"mode"`
	Context    string                  `json:"context,omitempty"`
}

// ExecutionResult is what a business service returns.
type ExecutionResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// BusinessExecutor runs a resolved intent against the manufacturing backend
// (suppliers, batches, inspections and so on). Domain failures are returned
// as errors and surfaced to the caller verbatim.
type BusinessExecutor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// AgentOrchestrator decides whether a borderline query needs several
// cooperating agents rather than a single analysis pass.
type AgentOrchestrator interface {
	RequiresMultiAgentCollaboration(ctx context.Context, input string, features models.QueryFeatures) (bool, error)
}

// ── Vector Snapshots ────────────────────────────────────────

// VectorSnapshotStore persists computed intent vectors so a restart during
// an embedding outage can still serve the last known cache.
// Implemented in memory and on pgvector (internal/vectorstore).
type VectorSnapshotStore interface {
	Kind() string
	SaveEntries(ctx context.Context, factoryID string, entries []models.IntentVectorEntry) error
	LoadAll(ctx context.Context) ([]models.IntentVectorEntry, error)
	HealthCheck(ctx context.Context) error
}

// ── Session Locks ───────────────────────────────────────────

// SessionLocker serialises turns of one conversation session.
// Implemented by an in-process keyed mutex and by Redis (internal/locks).
type SessionLocker interface {
	// Lock blocks until the session is held or ctx ends. The returned
	// function releases the lock and is safe to call once.
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}
