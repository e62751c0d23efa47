// Package store provides the persistence interface of the assistant and its
// implementations: an in-memory store with JSON snapshot persistence for
// local development and tests, and a SQLite store for single-node deployments.
//
// Every record is soft-deleted (flag or status), never physically removed.
package store

import (
	"context"

	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// Store is the primary storage interface of the assistant.
// All components depend on this interface (or one of its parts), making it
// easy to swap between in-memory (tests) and SQLite (production) backends.
type Store interface {
	IntentStore
	ExpressionStore
	SessionStore
	PendingStore
	RuleStore
	KeywordStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound = errs.NotFound

// ── Intent Store ────────────────────────────────────────────

type IntentStore interface {
	// ListIntents returns every intent in one scope; "" is the global scope.
	ListIntents(ctx context.Context, factoryID string) ([]models.IntentDefinition, error)
	ListAllIntents(ctx context.Context) ([]models.IntentDefinition, error)
	GetIntent(ctx context.Context, factoryID, code string) (*models.IntentDefinition, error)
	// UpsertIntent stores the intent, bumping Version and UpdatedAt.
	UpsertIntent(ctx context.Context, intent *models.IntentDefinition) error
	// ListFactories returns the non-global factory ids that own intents or expressions.
	ListFactories(ctx context.Context) ([]string, error)
}

// ── Learned Expression Store ────────────────────────────────

type ExpressionStore interface {
	ListExpressions(ctx context.Context, factoryID string) ([]models.LearnedExpression, error)
	GetExpression(ctx context.Context, id string) (*models.LearnedExpression, error)
	UpsertExpression(ctx context.Context, expr *models.LearnedExpression) error
}

// ── Session Store ───────────────────────────────────────────

// SessionStore keeps conversation sessions. Cleared or expired sessions stay
// with Deleted set.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.ConversationSession, error)
	SaveSession(ctx context.Context, session *models.ConversationSession) error
	ListLiveSessions(ctx context.Context) ([]models.ConversationSession, error)
}

// ── Pending Collection Store ────────────────────────────────

type PendingStore interface {
	GetPending(ctx context.Context, sessionID string) (*models.PendingCollection, error)
	SavePending(ctx context.Context, p *models.PendingCollection) error
}

// ── Extraction Rule Store ───────────────────────────────────

type RuleStore interface {
	ListExtractionRules(ctx context.Context, factoryID, intentCode string) ([]models.ExtractionRule, error)
	UpsertExtractionRule(ctx context.Context, rule *models.ExtractionRule) error
}

// ── Keyword Store ───────────────────────────────────────────

type KeywordStore interface {
	GetKeywordEffectiveness(ctx context.Context, factoryID, intentCode, keyword string) (*models.KeywordEffectiveness, error)
	UpsertKeywordEffectiveness(ctx context.Context, k *models.KeywordEffectiveness) error
	ListKeywordEffectiveness(ctx context.Context) ([]models.KeywordEffectiveness, error)

	UpsertAdoption(ctx context.Context, a *models.KeywordFactoryAdoption) error
	ListAdoptions(ctx context.Context, intentCode, keyword string) ([]models.KeywordFactoryAdoption, error)
	ListAllAdoptions(ctx context.Context) ([]models.KeywordFactoryAdoption, error)
}

// ── Key helpers ─────────────────────────────────────────────

func scopedKey(factoryID, code string) string {
	return factoryID + ":" + code
}

func keywordKey(factoryID, intentCode, keyword string) string {
	return factoryID + ":" + intentCode + ":" + keyword
}
