package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/traceforge/traceforge/assistant/internal/errs"
)

func TestUnavailableWrapsSentinel(t *testing.T) {
	err := errs.Unavailable("ollama", errors.New("connection refused"))
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "ollama")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestNotFoundIntentMatchesConfigNotFound(t *testing.T) {
	err := fmt.Errorf("lookup: %w", &errs.NotFound{Entity: "intent", Key: "BATCH_QUERY"})
	assert.ErrorIs(t, err, errs.ErrConfigNotFound)
	assert.True(t, errs.IsNotFound(err))

	other := &errs.NotFound{Entity: "session", Key: "s1"}
	assert.False(t, errors.Is(other, errs.ErrConfigNotFound))
	assert.Equal(t, "session not found: s1", other.Error())
}

func TestAmbiguousSlotUnwraps(t *testing.T) {
	err := &errs.AmbiguousSlot{Slot: "quantity", Reason: "validation failed"}
	assert.ErrorIs(t, err, errs.ErrExtractionAmbiguous)
}

func TestPromotionConflictAs(t *testing.T) {
	var err error = &errs.PromotionConflictError{Keyword: "溯源", IntentCode: "TRACE_BATCH", OwnerIntent: "QUERY_BATCH"}
	var pc *errs.PromotionConflictError
	if assert.ErrorAs(t, fmt.Errorf("wrap: %w", err), &pc) {
		assert.Equal(t, "QUERY_BATCH", pc.OwnerIntent)
	}
}
