package learning

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/internal/store"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

type fakeCache struct {
	mu        sync.Mutex
	excluded  []string
	exprs     []string
	refreshed []string
	intents   []string
}

func (c *fakeCache) ExcludeKeyword(factoryID, intentCode, keyword string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.excluded = append(c.excluded, factoryID+"|"+intentCode+"|"+keyword)
}

func (c *fakeCache) ExcludeExpression(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exprs = append(c.exprs, id)
}

func (c *fakeCache) ScheduleRefresh(factoryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshed = append(c.refreshed, factoryID)
}

func (c *fakeCache) ScheduleRefreshIntent(factoryID, intentCode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intents = append(c.intents, factoryID+"|"+intentCode)
}

func newLoop(t *testing.T) (*Loop, *store.MemoryStore, *fakeCache) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	for _, it := range []*models.IntentDefinition{
		{Code: "QUERY_BATCH", Name: "批次查询", Category: models.CategoryDataOp, Keywords: []string{"批次"}, Active: true},
		{Code: "SUPPLIER_RATING", Name: "供应商评分", Category: models.CategoryAnalysis, Keywords: []string{"供应商"}, Active: true},
	} {
		require.NoError(t, s.UpsertIntent(ctx, it))
	}
	c := &fakeCache{}
	return New(s, WithCache(c)), s, c
}

func adopt(t *testing.T, s *store.MemoryStore, intent, kw string, scores map[string]float64) {
	t.Helper()
	for f, score := range scores {
		require.NoError(t, s.UpsertAdoption(context.Background(), &models.KeywordFactoryAdoption{
			FactoryID: f, IntentCode: intent, Keyword: kw, EffectivenessScore: score,
		}))
		require.NoError(t, s.UpsertKeywordEffectiveness(context.Background(), &models.KeywordEffectiveness{
			FactoryID: f, IntentCode: intent, Keyword: kw, Source: models.KeywordAutoLearned, Weight: score, Specificity: 1,
		}))
	}
}

// ─── Weights / feedback ──────────────────────────────────────

func TestUpdateWeight(t *testing.T) {
	tests := []struct {
		w, rate  float64
		positive bool
		want     float64
	}{
		{0.5, 0.1, true, 0.55},
		{0.5, 0.1, false, 0.45},
		{1, 0.1, true, 1},
		{0, 0.1, false, 0},
		{0.2, 1, true, 1},
		{0.2, 1, false, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, UpdateWeight(tt.w, tt.rate, tt.positive), 1e-12)
	}

	w := 0.5
	for i := 0; i < 200; i++ {
		next := UpdateWeight(w, 0.1, true)
		require.GreaterOrEqual(t, next, w)
		require.LessOrEqual(t, next, 1.0)
		w = next
	}
}

func TestRecordFeedbackUpdatesRecordAndAdoption(t *testing.T) {
	l, s, _ := newLoop(t)
	ctx := context.Background()

	require.NoError(t, l.RecordFeedback(ctx, models.FeedbackEvent{FactoryID: "F1", IntentCode: "QUERY_BATCH", Keywords: []string{" 追溯 "}, Positive: true}))
	rec, err := s.GetKeywordEffectiveness(ctx, "F1", "QUERY_BATCH", "追溯")
	require.NoError(t, err)
	assert.Equal(t, models.KeywordAutoLearned, rec.Source)
	assert.InDelta(t, 0.55, rec.Weight, 1e-12)
	assert.Equal(t, 1, rec.PositiveCount)

	require.NoError(t, l.RecordFeedback(ctx, models.FeedbackEvent{FactoryID: "F1", IntentCode: "QUERY_BATCH", Keywords: []string{"追溯"}, Positive: false}))
	rec, err = s.GetKeywordEffectiveness(ctx, "F1", "QUERY_BATCH", "追溯")
	require.NoError(t, err)
	assert.InDelta(t, 0.495, rec.Weight, 1e-12)
	assert.Equal(t, 1, rec.NegativeCount)

	adoptions, err := s.ListAdoptions(ctx, "QUERY_BATCH", "追溯")
	require.NoError(t, err)
	require.Len(t, adoptions, 1)
	assert.InDelta(t, 0.495, adoptions[0].EffectivenessScore, 1e-12)
}

func TestRecordFeedbackMatchesConfiguredKeywords(t *testing.T) {
	l, s, _ := newLoop(t)
	ctx := context.Background()

	require.NoError(t, l.RecordFeedback(ctx, models.FeedbackEvent{FactoryID: "F1", IntentCode: "QUERY_BATCH", Input: "查询批次B1的状态", Positive: true}))
	rec, err := s.GetKeywordEffectiveness(ctx, "F1", "QUERY_BATCH", "批次")
	require.NoError(t, err)
	assert.Equal(t, models.KeywordManual, rec.Source)

	assert.Error(t, l.RecordFeedback(ctx, models.FeedbackEvent{FactoryID: "F1"}))
}

func TestCorrectionLearnsExpression(t *testing.T) {
	l, s, c := newLoop(t)
	ctx := context.Background()
	ev := models.FeedbackEvent{FactoryID: "F1", IntentCode: "QUERY_BATCH", Input: "这家靠谱吗", CorrectIntent: "SUPPLIER_RATING"}

	require.NoError(t, l.RecordFeedback(ctx, ev))
	require.NoError(t, l.RecordFeedback(ctx, ev))

	exprs, err := s.ListExpressions(ctx, "F1")
	require.NoError(t, err)
	require.Len(t, exprs, 1)
	assert.Equal(t, "SUPPLIER_RATING", exprs[0].IntentCode)
	assert.Equal(t, models.ExpressionActive, exprs[0].Status)
	assert.Equal(t, 2, exprs[0].HitCount)
	assert.Equal(t, []string{"F1"}, c.refreshed)

	require.NoError(t, l.DisableExpression(ctx, exprs[0].ID))
	got, err := s.GetExpression(ctx, exprs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExpressionDisabled, got.Status)
	assert.Equal(t, []string{exprs[0].ID}, c.exprs)
}

func TestLearnKeyword(t *testing.T) {
	l, s, c := newLoop(t)
	ctx := context.Background()

	require.NoError(t, l.LearnKeyword(ctx, "F1", "QUERY_BATCH", "Lot"))
	require.NoError(t, l.LearnKeyword(ctx, "F1", "QUERY_BATCH", "lot "))
	rec, err := s.GetKeywordEffectiveness(ctx, "F1", "QUERY_BATCH", "lot")
	require.NoError(t, err)
	assert.Equal(t, DefaultInitialWeight, rec.Weight)
	assert.Equal(t, []string{"F1"}, c.refreshed)

	err = l.LearnKeyword(ctx, "F1", "NOPE", "x")
	assert.ErrorIs(t, err, errs.ErrConfigNotFound)
}

func TestKeywordScore(t *testing.T) {
	l, s, _ := newLoop(t)
	ctx := context.Background()
	require.NoError(t, l.LearnKeyword(ctx, "F1", "QUERY_BATCH", "追溯"))
	require.NoError(t, s.UpsertKeywordEffectiveness(ctx, &models.KeywordEffectiveness{
		FactoryID: "F1", IntentCode: "QUERY_BATCH", Keyword: "去向", Weight: 0.9, Disabled: true,
	}))

	score, matched, err := l.KeywordScore(ctx, "F1", "QUERY_BATCH", "追溯批次去向")
	require.NoError(t, err)
	assert.Equal(t, []string{"批次", "追溯"}, matched)
	assert.InDelta(t, 0.75, score, 1e-12)

	score, matched, err = l.KeywordScore(ctx, "F1", "SUPPLIER_RATING", "追溯批次")
	require.NoError(t, err)
	assert.Empty(t, matched)
	assert.Zero(t, score)
}

// ─── Promotion ───────────────────────────────────────────────

func TestCheckPromotionEligibility(t *testing.T) {
	l, s, _ := newLoop(t)
	ctx := context.Background()
	adopt(t, s, "QUERY_BATCH", "追溯", map[string]float64{"F1": 0.9, "F2": 0.85, "F3": 0.95})
	require.NoError(t, s.UpsertAdoption(ctx, &models.KeywordFactoryAdoption{
		FactoryID: "F4", IntentCode: "QUERY_BATCH", Keyword: "追溯", EffectivenessScore: 0.1, Disabled: true,
	}))

	ok, err := l.CheckPromotionEligibility(ctx, "QUERY_BATCH", "追溯", 3, 0.8)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.CheckPromotionEligibility(ctx, "QUERY_BATCH", "追溯", 4, 0.8)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.CheckPromotionEligibility(ctx, "QUERY_BATCH", "追溯", 3, 0.95)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.CheckPromotionEligibility(ctx, "QUERY_BATCH", "unknown", 1, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPromoteToGlobalIsIdempotent(t *testing.T) {
	l, s, c := newLoop(t)
	ctx := context.Background()
	adopt(t, s, "QUERY_BATCH", "追溯", map[string]float64{"F1": 0.9, "F2": 0.85, "F3": 0.95})

	res, err := l.PromoteToGlobal(ctx, "QUERY_BATCH", "追溯")
	require.NoError(t, err)
	assert.Equal(t, models.PromotionPromoted, res.Outcome)
	assert.Equal(t, 3, res.Factories)
	assert.InDelta(t, 0.9, res.MeanScore, 1e-9)

	intent, err := s.GetIntent(ctx, "", "QUERY_BATCH")
	require.NoError(t, err)
	assert.Equal(t, []string{"批次", "追溯"}, intent.Keywords)
	assert.Equal(t, 2, intent.Version)

	global, err := s.GetKeywordEffectiveness(ctx, "", "QUERY_BATCH", "追溯")
	require.NoError(t, err)
	assert.Equal(t, models.KeywordPromoted, global.Source)

	for _, f := range []string{"F1", "F2", "F3"} {
		rec, err := s.GetKeywordEffectiveness(ctx, f, "QUERY_BATCH", "追溯")
		require.NoError(t, err)
		assert.True(t, rec.Promoted, f)
	}
	assert.ElementsMatch(t, []string{"F1|QUERY_BATCH|追溯", "F2|QUERY_BATCH|追溯", "F3|QUERY_BATCH|追溯"}, c.excluded)
	assert.Equal(t, []string{"|QUERY_BATCH"}, c.intents)

	res, err = l.PromoteToGlobal(ctx, "QUERY_BATCH", "追溯")
	require.NoError(t, err)
	assert.Equal(t, models.PromotionAlreadyPromoted, res.Outcome)
	intent, err = s.GetIntent(ctx, "", "QUERY_BATCH")
	require.NoError(t, err)
	assert.Equal(t, []string{"批次", "追溯"}, intent.Keywords)
	assert.Equal(t, 2, intent.Version)
}

func TestPromoteConflictingKeyword(t *testing.T) {
	l, s, _ := newLoop(t)
	ctx := context.Background()
	adopt(t, s, "SUPPLIER_RATING", "批次", map[string]float64{"F1": 0.9, "F2": 0.9, "F3": 0.9})

	res, err := l.PromoteToGlobal(ctx, "SUPPLIER_RATING", "批次")
	assert.Equal(t, models.PromotionConflict, res.Outcome)
	var conflict *errs.PromotionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "QUERY_BATCH", conflict.OwnerIntent)

	intent, err := s.GetIntent(ctx, "", "SUPPLIER_RATING")
	require.NoError(t, err)
	assert.Equal(t, []string{"供应商"}, intent.Keywords)
}

func TestPromoteWithoutGlobalIntent(t *testing.T) {
	l, _, _ := newLoop(t)
	res, err := l.PromoteToGlobal(context.Background(), "CUSTOM_REPORT", "月报")
	require.NoError(t, err)
	assert.Equal(t, models.PromotionNotEligible, res.Outcome)
}

func TestRunPromotionCheck(t *testing.T) {
	l, s, _ := newLoop(t)
	ctx := context.Background()
	high := map[string]float64{"F1": 0.9, "F2": 0.85, "F3": 0.95}
	adopt(t, s, "QUERY_BATCH", "trace", high)
	adopt(t, s, "SUPPLIER_RATING", "trace", high)
	adopt(t, s, "SUPPLIER_RATING", "评分", map[string]float64{"F1": 0.99})

	report, err := l.RunPromotionCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, 2, report.Skipped)
	assert.Zero(t, report.Failed)
	require.Len(t, report.Results, 2)
	assert.Equal(t, models.PromotionResult{
		IntentCode: "QUERY_BATCH", Keyword: "trace", Outcome: models.PromotionPromoted, Factories: 3, MeanScore: report.Results[0].MeanScore,
	}, report.Results[0])
	assert.Equal(t, models.PromotionConflict, report.Results[1].Outcome)
	assert.Equal(t, "SUPPLIER_RATING", report.Results[1].IntentCode)

	// a second sweep changes nothing
	report, err = l.RunPromotionCheck(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Promoted)
	assert.Equal(t, models.PromotionAlreadyPromoted, report.Results[0].Outcome)
}

// ─── Specificity / cleanup ───────────────────────────────────

func TestRecalculateAllSpecificity(t *testing.T) {
	l, s, _ := newLoop(t)
	ctx := context.Background()
	require.NoError(t, l.LearnKeyword(ctx, "F1", "QUERY_BATCH", "批次"))
	require.NoError(t, l.LearnKeyword(ctx, "F1", "SUPPLIER_RATING", "批次"))
	require.NoError(t, l.LearnKeyword(ctx, "F2", "QUERY_BATCH", "追溯"))

	changed, err := l.RecalculateAllSpecificity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	for _, code := range []string{"QUERY_BATCH", "SUPPLIER_RATING"} {
		rec, err := s.GetKeywordEffectiveness(ctx, "F1", code, "批次")
		require.NoError(t, err)
		assert.InDelta(t, 0.5, rec.Specificity, 1e-12, code)
	}
	rec, err := s.GetKeywordEffectiveness(ctx, "F2", "QUERY_BATCH", "追溯")
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Specificity)

	changed, err = l.RecalculateAllSpecificity(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestCleanupDisablesOnlyProvenLosers(t *testing.T) {
	l, s, c := newLoop(t)
	ctx := context.Background()
	for kw, rec := range map[string]models.KeywordEffectiveness{
		"loser":  {Weight: 0.1, NegativeCount: 6},
		"newbie": {Weight: 0.1, NegativeCount: 2},
		"good":   {Weight: 0.6, NegativeCount: 10},
	} {
		rec.FactoryID, rec.IntentCode, rec.Keyword, rec.Source = "F1", "QUERY_BATCH", kw, models.KeywordAutoLearned
		require.NoError(t, s.UpsertKeywordEffectiveness(ctx, &rec))
	}

	n, err := l.CleanupLowEffectivenessKeywords(ctx, 0.2, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	loser, err := s.GetKeywordEffectiveness(ctx, "F1", "QUERY_BATCH", "loser")
	require.NoError(t, err)
	assert.True(t, loser.Disabled)
	assert.NotEmpty(t, loser.DisabledReason)
	assert.Equal(t, []string{"F1|QUERY_BATCH|loser"}, c.excluded)

	adoptions, err := s.ListAdoptions(ctx, "QUERY_BATCH", "loser")
	require.NoError(t, err)
	require.Len(t, adoptions, 1)
	assert.True(t, adoptions[0].Disabled)

	for _, kw := range []string{"newbie", "good"} {
		rec, err := s.GetKeywordEffectiveness(ctx, "F1", "QUERY_BATCH", kw)
		require.NoError(t, err)
		assert.False(t, rec.Disabled, kw)
	}

	n, err = l.CleanupLowEffectivenessKeywords(ctx, 0.2, 5)
	require.NoError(t, err)
	assert.Zero(t, n)
}
