// Package learning closes the feedback loop of intent resolution: it tracks
// how well each keyword predicts an intent per factory, learns new
// paraphrases, promotes keywords that several factories rely on to the
// platform-wide intent and disables keywords that keep misleading.
package learning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/internal/locks"
	"github.com/traceforge/traceforge/assistant/internal/metrics"
	"github.com/traceforge/traceforge/assistant/internal/store"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// Defaults of the learning loop.
const (
	DefaultRate               = 0.1
	DefaultInitialWeight      = 0.5
	DefaultMinFactories       = 3
	DefaultMinEffectiveness   = 0.8
	DefaultCleanupThreshold   = 0.2
	DefaultCleanupMinNegative = 5
)

// Store is the persistence the loop needs.
type Store interface {
	store.IntentStore
	store.ExpressionStore
	store.KeywordStore
}

// CacheNotifier is told when learned vocabulary changes so the intent
// vector cache stops matching stale vectors. *intentcache.Cache satisfies it.
type CacheNotifier interface {
	ExcludeKeyword(factoryID, intentCode, keyword string)
	ExcludeExpression(id string)
	ScheduleRefresh(factoryID string)
	ScheduleRefreshIntent(factoryID, intentCode string)
}

// Loop is the keyword learning loop.
type Loop struct {
	store Store
	cache CacheNotifier

	rate               float64
	minFactories       int
	minEffectiveness   float64
	cleanupThreshold   float64
	cleanupMinNegative int
	now                func() time.Time

	records *locks.Local // per keyword record read-modify-write
	promote *locks.Local // serialises promotions
}

// Option configures a Loop.
type Option func(*Loop)

// WithCache wires the vector cache notifications.
func WithCache(c CacheNotifier) Option {
	return func(l *Loop) { l.cache = c }
}

// WithRate sets the weight update rate, clamped to (0, 1].
func WithRate(rate float64) Option {
	return func(l *Loop) {
		if rate > 0 && rate <= 1 {
			l.rate = rate
		}
	}
}

// WithPromotionPolicy sets how many factories must adopt a keyword, and with
// what mean effectiveness, before it is promoted.
func WithPromotionPolicy(minFactories int, minEffectiveness float64) Option {
	return func(l *Loop) {
		if minFactories > 0 {
			l.minFactories = minFactories
		}
		if minEffectiveness > 0 {
			l.minEffectiveness = minEffectiveness
		}
	}
}

// WithCleanupPolicy sets the defaults used by the scheduled cleanup.
func WithCleanupPolicy(threshold float64, minNegative int) Option {
	return func(l *Loop) {
		if threshold > 0 {
			l.cleanupThreshold = threshold
		}
		if minNegative > 0 {
			l.cleanupMinNegative = minNegative
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// New creates a learning loop over s.
func New(s Store, opts ...Option) *Loop {
	l := &Loop{
		store:              s,
		rate:               DefaultRate,
		minFactories:       DefaultMinFactories,
		minEffectiveness:   DefaultMinEffectiveness,
		cleanupThreshold:   DefaultCleanupThreshold,
		cleanupMinNegative: DefaultCleanupMinNegative,
		now:                time.Now,
		records:            locks.NewLocal(),
		promote:            locks.NewLocal(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// UpdateWeight applies one feedback signal to w and clamps the result to [0,1].
func UpdateWeight(w, rate float64, positive bool) float64 {
	if positive {
		w += rate * (1 - w)
	} else {
		w -= rate * w
	}
	switch {
	case w < 0:
		return 0
	case w > 1:
		return 1
	}
	return w
}

// NormalizeKeyword is the canonical form keywords are stored under.
func NormalizeKeyword(kw string) string {
	return strings.ToLower(strings.TrimSpace(kw))
}

// ── Feedback ────────────────────────────────────────────────

// RecordFeedback applies a user or system signal to every keyword involved.
// When ev.Keywords is empty the intent's known keywords found in ev.Input are
// used. A negative signal carrying the correct intent teaches the input as a
// paraphrase of that intent.
func (l *Loop) RecordFeedback(ctx context.Context, ev models.FeedbackEvent) error {
	if ev.IntentCode == "" {
		return fmt.Errorf("feedback needs an intent code")
	}
	polarity := "negative"
	if ev.Positive {
		polarity = "positive"
	}
	metrics.Feedback.WithLabelValues(polarity).Inc()

	keywords := ev.Keywords
	if len(keywords) == 0 && ev.Input != "" {
		matched, err := l.MatchedKeywords(ctx, ev.FactoryID, ev.IntentCode, ev.Input)
		if err != nil {
			return err
		}
		keywords = matched
	}

	var firstErr error
	for _, kw := range dedupe(keywords) {
		if err := l.applySignal(ctx, ev.FactoryID, ev.IntentCode, kw, ev.Positive); err != nil {
			log.Warn().Err(err).Str("factory", ev.FactoryID).Str("intent", ev.IntentCode).Str("keyword", kw).Msg("Failed to record keyword feedback")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if !ev.Positive && ev.CorrectIntent != "" && ev.CorrectIntent != ev.IntentCode && strings.TrimSpace(ev.Input) != "" {
		if _, err := l.LearnExpression(ctx, ev.FactoryID, ev.CorrectIntent, ev.Input); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecordMatchOutcome is the system-side signal: whether executing the intent
// the keywords pointed at succeeded.
func (l *Loop) RecordMatchOutcome(ctx context.Context, factoryID, intentCode string, keywords []string, success bool) error {
	if len(keywords) == 0 {
		return nil
	}
	return l.RecordFeedback(ctx, models.FeedbackEvent{
		FactoryID:  factoryID,
		IntentCode: intentCode,
		Keywords:   keywords,
		Positive:   success,
	})
}

func (l *Loop) applySignal(ctx context.Context, factoryID, intentCode, kw string, positive bool) error {
	unlock, err := l.records.Lock(ctx, recordKey(factoryID, intentCode, kw))
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := l.loadOrNew(ctx, factoryID, intentCode, kw)
	if err != nil {
		return err
	}
	if positive {
		rec.PositiveCount++
	} else {
		rec.NegativeCount++
	}
	rec.Weight = UpdateWeight(rec.Weight, l.rate, positive)
	if err := l.store.UpsertKeywordEffectiveness(ctx, rec); err != nil {
		return err
	}
	if factoryID == models.GlobalFactory {
		return nil
	}
	return l.store.UpsertAdoption(ctx, &models.KeywordFactoryAdoption{
		FactoryID:          factoryID,
		IntentCode:         intentCode,
		Keyword:            kw,
		EffectivenessScore: rec.Weight,
		Disabled:           rec.Disabled,
		DisabledReason:     rec.DisabledReason,
	})
}

func (l *Loop) loadOrNew(ctx context.Context, factoryID, intentCode, kw string) (*models.KeywordEffectiveness, error) {
	rec, err := l.store.GetKeywordEffectiveness(ctx, factoryID, intentCode, kw)
	if err == nil {
		return rec, nil
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}
	source := models.KeywordAutoLearned
	if intent, err := l.visibleIntent(ctx, factoryID, intentCode); err == nil && hasKeyword(intent.Keywords, kw) {
		source = models.KeywordManual
	}
	return &models.KeywordEffectiveness{
		FactoryID:   factoryID,
		IntentCode:  intentCode,
		Keyword:     kw,
		Source:      source,
		Weight:      DefaultInitialWeight,
		Specificity: 1,
	}, nil
}

// LearnKeyword adds kw to the factory's learned vocabulary of intentCode.
// Learning a keyword the factory already tracks is a no-op.
func (l *Loop) LearnKeyword(ctx context.Context, factoryID, intentCode, keyword string) error {
	kw := NormalizeKeyword(keyword)
	if kw == "" {
		return fmt.Errorf("empty keyword")
	}
	if _, err := l.visibleIntent(ctx, factoryID, intentCode); err != nil {
		return err
	}
	unlock, err := l.records.Lock(ctx, recordKey(factoryID, intentCode, kw))
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := l.store.GetKeywordEffectiveness(ctx, factoryID, intentCode, kw); err == nil {
		return nil
	} else if !errs.IsNotFound(err) {
		return err
	}
	rec := &models.KeywordEffectiveness{
		FactoryID:   factoryID,
		IntentCode:  intentCode,
		Keyword:     kw,
		Source:      models.KeywordAutoLearned,
		Weight:      DefaultInitialWeight,
		Specificity: 1,
	}
	if err := l.store.UpsertKeywordEffectiveness(ctx, rec); err != nil {
		return err
	}
	if factoryID != models.GlobalFactory {
		if err := l.store.UpsertAdoption(ctx, &models.KeywordFactoryAdoption{
			FactoryID:          factoryID,
			IntentCode:         intentCode,
			Keyword:            kw,
			EffectivenessScore: rec.Weight,
		}); err != nil {
			return err
		}
	}
	if l.cache != nil {
		l.cache.ScheduleRefresh(factoryID)
	}
	log.Info().Str("factory", factoryID).Str("intent", intentCode).Str("keyword", kw).Msg("Learned keyword")
	return nil
}

// LearnExpression records text as a factory paraphrase of intentCode, or
// bumps the hit count of an identical one.
func (l *Loop) LearnExpression(ctx context.Context, factoryID, intentCode, text string) (*models.LearnedExpression, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty expression")
	}
	existing, err := l.store.ListExpressions(ctx, factoryID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	for i := range existing {
		e := &existing[i]
		if e.IntentCode == intentCode && strings.EqualFold(e.Text, text) {
			e.HitCount++
			e.UpdatedAt = now
			if err := l.store.UpsertExpression(ctx, e); err != nil {
				return nil, err
			}
			return e, nil
		}
	}
	expr := &models.LearnedExpression{
		ID:         uuid.NewString(),
		FactoryID:  factoryID,
		IntentCode: intentCode,
		Text:       text,
		Status:     models.ExpressionActive,
		HitCount:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.store.UpsertExpression(ctx, expr); err != nil {
		return nil, err
	}
	if l.cache != nil {
		l.cache.ScheduleRefresh(factoryID)
	}
	log.Info().Str("factory", factoryID).Str("intent", intentCode).Str("expression", text).Msg("Learned expression")
	return expr, nil
}

// DisableExpression stops matching a learned paraphrase.
func (l *Loop) DisableExpression(ctx context.Context, id string) error {
	e, err := l.store.GetExpression(ctx, id)
	if err != nil {
		return err
	}
	if e.Status == models.ExpressionDisabled {
		return nil
	}
	e.Status = models.ExpressionDisabled
	e.UpdatedAt = l.now()
	if err := l.store.UpsertExpression(ctx, e); err != nil {
		return err
	}
	if l.cache != nil {
		l.cache.ExcludeExpression(id)
		l.cache.ScheduleRefresh(e.FactoryID)
	}
	return nil
}

// ── Keyword scoring ─────────────────────────────────────────

// MatchedKeywords returns the keywords of intentCode visible to factoryID
// (configured on the factory or global intent, or learned and not disabled)
// that occur in input.
func (l *Loop) MatchedKeywords(ctx context.Context, factoryID, intentCode, input string) ([]string, error) {
	vocab, err := l.vocabulary(ctx, factoryID, intentCode)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(input)
	var out []string
	for _, kw := range vocab {
		if strings.Contains(lower, kw) {
			out = append(out, kw)
		}
	}
	return out, nil
}

// KeywordScore combines the weights of the keywords of intentCode found in
// input as 1 - Π(1 - weight·specificity). It returns 0 when none match.
func (l *Loop) KeywordScore(ctx context.Context, factoryID, intentCode, input string) (float64, []string, error) {
	matched, err := l.MatchedKeywords(ctx, factoryID, intentCode, input)
	if err != nil || len(matched) == 0 {
		return 0, nil, err
	}
	miss := 1.0
	for _, kw := range matched {
		w, spec := DefaultInitialWeight, 1.0
		rec, err := l.store.GetKeywordEffectiveness(ctx, factoryID, intentCode, kw)
		if err != nil && factoryID != models.GlobalFactory {
			rec, err = l.store.GetKeywordEffectiveness(ctx, models.GlobalFactory, intentCode, kw)
		}
		if err == nil {
			if rec.Disabled {
				continue
			}
			w = rec.Weight
			if rec.Specificity > 0 {
				spec = rec.Specificity
			}
		}
		miss *= 1 - w*spec
	}
	return 1 - miss, matched, nil
}

func (l *Loop) vocabulary(ctx context.Context, factoryID, intentCode string) ([]string, error) {
	seen := make(map[string]struct{})
	add := func(kw string) {
		if kw = NormalizeKeyword(kw); kw != "" {
			seen[kw] = struct{}{}
		}
	}
	scopes := []string{models.GlobalFactory}
	if factoryID != models.GlobalFactory {
		scopes = append(scopes, factoryID)
	}
	for _, scope := range scopes {
		intent, err := l.store.GetIntent(ctx, scope, intentCode)
		if err == nil {
			for _, kw := range intent.Keywords {
				add(kw)
			}
		} else if !errs.IsNotFound(err) {
			return nil, err
		}
	}
	recs, err := l.store.ListKeywordEffectiveness(ctx)
	if err != nil {
		return nil, err
	}
	disabled := make(map[string]struct{})
	for _, r := range recs {
		if r.IntentCode != intentCode || (r.FactoryID != factoryID && r.FactoryID != models.GlobalFactory) {
			continue
		}
		if r.Disabled && r.FactoryID == factoryID {
			disabled[r.Keyword] = struct{}{}
			continue
		}
		add(r.Keyword)
	}
	out := make([]string, 0, len(seen))
	for kw := range seen {
		if _, off := disabled[kw]; !off {
			out = append(out, kw)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ── Helpers ─────────────────────────────────────────────────

// visibleIntent returns the factory's own definition of code, falling back to
// the global one.
func (l *Loop) visibleIntent(ctx context.Context, factoryID, code string) (*models.IntentDefinition, error) {
	if factoryID != models.GlobalFactory {
		intent, err := l.store.GetIntent(ctx, factoryID, code)
		if err == nil || !errs.IsNotFound(err) {
			return intent, err
		}
	}
	return l.store.GetIntent(ctx, models.GlobalFactory, code)
}

func recordKey(factoryID, intentCode, kw string) string {
	return factoryID + "|" + intentCode + "|" + kw
}

func hasKeyword(list []string, kw string) bool {
	for _, k := range list {
		if NormalizeKeyword(k) == kw {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, kw := range in {
		kw = NormalizeKeyword(kw)
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}
