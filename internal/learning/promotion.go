package learning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/internal/metrics"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// promotions of every intent share one lock: a conflict check reads all
// global intents.
const promotionLockKey = "global"

// ── Promotion ───────────────────────────────────────────────

// CheckPromotionEligibility is true iff keyword has non-disabled adoptions
// for intentCode in at least minFactories distinct factories and their mean
// effectiveness is at least minEffectiveness.
func (l *Loop) CheckPromotionEligibility(ctx context.Context, intentCode, keyword string, minFactories int, minEffectiveness float64) (bool, error) {
	ok, _, _, err := l.eligibility(ctx, intentCode, NormalizeKeyword(keyword), minFactories, minEffectiveness)
	return ok, err
}

func (l *Loop) eligibility(ctx context.Context, intentCode, kw string, minFactories int, minEffectiveness float64) (bool, int, float64, error) {
	adoptions, err := l.store.ListAdoptions(ctx, intentCode, kw)
	if err != nil {
		return false, 0, 0, err
	}
	factories := make(map[string]struct{})
	var sum float64
	var n int
	for _, a := range adoptions {
		if a.Disabled || a.FactoryID == models.GlobalFactory {
			continue
		}
		factories[a.FactoryID] = struct{}{}
		sum += a.EffectivenessScore
		n++
	}
	if n == 0 {
		return false, 0, 0, nil
	}
	mean := sum / float64(n)
	return len(factories) >= minFactories && mean >= minEffectiveness, len(factories), mean, nil
}

// RunPromotionCheck promotes every eligible (intent, keyword) pair. Pairs are
// visited in a stable order and each is judged on its own.
func (l *Loop) RunPromotionCheck(ctx context.Context) (*models.PromotionReport, error) {
	start := l.now()
	adoptions, err := l.store.ListAllAdoptions(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[models.KeywordKey]struct{})
	var keys []models.KeywordKey
	for _, a := range adoptions {
		if a.FactoryID == models.GlobalFactory {
			continue
		}
		k := models.KeywordKey{IntentCode: a.IntentCode, Keyword: a.Keyword}
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].IntentCode != keys[j].IntentCode {
			return keys[i].IntentCode < keys[j].IntentCode
		}
		return keys[i].Keyword < keys[j].Keyword
	})

	report := &models.PromotionReport{}
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		ok, _, _, err := l.eligibility(ctx, k.IntentCode, k.Keyword, l.minFactories, l.minEffectiveness)
		if err != nil {
			report.Failed++
			report.Results = append(report.Results, models.PromotionResult{
				IntentCode: k.IntentCode, Keyword: k.Keyword, Outcome: models.PromotionFailed, Reason: err.Error(),
			})
			continue
		}
		if !ok {
			report.Skipped++
			continue
		}
		res, err := l.PromoteToGlobal(ctx, k.IntentCode, k.Keyword)
		switch res.Outcome {
		case models.PromotionPromoted:
			report.Promoted++
		case models.PromotionFailed:
			report.Failed++
			log.Warn().Err(err).Str("intent", k.IntentCode).Str("keyword", k.Keyword).Msg("Keyword promotion failed")
		default:
			report.Skipped++
		}
		report.Results = append(report.Results, res)
	}
	report.Elapsed = l.now().Sub(start)
	log.Info().
		Int("checked", report.Checked).
		Int("promoted", report.Promoted).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("Keyword promotion check finished")
	return report, nil
}

// PromoteToGlobal adds keyword to the platform-wide definition of intentCode.
// Promoting an already promoted keyword is a no-op. A keyword that already
// belongs to a different global intent is refused with a
// *errs.PromotionConflictError.
func (l *Loop) PromoteToGlobal(ctx context.Context, intentCode, keyword string) (models.PromotionResult, error) {
	kw := NormalizeKeyword(keyword)
	res := models.PromotionResult{IntentCode: intentCode, Keyword: kw}
	defer func() { metrics.Promotions.WithLabelValues(string(res.Outcome)).Inc() }()

	unlock, err := l.promote.Lock(ctx, promotionLockKey)
	if err != nil {
		res.Outcome = models.PromotionFailed
		res.Reason = err.Error()
		return res, err
	}
	defer unlock()

	intent, err := l.store.GetIntent(ctx, models.GlobalFactory, intentCode)
	if err != nil {
		if errs.IsNotFound(err) {
			res.Outcome = models.PromotionNotEligible
			res.Reason = "no global intent " + intentCode
			return res, nil
		}
		res.Outcome = models.PromotionFailed
		res.Reason = err.Error()
		return res, err
	}

	_, factories, mean, err := l.eligibility(ctx, intentCode, kw, 0, 0)
	if err != nil {
		res.Outcome = models.PromotionFailed
		res.Reason = err.Error()
		return res, err
	}
	res.Factories, res.MeanScore = factories, mean

	if hasKeyword(intent.Keywords, kw) {
		res.Outcome = models.PromotionAlreadyPromoted
		if err := l.markPromoted(ctx, intentCode, kw); err != nil {
			log.Warn().Err(err).Str("intent", intentCode).Str("keyword", kw).Msg("Failed to mark promoted keyword records")
		}
		return res, nil
	}

	globals, err := l.store.ListIntents(ctx, models.GlobalFactory)
	if err != nil {
		res.Outcome = models.PromotionFailed
		res.Reason = err.Error()
		return res, err
	}
	for _, other := range globals {
		if other.Code != intentCode && hasKeyword(other.Keywords, kw) {
			conflict := &errs.PromotionConflictError{Keyword: kw, IntentCode: intentCode, OwnerIntent: other.Code}
			res.Outcome = models.PromotionConflict
			res.Reason = conflict.Error()
			log.Warn().Str("intent", intentCode).Str("keyword", kw).Str("owner", other.Code).Msg("Keyword promotion conflict")
			return res, conflict
		}
	}

	intent.Keywords = append(intent.Keywords, kw)
	if err := l.store.UpsertIntent(ctx, intent); err != nil {
		res.Outcome = models.PromotionFailed
		res.Reason = err.Error()
		return res, err
	}
	weight := mean
	if factories == 0 {
		weight = DefaultInitialWeight
	}
	if err := l.store.UpsertKeywordEffectiveness(ctx, &models.KeywordEffectiveness{
		FactoryID:   models.GlobalFactory,
		IntentCode:  intentCode,
		Keyword:     kw,
		Source:      models.KeywordPromoted,
		Weight:      weight,
		Specificity: 1,
		Promoted:    true,
	}); err != nil {
		log.Warn().Err(err).Str("intent", intentCode).Str("keyword", kw).Msg("Failed to store promoted keyword record")
	}
	if err := l.markPromoted(ctx, intentCode, kw); err != nil {
		log.Warn().Err(err).Str("intent", intentCode).Str("keyword", kw).Msg("Failed to mark promoted keyword records")
	}
	if l.cache != nil {
		l.cache.ScheduleRefreshIntent(models.GlobalFactory, intentCode)
	}

	res.Outcome = models.PromotionPromoted
	log.Info().
		Str("intent", intentCode).
		Str("keyword", kw).
		Int("factories", factories).
		Float64("mean", mean).
		Msg("Keyword promoted to global intent")
	return res, nil
}

// markPromoted flags the factory records of a promoted keyword and drops
// their vectors: the global intent now carries the keyword.
func (l *Loop) markPromoted(ctx context.Context, intentCode, kw string) error {
	recs, err := l.store.ListKeywordEffectiveness(ctx)
	if err != nil {
		return err
	}
	var errList []error
	for _, r := range recs {
		if r.IntentCode != intentCode || r.Keyword != kw || r.FactoryID == models.GlobalFactory || r.Promoted {
			continue
		}
		if err := l.updateRecord(ctx, r.FactoryID, intentCode, kw, func(rec *models.KeywordEffectiveness) bool {
			if rec.Promoted {
				return false
			}
			rec.Promoted = true
			return true
		}); err != nil {
			errList = append(errList, err)
			continue
		}
		if l.cache != nil {
			l.cache.ExcludeKeyword(r.FactoryID, intentCode, kw)
			l.cache.ScheduleRefresh(r.FactoryID)
		}
	}
	return errors.Join(errList...)
}

// ── Specificity ─────────────────────────────────────────────

// RecalculateAllSpecificity scores every keyword record by how
// discriminative it is: 1/n where n is the number of intents visible to the
// record's factory that use the same keyword. It returns how many records
// changed.
func (l *Loop) RecalculateAllSpecificity(ctx context.Context) (int, error) {
	recs, err := l.store.ListKeywordEffectiveness(ctx)
	if err != nil {
		return 0, err
	}
	intents, err := l.store.ListAllIntents(ctx)
	if err != nil {
		return 0, err
	}

	// scope -> keyword -> intent codes
	users := make(map[string]map[string]map[string]struct{})
	use := func(scope, kw, code string) {
		byKw, ok := users[scope]
		if !ok {
			byKw = make(map[string]map[string]struct{})
			users[scope] = byKw
		}
		codes, ok := byKw[kw]
		if !ok {
			codes = make(map[string]struct{})
			byKw[kw] = codes
		}
		codes[code] = struct{}{}
	}
	for _, it := range intents {
		if !it.Active {
			continue
		}
		for _, kw := range it.Keywords {
			use(it.FactoryID, NormalizeKeyword(kw), it.Code)
		}
	}
	for _, r := range recs {
		if !r.Disabled {
			use(r.FactoryID, r.Keyword, r.IntentCode)
		}
	}

	changed := 0
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		codes := make(map[string]struct{})
		codes[r.IntentCode] = struct{}{}
		for c := range users[models.GlobalFactory][r.Keyword] {
			codes[c] = struct{}{}
		}
		if r.FactoryID != models.GlobalFactory {
			for c := range users[r.FactoryID][r.Keyword] {
				codes[c] = struct{}{}
			}
		}
		spec := 1 / float64(len(codes))
		if math.Abs(spec-r.Specificity) < 1e-9 {
			continue
		}
		err := l.updateRecord(ctx, r.FactoryID, r.IntentCode, r.Keyword, func(rec *models.KeywordEffectiveness) bool {
			rec.Specificity = spec
			return true
		})
		if err != nil {
			log.Warn().Err(err).Str("factory", r.FactoryID).Str("intent", r.IntentCode).Str("keyword", r.Keyword).Msg("Failed to update keyword specificity")
			continue
		}
		changed++
	}
	log.Info().Int("records", len(recs)).Int("changed", changed).Msg("Keyword specificity recalculated")
	return changed, nil
}

// ── Cleanup ─────────────────────────────────────────────────

// CleanupLowEffectivenessKeywords disables keywords whose weight fell below
// threshold after at least minNegative negative signals. Records are kept so
// the decision stays auditable. It returns how many were disabled.
func (l *Loop) CleanupLowEffectivenessKeywords(ctx context.Context, threshold float64, minNegative int) (int, error) {
	if threshold <= 0 {
		threshold = l.cleanupThreshold
	}
	if minNegative <= 0 {
		minNegative = l.cleanupMinNegative
	}
	recs, err := l.store.ListKeywordEffectiveness(ctx)
	if err != nil {
		return 0, err
	}
	low := func(r *models.KeywordEffectiveness) bool {
		return !r.Disabled && r.Weight < threshold && r.NegativeCount >= minNegative
	}

	disabled := 0
	for i := range recs {
		r := &recs[i]
		if !low(r) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return disabled, err
		}
		var applied *models.KeywordEffectiveness
		err := l.updateRecord(ctx, r.FactoryID, r.IntentCode, r.Keyword, func(rec *models.KeywordEffectiveness) bool {
			if !low(rec) {
				return false
			}
			rec.Disabled = true
			rec.DisabledReason = fmt.Sprintf("weight %.2f below %.2f after %d negative signals", rec.Weight, threshold, rec.NegativeCount)
			applied = rec
			return true
		})
		if err != nil {
			log.Warn().Err(err).Str("factory", r.FactoryID).Str("intent", r.IntentCode).Str("keyword", r.Keyword).Msg("Failed to disable keyword")
			continue
		}
		if applied == nil {
			continue
		}
		disabled++
		if applied.FactoryID != models.GlobalFactory {
			if err := l.store.UpsertAdoption(ctx, &models.KeywordFactoryAdoption{
				FactoryID:          applied.FactoryID,
				IntentCode:         applied.IntentCode,
				Keyword:            applied.Keyword,
				EffectivenessScore: applied.Weight,
				Disabled:           true,
				DisabledReason:     applied.DisabledReason,
			}); err != nil {
				log.Warn().Err(err).Str("keyword", applied.Keyword).Msg("Failed to disable keyword adoption")
			}
		}
		if l.cache != nil {
			l.cache.ExcludeKeyword(applied.FactoryID, applied.IntentCode, applied.Keyword)
		}
		log.Info().
			Str("factory", applied.FactoryID).
			Str("intent", applied.IntentCode).
			Str("keyword", applied.Keyword).
			Str("reason", applied.DisabledReason).
			Msg("Disabled low effectiveness keyword")
	}
	return disabled, nil
}

// updateRecord re-reads one record under its lock and saves it when fn
// reports a change.
func (l *Loop) updateRecord(ctx context.Context, factoryID, intentCode, kw string, fn func(*models.KeywordEffectiveness) bool) error {
	unlock, err := l.records.Lock(ctx, recordKey(factoryID, intentCode, kw))
	if err != nil {
		return err
	}
	defer unlock()
	rec, err := l.store.GetKeywordEffectiveness(ctx, factoryID, intentCode, kw)
	if err != nil {
		return err
	}
	if !fn(rec) {
		return nil
	}
	return l.store.UpsertKeywordEffectiveness(ctx, rec)
}

// Policy exposes the configured promotion and cleanup thresholds.
func (l *Loop) Policy() (minFactories int, minEffectiveness, cleanupThreshold float64, cleanupMinNegative int) {
	return l.minFactories, l.minEffectiveness, l.cleanupThreshold, l.cleanupMinNegative
}
