// Package semantic implements the three-tier semantic router.
//
// The router embeds the user's input once, scores it against every cached
// vector visible to the factory and turns the best score into an execution
// tier. It never fails a turn: an embedding outage or timeout degrades the
// decision to NEED_FULL_LLM.
package semantic

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/traceforge/traceforge/assistant/internal/intentcache"
	"github.com/traceforge/traceforge/assistant/internal/metrics"
	"github.com/traceforge/traceforge/assistant/internal/telemetry"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// Default routing thresholds.
const (
	DefaultDirectThreshold = 0.92
	DefaultRerankThreshold = 0.75
	DefaultTopN            = 5
	DefaultMinSimilarity   = 0.60
	DefaultEmbedTimeout    = 800 * time.Millisecond
)

// tieEpsilon treats two scores this close as equal.
const tieEpsilon = 1e-9

// Router is the semantic router.
type Router struct {
	cache    *intentcache.Cache
	provider contracts.EmbeddingProvider

	direct        float64
	rerank        float64
	topN          int
	minSimilarity float64
	embedTimeout  time.Duration

	available atomic.Bool

	statsMu   sync.Mutex
	total     int64
	byTier    map[models.RouteTier]int64
	degraded  int64
	latencyMs float64
	lastErr   string
	lastErrAt *time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithThresholds overrides the direct-execute and reranking thresholds.
func WithThresholds(direct, rerank float64) Option {
	return func(r *Router) {
		if direct > rerank && rerank > 0 {
			r.direct, r.rerank = direct, rerank
		}
	}
}

// WithTopN sets the default number of candidates returned.
func WithTopN(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.topN = n
		}
	}
}

// WithMinSimilarity sets the lowest score kept as a candidate.
func WithMinSimilarity(s float64) Option {
	return func(r *Router) { r.minSimilarity = s }
}

// WithEmbedTimeout bounds the input embedding call.
func WithEmbedTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.embedTimeout = d
		}
	}
}

// New creates a router over the intent cache.
func New(cache *intentcache.Cache, provider contracts.EmbeddingProvider, opts ...Option) *Router {
	r := &Router{
		cache:         cache,
		provider:      provider,
		direct:        DefaultDirectThreshold,
		rerank:        DefaultRerankThreshold,
		topN:          DefaultTopN,
		minSimilarity: DefaultMinSimilarity,
		embedTimeout:  DefaultEmbedTimeout,
		byTier:        make(map[models.RouteTier]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.available.Store(true)
	return r
}

// Route returns the tiered decision for input. topN <= 0 uses the default.
func (r *Router) Route(ctx context.Context, factoryID, input string, topN int) models.RouteDecision {
	ctx, span := telemetry.Tracer().Start(ctx, "semantic.Route")
	defer span.End()
	span.SetAttributes(attribute.String("factory.id", factoryID))

	start := time.Now()
	if topN <= 0 {
		topN = r.topN
	}

	if strings.TrimSpace(input) == "" {
		return r.finish(start, models.RouteDecision{Tier: models.TierNeedFullLLM, Reason: "empty input"})
	}

	embedCtx, cancel := context.WithTimeout(ctx, r.embedTimeout)
	vec, err := r.provider.Encode(embedCtx, input)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		r.recordError(err)
		log.Warn().Err(err).Str("factory", factoryID).Msg("Semantic routing degraded to full reasoning")
		return r.finish(start, models.RouteDecision{
			Tier:     models.TierNeedFullLLM,
			Degraded: true,
			Reason:   "embedding unavailable",
		})
	}
	r.available.Store(true)

	matches := r.cache.MatchEmbedded(factoryID, vec, r.minSimilarity)
	candidates := BestPerIntent(matches, topN)
	d := models.RouteDecision{
		Tier:          Decide(candidates, r.direct, r.rerank),
		TopCandidates: candidates,
	}
	switch {
	case len(candidates) == 0:
		d.Reason = "no candidate above minimum similarity"
	case len(candidates) > 1 && tied(candidates[0].Score, candidates[1].Score):
		d.Reason = fmt.Sprintf("tie between %s and %s", candidates[0].IntentCode, candidates[1].IntentCode)
	}

	span.SetAttributes(
		attribute.String("route.tier", string(d.Tier)),
		attribute.Int("route.candidates", len(candidates)),
	)
	return r.finish(start, d)
}

// Decide maps ranked candidates to a tier. A score exactly at a threshold
// takes the lower tier, and two distinct intents tied at the top never
// execute directly.
func Decide(candidates []models.Candidate, direct, rerank float64) models.RouteTier {
	if len(candidates) == 0 {
		return models.TierNeedFullLLM
	}
	top := candidates[0].Score
	ambiguous := len(candidates) > 1 && tied(top, candidates[1].Score)
	switch {
	case top > direct && !ambiguous:
		return models.TierDirectExecute
	case top >= rerank:
		return models.TierNeedReranking
	default:
		return models.TierNeedFullLLM
	}
}

// BestPerIntent keeps each intent's best score, sorted by score descending
// (intent code breaks ties), truncated to topN.
func BestPerIntent(matches []models.IntentMatch, topN int) []models.Candidate {
	best := make(map[string]float64, len(matches))
	for _, m := range matches {
		if s, ok := best[m.IntentCode]; !ok || m.Score > s {
			best[m.IntentCode] = m.Score
		}
	}
	out := make([]models.Candidate, 0, len(best))
	for code, s := range best {
		out = append(out, models.Candidate{IntentCode: code, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].IntentCode < out[j].IntentCode
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

func tied(a, b float64) bool {
	return math.Abs(a-b) <= tieEpsilon
}

// ── Cache delegation ────────────────────────────────────────

// RefreshCache recomputes one factory's vectors.
func (r *Router) RefreshCache(ctx context.Context, factoryID string) error {
	return r.cache.RefreshFactory(ctx, factoryID)
}

// RefreshAllCache rebuilds every scope.
func (r *Router) RefreshAllCache(ctx context.Context) error {
	return r.cache.RefreshAll(ctx)
}

// ── Health / Stats ──────────────────────────────────────────

// IsAvailable reports whether the embedding provider answered the most
// recent call or health check.
func (r *Router) IsAvailable() bool {
	return r.available.Load()
}

// CheckHealth probes the embedding provider and updates availability.
func (r *Router) CheckHealth(ctx context.Context) error {
	if err := r.provider.HealthCheck(ctx); err != nil {
		r.recordError(err)
		return err
	}
	r.available.Store(true)
	return nil
}

// Stats returns the running totals.
func (r *Router) Stats() models.RouterStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	by := make(map[string]int64, len(r.byTier))
	for k, v := range r.byTier {
		by[string(k)] = v
	}
	st := models.RouterStats{
		Total:        r.total,
		ByTier:       by,
		Degraded:     r.degraded,
		AvgLatencyMs: r.latencyMs,
		Available:    r.available.Load(),
		LastError:    r.lastErr,
	}
	if r.lastErrAt != nil {
		t := *r.lastErrAt
		st.LastErrorAt = &t
	}
	return st
}

func (r *Router) recordError(err error) {
	r.available.Store(false)
	now := time.Now().UTC()
	r.statsMu.Lock()
	r.lastErr = err.Error()
	r.lastErrAt = &now
	r.statsMu.Unlock()
}

func (r *Router) finish(start time.Time, d models.RouteDecision) models.RouteDecision {
	elapsed := time.Since(start)
	d.LatencyMs = elapsed.Milliseconds()
	ms := float64(elapsed.Microseconds()) / 1000

	r.statsMu.Lock()
	r.total++
	r.byTier[d.Tier]++
	if d.Degraded {
		r.degraded++
	}
	if r.total == 1 {
		r.latencyMs = ms
	} else {
		r.latencyMs = (r.latencyMs*7 + ms*3) / 10
	}
	r.statsMu.Unlock()

	metrics.RouteDecisions.WithLabelValues(string(d.Tier)).Inc()
	metrics.RouteLatency.Observe(elapsed.Seconds())
	if d.Degraded {
		metrics.RouteDegraded.Inc()
	}
	return d
}
