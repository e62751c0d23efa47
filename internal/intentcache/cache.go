// Package intentcache holds the precomputed embedding vectors of every
// configured intent, learned expression and learned keyword.
//
// The cache is read-heavy and write-rare. Readers load the current generation
// through an atomic pointer and never lock. Writers build a replacement off to
// the side and swap it in, so a match always sees one whole generation. A
// factory refresh shares the untouched factories of the previous generation.
package intentcache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"gonum.org/v1/gonum/floats"

	"github.com/traceforge/traceforge/assistant/internal/metrics"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// Source is the configuration the cache embeds.
type Source interface {
	ListIntents(ctx context.Context, factoryID string) ([]models.IntentDefinition, error)
	ListFactories(ctx context.Context) ([]string, error)
	ListExpressions(ctx context.Context, factoryID string) ([]models.LearnedExpression, error)
	ListKeywordEffectiveness(ctx context.Context) ([]models.KeywordEffectiveness, error)
}

type entry struct {
	models.IntentVectorEntry
	norm float64
}

// factorySet is the immutable vector set of one scope.
type factorySet struct {
	entries []entry
	intents map[string]int // intent code -> index of its Kind=intent, RefID="" entry
}

type generation struct {
	id        uint64
	model     string
	dims      int
	factories map[string]*factorySet
	builtAt   time.Time
	stale     bool
}

func (g *generation) size() int {
	n := 0
	for _, fs := range g.factories {
		n += len(fs.entries)
	}
	return n
}

// exclusions is swapped copy-on-write like the generations.
type exclusions struct {
	keywords    map[string]struct{} // factory|intent|keyword
	expressions map[string]struct{} // expression id
}

// Cache is the intent vector cache.
type Cache struct {
	provider contracts.EmbeddingProvider
	source   Source
	snapshot contracts.VectorSnapshotStore // optional

	gen    atomic.Pointer[generation]
	excl   atomic.Pointer[exclusions]
	nextID atomic.Uint64

	writeMu sync.Mutex // serialises generation swaps
	exclMu  sync.Mutex // serialises exclusion swaps

	flight       singleflight.Group
	bgCtx        context.Context
	bgCancel     context.CancelFunc
	bgWG         sync.WaitGroup
	refreshEvery time.Duration
	lastStaleTry atomic.Int64

	hits, misses atomic.Int64
	latencyMu    sync.Mutex
	latencyMs    float64
}

// Option configures a Cache.
type Option func(*Cache)

// WithSnapshotStore enables snapshot persistence and warm start.
func WithSnapshotStore(s contracts.VectorSnapshotStore) Option {
	return func(c *Cache) { c.snapshot = s }
}

// WithStaleRetryInterval bounds how often a stale cache retries a full rebuild.
func WithStaleRetryInterval(d time.Duration) Option {
	return func(c *Cache) { c.refreshEvery = d }
}

// New creates an empty cache. Call Initialize before serving.
func New(provider contracts.EmbeddingProvider, source Source, opts ...Option) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		provider:     provider,
		source:       source,
		bgCtx:        ctx,
		bgCancel:     cancel,
		refreshEvery: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.gen.Store(&generation{
		model:     provider.ModelName(),
		dims:      provider.Dimensions(),
		factories: map[string]*factorySet{},
		stale:     true,
	})
	c.excl.Store(&exclusions{keywords: map[string]struct{}{}, expressions: map[string]struct{}{}})
	return c
}

// Wait blocks until every scheduled refresh has finished.
func (c *Cache) Wait() {
	c.bgWG.Wait()
}

// Close cancels scheduled refreshes and waits for them to finish.
func (c *Cache) Close() {
	c.bgCancel()
	c.bgWG.Wait()
}

// ── Lifecycle ───────────────────────────────────────────────

// Initialize computes vectors for every active intent, expression and learned
// keyword. It fails soft: when the provider is down the cache warm-starts
// from the snapshot store (marked stale) or stays empty, and nil is returned.
func (c *Cache) Initialize(ctx context.Context) error {
	err := c.RefreshAll(ctx)
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Msg("Intent cache initial build failed, serving stale state")

	if c.snapshot == nil {
		return nil
	}
	entries, lerr := c.snapshot.LoadAll(ctx)
	if lerr != nil {
		log.Warn().Err(lerr).Str("store", c.snapshot.Kind()).Msg("Vector snapshot load failed, starting empty")
		return nil
	}

	model, dims := c.provider.ModelName(), c.provider.Dimensions()
	grouped := map[string][]entry{}
	skipped := 0
	for _, e := range entries {
		if e.Model != model || len(e.Vector) != dims {
			skipped++
			continue
		}
		grouped[e.FactoryID] = append(grouped[e.FactoryID], newEntry(e))
	}
	g := &generation{model: model, dims: dims, factories: map[string]*factorySet{}, builtAt: time.Now(), stale: true}
	for f, es := range grouped {
		g.factories[f] = newFactorySet(es)
	}

	c.writeMu.Lock()
	c.swap(g)
	c.writeMu.Unlock()

	log.Info().Int("entries", g.size()).Int("skipped", skipped).Str("store", c.snapshot.Kind()).
		Msg("Intent cache warm-started from snapshot")
	return nil
}

// RefreshAll rebuilds every scope from scratch.
func (c *Cache) RefreshAll(ctx context.Context) error {
	factories, err := c.source.ListFactories(ctx)
	if err != nil {
		return fmt.Errorf("list factories: %w", err)
	}
	learned, err := c.learnedKeywords(ctx)
	if err != nil {
		return err
	}

	model, dims := c.provider.ModelName(), c.provider.Dimensions()
	scopes := append([]string{models.GlobalFactory}, factories...)
	for f := range learned {
		if f != models.GlobalFactory && !contains(factories, f) {
			scopes = append(scopes, f)
		}
	}
	built := make(map[string]*factorySet, len(scopes))
	for _, f := range scopes {
		es, err := c.buildFactory(ctx, f, learned[f])
		if err != nil {
			metrics.CacheRefreshes.WithLabelValues("all", "error").Inc()
			c.markStale()
			return fmt.Errorf("build factory %q: %w", f, err)
		}
		built[f] = newFactorySet(es)
	}

	g := &generation{model: model, dims: dims, factories: built, builtAt: time.Now()}
	c.writeMu.Lock()
	c.swap(g)
	c.writeMu.Unlock()

	metrics.CacheRefreshes.WithLabelValues("all", "ok").Inc()
	log.Info().Int("factories", len(built)).Int("entries", g.size()).Str("model", model).Msg("Intent cache rebuilt")

	for f, fs := range built {
		c.persist(ctx, f, fs)
	}
	return nil
}

// RefreshFactory recomputes one scope and leaves every other scope untouched.
// A provider model or dimension change forces a full rebuild instead.
func (c *Cache) RefreshFactory(ctx context.Context, factoryID string) error {
	if c.modelChanged() {
		log.Info().Str("model", c.provider.ModelName()).Msg("Embedding model changed, rebuilding intent cache")
		return c.RefreshAll(ctx)
	}
	model, dims := c.provider.ModelName(), c.provider.Dimensions()
	learned, err := c.learnedKeywords(ctx)
	if err != nil {
		return err
	}
	es, err := c.buildFactory(ctx, factoryID, learned[factoryID])
	if err != nil {
		metrics.CacheRefreshes.WithLabelValues("factory", "error").Inc()
		c.markStale()
		return fmt.Errorf("refresh factory %q: %w", factoryID, err)
	}
	fs := newFactorySet(es)

	c.writeMu.Lock()
	cur := c.gen.Load()
	if !c.stillCurrent(cur, model, dims) {
		c.writeMu.Unlock()
		return c.RefreshAll(ctx)
	}
	next := cur.derive()
	next.factories[factoryID] = fs
	c.swap(next)
	c.writeMu.Unlock()

	metrics.CacheRefreshes.WithLabelValues("factory", "ok").Inc()
	log.Debug().Str("factory", factoryID).Int("entries", len(es)).Msg("Intent cache factory refreshed")
	c.persist(ctx, factoryID, fs)
	return nil
}

// RefreshIntent recomputes the configured-intent vectors of one code in one
// scope. Expressions and learned keywords of the scope are kept. An unknown
// or inactive code simply loses its vectors.
func (c *Cache) RefreshIntent(ctx context.Context, factoryID, intentCode string) error {
	if c.modelChanged() {
		return c.RefreshAll(ctx)
	}
	model, dims := c.provider.ModelName(), c.provider.Dimensions()
	intents, err := c.source.ListIntents(ctx, factoryID)
	if err != nil {
		return fmt.Errorf("list intents: %w", err)
	}
	var fresh []entry
	for _, it := range intents {
		if it.Code != intentCode || !it.Active {
			continue
		}
		texts, refs := intentTexts(it)
		vecs, err := c.provider.EncodeBatch(ctx, texts)
		if err != nil {
			metrics.CacheRefreshes.WithLabelValues("intent", "error").Inc()
			c.markStale()
			return fmt.Errorf("refresh intent %s: %w", intentCode, err)
		}
		now := time.Now()
		for i, v := range vecs {
			fresh = append(fresh, newEntry(models.IntentVectorEntry{
				FactoryID: factoryID, IntentCode: it.Code, Kind: models.VectorKindIntent, RefID: refs[i],
				Vector: v, SourceText: texts[i], Model: model, LastComputedAt: now,
			}))
		}
	}

	c.writeMu.Lock()
	cur := c.gen.Load()
	if !c.stillCurrent(cur, model, dims) {
		c.writeMu.Unlock()
		log.Info().Str("model", c.provider.ModelName()).Msg("Embedding model changed during intent refresh, rebuilding intent cache")
		return c.RefreshAll(ctx)
	}
	var kept []entry
	if fs, ok := cur.factories[factoryID]; ok {
		for _, e := range fs.entries {
			if e.IntentCode == intentCode && e.Kind == models.VectorKindIntent {
				continue
			}
			kept = append(kept, e)
		}
	}
	fs := newFactorySet(append(kept, fresh...))
	next := cur.derive()
	next.factories[factoryID] = fs
	c.swap(next)
	c.writeMu.Unlock()

	metrics.CacheRefreshes.WithLabelValues("intent", "ok").Inc()
	c.persist(ctx, factoryID, fs)
	return nil
}

// ScheduleRefresh refreshes a scope in the background. Concurrent requests
// for the same scope collapse into one.
func (c *Cache) ScheduleRefresh(factoryID string) {
	c.schedule("factory:"+factoryID, func(ctx context.Context) error {
		return c.RefreshFactory(ctx, factoryID)
	})
}

// ScheduleRefreshIntent refreshes one intent in the background.
func (c *Cache) ScheduleRefreshIntent(factoryID, intentCode string) {
	c.schedule("intent:"+factoryID+":"+intentCode, func(ctx context.Context) error {
		return c.RefreshIntent(ctx, factoryID, intentCode)
	})
}

func (c *Cache) scheduleRefreshAll() {
	c.schedule("all", c.RefreshAll)
}

func (c *Cache) schedule(key string, fn func(ctx context.Context) error) {
	if c.bgCtx.Err() != nil {
		return
	}
	c.bgWG.Add(1)
	go func() {
		defer c.bgWG.Done()
		_, err, shared := c.flight.Do(key, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(c.bgCtx, 2*time.Minute)
			defer cancel()
			return nil, fn(ctx)
		})
		if err != nil && !shared {
			log.Warn().Err(err).Str("key", key).Msg("Scheduled intent cache refresh failed")
		}
	}()
}

// ── Lookup / Match ──────────────────────────────────────────

// Get returns the configured-intent vector, factory scope first with global
// fallback. A miss is reported as ok=false, never as a zero vector.
func (c *Cache) Get(factoryID, intentCode string) ([]float64, bool) {
	g := c.gen.Load()
	for _, scope := range scopesFor(factoryID) {
		fs, ok := g.factories[scope]
		if !ok {
			continue
		}
		if i, ok := fs.intents[intentCode]; ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return append([]float64(nil), fs.entries[i].Vector...), true
		}
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	return nil, false
}

// MatchVector scores vec against every factory and global entry of one
// generation and returns the matches at or above minSimilarity, best first.
func (c *Cache) MatchVector(factoryID string, vec []float64, minSimilarity float64) []models.IntentMatch {
	return c.matchGeneration(c.gen.Load(), factoryID, vec, minSimilarity)
}

func (c *Cache) matchGeneration(g *generation, factoryID string, vec []float64, minSimilarity float64) []models.IntentMatch {
	if len(vec) != g.dims {
		return nil
	}
	qn := floats.Norm(vec, 2)
	if qn == 0 {
		return nil
	}
	ex := c.excl.Load()

	var out []models.IntentMatch
	for _, scope := range scopesFor(factoryID) {
		fs, ok := g.factories[scope]
		if !ok {
			continue
		}
		for _, e := range fs.entries {
			if ex.excluded(e.IntentVectorEntry) || e.norm == 0 {
				continue
			}
			score := cosineWithNorms(vec, e.Vector, qn, e.norm)
			if score < minSimilarity {
				continue
			}
			out = append(out, models.IntentMatch{
				IntentCode:  e.IntentCode,
				FactoryID:   e.FactoryID,
				Kind:        e.Kind,
				RefID:       e.RefID,
				MatchedText: e.SourceText,
				Score:       score,
				Tier:        TierFor(score),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// MatchIntentsWithExpressions embeds input and returns intent-, expression-
// and keyword-derived matches in one score-descending list.
func (c *Cache) MatchIntentsWithExpressions(ctx context.Context, factoryID, input string, minSimilarity float64) ([]models.IntentMatch, error) {
	start := time.Now()
	vec, err := c.provider.Encode(ctx, input)
	if err != nil {
		c.misses.Add(1)
		return nil, err
	}
	matches := c.MatchEmbedded(factoryID, vec, minSimilarity)
	c.recordLatency(time.Since(start))
	return matches, nil
}

// MatchEmbedded is MatchVector plus hit/miss accounting and the stale-cache
// refresh trigger. Callers that already hold an input vector use it directly.
func (c *Cache) MatchEmbedded(factoryID string, vec []float64, minSimilarity float64) []models.IntentMatch {
	g := c.gen.Load()
	if g.stale || g.model != c.provider.ModelName() || g.dims != c.provider.Dimensions() {
		c.maybeRetryStale()
	}
	matches := c.matchGeneration(g, factoryID, vec, minSimilarity)
	if len(matches) > 0 {
		c.hits.Add(1)
		metrics.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		c.misses.Add(1)
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}
	return matches
}

// ── Exclusions ──────────────────────────────────────────────

// ExcludeKeyword hides a factory's learned-keyword vector from matching.
func (c *Cache) ExcludeKeyword(factoryID, intentCode, keyword string) {
	c.exclMu.Lock()
	defer c.exclMu.Unlock()
	cur := c.excl.Load()
	next := cur.clone()
	next.keywords[keywordRef(factoryID, intentCode, keyword)] = struct{}{}
	c.excl.Store(next)
}

// ExcludeExpression hides a learned expression's vector from matching.
func (c *Cache) ExcludeExpression(id string) {
	c.exclMu.Lock()
	defer c.exclMu.Unlock()
	cur := c.excl.Load()
	next := cur.clone()
	next.expressions[id] = struct{}{}
	c.excl.Store(next)
}

func (e *exclusions) clone() *exclusions {
	next := &exclusions{
		keywords:    make(map[string]struct{}, len(e.keywords)+1),
		expressions: make(map[string]struct{}, len(e.expressions)+1),
	}
	for k := range e.keywords {
		next.keywords[k] = struct{}{}
	}
	for k := range e.expressions {
		next.expressions[k] = struct{}{}
	}
	return next
}

func (e *exclusions) excluded(v models.IntentVectorEntry) bool {
	switch v.Kind {
	case models.VectorKindKeyword:
		_, ok := e.keywords[keywordRef(v.FactoryID, v.IntentCode, v.RefID)]
		return ok
	case models.VectorKindExpression:
		_, ok := e.expressions[v.RefID]
		return ok
	}
	return false
}

// ── Stats ───────────────────────────────────────────────────

// Stats returns a point-in-time view of the cache.
func (c *Cache) Stats() models.CacheStats {
	g := c.gen.Load()
	c.latencyMu.Lock()
	lat := c.latencyMs
	c.latencyMu.Unlock()
	ex := c.excl.Load()
	return models.CacheStats{
		Generation:       g.id,
		Model:            g.model,
		Dimensions:       g.dims,
		Entries:          g.size(),
		Factories:        len(g.factories),
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		AvgMatchLatency:  lat,
		LastRefreshAt:    g.builtAt,
		Stale:            g.stale,
		ExcludedKeywords: len(ex.keywords),
	}
}

// Entries returns a copy of every vector of one scope, for diagnostics.
func (c *Cache) Entries(factoryID string) []models.IntentVectorEntry {
	g := c.gen.Load()
	fs, ok := g.factories[factoryID]
	if !ok {
		return nil
	}
	out := make([]models.IntentVectorEntry, len(fs.entries))
	for i, e := range fs.entries {
		out[i] = e.IntentVectorEntry
	}
	return out
}

func (c *Cache) recordLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	c.latencyMu.Lock()
	if c.latencyMs == 0 {
		c.latencyMs = ms
	} else {
		// Exponential moving average
		c.latencyMs = (c.latencyMs*7 + ms*3) / 10
	}
	c.latencyMu.Unlock()
}

// ── Internals ───────────────────────────────────────────────

// swap installs g as the current generation. Callers hold writeMu.
func (c *Cache) swap(g *generation) {
	g.id = c.nextID.Add(1)
	c.gen.Store(g)
	metrics.CacheEntries.Set(float64(g.size()))
}

// derive copies the scope map; the scope sets themselves are shared.
func (g *generation) derive() *generation {
	next := &generation{model: g.model, dims: g.dims, builtAt: time.Now(), stale: g.stale,
		factories: make(map[string]*factorySet, len(g.factories)+1)}
	for k, v := range g.factories {
		next.factories[k] = v
	}
	return next
}

func (c *Cache) markStale() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	cur := c.gen.Load()
	if cur.stale {
		return
	}
	next := cur.derive()
	next.builtAt = cur.builtAt
	next.stale = true
	c.swap(next)
}

func (c *Cache) maybeRetryStale() {
	now := time.Now().UnixNano()
	last := c.lastStaleTry.Load()
	if now-last < int64(c.refreshEvery) {
		return
	}
	if c.lastStaleTry.CompareAndSwap(last, now) {
		c.scheduleRefreshAll()
	}
}

func (c *Cache) modelChanged() bool {
	g := c.gen.Load()
	return g.model != c.provider.ModelName() || g.dims != c.provider.Dimensions()
}

// stillCurrent reports whether both cur and vectors encoded under model and
// dims match the provider. Callers hold writeMu.
func (c *Cache) stillCurrent(cur *generation, model string, dims int) bool {
	pm, pd := c.provider.ModelName(), c.provider.Dimensions()
	return cur.model == pm && cur.dims == pd && model == pm && dims == pd
}

func (c *Cache) persist(ctx context.Context, factoryID string, fs *factorySet) {
	if c.snapshot == nil {
		return
	}
	out := make([]models.IntentVectorEntry, len(fs.entries))
	for i, e := range fs.entries {
		out[i] = e.IntentVectorEntry
	}
	if err := c.snapshot.SaveEntries(ctx, factoryID, out); err != nil {
		log.Warn().Err(err).Str("factory", factoryID).Str("store", c.snapshot.Kind()).Msg("Vector snapshot save failed")
	}
}

// learnedKeywords groups live auto-learned keywords by factory.
func (c *Cache) learnedKeywords(ctx context.Context) (map[string][]models.KeywordEffectiveness, error) {
	all, err := c.source.ListKeywordEffectiveness(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keywords: %w", err)
	}
	out := map[string][]models.KeywordEffectiveness{}
	for _, k := range all {
		if k.Source != models.KeywordAutoLearned || k.Disabled || k.Promoted {
			continue
		}
		out[k.FactoryID] = append(out[k.FactoryID], k)
	}
	return out, nil
}

// buildFactory embeds every text of one scope in a single batch.
func (c *Cache) buildFactory(ctx context.Context, factoryID string, keywords []models.KeywordEffectiveness) ([]entry, error) {
	intents, err := c.source.ListIntents(ctx, factoryID)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	exprs, err := c.source.ListExpressions(ctx, factoryID)
	if err != nil {
		return nil, fmt.Errorf("list expressions: %w", err)
	}

	var protos []models.IntentVectorEntry
	for _, it := range intents {
		if !it.Active {
			continue
		}
		texts, refs := intentTexts(it)
		for i := range texts {
			protos = append(protos, models.IntentVectorEntry{
				IntentCode: it.Code, Kind: models.VectorKindIntent, RefID: refs[i], SourceText: texts[i],
			})
		}
	}
	for _, e := range exprs {
		if e.Status != models.ExpressionActive {
			continue
		}
		protos = append(protos, models.IntentVectorEntry{
			IntentCode: e.IntentCode, Kind: models.VectorKindExpression, RefID: e.ID, SourceText: e.Text,
		})
	}
	for _, k := range keywords {
		protos = append(protos, models.IntentVectorEntry{
			IntentCode: k.IntentCode, Kind: models.VectorKindKeyword, RefID: k.Keyword, SourceText: k.Keyword,
		})
	}
	if len(protos) == 0 {
		return nil, nil
	}

	texts := make([]string, len(protos))
	for i, p := range protos {
		texts[i] = p.SourceText
	}
	vecs, err := c.provider.EncodeBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	model := c.provider.ModelName()
	now := time.Now()
	out := make([]entry, len(protos))
	for i, p := range protos {
		p.FactoryID = factoryID
		p.Vector = vecs[i]
		p.Model = model
		p.LastComputedAt = now
		out[i] = newEntry(p)
	}
	return out, nil
}

// intentTexts returns the composite description of an intent (RefID "") and
// one text per example (RefID "example:N").
func intentTexts(it models.IntentDefinition) (texts, refs []string) {
	parts := []string{it.Name}
	if it.Description != "" {
		parts = append(parts, it.Description)
	}
	if len(it.Keywords) > 0 {
		parts = append(parts, strings.Join(it.Keywords, " "))
	}
	texts = append(texts, strings.Join(parts, " | "))
	refs = append(refs, "")
	for i, ex := range it.Examples {
		if strings.TrimSpace(ex) == "" {
			continue
		}
		texts = append(texts, ex)
		refs = append(refs, fmt.Sprintf("example:%d", i))
	}
	return texts, refs
}

func newEntry(e models.IntentVectorEntry) entry {
	return entry{IntentVectorEntry: e, norm: floats.Norm(e.Vector, 2)}
}

func newFactorySet(es []entry) *factorySet {
	fs := &factorySet{entries: es, intents: make(map[string]int)}
	for i, e := range es {
		if e.Kind == models.VectorKindIntent && e.RefID == "" {
			fs.intents[e.IntentCode] = i
		}
	}
	return fs
}

func scopesFor(factoryID string) []string {
	if factoryID == models.GlobalFactory {
		return []string{models.GlobalFactory}
	}
	return []string{factoryID, models.GlobalFactory}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func keywordRef(factoryID, intentCode, keyword string) string {
	return factoryID + "|" + intentCode + "|" + keyword
}
