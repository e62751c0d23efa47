package intentcache

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/traceforge/traceforge/assistant/internal/embeddings"
	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/internal/store"
	"github.com/traceforge/traceforge/assistant/internal/vectorstore"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProvider embeds with the offline hash driver unless vecFor is set.
type fakeProvider struct {
	mu      sync.Mutex
	model   string
	dims    int
	fail    bool
	vecFor  func(text string) []float64
	hash    *embeddings.HashDriver
	batches atomic.Int32
}

func newFakeProvider(dims int) *fakeProvider {
	return &fakeProvider{model: "fake-v1", dims: dims, hash: embeddings.NewHashDriver(dims)}
}

func (p *fakeProvider) Encode(ctx context.Context, text string) ([]float64, error) {
	vs, err := p.EncodeBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (p *fakeProvider) EncodeBatch(ctx context.Context, texts []string) ([][]float64, error) {
	p.batches.Add(1)
	p.mu.Lock()
	fail, vecFor := p.fail, p.vecFor
	p.mu.Unlock()
	if fail {
		return nil, errs.Unavailable("fake", errors.New("connection refused"))
	}
	if vecFor != nil {
		out := make([][]float64, len(texts))
		for i, t := range texts {
			out[i] = vecFor(t)
		}
		return out, nil
	}
	return p.hash.Embed(ctx, texts)
}

func (p *fakeProvider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims
}

func (p *fakeProvider) ModelName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model
}

func (p *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func (p *fakeProvider) setFail(v bool) {
	p.mu.Lock()
	p.fail = v
	p.mu.Unlock()
}

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.UpsertIntent(ctx, &models.IntentDefinition{
		Code: "QUERY_BATCH", Name: "查询批次", Description: "查询生产批次信息",
		Keywords: []string{"批次"}, Examples: []string{"查询批次状态"}, Active: true,
	}))
	require.NoError(t, s.UpsertIntent(ctx, &models.IntentDefinition{
		Code: "SUPPLIER_RATING", Name: "供应商评级", Examples: []string{"供应商评分排名"}, Active: true,
	}))
	require.NoError(t, s.UpsertIntent(ctx, &models.IntentDefinition{
		Code: "RETIRED", Name: "旧意图", Examples: []string{"旧功能"}, Active: false,
	}))
	require.NoError(t, s.UpsertIntent(ctx, &models.IntentDefinition{
		Code: "CUSTOM_REPORT", FactoryID: "F1", Name: "自定义报表", Examples: []string{"生成月度质量报表"}, Active: true,
	}))
	require.NoError(t, s.UpsertExpression(ctx, &models.LearnedExpression{
		ID: "e1", FactoryID: "F1", IntentCode: "QUERY_BATCH", Text: "这批货到哪了", Status: models.ExpressionActive,
	}))
	return s
}

func newTestCache(t *testing.T, p *fakeProvider, src Source, opts ...Option) *Cache {
	t.Helper()
	c := New(p, src, opts...)
	t.Cleanup(c.Close)
	return c
}

// ─── Similarity ──────────────────────────────────────────────

func TestCosineSimilarityProperties(t *testing.T) {
	v := []float64{0.3, -1.2, 4, 0.01}
	w := []float64{2, 0.5, -0.7, 3}

	assert.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-12)
	assert.Equal(t, CosineSimilarity(v, w), CosineSimilarity(w, v))
	assert.InDelta(t, -1.0, CosineSimilarity(v, []float64{-0.3, 1.2, -4, -0.01}), 1e-12)
	assert.Equal(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}))
	assert.Equal(t, 0.0, CosineSimilarity(v, []float64{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity(v, make([]float64, 4)))

	s := CosineSimilarity(v, w)
	assert.True(t, s >= -1 && s <= 1)
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		score float64
		want  models.MatchTier
	}{
		{0.99, models.MatchTierHigh},
		{0.85, models.MatchTierHigh},
		{0.8499, models.MatchTierMedium},
		{0.72, models.MatchTierMedium},
		{0.65, models.MatchTierLow},
		{0.60, models.MatchTierLow},
		{0.59, models.MatchTierNone},
		{-0.5, models.MatchTierNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierFor(tt.score), "score %v", tt.score)
	}
}

// ─── Build / Lookup ──────────────────────────────────────────

func TestInitializeBuildsEveryScope(t *testing.T) {
	p := newFakeProvider(64)
	c := newTestCache(t, p, seedStore(t))
	require.NoError(t, c.Initialize(context.Background()))

	st := c.Stats()
	assert.False(t, st.Stale)
	assert.Equal(t, "fake-v1", st.Model)
	assert.Equal(t, 64, st.Dimensions)
	assert.Equal(t, 2, st.Factories)
	// global: 2 active intents x (composite + example); F1: 1 intent x 2 + 1 expression
	assert.Equal(t, 7, st.Entries)

	_, ok := c.Get("", "RETIRED")
	assert.False(t, ok, "inactive intents are not cached")
}

func TestGetFallsBackToGlobal(t *testing.T) {
	p := newFakeProvider(64)
	c := newTestCache(t, p, seedStore(t))
	require.NoError(t, c.Initialize(context.Background()))

	v, ok := c.Get("F1", "QUERY_BATCH")
	require.True(t, ok)
	assert.Len(t, v, 64)

	_, ok = c.Get("F1", "CUSTOM_REPORT")
	assert.True(t, ok)

	v, ok = c.Get("F2", "CUSTOM_REPORT")
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestMatchIntentsWithExpressions(t *testing.T) {
	p := newFakeProvider(64)
	c := newTestCache(t, p, seedStore(t))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	matches, err := c.MatchIntentsWithExpressions(ctx, "F1", "这批货到哪了", 0.6)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "QUERY_BATCH", matches[0].IntentCode)
	assert.Equal(t, models.VectorKindExpression, matches[0].Kind)
	assert.Equal(t, "e1", matches[0].RefID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
	assert.Equal(t, models.MatchTierHigh, matches[0].Tier)

	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
		assert.GreaterOrEqual(t, matches[i].Score, 0.6)
	}

	// F2 never sees F1's expression.
	matches, err = c.MatchIntentsWithExpressions(ctx, "F2", "这批货到哪了", 0.99)
	require.NoError(t, err)
	assert.Empty(t, matches)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
}

func TestMatchVectorWrongDimensionIsMiss(t *testing.T) {
	p := newFakeProvider(64)
	c := newTestCache(t, p, seedStore(t))
	require.NoError(t, c.Initialize(context.Background()))

	assert.Nil(t, c.MatchVector("F1", []float64{1, 0, 0}, -1))
	assert.Nil(t, c.MatchVector("F1", make([]float64, 64), -1))
}

// ─── Degradation ─────────────────────────────────────────────

func TestInitializeFailsSoftAndWarmStartsFromSnapshot(t *testing.T) {
	ctx := context.Background()
	snap := vectorstore.NewEmbeddedStore()
	require.NoError(t, snap.SaveEntries(ctx, "", []models.IntentVectorEntry{
		{IntentCode: "QUERY_BATCH", Kind: models.VectorKindIntent, Vector: []float64{1, 0, 0, 0}, Model: "fake-v1"},
		{IntentCode: "OLD_MODEL", Kind: models.VectorKindIntent, Vector: []float64{1, 0, 0, 0}, Model: "fake-v0"},
		{IntentCode: "SHORT", Kind: models.VectorKindIntent, Vector: []float64{1, 0}, Model: "fake-v1"},
	}))

	p := newFakeProvider(4)
	p.setFail(true)
	c := newTestCache(t, p, seedStore(t), WithSnapshotStore(snap), WithStaleRetryInterval(time.Hour))

	require.NoError(t, c.Initialize(ctx))
	st := c.Stats()
	assert.True(t, st.Stale)
	assert.Equal(t, 1, st.Entries)

	v, ok := c.Get("F1", "QUERY_BATCH")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 0, 0, 0}, v)
	_, ok = c.Get("", "OLD_MODEL")
	assert.False(t, ok)
}

func TestInitializeWithoutProviderOrSnapshotServesEmpty(t *testing.T) {
	p := newFakeProvider(16)
	p.setFail(true)
	c := newTestCache(t, p, seedStore(t), WithStaleRetryInterval(time.Hour))

	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, 0, c.Stats().Entries)
	assert.True(t, c.Stats().Stale)

	_, err := c.MatchIntentsWithExpressions(context.Background(), "F1", "查询批次", 0.6)
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
}

func TestFailedRefreshKeepsPreviousGeneration(t *testing.T) {
	p := newFakeProvider(64)
	c := newTestCache(t, p, seedStore(t), WithStaleRetryInterval(time.Hour))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	before := c.Stats().Entries

	p.setFail(true)
	err := c.RefreshFactory(ctx, "F1")
	require.Error(t, err)

	st := c.Stats()
	assert.Equal(t, before, st.Entries)
	assert.True(t, st.Stale)
	_, ok := c.Get("F1", "CUSTOM_REPORT")
	assert.True(t, ok)
}

func TestSuccessfulRefreshPersistsSnapshot(t *testing.T) {
	ctx := context.Background()
	snap := vectorstore.NewEmbeddedStore()
	p := newFakeProvider(32)
	c := newTestCache(t, p, seedStore(t), WithSnapshotStore(snap))
	require.NoError(t, c.Initialize(ctx))

	all, err := snap.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, c.Stats().Entries)
}

// ─── Model change / targeted refresh ─────────────────────────

func TestModelChangeForcesFullRebuild(t *testing.T) {
	p := newFakeProvider(64)
	c := newTestCache(t, p, seedStore(t))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	p.mu.Lock()
	p.model = "fake-v2"
	p.dims = 32
	p.hash = embeddings.NewHashDriver(32)
	p.mu.Unlock()

	require.NoError(t, c.RefreshFactory(ctx, "F1"))
	st := c.Stats()
	assert.Equal(t, "fake-v2", st.Model)
	assert.Equal(t, 32, st.Dimensions)
	for _, e := range c.Entries("") {
		assert.Equal(t, "fake-v2", e.Model)
		assert.Len(t, e.Vector, 32)
	}
}

func TestRefreshIntentReplacesOnlyThatIntent(t *testing.T) {
	s := seedStore(t)
	p := newFakeProvider(64)
	c := newTestCache(t, p, s)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	old, _ := c.Get("", "QUERY_BATCH")
	other, _ := c.Get("", "SUPPLIER_RATING")

	it, err := s.GetIntent(ctx, "", "QUERY_BATCH")
	require.NoError(t, err)
	it.Keywords = append(it.Keywords, "追溯码")
	require.NoError(t, s.UpsertIntent(ctx, it))
	require.NoError(t, c.RefreshIntent(ctx, "", "QUERY_BATCH"))

	updated, ok := c.Get("", "QUERY_BATCH")
	require.True(t, ok)
	assert.NotEqual(t, old, updated)
	same, _ := c.Get("", "SUPPLIER_RATING")
	assert.Equal(t, other, same)

	it.Active = false
	require.NoError(t, s.UpsertIntent(ctx, it))
	require.NoError(t, c.RefreshIntent(ctx, "", "QUERY_BATCH"))
	_, ok = c.Get("", "QUERY_BATCH")
	assert.False(t, ok)
}

func TestRefreshIntentRebuildsWhenModelChangesMidRefresh(t *testing.T) {
	p := newFakeProvider(64)
	c := newTestCache(t, p, seedStore(t))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	v2 := embeddings.NewHashDriver(32)
	var switched atomic.Bool
	p.mu.Lock()
	p.vecFor = func(text string) []float64 {
		if switched.CompareAndSwap(false, true) {
			// The provider is reconfigured while this batch is in flight.
			p.mu.Lock()
			p.model = "fake-v2"
			p.dims = 32
			p.mu.Unlock()
			return make([]float64, 64)
		}
		vs, err := v2.Embed(ctx, []string{text})
		require.NoError(t, err)
		return vs[0]
	}
	p.mu.Unlock()

	require.NoError(t, c.RefreshIntent(ctx, "", "QUERY_BATCH"))
	st := c.Stats()
	assert.Equal(t, "fake-v2", st.Model)
	assert.Equal(t, 32, st.Dimensions)
	entries := c.Entries("")
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, "fake-v2", e.Model)
		assert.Len(t, e.Vector, 32)
	}
}

func TestScheduleRefreshCollapsesAndCompletes(t *testing.T) {
	s := seedStore(t)
	p := newFakeProvider(64)
	c := newTestCache(t, p, s)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	require.NoError(t, s.UpsertIntent(ctx, &models.IntentDefinition{
		Code: "NEW_F1", FactoryID: "F1", Name: "新意图", Active: true,
	}))
	for i := 0; i < 5; i++ {
		c.ScheduleRefresh("F1")
	}
	c.Wait()

	_, ok := c.Get("F1", "NEW_F1")
	assert.True(t, ok)
}

// ─── Exclusions ──────────────────────────────────────────────

func TestExcludedKeywordAndExpressionAreNotMatched(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertKeywordEffectiveness(ctx, &models.KeywordEffectiveness{
		FactoryID: "F1", IntentCode: "QUERY_BATCH", Keyword: "追溯码查询", Source: models.KeywordAutoLearned, Weight: 0.9,
	}))
	require.NoError(t, s.UpsertKeywordEffectiveness(ctx, &models.KeywordEffectiveness{
		FactoryID: "F1", IntentCode: "QUERY_BATCH", Keyword: "禁用词", Source: models.KeywordAutoLearned, Disabled: true,
	}))

	p := newFakeProvider(64)
	c := newTestCache(t, p, s)
	require.NoError(t, c.Initialize(ctx))

	kwVec, _ := p.Encode(ctx, "追溯码查询")
	found := func(kind models.VectorKind, ref string, vec []float64) bool {
		for _, m := range c.MatchVector("F1", vec, 0.99) {
			if m.Kind == kind && m.RefID == ref {
				return true
			}
		}
		return false
	}
	assert.True(t, found(models.VectorKindKeyword, "追溯码查询", kwVec))
	disabledVec, _ := p.Encode(ctx, "禁用词")
	assert.False(t, found(models.VectorKindKeyword, "禁用词", disabledVec))

	c.ExcludeKeyword("F1", "QUERY_BATCH", "追溯码查询")
	assert.False(t, found(models.VectorKindKeyword, "追溯码查询", kwVec))
	assert.Equal(t, 1, c.Stats().ExcludedKeywords)

	exVec, _ := p.Encode(ctx, "这批货到哪了")
	assert.True(t, found(models.VectorKindExpression, "e1", exVec))
	c.ExcludeExpression("e1")
	assert.False(t, found(models.VectorKindExpression, "e1", exVec))
}

// ─── Concurrency ─────────────────────────────────────────────

// Every refresh flips all vectors of F1 between two orthogonal axes. A reader
// that saw a mix of old and new entries would get unequal scores.
func TestConcurrentMatchSeesWholeGeneration(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("")
	defer s.Close()
	for _, code := range []string{"A", "B", "C", "D", "E"} {
		require.NoError(t, s.UpsertIntent(ctx, &models.IntentDefinition{
			Code: code, FactoryID: "F1", Name: code, Examples: []string{code + "1", code + "2"}, Active: true,
		}))
	}

	var version atomic.Int64
	p := newFakeProvider(2)
	p.vecFor = func(string) []float64 {
		if version.Load()%2 == 0 {
			return []float64{1, 0}
		}
		return []float64{0, 1}
	}
	c := New(p, s)
	defer c.Close()
	require.NoError(t, c.Initialize(ctx))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				ms := c.MatchVector("F1", []float64{1, 0}, -1)
				if len(ms) != 15 {
					t.Errorf("MatchVector() len = %d, want 15", len(ms))
					return
				}
				for _, m := range ms {
					if math.Abs(m.Score-ms[0].Score) > 1e-9 {
						t.Errorf("mixed generation: %v vs %v", m.Score, ms[0].Score)
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		version.Add(1)
		require.NoError(t, c.RefreshFactory(ctx, "F1"))
	}
	close(stop)
	wg.Wait()
}
