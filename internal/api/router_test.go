package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/traceforge/traceforge/assistant/internal/api"
	"github.com/traceforge/traceforge/assistant/internal/api/handlers"
	"github.com/traceforge/traceforge/assistant/internal/api/middleware"
	"github.com/traceforge/traceforge/assistant/internal/complexity"
	"github.com/traceforge/traceforge/assistant/internal/config"
	"github.com/traceforge/traceforge/assistant/internal/intentcache"
	"github.com/traceforge/traceforge/assistant/internal/jobs"
	"github.com/traceforge/traceforge/assistant/internal/learning"
	"github.com/traceforge/traceforge/assistant/internal/memory"
	"github.com/traceforge/traceforge/assistant/internal/pipeline"
	"github.com/traceforge/traceforge/assistant/internal/semantic"
	"github.com/traceforge/traceforge/assistant/internal/slotfill"
	"github.com/traceforge/traceforge/assistant/internal/store"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// markerProvider encodes texts mentioning 出库 on one axis and everything
// else on another.
type markerProvider struct{}

func (markerProvider) Encode(ctx context.Context, text string) ([]float64, error) {
	if strings.Contains(text, "出库") {
		return []float64{1, 0}, nil
	}
	return []float64{0, 1}, nil
}

func (p markerProvider) EncodeBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i], _ = p.Encode(ctx, t)
	}
	return out, nil
}

func (markerProvider) Dimensions() int                       { return 2 }
func (markerProvider) ModelName() string                     { return "markers" }
func (markerProvider) HealthCheck(ctx context.Context) error { return nil }

type okExecutor struct{}

func (okExecutor) Execute(ctx context.Context, req contracts.ExecutionRequest) (*contracts.ExecutionResult, error) {
	return &contracts.ExecutionResult{Success: true}, nil
}

type server struct {
	http.Handler
	store *store.MemoryStore
}

func newServer(t *testing.T, auth *middleware.APIKeyAuth) *server {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.UpsertIntent(ctx, &models.IntentDefinition{
		Code:     "SHIP_BATCH",
		Name:     "批次出库",
		Category: models.CategoryDataOp,
		Keywords: []string{"出库"},
		RequiredSlots: []models.SlotSpec{
			{Name: "batch", Type: models.SlotValueBatch, Prompt: "请提供批次号"},
			{Name: "quantity", Type: models.SlotValueNumber, Prompt: "请提供出库数量"},
		},
		Active: true,
	}))

	var provider markerProvider
	cache := intentcache.New(provider, s)
	t.Cleanup(cache.Close)
	require.NoError(t, cache.Initialize(ctx))

	mem := memory.NewManager(s)
	t.Cleanup(mem.Close)
	loop := learning.New(s, learning.WithCache(cache))
	sem := semantic.New(cache, provider)
	cx := complexity.NewRouter(complexity.WithTokenizer(complexity.EstimateTokenizer{}))

	p, err := pipeline.New(pipeline.Deps{
		Intents:    s,
		Memory:     mem,
		Semantic:   sem,
		Complexity: cx,
		Slots:      slotfill.NewEngine(s, slotfill.WithRuleStore(s)),
		Learning:   loop,
		Handlers:   pipeline.DefaultRegistry(okExecutor{}),
	})
	require.NoError(t, err)

	sched := jobs.NewScheduler()
	t.Cleanup(sched.Stop)
	require.NoError(t, jobs.Register(sched, config.JobsConfig{}, jobs.Maintenance{Learning: loop, Memory: mem, ExpiryMinutes: 60}))

	h := &handlers.Handlers{
		Config:     &config.Config{Version: "1.2.3"},
		Store:      s,
		Pipeline:   p,
		Cache:      cache,
		Semantic:   sem,
		Complexity: cx,
		Memory:     mem,
		Learning:   loop,
		Jobs:       sched,
	}
	return &server{Handler: api.NewRouter(h, auth), store: s}
}

func (s *server) do(t *testing.T, method, path, factory string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if factory != "" {
		req.Header.Set("X-Factory-Id", factory)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// ─── Turns & Sessions ────────────────────────────────────────

func TestTurnExecutesAndSessionIsInspectable(t *testing.T) {
	srv := newServer(t, nil)

	w := srv.do(t, http.MethodPost, "/api/v1/turns", "F1", map[string]any{
		"session_id": "s1", "input": "出库批次B2024-07 数量50",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[pipeline.TurnResponse](t, w)
	assert.Equal(t, pipeline.StatusExecuted, resp.Status)
	assert.Equal(t, "SHIP_BATCH", resp.IntentCode)

	w = srv.do(t, http.MethodGet, "/api/v1/sessions/s1", "F1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sess := decode[models.ConversationSession](t, w)
	assert.Equal(t, "F1", sess.FactoryID)
	assert.Equal(t, 2, sess.TotalMessages)

	w = srv.do(t, http.MethodGet, "/api/v1/sessions/s1/context", "F1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "B2024-07")

	w = srv.do(t, http.MethodGet, "/api/v1/sessions/s1", "F2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestTurnErrorsMapToStatus(t *testing.T) {
	srv := newServer(t, nil)

	w := srv.do(t, http.MethodPost, "/api/v1/turns", "", map[string]any{"input": "你好"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "factory is required")

	w = srv.do(t, http.MethodPost, "/api/v1/turns", "F1", map[string]any{"session_id": "s1", "input": "你好"})
	require.Equal(t, http.StatusOK, w.Code)
	w = srv.do(t, http.MethodPost, "/api/v1/turns", "F2", map[string]any{"session_id": "s1", "input": "你好"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/turns", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEndSession(t *testing.T) {
	srv := newServer(t, nil)
	w := srv.do(t, http.MethodPost, "/api/v1/turns", "F1", map[string]any{"session_id": "s1", "input": "出库批次B2024-07"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, pipeline.StatusNeedSlots, decode[pipeline.TurnResponse](t, w).Status)

	w = srv.do(t, http.MethodDelete, "/api/v1/sessions/s1", "F1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	sess, err := srv.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCleared, sess.State)

	w = srv.do(t, http.MethodGet, "/api/v1/sessions/missing", "F1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ─── Diagnostics ─────────────────────────────────────────────

func TestRouteAndComplexityDiagnostics(t *testing.T) {
	srv := newServer(t, nil)

	w := srv.do(t, http.MethodPost, "/api/v1/route", "F1", map[string]any{"input": "批次出库"})
	require.Equal(t, http.StatusOK, w.Code)
	d := decode[models.RouteDecision](t, w)
	assert.Equal(t, models.TierDirectExecute, d.Tier)
	require.NotEmpty(t, d.TopCandidates)
	assert.Equal(t, "SHIP_BATCH", d.TopCandidates[0].IntentCode)

	w = srv.do(t, http.MethodPost, "/api/v1/route", "F1", map[string]any{"input": " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, http.MethodPost, "/api/v1/complexity", "F1", map[string]any{"input": "查一下批次B2024-07"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]json.RawMessage](t, w)
	assert.Contains(t, body, "result")
	assert.Contains(t, body, "features")

	w = srv.do(t, http.MethodGet, "/api/v1/router/stats", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = srv.do(t, http.MethodPost, "/api/v1/cache/refresh", "F1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[models.CacheStats](t, w)
	assert.Positive(t, stats.Entries)

	w = srv.do(t, http.MethodPost, "/api/v1/complexity/train", "", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

// ─── Intents & Learning ──────────────────────────────────────

func TestIntentAdministration(t *testing.T) {
	srv := newServer(t, nil)

	w := srv.do(t, http.MethodPut, "/api/v1/intents/query_stock", "F1", models.IntentDefinition{
		Name: "库存查询", Category: models.CategoryDataOp, Active: true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	created := decode[models.IntentDefinition](t, w)
	assert.Equal(t, "QUERY_STOCK", created.Code)
	assert.Equal(t, "F1", created.FactoryID)
	assert.Equal(t, 1, created.Version)

	w = srv.do(t, http.MethodGet, "/api/v1/intents/QUERY_STOCK", "F1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = srv.do(t, http.MethodGet, "/api/v1/intents/QUERY_STOCK", "F2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = srv.do(t, http.MethodGet, "/api/v1/intents/SHIP_BATCH", "F2", nil)
	assert.Equal(t, http.StatusOK, w.Code, "global intents are visible to every factory")

	w = srv.do(t, http.MethodGet, "/api/v1/intents", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.IntentDefinition](t, w), 1)

	w = srv.do(t, http.MethodPut, "/api/v1/intents/NAMELESS", "F1", models.IntentDefinition{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLearningEndpoints(t *testing.T) {
	srv := newServer(t, nil)
	ctx := context.Background()

	w := srv.do(t, http.MethodPost, "/api/v1/keywords", "F1", map[string]string{"intent_code": "SHIP_BATCH", "keyword": " 发货 "})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec, err := srv.store.GetKeywordEffectiveness(ctx, "F1", "SHIP_BATCH", "发货")
	require.NoError(t, err)
	assert.Equal(t, models.KeywordAutoLearned, rec.Source)

	w = srv.do(t, http.MethodPost, "/api/v1/keywords", "F1", map[string]string{"intent_code": "UNKNOWN", "keyword": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = srv.do(t, http.MethodPost, "/api/v1/keywords", "F1", map[string]string{"keyword": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, http.MethodPost, "/api/v1/feedback", "F1", models.FeedbackEvent{
		IntentCode: "SHIP_BATCH", Keywords: []string{"发货"}, Positive: true,
	})
	assert.Equal(t, http.StatusAccepted, w.Code)
	rec, err = srv.store.GetKeywordEffectiveness(ctx, "F1", "SHIP_BATCH", "发货")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.PositiveCount)

	w = srv.do(t, http.MethodPost, "/api/v1/feedback", "F1", models.FeedbackEvent{Positive: true})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, http.MethodPost, "/api/v1/feedback", "F1", models.FeedbackEvent{
		IntentCode: "OTHER", CorrectIntent: "SHIP_BATCH", Input: "把这批货发走",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = srv.do(t, http.MethodGet, "/api/v1/expressions", "F1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	exprs := decode[[]models.LearnedExpression](t, w)
	require.Len(t, exprs, 1)
	assert.Equal(t, "把这批货发走", exprs[0].Text)

	w = srv.do(t, http.MethodPost, "/api/v1/expressions/"+exprs[0].ID+"/disable", "F1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	e, err := srv.store.GetExpression(ctx, exprs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExpressionDisabled, e.Status)
}

// ─── Jobs, Health & Auth ─────────────────────────────────────

func TestJobsEndpoints(t *testing.T) {
	srv := newServer(t, nil)

	w := srv.do(t, http.MethodGet, "/api/v1/jobs", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]jobs.Status](t, w), 4)

	w = srv.do(t, http.MethodPost, "/api/v1/jobs/"+jobs.JobSessionSweep+"/run", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[jobs.Status](t, w)
	assert.Equal(t, int64(1), st.Runs)
	assert.Empty(t, st.LastError)

	w = srv.do(t, http.MethodPost, "/api/v1/jobs/nope/run", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHealthVersionAndAuth(t *testing.T) {
	srv := newServer(t, middleware.NewAPIKeyAuth([]string{"secret"}))

	w := srv.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, w)["status"])

	w = srv.do(t, http.MethodGet, "/version", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.2.3", decode[map[string]any](t, w)["version"])

	w = srv.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = srv.do(t, http.MethodGet, "/api/v1/intents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/intents", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
