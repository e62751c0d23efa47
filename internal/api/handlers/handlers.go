// Package handlers implements the HTTP surface of the assistant: conversation
// turns, session inspection, routing diagnostics, intent administration and
// the learning loop's operator controls.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/internal/api/middleware"
	"github.com/traceforge/traceforge/assistant/internal/complexity"
	"github.com/traceforge/traceforge/assistant/internal/config"
	"github.com/traceforge/traceforge/assistant/internal/embeddings"
	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/internal/intentcache"
	"github.com/traceforge/traceforge/assistant/internal/jobs"
	"github.com/traceforge/traceforge/assistant/internal/learning"
	"github.com/traceforge/traceforge/assistant/internal/memory"
	"github.com/traceforge/traceforge/assistant/internal/pipeline"
	"github.com/traceforge/traceforge/assistant/internal/semantic"
	"github.com/traceforge/traceforge/assistant/internal/store"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// Handlers holds all handler dependencies. Training and Embeddings are
// optional.
type Handlers struct {
	Config     *config.Config
	Store      store.Store
	Pipeline   *pipeline.Pipeline
	Cache      *intentcache.Cache
	Semantic   *semantic.Router
	Complexity *complexity.Router
	Memory     *memory.Manager
	Learning   *learning.Loop
	Jobs       *jobs.Scheduler
	Training   *complexity.TrainingService
	Embeddings *embeddings.Registry
}

// ══════════════════════════════════════════════════════════════
// ── Turns & Sessions ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ProcessTurn runs one user message through the pipeline. Factory, user and
// roles default to the caller identity headers.
func (h *Handlers) ProcessTurn(w http.ResponseWriter, r *http.Request) {
	var req pipeline.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	caller := middleware.GetCaller(r.Context())
	if req.FactoryID == "" {
		req.FactoryID = middleware.GetFactory(r.Context())
	}
	if req.UserID == "" {
		req.UserID = caller.UserID
	}
	if len(req.Roles) == 0 {
		req.Roles = caller.Roles
	}

	resp, err := h.Pipeline.ProcessTurn(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetSession returns the stored conversation state.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// GetSessionContext returns the conversation context handed to the reasoner.
func (h *Handlers) GetSessionContext(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	text, err := h.Memory.BuildContextForLLM(r.Context(), sess.ID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"epoch":      sess.Epoch,
		"context":    text,
	})
}

// EndSession abandons open slot collection and clears the session.
func (h *Handlers) EndSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	if err := h.Pipeline.EndSession(r.Context(), sess.ID); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedSession loads the session in the URL and checks it belongs to the
// calling factory. It writes the error response itself.
func (h *Handlers) ownedSession(w http.ResponseWriter, r *http.Request) (*models.ConversationSession, bool) {
	id := chi.URLParam(r, "sessionID")
	sess, err := h.Store.GetSession(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return nil, false
	}
	if factory := middleware.GetFactory(r.Context()); factory != "" && factory != sess.FactoryID {
		respondError(w, http.StatusForbidden, "session belongs to another factory")
		return nil, false
	}
	return sess, true
}

// ══════════════════════════════════════════════════════════════
// ── Routing diagnostics ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type routeRequest struct {
	FactoryID string `json:"factory_id"`
	Input     string `json:"input"`
	TopN      int    `json:"top_n"`
}

// RouteInput shows the semantic routing decision for an input without
// touching any session.
func (h *Handlers) RouteInput(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.FactoryID == "" {
		req.FactoryID = middleware.GetFactory(r.Context())
	}
	if strings.TrimSpace(req.Input) == "" {
		respondError(w, http.StatusBadRequest, "input is required")
		return
	}
	respondJSON(w, http.StatusOK, h.Semantic.Route(r.Context(), req.FactoryID, req.Input, req.TopN))
}

type complexityRequest struct {
	Input   string              `json:"input"`
	Context models.QueryContext `json:"context"`
}

// EstimateComplexity shows the processing mode chosen for an input.
func (h *Handlers) EstimateComplexity(w http.ResponseWriter, r *http.Request) {
	var req complexityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		respondError(w, http.StatusBadRequest, "input is required")
		return
	}
	if req.Context.FactoryID == "" {
		req.Context.FactoryID = middleware.GetFactory(r.Context())
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"result":   h.Complexity.Route(r.Context(), req.Input, req.Context),
		"features": h.Complexity.ExtractFeatures(req.Input, req.Context),
	})
}

// RouterStats returns the semantic router counters.
func (h *Handlers) RouterStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Semantic.Stats())
}

// CacheStats returns the intent vector cache state.
func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Cache.Stats())
}

// RefreshCache rebuilds the vectors of one factory, or of every scope when
// no factory is given.
func (h *Handlers) RefreshCache(w http.ResponseWriter, r *http.Request) {
	factory := middleware.GetFactory(r.Context())
	var err error
	if factory == "" {
		err = h.Semantic.RefreshAllCache(r.Context())
	} else {
		err = h.Semantic.RefreshCache(r.Context(), factory)
	}
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.Cache.Stats())
}

// ══════════════════════════════════════════════════════════════
// ── Intents ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListIntents lists the intents of the calling factory's scope. Without a
// factory the global catalogue is listed.
func (h *Handlers) ListIntents(w http.ResponseWriter, r *http.Request) {
	intents, err := h.Store.ListIntents(r.Context(), middleware.GetFactory(r.Context()))
	if err != nil {
		respondErr(w, err)
		return
	}
	if intents == nil {
		intents = []models.IntentDefinition{}
	}
	respondJSON(w, http.StatusOK, intents)
}

// GetIntent returns one intent, falling back from the factory scope to the
// global one.
func (h *Handlers) GetIntent(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	factory := middleware.GetFactory(r.Context())
	intent, err := h.Store.GetIntent(r.Context(), factory, code)
	if errs.IsNotFound(err) && factory != models.GlobalFactory {
		intent, err = h.Store.GetIntent(r.Context(), models.GlobalFactory, code)
	}
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, intent)
}

// PutIntent creates or replaces an intent in the calling factory's scope and
// schedules its vectors for rebuilding.
func (h *Handlers) PutIntent(w http.ResponseWriter, r *http.Request) {
	var intent models.IntentDefinition
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	intent.Code = strings.ToUpper(chi.URLParam(r, "code"))
	intent.FactoryID = middleware.GetFactory(r.Context())
	if strings.TrimSpace(intent.Name) == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := h.Store.UpsertIntent(r.Context(), &intent); err != nil {
		respondErr(w, err)
		return
	}
	h.Cache.ScheduleRefreshIntent(intent.FactoryID, intent.Code)
	log.Info().Str("factory", intent.FactoryID).Str("intent", intent.Code).Int("version", intent.Version).Msg("Intent updated")
	respondJSON(w, http.StatusOK, intent)
}

// ══════════════════════════════════════════════════════════════
// ── Learning ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// RecordFeedback applies an explicit user signal to the learning loop.
func (h *Handlers) RecordFeedback(w http.ResponseWriter, r *http.Request) {
	var ev models.FeedbackEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if ev.FactoryID == "" {
		ev.FactoryID = middleware.GetFactory(r.Context())
	}
	if ev.IntentCode == "" {
		respondError(w, http.StatusBadRequest, "intent_code is required")
		return
	}
	if err := h.Learning.RecordFeedback(r.Context(), ev); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

type keywordRequest struct {
	IntentCode string `json:"intent_code"`
	Keyword    string `json:"keyword"`
}

// LearnKeyword adds a keyword to the calling factory's vocabulary.
func (h *Handlers) LearnKeyword(w http.ResponseWriter, r *http.Request) {
	var req keywordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.IntentCode == "" || strings.TrimSpace(req.Keyword) == "" {
		respondError(w, http.StatusBadRequest, "intent_code and keyword are required")
		return
	}
	factory := middleware.GetFactory(r.Context())
	if err := h.Learning.LearnKeyword(r.Context(), factory, req.IntentCode, req.Keyword); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{
		"factory_id":  factory,
		"intent_code": req.IntentCode,
		"keyword":     learning.NormalizeKeyword(req.Keyword),
	})
}

// ListExpressions lists the learned paraphrases of the calling factory.
func (h *Handlers) ListExpressions(w http.ResponseWriter, r *http.Request) {
	exprs, err := h.Store.ListExpressions(r.Context(), middleware.GetFactory(r.Context()))
	if err != nil {
		respondErr(w, err)
		return
	}
	if exprs == nil {
		exprs = []models.LearnedExpression{}
	}
	respondJSON(w, http.StatusOK, exprs)
}

// DisableExpression stops a learned paraphrase from matching.
func (h *Handlers) DisableExpression(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Learning.DisableExpression(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.ExpressionDisabled)})
}

// ══════════════════════════════════════════════════════════════
// ── Jobs & Training ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListJobs returns the maintenance job schedule and last outcomes.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Jobs.Statuses())
}

// RunJob runs a maintenance job synchronously.
func (h *Handlers) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.Jobs.RunNow(r.Context(), name); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	for _, st := range h.Jobs.Statuses() {
		if st.Name == name {
			respondJSON(w, http.StatusOK, st)
			return
		}
	}
	respondError(w, http.StatusNotFound, "job not found: "+name)
}

type trainRequest struct {
	Samples int `json:"samples"`
}

// TrainComplexity regenerates the classifier from reasoner-labelled samples
// and hot-swaps it.
func (h *Handlers) TrainComplexity(w http.ResponseWriter, r *http.Request) {
	if h.Training == nil {
		respondError(w, http.StatusNotImplemented, "complexity training is not configured")
		return
	}
	var req trainRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if req.Samples <= 0 && h.Config != nil {
		req.Samples = h.Config.Jobs.TrainingSamples
	}
	model, err := h.Training.TrainAndReload(r.Context(), req.Samples, complexity.DefaultFitConfig)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"samples":    model.Samples,
		"accuracy":   model.Accuracy,
		"trained_at": model.TrainedAt,
	})
}

// ══════════════════════════════════════════════════════════════
// ── Health ───────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Health reports store reachability and semantic routing availability.
// Routing being unavailable degrades the service without failing it.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	checks := map[string]string{"store": "ok", "semantic": "ok"}
	if err := h.Store.Ping(r.Context()); err != nil {
		checks["store"] = err.Error()
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	if h.Embeddings != nil {
		for name, err := range h.Embeddings.HealthCheckAll(r.Context()) {
			if err != nil {
				checks["embedding:"+name] = err.Error()
			} else {
				checks["embedding:"+name] = "ok"
			}
		}
	}
	if !h.Semantic.IsAvailable() {
		checks["semantic"] = "unavailable"
		if code == http.StatusOK {
			status = "degraded"
		}
	}
	respondJSON(w, code, map[string]any{
		"status":  status,
		"service": "traceforge-assistant",
		"checks":  checks,
	})
}

// Version reports the build version.
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	version := ""
	if h.Config != nil {
		version = h.Config.Version
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"version": version,
		"service": "traceforge-assistant",
	})
}

// ── Response helpers ────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps domain errors to HTTP statuses.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrPermissionDenied):
		respondError(w, http.StatusForbidden, err.Error())
	case errs.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrProviderUnavailable):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, err.Error())
	default:
		log.Error().Err(err).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
