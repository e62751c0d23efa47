// Package pipeline runs one conversational turn through intent resolution.
//
// Flow of ProcessTurn:
//
//	lock session → load context → resolve references →
//	complexity routing ∥ semantic routing → pick intent →
//	permission and confirmation checks → slot filling →
//	category handler → entity slots, messages → learning feedback →
//	background summary.
//
// Turns of one session are processed one at a time; turns of different
// sessions run in parallel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/traceforge/traceforge/assistant/internal/complexity"
	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/internal/learning"
	"github.com/traceforge/traceforge/assistant/internal/locks"
	"github.com/traceforge/traceforge/assistant/internal/memory"
	"github.com/traceforge/traceforge/assistant/internal/metrics"
	"github.com/traceforge/traceforge/assistant/internal/semantic"
	"github.com/traceforge/traceforge/assistant/internal/slotfill"
	"github.com/traceforge/traceforge/assistant/internal/store"
	"github.com/traceforge/traceforge/assistant/internal/telemetry"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// Defaults of intent selection.
const (
	DefaultKeywordWeight   = 0.3
	DefaultClassifyTimeout = 10 * time.Second
	DefaultMinConfidence   = 0.5
)

// Status is the outcome of a turn.
type Status string

const (
	StatusExecuted         Status = "EXECUTED"
	StatusNeedSlots        Status = "NEED_SLOTS"
	StatusNeedConfirmation Status = "NEED_CONFIRMATION"
	StatusAbandoned        Status = "ABANDONED"
	StatusNoMatch          Status = "NO_MATCH"
	StatusDenied           Status = "DENIED"
	StatusFailed           Status = "FAILED"
)

// TurnRequest is one user message.
type TurnRequest struct {
	SessionID  string         `json:"session_id"`
	FactoryID  string         `json:"factory_id"`
	UserID     string         `json:"user_id"`
	Roles      []string       `json:"roles,omitempty"`
	Input      string         `json:"input"`
	Structured map[string]any `json:"structured,omitempty"`
	// Confirmed acknowledges a HIGH or CRITICAL intent.
	Confirmed bool `json:"confirmed,omitempty"`
}

// Stage is the latency of one step of a turn.
type Stage struct {
	Name      string `json:"name"`
	LatencyMs int64  `json:"latency_ms"`
}

// TurnResponse describes what the pipeline did with a turn.
type TurnResponse struct {
	TraceID     string                     `json:"trace_id"`
	SessionID   string                     `json:"session_id"`
	Status      Status                     `json:"status"`
	Message     string                     `json:"message"`
	IntentCode  string                     `json:"intent_code,omitempty"`
	Selection   Selection                  `json:"selection"`
	Resolved    string                     `json:"resolved_input"`
	Mode        models.ProcessingMode      `json:"mode"`
	Complexity  models.ComplexityResult    `json:"complexity"`
	Route       models.RouteDecision       `json:"route"`
	SlotFilling *models.SlotFillingResult  `json:"slot_filling,omitempty"`
	Result      *contracts.ExecutionResult `json:"result,omitempty"`
	Stages      []Stage                    `json:"stages"`
	TotalMs     int64                      `json:"total_ms"`
}

// Deps are the collaborators of the pipeline. Reasoner and Locker are
// optional.
type Deps struct {
	Intents    store.IntentStore
	Memory     *memory.Manager
	Semantic   *semantic.Router
	Complexity *complexity.Router
	Slots      *slotfill.Engine
	Learning   *learning.Loop
	Handlers   *Registry
	Reasoner   contracts.Reasoner
	Locker     contracts.SessionLocker
}

// Pipeline is the intent resolution pipeline.
type Pipeline struct {
	intents    store.IntentStore
	memory     *memory.Manager
	semantic   *semantic.Router
	complexity *complexity.Router
	slots      *slotfill.Engine
	learning   *learning.Loop
	handlers   *Registry
	reasoner   contracts.Reasoner
	locker     contracts.SessionLocker

	keywordWeight   float64
	classifyTimeout time.Duration
	minConfidence   float64
	now             func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithKeywordWeight sets the share of the keyword score when reranking.
func WithKeywordWeight(w float64) Option {
	return func(p *Pipeline) {
		if w >= 0 && w <= 1 {
			p.keywordWeight = w
		}
	}
}

// WithClassifyTimeout bounds the reasoner classification call.
func WithClassifyTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.classifyTimeout = d
		}
	}
}

// WithMinConfidence sets the confidence below which a reasoner pick is ignored.
func WithMinConfidence(c float64) Option {
	return func(p *Pipeline) { p.minConfidence = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline.
func New(d Deps, opts ...Option) (*Pipeline, error) {
	switch {
	case d.Intents == nil:
		return nil, errors.New("pipeline: intent store is required")
	case d.Memory == nil:
		return nil, errors.New("pipeline: conversation memory is required")
	case d.Semantic == nil:
		return nil, errors.New("pipeline: semantic router is required")
	case d.Complexity == nil:
		return nil, errors.New("pipeline: complexity router is required")
	case d.Slots == nil:
		return nil, errors.New("pipeline: slot filling engine is required")
	case d.Learning == nil:
		return nil, errors.New("pipeline: learning loop is required")
	case d.Handlers == nil:
		return nil, errors.New("pipeline: handler registry is required")
	}
	p := &Pipeline{
		intents:         d.Intents,
		memory:          d.Memory,
		semantic:        d.Semantic,
		complexity:      d.Complexity,
		slots:           d.Slots,
		learning:        d.Learning,
		handlers:        d.Handlers,
		reasoner:        d.Reasoner,
		locker:          d.Locker,
		keywordWeight:   DefaultKeywordWeight,
		classifyTimeout: DefaultClassifyTimeout,
		minConfidence:   DefaultMinConfidence,
		now:             time.Now,
	}
	if p.locker == nil {
		p.locker = locks.NewLocal()
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ── Turn processing ─────────────────────────────────────────

// ProcessTurn resolves and, when possible, executes one user message.
// Routing and reasoning outages degrade the turn instead of failing it; an
// error is returned only for invalid requests, sessions owned by another
// factory or storage failures.
func (p *Pipeline) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	input := strings.TrimSpace(req.Input)
	if req.FactoryID == "" {
		return nil, fmt.Errorf("%w: factory id is required", errs.ErrInvalidRequest)
	}
	if input == "" {
		return nil, fmt.Errorf("%w: input is required", errs.ErrInvalidRequest)
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.ProcessTurn")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("factory.id", req.FactoryID),
	)

	start := p.now()
	resp := &TurnResponse{TraceID: uuid.NewString(), SessionID: req.SessionID, Selection: SelectNone}
	st := &stages{resp: resp, now: p.now, last: start}

	unlock, err := p.locker.Lock(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("lock session %s: %w", req.SessionID, err)
	}
	defer unlock()
	st.mark("lock")

	sess, err := p.memory.GetOrCreateContext(ctx, req.SessionID, req.FactoryID, req.UserID)
	if err != nil {
		return nil, err
	}
	resolved, err := p.memory.ResolveReference(ctx, req.SessionID, input)
	if err != nil {
		log.Warn().Err(err).Str("session", req.SessionID).Msg("Reference resolution failed, using raw input")
		resolved = input
	}
	resp.Resolved = resolved
	pending, open, err := p.slots.Pending(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	st.mark("context")

	qctx := models.QueryContext{
		FactoryID:        req.FactoryID,
		SessionID:        req.SessionID,
		ContextTurns:     sess.TotalMessages / 2,
		HasPendingIntent: open,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resp.Complexity = p.complexity.Route(gctx, resolved, qctx)
		return nil
	})
	g.Go(func() error {
		resp.Route = p.semantic.Route(gctx, req.FactoryID, resolved, 0)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	resp.Mode = resp.Complexity.Mode
	st.mark("routing")

	var intent *models.IntentDefinition
	var ch choice
	if open {
		if it, ok := p.followPending(ctx, req.FactoryID, pending, resp.Route); ok {
			intent = it
			ch = choice{code: it.Code, selection: SelectPending}
		}
	}
	if intent == nil {
		ch, err = p.selectIntent(ctx, req.FactoryID, resolved, memory.BuildContext(sess), resp.Route)
		if err != nil {
			return nil, err
		}
		if ch.code != "" {
			intent, err = p.visibleIntent(ctx, req.FactoryID, ch.code)
			if err != nil && !errs.IsNotFound(err) {
				return nil, err
			}
		}
	}
	resp.Selection = ch.selection
	if intent != nil {
		resp.IntentCode = intent.Code
	}
	span.SetAttributes(
		attribute.String("intent.code", resp.IntentCode),
		attribute.String("intent.selection", string(resp.Selection)),
	)
	st.mark("selection")

	sess, err = p.memory.AddMessage(ctx, req.SessionID, models.RoleUser, input, resp.IntentCode)
	if err != nil {
		return nil, err
	}

	if intent == nil {
		resp.Status = StatusNoMatch
		resp.Message = "抱歉，我没有理解您的需求，请换一种说法。"
		return p.reply(ctx, resp, start), nil
	}
	if !permitted(intent.RequiredRoles, req.Roles) {
		resp.Status = StatusDenied
		resp.Message = fmt.Sprintf("您没有执行「%s」的权限。", displayName(intent))
		return p.reply(ctx, resp, start), nil
	}
	if needsConfirmation(intent) && !req.Confirmed {
		resp.Status = StatusNeedConfirmation
		resp.Message = fmt.Sprintf("「%s」的敏感级别为 %s，请确认后再执行。", displayName(intent), intent.Sensitivity)
		return p.reply(ctx, resp, start), nil
	}

	sf, err := p.slots.CheckAndStartSlotFilling(ctx, slotfill.Turn{
		SessionID: req.SessionID,
		FactoryID: req.FactoryID,
		Intent:    intent,
		Input:     resolved,
		Context: slotfill.TurnContext{
			Structured:   req.Structured,
			Slots:        sess.EntitySlots,
			Conversation: memory.BuildContext(sess),
		},
	})
	if err != nil {
		return nil, err
	}
	resp.SlotFilling = sf
	st.mark("slot_filling")

	if !sf.Complete {
		if sf.Abandoned {
			resp.Status = StatusAbandoned
			resp.Message = fmt.Sprintf("已取消「%s」，请重新描述您的需求。", displayName(intent))
		} else {
			resp.Status = StatusNeedSlots
			resp.Message = sf.Prompt
		}
		return p.reply(ctx, resp, start), nil
	}

	success := p.execute(ctx, req, resp, intent, sf.Parameters, memory.BuildContext(sess))
	st.mark("execution")

	p.rememberParameters(ctx, req.SessionID, intent, sf.Parameters, input)
	p.feedback(ctx, req.FactoryID, intent.Code, resolved, ch, success)
	st.mark("feedback")
	return p.reply(ctx, resp, start), nil
}

func (p *Pipeline) execute(ctx context.Context, req TurnRequest, resp *TurnResponse, intent *models.IntentDefinition, params map[string]any, conversation string) bool {
	h, ok := p.handlers.Lookup(intent.Category)
	if !ok {
		resp.Status = StatusFailed
		resp.Message = fmt.Sprintf("暂不支持 %s 类操作。", intent.Category)
		return false
	}
	result, err := h.Handle(ctx, contracts.ExecutionRequest{
		FactoryID:  req.FactoryID,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Intent:     intent,
		Parameters: params,
		Mode:       resp.Mode,
		Context:    conversation,
	})
	if err != nil {
		log.Warn().Err(err).Str("intent", intent.Code).Str("session", req.SessionID).Msg("Intent execution failed")
		resp.Status = StatusFailed
		resp.Message = err.Error()
		return false
	}
	if result == nil {
		result = &contracts.ExecutionResult{}
	}
	resp.Result = result
	resp.Message = result.Message
	if !result.Success {
		resp.Status = StatusFailed
		if resp.Message == "" {
			resp.Message = fmt.Sprintf("「%s」执行失败。", displayName(intent))
		}
		return false
	}
	resp.Status = StatusExecuted
	if resp.Message == "" {
		resp.Message = fmt.Sprintf("已完成「%s」。", displayName(intent))
	}
	return true
}

// rememberParameters keeps entity-typed parameters as the session's current
// entities so the next turn can refer to them.
func (p *Pipeline) rememberParameters(ctx context.Context, sessionID string, intent *models.IntentDefinition, params map[string]any, input string) {
	for _, s := range intent.RequiredSlots {
		t, ok := slotfill.EntityType(s.Type)
		if !ok || t == models.SlotTimeRange {
			continue
		}
		v, ok := params[s.Name].(string)
		if !ok || v == "" {
			continue
		}
		if err := p.memory.UpdateEntitySlot(ctx, sessionID, memory.EntitySlotFor(t, v, input, p.now())); err != nil {
			log.Warn().Err(err).Str("session", sessionID).Str("slot", string(t)).Msg("Failed to update entity slot")
		}
	}
}

// feedback reports the execution outcome to the learning loop. Inputs the
// reasoner had to classify are learned as expressions once they execute.
func (p *Pipeline) feedback(ctx context.Context, factoryID, intentCode, input string, ch choice, success bool) {
	keywords := ch.keywords
	if len(keywords) == 0 {
		matched, err := p.learning.MatchedKeywords(ctx, factoryID, intentCode, input)
		if err != nil {
			log.Warn().Err(err).Str("intent", intentCode).Msg("Keyword match failed")
		}
		keywords = matched
	}
	if err := p.learning.RecordMatchOutcome(ctx, factoryID, intentCode, keywords, success); err != nil {
		log.Warn().Err(err).Str("intent", intentCode).Msg("Failed to record match outcome")
	}
	if success && ch.selection == SelectReasoner {
		if _, err := p.learning.LearnExpression(ctx, factoryID, intentCode, input); err != nil {
			log.Warn().Err(err).Str("intent", intentCode).Msg("Failed to learn expression")
		}
	}
}

// reply records the assistant message, schedules a summary when due and
// finalises the response.
func (p *Pipeline) reply(ctx context.Context, resp *TurnResponse, start time.Time) *TurnResponse {
	sess, err := p.memory.AddMessage(ctx, resp.SessionID, models.RoleAssistant, resp.Message, resp.IntentCode)
	if err != nil {
		log.Warn().Err(err).Str("session", resp.SessionID).Msg("Failed to record assistant message")
	} else {
		p.memory.ScheduleSummary(sess)
	}
	resp.TotalMs = p.now().Sub(start).Milliseconds()
	metrics.Turns.WithLabelValues(string(resp.Status)).Inc()
	log.Info().
		Str("session", resp.SessionID).
		Str("status", string(resp.Status)).
		Str("intent", resp.IntentCode).
		Str("selection", string(resp.Selection)).
		Str("tier", string(resp.Route.Tier)).
		Str("mode", string(resp.Mode)).
		Int64("total_ms", resp.TotalMs).
		Msg("Turn processed")
	return resp
}

// ── Sessions ────────────────────────────────────────────────

// EndSession abandons the session's open collection and clears its memory.
func (p *Pipeline) EndSession(ctx context.Context, sessionID string) error {
	unlock, err := p.locker.Lock(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	defer unlock()
	if err := p.slots.Abandon(ctx, sessionID, "session cleared"); err != nil {
		return err
	}
	return p.memory.ClearSession(ctx, sessionID)
}

// ── Helpers ─────────────────────────────────────────────────

type stages struct {
	resp *TurnResponse
	now  func() time.Time
	last time.Time
}

func (s *stages) mark(name string) {
	now := s.now()
	s.resp.Stages = append(s.resp.Stages, Stage{Name: name, LatencyMs: now.Sub(s.last).Milliseconds()})
	s.last = now
}

// permitted is true when the intent needs no role or the user holds one of them.
func permitted(required, held []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		for _, h := range held {
			if strings.EqualFold(r, h) {
				return true
			}
		}
	}
	return false
}

func needsConfirmation(intent *models.IntentDefinition) bool {
	return intent.Sensitivity == models.SensitivityHigh || intent.Sensitivity == models.SensitivityCritical
}

func displayName(intent *models.IntentDefinition) string {
	if intent.Name != "" {
		return intent.Name
	}
	return intent.Code
}
