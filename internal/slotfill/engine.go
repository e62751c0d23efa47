// Package slotfill checks that a resolved intent has every parameter it needs
// and runs the multi-turn collection of the missing ones.
//
// A session has at most one pending collection. Its state machine is
// AWAITING_SLOT(step n) → AWAITING_SLOT(n+1) → … → COMPLETE; a turn for a
// different intent, or too many turns without progress, abandons it so
// partial parameters never leak into an unrelated execution.
package slotfill

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/internal/metrics"
	"github.com/traceforge/traceforge/assistant/internal/store"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

const (
	DefaultExtractionTimeout = 5 * time.Second
	DefaultMaxAttempts       = 3
)

// Engine is the slot filling engine. Callers serialise turns per session.
type Engine struct {
	pending        store.PendingStore
	rules          store.RuleStore
	reasoner       contracts.Reasoner
	extractTimeout time.Duration
	maxAttempts    int
	now            func() time.Time

	validators *validators
	reMu       sync.Mutex
	regexps    map[string]*regexp.Regexp
}

// Option configures an Engine.
type Option func(*Engine)

// WithReasoner enables the model fallback for unresolved slots.
func WithReasoner(r contracts.Reasoner) Option {
	return func(e *Engine) { e.reasoner = r }
}

// WithRuleStore enables learned extraction rules.
func WithRuleStore(rs store.RuleStore) Option {
	return func(e *Engine) { e.rules = rs }
}

// WithExtractionTimeout bounds the reasoner fallback.
func WithExtractionTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.extractTimeout = d
		}
	}
}

// WithMaxAttempts sets how many turns without progress abandon a collection.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a slot filling engine persisting state in ps.
func NewEngine(ps store.PendingStore, opts ...Option) *Engine {
	e := &Engine{
		pending:        ps,
		extractTimeout: DefaultExtractionTimeout,
		maxAttempts:    DefaultMaxAttempts,
		now:            time.Now,
		validators:     newValidators(),
		regexps:        make(map[string]*regexp.Regexp),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// GetRequiredSlots returns the slots intent declares, in order.
func GetRequiredSlots(intent *models.IntentDefinition) []models.SlotSpec {
	if intent == nil {
		return nil
	}
	return append([]models.SlotSpec(nil), intent.RequiredSlots...)
}

// FindMissingSlots lists the non-optional slots without a value, explaining
// why each is outstanding.
func FindMissingSlots(slots []models.SlotSpec, ex Extraction) []models.MissingSlot {
	var out []models.MissingSlot
	for _, s := range slots {
		if s.Optional {
			continue
		}
		if _, ok := ex.Values[s.Name]; ok {
			continue
		}
		reason := "not provided"
		if err := ex.Rejected[s.Name]; err != nil {
			reason = err.Error()
		}
		out = append(out, models.MissingSlot{
			Name:   s.Name,
			Type:   string(s.Type),
			Prompt: promptFor(s),
			Reason: reason,
		})
	}
	return out
}

// ── State machine ───────────────────────────────────────────

// Turn identifies the session and intent a slot filling call is about.
type Turn struct {
	SessionID string
	FactoryID string
	Intent    *models.IntentDefinition
	Input     string
	Context   TurnContext
}

// Pending returns the session's open collection, if any.
func (e *Engine) Pending(ctx context.Context, sessionID string) (*models.PendingCollection, bool, error) {
	p, err := e.pending.GetPending(ctx, sessionID)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if p.Status != models.PendingAwaitingSlot {
		return nil, false, nil
	}
	return p, true, nil
}

// CheckAndStartSlotFilling runs after intent matching. It continues an open
// collection for the same intent, abandons one for a different intent, and
// otherwise extracts parameters and starts collecting whatever is missing.
// A Complete result means the intent can execute with result.Parameters.
func (e *Engine) CheckAndStartSlotFilling(ctx context.Context, t Turn) (*models.SlotFillingResult, error) {
	if t.Intent == nil {
		return nil, fmt.Errorf("slot filling needs an intent")
	}
	p, open, err := e.Pending(ctx, t.SessionID)
	if err != nil {
		return nil, err
	}
	if open {
		if p.IntentCode == t.Intent.Code && p.FactoryID == t.FactoryID {
			return e.ContinueSlotFilling(ctx, t)
		}
		if err := e.Abandon(ctx, t.SessionID, "switched to "+t.Intent.Code); err != nil {
			return nil, err
		}
	}

	slots := GetRequiredSlots(t.Intent)
	ex := e.ExtractParameters(ctx, t.FactoryID, t.Intent.Code, slots, t.Input, t.Context)
	missing := FindMissingSlots(slots, ex)
	if len(missing) == 0 {
		return &models.SlotFillingResult{
			IntentCode: t.Intent.Code,
			Complete:   true,
			Parameters: ex.Values,
			Filled:     filledNames(slots, ex),
		}, nil
	}
	return e.StartSlotFilling(ctx, t, ex, missing)
}

// StartSlotFilling opens (or reuses) the session's pending collection and
// returns the prompt for the outstanding slots.
func (e *Engine) StartSlotFilling(ctx context.Context, t Turn, ex Extraction, missing []models.MissingSlot) (*models.SlotFillingResult, error) {
	now := e.now()
	p := &models.PendingCollection{
		SessionID:  t.SessionID,
		FactoryID:  t.FactoryID,
		IntentCode: t.Intent.Code,
		Collected:  copyValues(ex.Values),
		Missing:    missingNames(missing),
		Step:       1,
		Status:     models.PendingAwaitingSlot,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.pending.SavePending(ctx, p); err != nil {
		return nil, err
	}
	metrics.SlotFilling.WithLabelValues("started").Inc()
	log.Debug().Str("session", t.SessionID).Str("intent", t.Intent.Code).Strs("missing", p.Missing).Msg("Slot filling started")
	return &models.SlotFillingResult{
		IntentCode: t.Intent.Code,
		Parameters: copyValues(p.Collected),
		Missing:    missing,
		Prompt:     joinPrompts(missing),
		Step:       p.Step,
		Filled:     filledNames(GetRequiredSlots(t.Intent), ex),
	}, nil
}

// ContinueSlotFilling applies a follow-up turn to the open collection.
func (e *Engine) ContinueSlotFilling(ctx context.Context, t Turn) (*models.SlotFillingResult, error) {
	p, open, err := e.Pending(ctx, t.SessionID)
	if err != nil {
		return nil, err
	}
	if !open || p.IntentCode != t.Intent.Code {
		return nil, &errs.NotFound{Entity: "pending collection", Key: t.SessionID}
	}

	slots := GetRequiredSlots(t.Intent)
	var outstanding []models.SlotSpec
	for _, s := range slots {
		if _, ok := p.Collected[s.Name]; !ok {
			outstanding = append(outstanding, s)
		}
	}
	ex := e.ExtractParameters(ctx, t.FactoryID, t.Intent.Code, outstanding, t.Input, t.Context)
	e.answerDirectly(&ex, outstanding, t.Input)

	filled := filledNames(outstanding, ex)
	if p.Collected == nil {
		p.Collected = make(map[string]any)
	}
	for k, v := range ex.Values {
		p.Collected[k] = v
	}
	all := Extraction{Values: p.Collected, Rejected: ex.Rejected}
	missing := FindMissingSlots(slots, all)
	p.UpdatedAt = e.now()

	res := &models.SlotFillingResult{
		IntentCode: t.Intent.Code,
		Parameters: copyValues(p.Collected),
		Filled:     filled,
	}
	switch {
	case len(missing) == 0:
		p.Status = models.PendingComplete
		p.Missing = nil
		res.Complete = true
		metrics.SlotFilling.WithLabelValues("completed").Inc()
	case len(filled) == 0 && p.Attempts+1 >= e.maxAttempts:
		p.Status = models.PendingAbandoned
		p.Missing = missingNames(missing)
		res.Abandoned = true
		res.Missing = missing
		metrics.SlotFilling.WithLabelValues("abandoned").Inc()
		log.Info().Str("session", t.SessionID).Str("intent", t.Intent.Code).Msg("Slot filling abandoned after repeated turns without progress")
	default:
		if len(filled) == 0 {
			p.Attempts++
		} else {
			p.Attempts = 0
			p.Step++
		}
		p.Missing = missingNames(missing)
		res.Missing = missing
		res.Prompt = joinPrompts(missing)
		metrics.SlotFilling.WithLabelValues("continued").Inc()
	}
	res.Step = p.Step
	if err := e.pending.SavePending(ctx, p); err != nil {
		return nil, err
	}
	return res, nil
}

// answerDirectly takes the whole message as the value when exactly one
// free-text slot is outstanding and nothing else matched, which is how users
// answer a prompt like "请提供备注".
func (e *Engine) answerDirectly(ex *Extraction, outstanding []models.SlotSpec, input string) {
	if len(ex.Values) > 0 {
		return
	}
	var target *models.SlotSpec
	for i := range outstanding {
		if outstanding[i].Optional {
			continue
		}
		if target != nil {
			return
		}
		target = &outstanding[i]
	}
	answer := strings.TrimSpace(input)
	if target == nil || target.Type != models.SlotValueString || answer == "" {
		return
	}
	e.accept(ex, *target, answer, SourceAnswer)
}

// Abandon closes the session's open collection. Closing a session with
// none is a no-op.
func (e *Engine) Abandon(ctx context.Context, sessionID, reason string) error {
	p, open, err := e.Pending(ctx, sessionID)
	if err != nil || !open {
		return err
	}
	p.Status = models.PendingAbandoned
	p.UpdatedAt = e.now()
	if err := e.pending.SavePending(ctx, p); err != nil {
		return err
	}
	metrics.SlotFilling.WithLabelValues("abandoned").Inc()
	log.Debug().Str("session", sessionID).Str("intent", p.IntentCode).Str("reason", reason).Msg("Slot filling abandoned")
	return nil
}

// ── Helpers ─────────────────────────────────────────────────

var defaultPrompts = map[models.SlotValueType]string{
	models.SlotValueBatch:     "请提供批次号",
	models.SlotValueSupplier:  "请提供供应商编号",
	models.SlotValueCustomer:  "请提供客户编号",
	models.SlotValueProduct:   "请提供产品编号",
	models.SlotValueWarehouse: "请提供仓库",
	models.SlotValueTimeRange: "请说明时间范围",
	models.SlotValueDate:      "请提供日期",
	models.SlotValueNumber:    "请提供数量",
}

func promptFor(s models.SlotSpec) string {
	if s.Prompt != "" {
		return s.Prompt
	}
	if p, ok := defaultPrompts[s.Type]; ok {
		return p
	}
	return "请提供" + s.Name
}

func joinPrompts(missing []models.MissingSlot) string {
	prompts := make([]string, 0, len(missing))
	for _, m := range missing {
		prompts = append(prompts, m.Prompt)
	}
	return strings.Join(prompts, "；")
}

func missingNames(missing []models.MissingSlot) []string {
	out := make([]string, 0, len(missing))
	for _, m := range missing {
		out = append(out, m.Name)
	}
	return out
}

func filledNames(slots []models.SlotSpec, ex Extraction) []string {
	var out []string
	for _, s := range slots {
		if _, ok := ex.Values[s.Name]; ok {
			out = append(out, s.Name)
		}
	}
	return out
}

func copyValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
