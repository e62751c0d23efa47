package slotfill

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/internal/llm"
	"github.com/traceforge/traceforge/assistant/internal/memory"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// Value sources, in the order they are consulted.
const (
	SourceRule       = "rule"
	SourcePattern    = "pattern"
	SourceTyped      = "typed"
	SourceStructured = "structured"
	SourceEntity     = "entity"
	SourceAnswer     = "answer"
	SourceReasoner   = "reasoner"
)

// TurnContext is what the caller knows about a turn besides its text.
type TurnContext struct {
	// Structured carries form fields sent alongside the message.
	Structured map[string]any
	// Slots are the session's most recent entities.
	Slots map[models.SlotType]models.EntitySlot
	// Conversation is the rendered session context for the reasoner.
	Conversation string
}

// Extraction is the outcome of ExtractParameters.
type Extraction struct {
	Values   map[string]any
	Sources  map[string]string
	Rejected map[string]error // slot -> *errs.AmbiguousSlot
}

var (
	numberPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9.\-])(\d+(?:\.\d+)?)(?:[^A-Za-z0-9\-]|$)`)
	datePattern   = regexp.MustCompile(`(\d{4})\s*[-/年.]\s*(\d{1,2})\s*[-/月.]\s*(\d{1,2})`)
)

var entityTypes = map[models.SlotValueType]models.SlotType{
	models.SlotValueBatch:     models.SlotBatch,
	models.SlotValueSupplier:  models.SlotSupplier,
	models.SlotValueCustomer:  models.SlotCustomer,
	models.SlotValueProduct:   models.SlotProduct,
	models.SlotValueWarehouse: models.SlotWarehouse,
	models.SlotValueTimeRange: models.SlotTimeRange,
}

// EntityType maps a slot value type to the conversation entity it tracks.
func EntityType(t models.SlotValueType) (models.SlotType, bool) {
	st, ok := entityTypes[t]
	return st, ok
}

// ExtractParameters resolves slots from input. Each slot takes the first
// candidate that passes validation from: learned extraction rules, the slot's
// own pattern or the typed extractor for its type, the structured context,
// the session's entity slots and finally one reasoner call for everything
// still unresolved.
func (e *Engine) ExtractParameters(ctx context.Context, factoryID, intentCode string, slots []models.SlotSpec, input string, tc TurnContext) Extraction {
	out := Extraction{
		Values:   make(map[string]any),
		Sources:  make(map[string]string),
		Rejected: make(map[string]error),
	}
	rules := e.rulesFor(ctx, factoryID, intentCode)
	now := e.now()

	for _, slot := range slots {
		for _, c := range e.candidates(ctx, slot, rules, input, tc, now) {
			if e.accept(&out, slot, c.value, c.source) {
				break
			}
		}
	}

	var unresolved []models.SlotSpec
	for _, slot := range slots {
		if _, ok := out.Values[slot.Name]; !ok {
			unresolved = append(unresolved, slot)
		}
	}
	if len(unresolved) > 0 && e.reasoner != nil && strings.TrimSpace(input) != "" {
		values, err := e.askReasoner(ctx, intentCode, unresolved, input, tc)
		if err != nil {
			log.Debug().Err(err).Str("intent", intentCode).Msg("Reasoner extraction unavailable, keeping slots missing")
		}
		for _, slot := range unresolved {
			raw, ok := values[slot.Name]
			if !ok || raw == nil {
				continue
			}
			v, ok := coerce(slot.Type, raw)
			if !ok {
				continue
			}
			if e.accept(&out, slot, v, SourceReasoner) {
				e.learnRule(ctx, factoryID, intentCode, slot, input, v)
			}
		}
	}
	return out
}

type candidate struct {
	value  any
	source string
}

func (e *Engine) candidates(ctx context.Context, slot models.SlotSpec, rules []models.ExtractionRule, input string, tc TurnContext, now time.Time) []candidate {
	var out []candidate
	for i := range rules {
		r := &rules[i]
		if r.SlotName != slot.Name {
			continue
		}
		if raw, ok := e.matchPattern(r.Pattern, input); ok {
			if v, ok := coerce(slot.Type, raw); ok {
				out = append(out, candidate{v, SourceRule})
				e.bumpRule(ctx, r)
			}
		}
	}
	if slot.Pattern != "" {
		if raw, ok := e.matchPattern(slot.Pattern, input); ok {
			if v, ok := coerce(slot.Type, raw); ok {
				out = append(out, candidate{v, SourcePattern})
			}
		}
	}
	if v, ok := typedExtract(slot.Type, input, now); ok {
		out = append(out, candidate{v, SourceTyped})
	}
	if raw, ok := tc.Structured[slot.Name]; ok && raw != nil && raw != "" {
		if v, ok := coerce(slot.Type, raw); ok {
			out = append(out, candidate{v, SourceStructured})
		}
	}
	if t, ok := entityTypes[slot.Type]; ok {
		if es, ok := tc.Slots[t]; ok && es.ReferenceValue != "" {
			out = append(out, candidate{es.ReferenceValue, SourceEntity})
		}
	}
	return out
}

// accept records v for slot when it validates and reports whether it did.
func (e *Engine) accept(out *Extraction, slot models.SlotSpec, v any, source string) bool {
	if err := e.validators.check(slot.Name, slot.Validation, v); err != nil {
		if _, seen := out.Rejected[slot.Name]; !seen {
			out.Rejected[slot.Name] = err
		}
		return false
	}
	out.Values[slot.Name] = v
	out.Sources[slot.Name] = source
	delete(out.Rejected, slot.Name)
	return true
}

// ── Typed extractors ────────────────────────────────────────

func typedExtract(t models.SlotValueType, input string, now time.Time) (any, bool) {
	switch t {
	case models.SlotValueNumber:
		return extractNumber(input)
	case models.SlotValueDate:
		return extractDate(input, now)
	case models.SlotValueString:
		return nil, false
	}
	st, ok := entityTypes[t]
	if !ok {
		return nil, false
	}
	for _, es := range memory.DetectEntities(input, now) {
		if es.Type == st {
			return es.ReferenceValue, true
		}
	}
	return nil, false
}

// extractNumber takes the first free-standing number that is not part of a
// batch or partner code, a warehouse number, a relative time phrase or a
// date.
func extractNumber(input string) (any, bool) {
	spans := memory.EntitySpans(input)
	spans = append(spans, datePattern.FindAllStringIndex(input, -1)...)
	masked := []byte(input)
	for _, sp := range spans {
		for i := sp[0]; i < sp[1]; i++ {
			masked[i] = ' '
		}
	}
	m := numberPattern.FindSubmatch(masked)
	if m == nil {
		return nil, false
	}
	f, err := strconv.ParseFloat(string(m[1]), 64)
	return f, err == nil
}

func extractDate(input string, now time.Time) (any, bool) {
	if m := datePattern.FindStringSubmatch(input); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if mo < 1 || mo > 12 || d < 1 || d > 31 {
			return nil, false
		}
		return time.Date(y, time.Month(mo), d, 0, 0, 0, 0, now.Location()).Format("2006-01-02"), true
	}
	lower := strings.ToLower(input)
	for _, rel := range []struct {
		words []string
		days  int
	}{
		{[]string{"前天"}, -2},
		{[]string{"昨天", "yesterday"}, -1},
		{[]string{"今天", "today"}, 0},
		{[]string{"明天", "tomorrow"}, 1},
		{[]string{"后天"}, 2},
	} {
		for _, w := range rel.words {
			if strings.Contains(lower, w) {
				return now.AddDate(0, 0, rel.days).Format("2006-01-02"), true
			}
		}
	}
	return nil, false
}

// coerce converts a raw candidate to the slot's value type.
func coerce(t models.SlotValueType, raw any) (any, bool) {
	switch t {
	case models.SlotValueNumber:
		switch v := raw.(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case json.Number:
			f, err := v.Float64()
			return f, err == nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			return f, err == nil
		}
		return nil, false
	default:
		s := strings.TrimSpace(fmt.Sprint(raw))
		if s == "" {
			return nil, false
		}
		switch t {
		case models.SlotValueBatch, models.SlotValueSupplier, models.SlotValueCustomer, models.SlotValueProduct:
			s = strings.ToUpper(s)
		}
		return s, true
	}
}

// ── Learned rules ───────────────────────────────────────────

func (e *Engine) rulesFor(ctx context.Context, factoryID, intentCode string) []models.ExtractionRule {
	if e.rules == nil {
		return nil
	}
	all, err := e.rules.ListExtractionRules(ctx, factoryID, intentCode)
	if err != nil {
		log.Warn().Err(err).Str("factory", factoryID).Str("intent", intentCode).Msg("Failed to load extraction rules")
		return nil
	}
	out := all[:0]
	for _, r := range all {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) matchPattern(pattern, input string) (string, bool) {
	re, err := e.regexp(pattern)
	if err != nil {
		log.Warn().Err(err).Str("pattern", pattern).Msg("Skipping invalid extraction pattern")
		return "", false
	}
	m := re.FindStringSubmatch(input)
	if m == nil {
		return "", false
	}
	for _, g := range m[1:] {
		if g != "" {
			return g, true
		}
	}
	return m[0], true
}

func (e *Engine) regexp(pattern string) (*regexp.Regexp, error) {
	e.reMu.Lock()
	defer e.reMu.Unlock()
	if re, ok := e.regexps[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.regexps[pattern] = re
	return re, nil
}

func (e *Engine) bumpRule(ctx context.Context, r *models.ExtractionRule) {
	r.Hits++
	if err := e.rules.UpsertExtractionRule(ctx, r); err != nil {
		log.Warn().Err(err).Str("rule", r.ID).Msg("Failed to record extraction rule hit")
	}
}

// learnRule turns a value the reasoner found verbatim in input into a regex
// anchored on the text right before it, so the next phrasing like it is
// resolved without a model call. Values with no stable shape are skipped.
func (e *Engine) learnRule(ctx context.Context, factoryID, intentCode string, slot models.SlotSpec, input string, v any) {
	if e.rules == nil {
		return
	}
	pattern, ok := derivePattern(input, v)
	if !ok {
		return
	}
	existing, err := e.rules.ListExtractionRules(ctx, factoryID, intentCode)
	if err != nil {
		return
	}
	for _, r := range existing {
		if r.SlotName == slot.Name && r.Pattern == pattern {
			return
		}
	}
	rule := &models.ExtractionRule{
		ID:         uuid.NewString(),
		FactoryID:  factoryID,
		IntentCode: intentCode,
		SlotName:   slot.Name,
		Pattern:    pattern,
		Enabled:    true,
		CreatedAt:  e.now(),
	}
	if err := e.rules.UpsertExtractionRule(ctx, rule); err != nil {
		log.Warn().Err(err).Msg("Failed to store learned extraction rule")
		return
	}
	log.Info().Str("factory", factoryID).Str("intent", intentCode).Str("slot", slot.Name).Str("pattern", pattern).Msg("Learned extraction rule")
}

var (
	numericValue = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
	codeValue    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)
)

func derivePattern(input string, v any) (string, bool) {
	var text, class string
	switch val := v.(type) {
	case float64:
		text = strconv.FormatFloat(val, 'f', -1, 64)
	case string:
		text = val
	default:
		return "", false
	}
	switch {
	case numericValue.MatchString(text):
		class = `(\d+(?:\.\d+)?)`
	case codeValue.MatchString(text):
		class = `([A-Za-z0-9][A-Za-z0-9-]*)`
	default:
		return "", false
	}
	idx := strings.Index(strings.ToUpper(input), strings.ToUpper(text))
	if idx <= 0 {
		return "", false
	}
	anchor := strings.TrimSpace(lastRunes(input[:idx], 4))
	if utf8.RuneCountInString(anchor) < 2 {
		return "", false
	}
	return regexp.QuoteMeta(anchor) + `\s*` + class, true
}

func lastRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// ── Reasoner fallback ───────────────────────────────────────

const extractionSystemPrompt = `You extract parameters for a factory traceability assistant.
Return only a JSON object {"values": {"<slot name>": <value or null>}}.
Use null when the message does not state a value. Never guess.`

func (e *Engine) askReasoner(ctx context.Context, intentCode string, slots []models.SlotSpec, input string, tc TurnContext) (map[string]any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Intent: %s\nSlots:\n", intentCode)
	for _, s := range slots {
		fmt.Fprintf(&b, "- %s (%s)", s.Name, s.Type)
		if s.ExtractionHint != "" {
			fmt.Fprintf(&b, ": %s", s.ExtractionHint)
		}
		b.WriteByte('\n')
	}
	if tc.Conversation != "" {
		fmt.Fprintf(&b, "\nConversation:\n%s\n", tc.Conversation)
	}
	fmt.Fprintf(&b, "\nMessage: %s", input)

	cctx, cancel := context.WithTimeout(ctx, e.extractTimeout)
	defer cancel()
	var resp struct {
		Values map[string]any `json:"values"`
	}
	err := llm.CompleteJSON(cctx, e.reasoner, contracts.ReasonRequest{
		System:      extractionSystemPrompt,
		Prompt:      b.String(),
		MaxTokens:   300,
		Temperature: 0,
		Timeout:     e.extractTimeout,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}
