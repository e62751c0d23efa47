// Package models holds the domain types shared by the assistant's intent
// resolution plane: intent configuration, vector cache entries, conversation
// sessions, slot filling state and the keyword learning records.
package models

import (
	"time"
)

// GlobalFactory is the FactoryID used for platform-wide configuration.
const GlobalFactory = ""

// ── Intent Configuration ────────────────────────────────────

// IntentCategory selects which handler executes a resolved intent.
type IntentCategory string

const (
	CategoryForm     IntentCategory = "FORM"
	CategoryDataOp   IntentCategory = "DATA_OP"
	CategoryAnalysis IntentCategory = "ANALYSIS"
	CategorySchedule IntentCategory = "SCHEDULE"
	CategorySystem   IntentCategory = "SYSTEM"
)

// SensitivityLevel grades how dangerous executing an intent is.
type SensitivityLevel string

const (
	SensitivityLow      SensitivityLevel = "LOW"
	SensitivityMedium   SensitivityLevel = "MEDIUM"
	SensitivityHigh     SensitivityLevel = "HIGH"
	SensitivityCritical SensitivityLevel = "CRITICAL"
)

// SlotValueType is the declared type of a required parameter.
type SlotValueType string

const (
	SlotValueString    SlotValueType = "STRING"
	SlotValueNumber    SlotValueType = "NUMBER"
	SlotValueDate      SlotValueType = "DATE"
	SlotValueBatch     SlotValueType = "BATCH"
	SlotValueSupplier  SlotValueType = "SUPPLIER"
	SlotValueCustomer  SlotValueType = "CUSTOMER"
	SlotValueProduct   SlotValueType = "PRODUCT"
	SlotValueWarehouse SlotValueType = "WAREHOUSE"
	SlotValueTimeRange SlotValueType = "TIME_RANGE"
)

// SlotSpec declares one parameter an intent needs before it can execute.
type SlotSpec struct {
	Name           string        `json:"name" yaml:"name"`
	Type           SlotValueType `json:"type" yaml:"type"`
	ExtractionHint string        `json:"extraction_hint,omitempty" yaml:"extraction_hint,omitempty"`
	// Pattern is an optional regex whose first capture group (or whole match) is the value.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	// Validation is an optional boolean expr-lang expression evaluated with `value` bound.
	Validation string `json:"validation,omitempty" yaml:"validation,omitempty"`
	Prompt     string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Optional   bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// IntentDefinition is one recognised user goal with its permission, slot and quota metadata.
type IntentDefinition struct {
	Code            string           `json:"code" yaml:"code"`
	FactoryID       string           `json:"factory_id,omitempty" yaml:"factory_id,omitempty"`
	Name            string           `json:"name" yaml:"name"`
	Description     string           `json:"description,omitempty" yaml:"description,omitempty"`
	Category        IntentCategory   `json:"category" yaml:"category"`
	Sensitivity     SensitivityLevel `json:"sensitivity" yaml:"sensitivity"`
	RequiredRoles   []string         `json:"required_roles,omitempty" yaml:"required_roles,omitempty"`
	RequiredSlots   []SlotSpec       `json:"required_slots,omitempty" yaml:"required_slots,omitempty"`
	Keywords        []string         `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Examples        []string         `json:"examples,omitempty" yaml:"examples,omitempty"`
	QuotaCost       int              `json:"quota_cost" yaml:"quota_cost"`
	CacheTTLMinutes int              `json:"cache_ttl_minutes" yaml:"cache_ttl_minutes"`
	Active          bool             `json:"active" yaml:"active"`
	Version         int              `json:"version" yaml:"-"`
	UpdatedAt       time.Time        `json:"updated_at" yaml:"-"`
}

// HasKeyword reports whether kw is already part of the intent's vocabulary.
func (d *IntentDefinition) HasKeyword(kw string) bool {
	for _, k := range d.Keywords {
		if k == kw {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate.
func (d *IntentDefinition) Clone() *IntentDefinition {
	cp := *d
	cp.RequiredRoles = append([]string(nil), d.RequiredRoles...)
	cp.RequiredSlots = append([]SlotSpec(nil), d.RequiredSlots...)
	cp.Keywords = append([]string(nil), d.Keywords...)
	cp.Examples = append([]string(nil), d.Examples...)
	return &cp
}

// ── Vector Cache ────────────────────────────────────────────

// VectorKind tells which source text produced a cached vector.
type VectorKind string

const (
	VectorKindIntent     VectorKind = "intent"
	VectorKindExpression VectorKind = "expression"
	VectorKindKeyword    VectorKind = "keyword"
)

// IntentVectorEntry is a precomputed embedding for an intent, a learned
// expression or a learned keyword. Entries are replaced wholesale on refresh.
type IntentVectorEntry struct {
	FactoryID      string     `json:"factory_id"`
	IntentCode     string     `json:"intent_code"`
	Kind           VectorKind `json:"kind"`
	RefID          string     `json:"ref_id,omitempty"` // expression id or keyword
	Vector         []float64  `json:"vector"`
	SourceText     string     `json:"source_text"`
	Model          string     `json:"model"`
	LastComputedAt time.Time  `json:"last_computed_at"`
}

// MatchTier grades a similarity score for display and filtering.
type MatchTier string

const (
	MatchTierHigh   MatchTier = "HIGH"
	MatchTierMedium MatchTier = "MEDIUM"
	MatchTierLow    MatchTier = "LOW"
	MatchTierNone   MatchTier = "NONE"
)

// IntentMatch is one scored hit from the vector cache.
type IntentMatch struct {
	IntentCode  string     `json:"intent_code"`
	FactoryID   string     `json:"factory_id"`
	Kind        VectorKind `json:"kind"`
	RefID       string     `json:"ref_id,omitempty"`
	MatchedText string     `json:"matched_text"`
	Score       float64    `json:"score"`
	Tier        MatchTier  `json:"tier"`
}

// CacheStats is the observable state of the intent vector cache.
type CacheStats struct {
	Generation       uint64    `json:"generation"`
	Model            string    `json:"model"`
	Dimensions       int       `json:"dimensions"`
	Entries          int       `json:"entries"`
	Factories        int       `json:"factories"`
	Hits             int64     `json:"hits"`
	Misses           int64     `json:"misses"`
	AvgMatchLatency  float64   `json:"avg_match_latency_ms"`
	LastRefreshAt    time.Time `json:"last_refresh_at"`
	Stale            bool      `json:"stale"`
	ExcludedKeywords int       `json:"excluded_keywords"`
}

// LearnedExpressionStatus is the lifecycle of a learned paraphrase.
type LearnedExpressionStatus string

const (
	ExpressionActive   LearnedExpressionStatus = "ACTIVE"
	ExpressionPromoted LearnedExpressionStatus = "PROMOTED"
	ExpressionDisabled LearnedExpressionStatus = "DISABLED"
)

// LearnedExpression is a factory-specific paraphrase of an intent.
type LearnedExpression struct {
	ID         string                  `json:"id"`
	FactoryID  string                  `json:"factory_id"`
	IntentCode string                  `json:"intent_code"`
	Text       string                  `json:"text"`
	Status     LearnedExpressionStatus `json:"status"`
	HitCount   int                     `json:"hit_count"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// ── Routing ─────────────────────────────────────────────────

// RouteTier is the execution confidence of a semantic routing decision.
type RouteTier string

const (
	TierDirectExecute RouteTier = "DIRECT_EXECUTE"
	TierNeedReranking RouteTier = "NEED_RERANKING"
	TierNeedFullLLM   RouteTier = "NEED_FULL_LLM"
)

// Candidate is one (intent, score) pair in a routing decision.
type Candidate struct {
	IntentCode string  `json:"intent_code"`
	Score      float64 `json:"score"`
}

// RouteDecision is the computed outcome of semantic routing. Not persisted.
type RouteDecision struct {
	Tier          RouteTier   `json:"tier"`
	TopCandidates []Candidate `json:"top_candidates"`
	LatencyMs     int64       `json:"latency_ms"`
	Degraded      bool        `json:"degraded,omitempty"`
	Reason        string      `json:"reason,omitempty"`
}

// Top returns the best candidate, if any.
func (d RouteDecision) Top() (Candidate, bool) {
	if len(d.TopCandidates) == 0 {
		return Candidate{}, false
	}
	return d.TopCandidates[0], true
}

// RouterStats are running totals for dashboards.
type RouterStats struct {
	Total        int64            `json:"total"`
	ByTier       map[string]int64 `json:"by_tier"`
	Degraded     int64            `json:"degraded"`
	AvgLatencyMs float64          `json:"avg_latency_ms"`
	Available    bool             `json:"available"`
	LastError    string           `json:"last_error,omitempty"`
	LastErrorAt  *time.Time       `json:"last_error_at,omitempty"`
}

// ── Complexity ──────────────────────────────────────────────

// ProcessingMode is how much machinery a query gets.
type ProcessingMode string

const (
	ModeFast          ProcessingMode = "FAST"
	ModeAnalysis      ProcessingMode = "ANALYSIS"
	ModeMultiAgent    ProcessingMode = "MULTI_AGENT"
	ModeDeepReasoning ProcessingMode = "DEEP_REASONING"
)

// AllModes lists the processing modes in increasing order of cost.
var AllModes = []ProcessingMode{ModeFast, ModeAnalysis, ModeMultiAgent, ModeDeepReasoning}

// QueryFeatures are the deterministic signals the complexity router scores.
type QueryFeatures struct {
	TokenCount       int  `json:"token_count"`
	CharCount        int  `json:"char_count"`
	HasAggregation   bool `json:"has_aggregation"`
	HasComparison    bool `json:"has_comparison"`
	HasTimeRange     bool `json:"has_time_range"`
	EntityCount      int  `json:"entity_count"`
	HasNegation      bool `json:"has_negation"`
	HasConditional   bool `json:"has_conditional"`
	HasReasoning     bool `json:"has_reasoning"`
	MultiStep        bool `json:"multi_step"`
	QuestionCount    int  `json:"question_count"`
	ContextTurns     int  `json:"context_turns"`
	HasPendingIntent bool `json:"has_pending_intent"`
}

// QueryContext carries conversation signals into complexity scoring.
type QueryContext struct {
	FactoryID        string `json:"factory_id,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
	ContextTurns     int    `json:"context_turns,omitempty"`
	HasPendingIntent bool   `json:"has_pending_intent,omitempty"`
}

// ComplexityResult is the outcome of complexity routing.
type ComplexityResult struct {
	Mode            ProcessingMode `json:"mode"`
	Score           float64        `json:"score"`
	RuleScore       float64        `json:"rule_score"`
	ClassifierScore *float64       `json:"classifier_score,omitempty"`
	Features        QueryFeatures  `json:"features"`
	Consulted       bool           `json:"orchestrator_consulted,omitempty"`
}

// ComplexitySample is one labelled training example.
type ComplexitySample struct {
	Query string         `json:"query"`
	Mode  ProcessingMode `json:"mode"`
}

// ClassifierModel is a persisted softmax classifier.
type ClassifierModel struct {
	Version      int         `json:"version"`
	Classes      []string    `json:"classes"`
	InputDim     int         `json:"input_dim"`
	UseEmbedding bool        `json:"use_embedding"`
	EmbedModel   string      `json:"embed_model,omitempty"`
	Weights      [][]float64 `json:"weights"` // InputDim x len(Classes)
	Bias         []float64   `json:"bias"`
	Accuracy     float64     `json:"accuracy"`
	Samples      int         `json:"samples"`
	TrainedAt    time.Time   `json:"trained_at"`
}
