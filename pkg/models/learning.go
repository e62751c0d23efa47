package models

import "time"

// ── Keyword Learning ────────────────────────────────────────

// KeywordSource tells how a keyword entered an intent's vocabulary.
type KeywordSource string

const (
	KeywordManual      KeywordSource = "MANUAL"
	KeywordAutoLearned KeywordSource = "AUTO_LEARNED"
	KeywordPromoted    KeywordSource = "PROMOTED"
)

// KeywordEffectiveness tracks how well a keyword predicts an intent in one factory.
type KeywordEffectiveness struct {
	FactoryID      string        `json:"factory_id"`
	IntentCode     string        `json:"intent_code"`
	Keyword        string        `json:"keyword"`
	Source         KeywordSource `json:"source"`
	Weight         float64       `json:"weight"`
	PositiveCount  int           `json:"positive_count"`
	NegativeCount  int           `json:"negative_count"`
	Specificity    float64       `json:"specificity"`
	Disabled       bool          `json:"disabled"`
	DisabledReason string        `json:"disabled_reason,omitempty"`
	Promoted       bool          `json:"promoted"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// KeywordFactoryAdoption is the evidence that a factory uses a keyword for an intent.
type KeywordFactoryAdoption struct {
	FactoryID          string    `json:"factory_id"`
	IntentCode         string    `json:"intent_code"`
	Keyword            string    `json:"keyword"`
	EffectivenessScore float64   `json:"effectiveness_score"`
	AdoptedAt          time.Time `json:"adopted_at"`
	Disabled           bool      `json:"disabled"`
	DisabledReason     string    `json:"disabled_reason,omitempty"`
}

// KeywordKey identifies an (intent, keyword) pair across factories.
type KeywordKey struct {
	IntentCode string `json:"intent_code"`
	Keyword    string `json:"keyword"`
}

// PromotionOutcome is what happened to one promotion attempt.
type PromotionOutcome string

const (
	PromotionPromoted        PromotionOutcome = "PROMOTED"
	PromotionAlreadyPromoted PromotionOutcome = "ALREADY_PROMOTED"
	PromotionConflict        PromotionOutcome = "CONFLICT"
	PromotionNotEligible     PromotionOutcome = "NOT_ELIGIBLE"
	PromotionFailed          PromotionOutcome = "FAILED"
)

// PromotionResult records one promotion attempt.
type PromotionResult struct {
	IntentCode string           `json:"intent_code"`
	Keyword    string           `json:"keyword"`
	Outcome    PromotionOutcome `json:"outcome"`
	Reason     string           `json:"reason,omitempty"`
	Factories  int              `json:"factories"`
	MeanScore  float64          `json:"mean_score"`
}

// PromotionReport summarises a promotion sweep.
type PromotionReport struct {
	Checked  int               `json:"checked"`
	Promoted int               `json:"promoted"`
	Skipped  int               `json:"skipped"`
	Failed   int               `json:"failed"`
	Results  []PromotionResult `json:"results"`
	Elapsed  time.Duration     `json:"elapsed"`
}

// FeedbackEvent is a user or system signal about a resolved intent.
type FeedbackEvent struct {
	FactoryID     string   `json:"factory_id"`
	SessionID     string   `json:"session_id,omitempty"`
	IntentCode    string   `json:"intent_code"`
	Keywords      []string `json:"keywords,omitempty"`
	Positive      bool     `json:"positive"`
	Input         string   `json:"input,omitempty"`
	CorrectIntent string   `json:"correct_intent,omitempty"`
}
