package models

import "time"

// ── Conversation Sessions ───────────────────────────────────

// SessionState is the lifecycle of a conversation session.
type SessionState string

const (
	SessionNew        SessionState = "NEW"
	SessionActive     SessionState = "ACTIVE"
	SessionSummarized SessionState = "SUMMARIZED"
	SessionExpired    SessionState = "EXPIRED"
	SessionCleared    SessionState = "CLEARED"
)

// MessageRole is who produced a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one conversation turn fragment.
type Message struct {
	ID         string      `json:"id"`
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	IntentCode string      `json:"intent_code,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// SlotType identifies the kind of entity tracked for coreference.
type SlotType string

const (
	SlotBatch     SlotType = "BATCH"
	SlotSupplier  SlotType = "SUPPLIER"
	SlotCustomer  SlotType = "CUSTOMER"
	SlotProduct   SlotType = "PRODUCT"
	SlotTimeRange SlotType = "TIME_RANGE"
	SlotWarehouse SlotType = "WAREHOUSE"
)

// SlotTypeOrder is the stable order slots are rendered in.
var SlotTypeOrder = []SlotType{SlotBatch, SlotSupplier, SlotCustomer, SlotProduct, SlotWarehouse, SlotTimeRange}

// EntitySlot is the most recently mentioned entity of one type.
type EntitySlot struct {
	Type                SlotType  `json:"type"`
	ReferenceValue      string    `json:"reference_value"`
	ResolvedDescription string    `json:"resolved_description"`
	SetAt               time.Time `json:"set_at"`
}

// ConversationSession is the per-session memory of the assistant.
type ConversationSession struct {
	ID             string                  `json:"id"`
	FactoryID      string                  `json:"factory_id"`
	UserID         string                  `json:"user_id"`
	State          SessionState            `json:"state"`
	CreatedAt      time.Time               `json:"created_at"`
	LastActiveAt   time.Time               `json:"last_active_at"`
	Messages       []Message               `json:"messages"`
	Unsummarized   []Message               `json:"unsummarized,omitempty"`
	Summary        string                  `json:"summary,omitempty"`
	SummarizedAt   *time.Time              `json:"summarized_at,omitempty"`
	TotalMessages  int                     `json:"total_messages"`
	SinceSummary   int                     `json:"since_summary"`
	EntitySlots    map[SlotType]EntitySlot `json:"entity_slots"`
	LastIntentCode string                  `json:"last_intent_code,omitempty"`
	// Epoch increments whenever the session is cleared or expired so that
	// late asynchronous results can detect they belong to an older life.
	Epoch     int64      `json:"epoch"`
	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Clone returns a deep copy safe to mutate outside the owning lock.
func (s *ConversationSession) Clone() *ConversationSession {
	cp := *s
	cp.Messages = append([]Message(nil), s.Messages...)
	cp.Unsummarized = append([]Message(nil), s.Unsummarized...)
	cp.EntitySlots = make(map[SlotType]EntitySlot, len(s.EntitySlots))
	for k, v := range s.EntitySlots {
		cp.EntitySlots[k] = v
	}
	return &cp
}

// Live reports whether the session still accepts turns.
func (s *ConversationSession) Live() bool {
	return !s.Deleted && s.State != SessionExpired && s.State != SessionCleared
}

// ── Slot Filling ────────────────────────────────────────────

// PendingStatus is the state of a multi-turn parameter collection.
type PendingStatus string

const (
	PendingAwaitingSlot PendingStatus = "AWAITING_SLOT"
	PendingComplete     PendingStatus = "COMPLETE"
	PendingAbandoned    PendingStatus = "ABANDONED"
)

// PendingCollection is the persisted slot filling state for a session.
type PendingCollection struct {
	SessionID  string         `json:"session_id"`
	FactoryID  string         `json:"factory_id"`
	IntentCode string         `json:"intent_code"`
	Collected  map[string]any `json:"collected"`
	Missing    []string       `json:"missing"`
	Step       int            `json:"step"`
	Status     PendingStatus  `json:"status"`
	Attempts   int            `json:"attempts"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ExtractionRule is a learned per-factory regex for one slot of one intent.
type ExtractionRule struct {
	ID         string    `json:"id"`
	FactoryID  string    `json:"factory_id"`
	IntentCode string    `json:"intent_code"`
	SlotName   string    `json:"slot_name"`
	Pattern    string    `json:"pattern"`
	Hits       int       `json:"hits"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// MissingSlot explains why a parameter is still outstanding.
type MissingSlot struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
	Reason string `json:"reason"`
}

// SlotFillingResult is what the engine tells the caller after a turn.
type SlotFillingResult struct {
	IntentCode string         `json:"intent_code"`
	Complete   bool           `json:"complete"`
	Parameters map[string]any `json:"parameters"`
	Missing    []MissingSlot  `json:"missing,omitempty"`
	Prompt     string         `json:"prompt,omitempty"`
	Step       int            `json:"step"`
	// Filled names the slots this turn supplied.
	Filled    []string `json:"filled,omitempty"`
	Abandoned bool     `json:"abandoned,omitempty"`
}
