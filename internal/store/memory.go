package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Intents     map[string]*models.IntentDefinition       `json:"intents"`     // key: factory:code
	Expressions map[string]*models.LearnedExpression      `json:"expressions"` // key: id
	Sessions    map[string]*models.ConversationSession    `json:"sessions"`    // key: id
	Pending     map[string]*models.PendingCollection      `json:"pending"`     // key: session id
	Rules       map[string]*models.ExtractionRule         `json:"rules"`       // key: id
	Keywords    map[string]*models.KeywordEffectiveness   `json:"keywords"`    // key: factory:intent:keyword
	Adoptions   map[string]*models.KeywordFactoryAdoption `json:"adoptions"`   // key: factory:intent:keyword
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu          sync.RWMutex
	intents     map[string]*models.IntentDefinition
	expressions map[string]*models.LearnedExpression
	sessions    map[string]*models.ConversationSession
	pending     map[string]*models.PendingCollection
	rules       map[string]*models.ExtractionRule
	keywords    map[string]*models.KeywordEffectiveness
	adoptions   map[string]*models.KeywordFactoryAdoption

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	loopDone     chan struct{}
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store. If dataDir is non-empty,
// data is persisted to dataDir/assistant.json.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		intents:     make(map[string]*models.IntentDefinition),
		expressions: make(map[string]*models.LearnedExpression),
		sessions:    make(map[string]*models.ConversationSession),
		pending:     make(map[string]*models.PendingCollection),
		rules:       make(map[string]*models.ExtractionRule),
		keywords:    make(map[string]*models.KeywordEffectiveness),
		adoptions:   make(map[string]*models.KeywordFactoryAdoption),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
		loopDone:    make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "assistant.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	} else {
		close(m.loopDone)
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-time.After(500 * time.Millisecond): // debounce
			case <-m.doneCh:
				return
			}
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Intents:     m.intents,
		Expressions: m.expressions,
		Sessions:    m.sessions,
		Pending:     m.pending,
		Rules:       m.rules,
		Keywords:    m.keywords,
		Adoptions:   m.adoptions,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Intents != nil {
		m.intents = snap.Intents
	}
	if snap.Expressions != nil {
		m.expressions = snap.Expressions
	}
	if snap.Sessions != nil {
		m.sessions = snap.Sessions
	}
	if snap.Pending != nil {
		m.pending = snap.Pending
	}
	if snap.Rules != nil {
		m.rules = snap.Rules
	}
	if snap.Keywords != nil {
		m.keywords = snap.Keywords
	}
	if snap.Adoptions != nil {
		m.adoptions = snap.Adoptions
	}

	log.Info().
		Int("intents", len(m.intents)).
		Int("sessions", len(m.sessions)).
		Int("keywords", len(m.keywords)).
		Str("path", m.snapshotPath).
		Msg("Loaded data from snapshot")
}

// ── Intents ─────────────────────────────────────────────────

func (m *MemoryStore) ListIntents(_ context.Context, factoryID string) ([]models.IntentDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.IntentDefinition
	for _, it := range m.intents {
		if it.FactoryID == factoryID {
			out = append(out, *it.Clone())
		}
	}
	sortIntents(out)
	return out, nil
}

func (m *MemoryStore) ListAllIntents(_ context.Context) ([]models.IntentDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.IntentDefinition, 0, len(m.intents))
	for _, it := range m.intents {
		out = append(out, *it.Clone())
	}
	sortIntents(out)
	return out, nil
}

func (m *MemoryStore) GetIntent(_ context.Context, factoryID, code string) (*models.IntentDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.intents[scopedKey(factoryID, code)]
	if !ok {
		return nil, &ErrNotFound{Entity: "intent", Key: scopedKey(factoryID, code)}
	}
	return it.Clone(), nil
}

func (m *MemoryStore) UpsertIntent(_ context.Context, intent *models.IntentDefinition) error {
	m.mu.Lock()
	key := scopedKey(intent.FactoryID, intent.Code)
	version := 1
	if prev, ok := m.intents[key]; ok {
		version = prev.Version + 1
	}
	intent.Version = version
	intent.UpdatedAt = time.Now().UTC()
	m.intents[key] = intent.Clone()
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListFactories(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, it := range m.intents {
		if it.FactoryID != models.GlobalFactory {
			seen[it.FactoryID] = struct{}{}
		}
	}
	for _, e := range m.expressions {
		if e.FactoryID != models.GlobalFactory {
			seen[e.FactoryID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

// ── Learned Expressions ─────────────────────────────────────

func (m *MemoryStore) ListExpressions(_ context.Context, factoryID string) ([]models.LearnedExpression, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.LearnedExpression
	for _, e := range m.expressions {
		if e.FactoryID == factoryID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetExpression(_ context.Context, id string) (*models.LearnedExpression, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.expressions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "expression", Key: id}
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) UpsertExpression(_ context.Context, expr *models.LearnedExpression) error {
	m.mu.Lock()
	now := time.Now().UTC()
	if expr.CreatedAt.IsZero() {
		expr.CreatedAt = now
	}
	expr.UpdatedAt = now
	cp := *expr
	m.expressions[expr.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Sessions ────────────────────────────────────────────────

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.ConversationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	return s.Clone(), nil
}

func (m *MemoryStore) SaveSession(_ context.Context, session *models.ConversationSession) error {
	m.mu.Lock()
	m.sessions[session.ID] = session.Clone()
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListLiveSessions(_ context.Context) ([]models.ConversationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ConversationSession
	for _, s := range m.sessions {
		if s.Live() {
			out = append(out, *s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Pending Collections ─────────────────────────────────────

func (m *MemoryStore) GetPending(_ context.Context, sessionID string) (*models.PendingCollection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pending[sessionID]
	if !ok {
		return nil, &ErrNotFound{Entity: "pending", Key: sessionID}
	}
	return clonePending(p), nil
}

func (m *MemoryStore) SavePending(_ context.Context, p *models.PendingCollection) error {
	m.mu.Lock()
	m.pending[p.SessionID] = clonePending(p)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Extraction Rules ────────────────────────────────────────

func (m *MemoryStore) ListExtractionRules(_ context.Context, factoryID, intentCode string) ([]models.ExtractionRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ExtractionRule
	for _, r := range m.rules {
		if r.FactoryID == factoryID && r.IntentCode == intentCode {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) UpsertExtractionRule(_ context.Context, rule *models.ExtractionRule) error {
	m.mu.Lock()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	cp := *rule
	m.rules[rule.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Keyword Effectiveness / Adoption ────────────────────────

func (m *MemoryStore) GetKeywordEffectiveness(_ context.Context, factoryID, intentCode, keyword string) (*models.KeywordEffectiveness, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keywords[keywordKey(factoryID, intentCode, keyword)]
	if !ok {
		return nil, &ErrNotFound{Entity: "keyword", Key: keywordKey(factoryID, intentCode, keyword)}
	}
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) UpsertKeywordEffectiveness(_ context.Context, k *models.KeywordEffectiveness) error {
	m.mu.Lock()
	now := time.Now().UTC()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	k.UpdatedAt = now
	cp := *k
	m.keywords[keywordKey(k.FactoryID, k.IntentCode, k.Keyword)] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListKeywordEffectiveness(_ context.Context) ([]models.KeywordEffectiveness, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.KeywordEffectiveness, 0, len(m.keywords))
	for _, k := range m.keywords {
		out = append(out, *k)
	}
	sort.Slice(out, func(i, j int) bool {
		return keywordKey(out[i].FactoryID, out[i].IntentCode, out[i].Keyword) <
			keywordKey(out[j].FactoryID, out[j].IntentCode, out[j].Keyword)
	})
	return out, nil
}

func (m *MemoryStore) UpsertAdoption(_ context.Context, a *models.KeywordFactoryAdoption) error {
	m.mu.Lock()
	key := keywordKey(a.FactoryID, a.IntentCode, a.Keyword)
	if prev, ok := m.adoptions[key]; ok && a.AdoptedAt.IsZero() {
		a.AdoptedAt = prev.AdoptedAt
	}
	if a.AdoptedAt.IsZero() {
		a.AdoptedAt = time.Now().UTC()
	}
	cp := *a
	m.adoptions[key] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAdoptions(_ context.Context, intentCode, keyword string) ([]models.KeywordFactoryAdoption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.KeywordFactoryAdoption
	for _, a := range m.adoptions {
		if a.IntentCode == intentCode && a.Keyword == keyword {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FactoryID < out[j].FactoryID })
	return out, nil
}

func (m *MemoryStore) ListAllAdoptions(_ context.Context) ([]models.KeywordFactoryAdoption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.KeywordFactoryAdoption, 0, len(m.adoptions))
	for _, a := range m.adoptions {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		return keywordKey(out[i].FactoryID, out[i].IntentCode, out[i].Keyword) <
			keywordKey(out[j].FactoryID, out[j].IntentCode, out[j].Keyword)
	})
	return out, nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the background saver and flushes a final snapshot.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		<-m.loopDone
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// ── Helpers ─────────────────────────────────────────────────

func sortIntents(in []models.IntentDefinition) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].FactoryID != in[j].FactoryID {
			return in[i].FactoryID < in[j].FactoryID
		}
		return in[i].Code < in[j].Code
	})
}

func clonePending(p *models.PendingCollection) *models.PendingCollection {
	cp := *p
	cp.Collected = make(map[string]any, len(p.Collected))
	for k, v := range p.Collected {
		cp.Collected[k] = v
	}
	cp.Missing = append([]string(nil), p.Missing...)
	return &cp
}
