// Package memory keeps per-session conversation state: a bounded message
// window, a running summary of everything that fell out of it, and the most
// recent entity of each type for coreference.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/internal/locks"
	"github.com/traceforge/traceforge/assistant/internal/metrics"
	"github.com/traceforge/traceforge/assistant/internal/store"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// Default memory parameters.
const (
	DefaultWindowSize        = 6
	DefaultSummaryMinTotal   = 10
	DefaultSummaryMinPending = 5
	DefaultSummaryHardCap    = 24
	DefaultSummaryTimeout    = 20 * time.Second

	// summaries longer than this keep only their tail
	maxSummaryRunes = 2000
)

// Manager owns conversation sessions. Every read-modify-write of a session
// record happens under a per-session lock; the slow summarisation call runs
// outside it.
type Manager struct {
	store    store.SessionStore
	reasoner contracts.Reasoner

	window         int
	minTotal       int
	minPending     int
	hardCap        int
	summaryTimeout time.Duration
	now            func() time.Time

	locks *locks.Local

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // session id -> running summary

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithReasoner sets the model used for summaries.
func WithReasoner(r contracts.Reasoner) Option {
	return func(m *Manager) { m.reasoner = r }
}

// WithWindowSize sets the number of messages kept verbatim.
func WithWindowSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.window = n
		}
	}
}

// WithSummaryTrigger sets the summary trigger: more than minTotal messages in
// the session and at least minPending since the last summary.
func WithSummaryTrigger(minTotal, minPending int) Option {
	return func(m *Manager) {
		if minTotal > 0 {
			m.minTotal = minTotal
		}
		if minPending > 0 {
			m.minPending = minPending
		}
	}
}

// WithSummaryHardCap bounds how many evicted messages may wait for a summary
// before they are absorbed extractively.
func WithSummaryHardCap(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.hardCap = n
		}
	}
}

// WithSummaryTimeout bounds one summarisation call.
func WithSummaryTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.summaryTimeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager over s.
func NewManager(s store.SessionStore, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:          s,
		window:         DefaultWindowSize,
		minTotal:       DefaultSummaryMinTotal,
		minPending:     DefaultSummaryMinPending,
		hardCap:        DefaultSummaryHardCap,
		summaryTimeout: DefaultSummaryTimeout,
		now:            time.Now,
		locks:          locks.NewLocal(),
		inflight:       make(map[string]context.CancelFunc),
		bgCtx:          ctx,
		bgCancel:       cancel,
	}
	for _, o := range opts {
		o(m)
	}
	if m.hardCap < m.window {
		m.hardCap = m.window
	}
	return m
}

// Close cancels running summaries and waits for them.
func (m *Manager) Close() {
	m.bgCancel()
	m.wg.Wait()
}

// Wait blocks until scheduled summaries have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// ── Sessions ────────────────────────────────────────────────

// GetOrCreateContext returns the live session, creating an ACTIVE one when
// none exists or the previous one was cleared or expired.
func (m *Manager) GetOrCreateContext(ctx context.Context, sessionID, factoryID, userID string) (*models.ConversationSession, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	var out *models.ConversationSession
	err := m.withSession(ctx, sessionID, func() error {
		s, err := m.store.GetSession(ctx, sessionID)
		switch {
		case err == nil && s.Live():
			if s.FactoryID != factoryID {
				return fmt.Errorf("session %s belongs to another factory: %w", sessionID, errs.ErrPermissionDenied)
			}
			out = s
			return nil
		case err != nil && !errs.IsNotFound(err):
			return err
		}

		now := m.now()
		fresh := &models.ConversationSession{
			ID:           sessionID,
			FactoryID:    factoryID,
			UserID:       userID,
			State:        models.SessionActive,
			CreatedAt:    now,
			LastActiveAt: now,
			EntitySlots:  make(map[models.SlotType]models.EntitySlot),
		}
		if s != nil {
			fresh.Epoch = s.Epoch + 1
		}
		if err := m.store.SaveSession(ctx, fresh); err != nil {
			return err
		}
		log.Debug().Str("session", sessionID).Str("factory", factoryID).Int64("epoch", fresh.Epoch).Msg("Session created")
		out = fresh
		return nil
	})
	return out, err
}

// AddMessage appends a message to the window. Messages pushed out of the
// window wait in Unsummarized until a summary absorbs them. Entities in user
// messages overwrite the matching slots.
func (m *Manager) AddMessage(ctx context.Context, sessionID string, role models.MessageRole, content, intentCode string) (*models.ConversationSession, error) {
	var out *models.ConversationSession
	err := m.withLive(ctx, sessionID, func(s *models.ConversationSession) error {
		now := m.now()
		s.Messages = append(s.Messages, models.Message{
			ID:         uuid.NewString(),
			Role:       role,
			Content:    content,
			IntentCode: intentCode,
			CreatedAt:  now,
		})
		if over := len(s.Messages) - m.window; over > 0 {
			s.Unsummarized = append(s.Unsummarized, s.Messages[:over]...)
			s.Messages = append([]models.Message(nil), s.Messages[over:]...)
		}
		s.TotalMessages++
		s.SinceSummary++
		s.LastActiveAt = now
		if intentCode != "" {
			s.LastIntentCode = intentCode
		}
		if role == models.RoleUser {
			for _, slot := range DetectEntities(content, now) {
				s.EntitySlots[slot.Type] = slot
			}
		}
		if len(s.Unsummarized) > m.hardCap {
			absorbExtractive(s, now)
			metrics.Summaries.WithLabelValues("extractive").Inc()
		}
		out = s.Clone()
		return nil
	})
	return out, err
}

// UpdateEntitySlot overwrites the slot of slot.Type.
func (m *Manager) UpdateEntitySlot(ctx context.Context, sessionID string, slot models.EntitySlot) error {
	if slot.SetAt.IsZero() {
		slot.SetAt = m.now()
	}
	return m.withLive(ctx, sessionID, func(s *models.ConversationSession) error {
		s.EntitySlots[slot.Type] = slot
		return nil
	})
}

// GetEntitySlot returns the slot of type t, if set.
func (m *Manager) GetEntitySlot(ctx context.Context, sessionID string, t models.SlotType) (models.EntitySlot, bool, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.EntitySlot{}, false, err
	}
	slot, ok := s.EntitySlots[t]
	return slot, ok, nil
}

// ResolveReference rewrites anaphoric phrases in text using the session's
// entity slots. An unknown session leaves the text unchanged.
func (m *Manager) ResolveReference(ctx context.Context, sessionID, text string) (string, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errs.IsNotFound(err) {
			return text, nil
		}
		return text, err
	}
	return ResolveReferences(text, s.EntitySlots), nil
}

// BuildContextForLLM renders the session for a reasoning prompt.
func (m *Manager) BuildContextForLLM(ctx context.Context, sessionID string) (string, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return BuildContext(s), nil
}

// ClearSession soft-deletes the session and cancels its running summary.
func (m *Manager) ClearSession(ctx context.Context, sessionID string) error {
	m.cancelSummary(sessionID)
	return m.withSession(ctx, sessionID, func() error {
		s, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.Deleted {
			return nil
		}
		retire(s, models.SessionCleared, m.now())
		log.Info().Str("session", sessionID).Msg("Session cleared")
		return m.store.SaveSession(ctx, s)
	})
}

// ExpireOldSessions soft-expires sessions idle for longer than minutes and
// returns how many were expired. It works from a snapshot and re-checks each
// session under its lock, so a session that became active meanwhile is kept.
func (m *Manager) ExpireOldSessions(ctx context.Context, minutes int) (int, error) {
	if minutes <= 0 {
		return 0, fmt.Errorf("expiry minutes must be positive, got %d", minutes)
	}
	live, err := m.store.ListLiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-time.Duration(minutes) * time.Minute)

	expired := 0
	for _, snap := range live {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if !snap.LastActiveAt.Before(cutoff) {
			continue
		}
		id := snap.ID
		done := false
		err := m.withSession(ctx, id, func() error {
			s, err := m.store.GetSession(ctx, id)
			if err != nil {
				return err
			}
			if !s.Live() || !s.LastActiveAt.Before(cutoff) {
				return nil
			}
			retire(s, models.SessionExpired, m.now())
			if err := m.store.SaveSession(ctx, s); err != nil {
				return err
			}
			done = true
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Str("session", id).Msg("Failed to expire session")
			continue
		}
		if done {
			m.cancelSummary(id)
			expired++
		}
	}
	if expired > 0 {
		log.Info().Int("expired", expired).Int("minutes", minutes).Msg("Expired idle sessions")
	}
	return expired, nil
}

func retire(s *models.ConversationSession, state models.SessionState, now time.Time) {
	s.State = state
	s.Deleted = true
	s.DeletedAt = &now
	s.Epoch++
}

// ── Locking helpers ─────────────────────────────────────────

func (m *Manager) withSession(ctx context.Context, sessionID string, fn func() error) error {
	unlock, err := m.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// withLive loads a live session, applies fn and saves it.
func (m *Manager) withLive(ctx context.Context, sessionID string, fn func(s *models.ConversationSession) error) error {
	return m.withSession(ctx, sessionID, func() error {
		s, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if !s.Live() {
			return fmt.Errorf("session %s: %w", sessionID, errs.ErrSessionClosed)
		}
		if s.EntitySlots == nil {
			s.EntitySlots = make(map[models.SlotType]models.EntitySlot)
		}
		if err := fn(s); err != nil {
			return err
		}
		return m.store.SaveSession(ctx, s)
	})
}

// ── Context rendering ───────────────────────────────────────

// BuildContext renders populated slots, then the summary, then the window.
func BuildContext(s *models.ConversationSession) string {
	var b strings.Builder
	wroteSlots := false
	for _, t := range models.SlotTypeOrder {
		slot, ok := s.EntitySlots[t]
		if !ok || slotText(slot) == "" {
			continue
		}
		if !wroteSlots {
			b.WriteString("[Entities]\n")
			wroteSlots = true
		}
		fmt.Fprintf(&b, "%s: %s", t, slotText(slot))
		if slot.ReferenceValue != "" && slot.ReferenceValue != slotText(slot) {
			fmt.Fprintf(&b, " (%s)", slot.ReferenceValue)
		}
		b.WriteByte('\n')
	}
	if s.Summary != "" {
		b.WriteString("[Summary]\n")
		b.WriteString(s.Summary)
		b.WriteByte('\n')
	}
	if len(s.Messages) > 0 {
		b.WriteString("[Recent]\n")
		for _, msg := range s.Messages {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
