package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/internal/metrics"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

const summarySystemPrompt = `You compress the history of a conversation between a factory worker and a traceability assistant.
Keep batch numbers, supplier, customer, product and warehouse codes, dates, figures and decisions.
Drop greetings and repetition. Answer in the language of the conversation, in at most 200 words, as plain text.`

// NeedsSummary reports whether s has enough unabsorbed history to summarise.
func (m *Manager) NeedsSummary(s *models.ConversationSession) bool {
	return s.Live() &&
		len(s.Unsummarized) > 0 &&
		s.TotalMessages > m.minTotal &&
		s.SinceSummary >= m.minPending
}

// ScheduleSummary summarises the session in the background when it needs it.
func (m *Manager) ScheduleSummary(s *models.ConversationSession) {
	if s == nil || !m.NeedsSummary(s) {
		return
	}
	id := s.ID
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.UpdateSummary(m.bgCtx, id); err != nil {
			log.Warn().Err(err).Str("session", id).Msg("Background summary failed")
		}
	}()
}

// UpdateSummary folds the evicted messages of a session into its summary.
// It reports whether a summary was applied.
//
// The reasoning call runs without the session lock. Its result is dropped
// when, in the meantime, the session was cleared or expired (epoch change)
// or its pending history no longer starts with the messages that were sent.
// On failure the messages stay pending for the next attempt.
func (m *Manager) UpdateSummary(ctx context.Context, sessionID string) (bool, error) {
	var snap *models.ConversationSession
	err := m.withSession(ctx, sessionID, func() error {
		s, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		snap = s
		return nil
	})
	if err != nil {
		return false, err
	}
	if !m.NeedsSummary(snap) {
		return false, nil
	}

	sctx, cancel := context.WithTimeout(ctx, m.summaryTimeout)
	defer cancel()
	if !m.trackSummary(sessionID, cancel) {
		return false, nil
	}
	defer m.untrackSummary(sessionID)

	prefix := snap.Unsummarized
	text, err := m.summarise(sctx, snap.Summary, prefix)
	if err != nil {
		metrics.Summaries.WithLabelValues("failed").Inc()
		return false, err
	}

	applied := false
	err = m.withSession(ctx, sessionID, func() error {
		cur, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sctx.Err() == context.Canceled || cur.Epoch != snap.Epoch || !cur.Live() || !hasPrefix(cur.Unsummarized, prefix) {
			return nil
		}
		now := m.now()
		cur.Summary = text
		cur.SummarizedAt = &now
		cur.Unsummarized = append([]models.Message(nil), cur.Unsummarized[len(prefix):]...)
		cur.SinceSummary -= snap.SinceSummary
		if cur.SinceSummary < 0 {
			cur.SinceSummary = 0
		}
		cur.State = models.SessionSummarized
		if err := m.store.SaveSession(ctx, cur); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		metrics.Summaries.WithLabelValues("discarded").Inc()
		log.Debug().Str("session", sessionID).Msg("Discarded summary for a session that changed meanwhile")
		return false, nil
	}
	metrics.Summaries.WithLabelValues("applied").Inc()
	log.Debug().Str("session", sessionID).Int("absorbed", len(prefix)).Msg("Session summarised")
	return true, nil
}

func (m *Manager) summarise(ctx context.Context, previous string, msgs []models.Message) (string, error) {
	if m.reasoner == nil {
		return "", errs.Unavailable("reasoner", fmt.Errorf("not configured"))
	}
	var b strings.Builder
	if previous != "" {
		b.WriteString("Summary so far:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("New messages:\n")
	for _, msg := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	b.WriteString("\nWrite the updated summary.")

	resp, err := m.reasoner.Complete(ctx, contracts.ReasonRequest{
		System:      summarySystemPrompt,
		Prompt:      b.String(),
		MaxTokens:   400,
		Temperature: 0.2,
		Timeout:     m.summaryTimeout,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", errs.Unavailable("reasoner", fmt.Errorf("empty summary"))
	}
	return truncateHead(text, maxSummaryRunes), nil
}

func (m *Manager) trackSummary(sessionID string, cancel context.CancelFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[sessionID]; busy {
		return false
	}
	m.inflight[sessionID] = cancel
	return true
}

func (m *Manager) untrackSummary(sessionID string) {
	m.mu.Lock()
	delete(m.inflight, sessionID)
	m.mu.Unlock()
}

func (m *Manager) cancelSummary(sessionID string) {
	m.mu.Lock()
	cancel := m.inflight[sessionID]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// absorbExtractive folds all pending messages into the summary without the
// reasoner, keeping the leading part of each message.
func absorbExtractive(s *models.ConversationSession, now time.Time) {
	if len(s.Unsummarized) == 0 {
		return
	}
	var b strings.Builder
	b.WriteString(s.Summary)
	for _, msg := range s.Unsummarized {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", msg.Role, truncateTail(msg.Content, 80))
	}
	s.Summary = truncateHead(b.String(), maxSummaryRunes)
	s.SummarizedAt = &now
	s.Unsummarized = nil
	s.SinceSummary = 0
	s.State = models.SessionSummarized
}

func hasPrefix(msgs, prefix []models.Message) bool {
	if len(prefix) > len(msgs) {
		return false
	}
	for i := range prefix {
		if msgs[i].ID != prefix[i].ID {
			return false
		}
	}
	return true
}

// truncateTail keeps the first n runes of s.
func truncateTail(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// truncateHead keeps the last n runes of s.
func truncateHead(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[len(r)-n:])
}
