package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/traceforge/traceforge/assistant/internal/config"
	"github.com/traceforge/traceforge/assistant/internal/learning"
	"github.com/traceforge/traceforge/assistant/internal/memory"
	"github.com/traceforge/traceforge/assistant/internal/store"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ─── Scheduler ───────────────────────────────────────────────

func TestAddRejectsInvalidSpecAndDuplicates(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	noop := func(context.Context) error { return nil }
	assert.Error(t, s.Add("bad", "every hour", noop))
	require.NoError(t, s.Add("ok", "@every 1h", noop))
	assert.Error(t, s.Add("ok", "@every 2h", noop))
}

func TestRunNowRecordsOutcome(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var calls atomic.Int32
	boom := errors.New("boom")
	require.NoError(t, s.Add("flaky", "", func(context.Context) error {
		if calls.Add(1) == 1 {
			return boom
		}
		return nil
	}))

	assert.ErrorIs(t, s.RunNow(context.Background(), "flaky"), boom)
	st := s.Statuses()
	require.Len(t, st, 1)
	assert.Equal(t, "boom", st[0].LastError)
	assert.Equal(t, int64(1), st[0].Runs)
	assert.True(t, st[0].Next.IsZero(), "unscheduled jobs have no next run")

	require.NoError(t, s.RunNow(context.Background(), "flaky"))
	st = s.Statuses()
	assert.Empty(t, st[0].LastError)
	assert.Equal(t, int64(2), st[0].Runs)

	assert.Error(t, s.RunNow(context.Background(), "missing"))
}

func TestStartedSchedulerReportsNextRun(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.Add("hourly", "@every 1h", func(context.Context) error { return nil }))
	require.NoError(t, s.Add("nightly", "0 3 * * *", func(context.Context) error { return nil }))
	s.Start()

	assert.Eventually(t, func() bool {
		for _, st := range s.Statuses() {
			if st.Next.IsZero() {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)

	st := s.Statuses()
	require.Len(t, st, 2)
	assert.Equal(t, "hourly", st[0].Name)
	assert.Equal(t, "nightly", st[1].Name)
	s.Stop()
}

func TestStopCancelsRunningJob(t *testing.T) {
	s := NewScheduler()
	started := make(chan struct{})
	var once sync.Once
	require.NoError(t, s.Add("slow", "@every 1s", func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}))
	s.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never fired")
	}
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after cancelling the job")
	}
}

// ─── Maintenance jobs ────────────────────────────────────────

func TestRegisterMaintenanceJobs(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	st := store.NewMemoryStore("")
	defer st.Close()
	mem := memory.NewManager(st)
	defer mem.Close()

	cfg := config.JobsConfig{PromotionSpec: "@every 1h", CleanupSpec: "0 3 * * *"}
	require.NoError(t, Register(s, cfg, Maintenance{Learning: learning.New(st), Memory: mem, ExpiryMinutes: 60}))

	var names []string
	for _, status := range s.Statuses() {
		names = append(names, status.Name)
	}
	assert.Equal(t, []string{JobCleanup, JobPromotion, JobSpecificity, JobSessionSweep}, names)

	assert.Error(t, Register(NewScheduler(), cfg, Maintenance{}))
}

func TestSessionSweepExpiresIdleSessions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore("")
	defer st.Close()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	mem := memory.NewManager(st, memory.WithClock(clock))
	defer mem.Close()

	_, err := mem.GetOrCreateContext(ctx, "idle", "F1", "u1")
	require.NoError(t, err)
	now = now.Add(3 * time.Hour)
	_, err = mem.GetOrCreateContext(ctx, "busy", "F1", "u2")
	require.NoError(t, err)

	s := NewScheduler()
	defer s.Stop()
	require.NoError(t, Register(s, config.JobsConfig{}, Maintenance{Learning: learning.New(st), Memory: mem, ExpiryMinutes: 120}))
	require.NoError(t, s.RunNow(ctx, JobSessionSweep))

	idle, err := st.GetSession(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, idle.State)
	busy, err := st.GetSession(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, busy.State)
}

func TestCleanupJobUsesLoopPolicy(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore("")
	defer st.Close()
	mem := memory.NewManager(st)
	defer mem.Close()

	require.NoError(t, st.UpsertKeywordEffectiveness(ctx, &models.KeywordEffectiveness{
		FactoryID: "F1", IntentCode: "QUERY_BATCH", Keyword: "查", Source: models.KeywordAutoLearned,
		Weight: 0.1, NegativeCount: 2, Specificity: 1,
	}))
	require.NoError(t, st.UpsertKeywordEffectiveness(ctx, &models.KeywordEffectiveness{
		FactoryID: "F1", IntentCode: "QUERY_BATCH", Keyword: "批次", Source: models.KeywordManual,
		Weight: 0.1, NegativeCount: 1, Specificity: 1,
	}))

	s := NewScheduler()
	defer s.Stop()
	l := learning.New(st, learning.WithCleanupPolicy(0.2, 2))
	require.NoError(t, Register(s, config.JobsConfig{}, Maintenance{Learning: l, Memory: mem, ExpiryMinutes: 60}))
	require.NoError(t, s.RunNow(ctx, JobCleanup))

	rec, err := st.GetKeywordEffectiveness(ctx, "F1", "QUERY_BATCH", "查")
	require.NoError(t, err)
	assert.True(t, rec.Disabled)
	rec, err = st.GetKeywordEffectiveness(ctx, "F1", "QUERY_BATCH", "批次")
	require.NoError(t, err)
	assert.False(t, rec.Disabled, "one negative signal is not enough evidence")
}

func TestPromotionJobPromotesWidelyAdoptedKeyword(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore("")
	defer st.Close()
	mem := memory.NewManager(st)
	defer mem.Close()

	require.NoError(t, st.UpsertIntent(ctx, &models.IntentDefinition{
		Code: "QUERY_BATCH", Name: "批次查询", Category: models.CategoryDataOp, Keywords: []string{"批次"}, Active: true,
	}))
	for _, f := range []string{"F1", "F2", "F3"} {
		require.NoError(t, st.UpsertAdoption(ctx, &models.KeywordFactoryAdoption{
			FactoryID: f, IntentCode: "QUERY_BATCH", Keyword: "追溯", EffectivenessScore: 0.9,
		}))
		require.NoError(t, st.UpsertKeywordEffectiveness(ctx, &models.KeywordEffectiveness{
			FactoryID: f, IntentCode: "QUERY_BATCH", Keyword: "追溯", Source: models.KeywordAutoLearned,
			Weight: 0.9, PositiveCount: 5, Specificity: 1,
		}))
	}

	s := NewScheduler()
	defer s.Stop()
	require.NoError(t, Register(s, config.JobsConfig{}, Maintenance{Learning: learning.New(st), Memory: mem, ExpiryMinutes: 60}))
	require.NoError(t, s.RunNow(ctx, JobPromotion))

	global, err := st.GetIntent(ctx, models.GlobalFactory, "QUERY_BATCH")
	require.NoError(t, err)
	assert.Contains(t, global.Keywords, "追溯")
}
