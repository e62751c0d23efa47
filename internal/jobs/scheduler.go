// Package jobs runs the assistant's periodic maintenance on cron schedules:
// keyword promotion, specificity recalculation, cleanup of ineffective
// keywords, idle session expiry and classifier retraining.
//
// Each job runs with the scheduler's context, so Stop cancels in-flight runs
// and waits for them. A run that overlaps the previous one is skipped.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/internal/metrics"
)

// Func is the body of a job.
type Func func(ctx context.Context) error

// Status is the observable state of one registered job.
type Status struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Next      time.Time `json:"next,omitempty"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int64     `json:"runs"`
}

type job struct {
	name  string
	spec  string
	fn    Func
	entry cron.EntryID

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
	runs    int64
}

// Scheduler owns the cron runner and the registered jobs.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	jobs map[string]*job
}

// NewScheduler creates a stopped scheduler.
func NewScheduler() *Scheduler {
	logger := cronLogger{log.Logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Add registers fn under name on a standard cron spec ("0 3 * * *",
// "@every 1h"). An empty spec leaves the job registered but unscheduled, so
// it can still be run with RunNow.
func (s *Scheduler) Add(name, spec string, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %q already registered", name)
	}
	j := &job{name: name, spec: spec, fn: fn}
	if spec != "" {
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return fmt.Errorf("job %q: invalid cron spec %q: %w", name, spec, err)
		}
		j.entry = s.cron.Schedule(sched, cron.FuncJob(func() { s.run(s.ctx, j) }))
	}
	s.jobs[name] = j
	log.Debug().Str("job", name).Str("spec", spec).Msg("Job registered")
	return nil
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Strs("jobs", s.names()).Msg("Job scheduler started")
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	log.Info().Msg("Job scheduler stopped")
}

// RunNow runs the named job synchronously with ctx.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(ctx, j)
}

// Statuses lists the registered jobs by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Status, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := Status{Name: j.name, Spec: j.spec}
		if j.entry != 0 {
			st.Next = s.cron.Entry(j.entry).Next
		}
		j.mu.Lock()
		st.LastRun, st.Runs = j.lastRun, j.runs
		if j.lastErr != nil {
			st.LastError = j.lastErr.Error()
		}
		j.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	start := time.Now()
	err := j.fn(ctx)
	elapsed := time.Since(start)

	j.mu.Lock()
	j.lastRun, j.lastErr = start, err
	j.runs++
	j.mu.Unlock()

	if err != nil {
		metrics.JobRuns.WithLabelValues(j.name, "error").Inc()
		log.Warn().Err(err).Str("job", j.name).Dur("elapsed", elapsed).Msg("Job failed")
		return err
	}
	metrics.JobRuns.WithLabelValues(j.name, "ok").Inc()
	log.Debug().Str("job", j.name).Dur("elapsed", elapsed).Msg("Job finished")
	return nil
}

func (s *Scheduler) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// cronLogger routes the cron runner's own messages to zerolog.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
