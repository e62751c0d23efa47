package jobs

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/internal/complexity"
	"github.com/traceforge/traceforge/assistant/internal/config"
	"github.com/traceforge/traceforge/assistant/internal/learning"
	"github.com/traceforge/traceforge/assistant/internal/memory"
)

// Job names.
const (
	JobPromotion    = "keyword_promotion"
	JobSpecificity  = "keyword_specificity"
	JobCleanup      = "keyword_cleanup"
	JobSessionSweep = "session_sweep"
	JobTraining     = "complexity_training"
)

// Maintenance are the components the periodic jobs work on. Training is
// optional; without it the retraining job is not registered.
type Maintenance struct {
	Learning      *learning.Loop
	Memory        *memory.Manager
	Training      *complexity.TrainingService
	ExpiryMinutes int
}

// Register adds the maintenance jobs to s using the schedules in cfg.
func Register(s *Scheduler, cfg config.JobsConfig, m Maintenance) error {
	if m.Learning == nil || m.Memory == nil {
		return fmt.Errorf("maintenance jobs need the learning loop and conversation memory")
	}
	l := m.Learning

	if err := s.Add(JobPromotion, cfg.PromotionSpec, func(ctx context.Context) error {
		_, err := l.RunPromotionCheck(ctx)
		return err
	}); err != nil {
		return err
	}

	if err := s.Add(JobSpecificity, cfg.SpecificitySpec, func(ctx context.Context) error {
		n, err := l.RecalculateAllSpecificity(ctx)
		if n > 0 {
			log.Info().Int("updated", n).Msg("Keyword specificity recalculated")
		}
		return err
	}); err != nil {
		return err
	}

	if err := s.Add(JobCleanup, cfg.CleanupSpec, func(ctx context.Context) error {
		_, _, threshold, minNegative := l.Policy()
		_, err := l.CleanupLowEffectivenessKeywords(ctx, threshold, minNegative)
		return err
	}); err != nil {
		return err
	}

	minutes := m.ExpiryMinutes
	if err := s.Add(JobSessionSweep, cfg.SessionSweepSpec, func(ctx context.Context) error {
		_, err := m.Memory.ExpireOldSessions(ctx, minutes)
		return err
	}); err != nil {
		return err
	}

	if m.Training == nil {
		return nil
	}
	samples := cfg.TrainingSamples
	return s.Add(JobTraining, cfg.TrainingSpec, func(ctx context.Context) error {
		model, err := m.Training.TrainAndReload(ctx, samples, complexity.DefaultFitConfig)
		if err != nil {
			return err
		}
		log.Info().Int("samples", model.Samples).Float64("accuracy", model.Accuracy).Msg("Complexity classifier retrained")
		return nil
	})
}
