// Package complexity estimates how much machinery a query needs and maps the
// estimate to a processing mode.
//
// The estimate is a deterministic rule score over extracted features, blended
// with a learned softmax classifier when one is loaded. Scores in a narrow
// borderline band ask the agent orchestrator whether several agents must
// cooperate. Every external call is bounded; a timeout falls back to the
// rule score.
package complexity

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/traceforge/traceforge/assistant/internal/metrics"
	"github.com/traceforge/traceforge/assistant/internal/telemetry"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// Mode breakpoints on the composite score.
const (
	FastMax       = 0.30
	AnalysisMax   = 0.60
	MultiAgentMax = 0.80
)

// Router is the complexity router.
type Router struct {
	tokenizer    Tokenizer
	classifier   *Classifier
	orchestrator contracts.AgentOrchestrator

	weight      float64
	borderLow   float64
	borderHigh  float64
	callTimeout time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithTokenizer overrides the token counter.
func WithTokenizer(t Tokenizer) Option {
	return func(r *Router) { r.tokenizer = t }
}

// WithClassifier enables the learned classifier.
func WithClassifier(c *Classifier, weight float64) Option {
	return func(r *Router) {
		r.classifier = c
		if weight >= 0 && weight <= 1 {
			r.weight = weight
		}
	}
}

// WithOrchestrator enables the borderline multi-agent check.
func WithOrchestrator(o contracts.AgentOrchestrator) Option {
	return func(r *Router) { r.orchestrator = o }
}

// WithBorderline sets the score band that consults the orchestrator.
func WithBorderline(low, high float64) Option {
	return func(r *Router) {
		if low < high {
			r.borderLow, r.borderHigh = low, high
		}
	}
}

// WithCallTimeout bounds classifier embedding and orchestrator calls.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// NewRouter creates a complexity router. Without options it scores with
// rules only and estimates tokens from runes.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		tokenizer:   EstimateTokenizer{},
		weight:      0.4,
		borderLow:   0.55,
		borderHigh:  0.65,
		callTimeout: 800 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Classifier returns the classifier used for blending, if any.
func (r *Router) Classifier() *Classifier { return r.classifier }

// ExtractFeatures computes the query features.
func (r *Router) ExtractFeatures(input string, qctx models.QueryContext) models.QueryFeatures {
	return ExtractFeatures(r.tokenizer, input, qctx)
}

// EstimateComplexity returns the composite score in [0,1].
func (r *Router) EstimateComplexity(ctx context.Context, input string, qctx models.QueryContext) float64 {
	res := r.estimate(ctx, input, qctx)
	return res.Score
}

func (r *Router) estimate(ctx context.Context, input string, qctx models.QueryContext) models.ComplexityResult {
	f := r.ExtractFeatures(input, qctx)
	rule := RuleScore(f)
	res := models.ComplexityResult{Score: rule, RuleScore: rule, Features: f}

	if r.classifier != nil && r.classifier.IsTrained() {
		cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
		p, ok := r.classifier.Predict(cctx, input, f)
		cancel()
		if ok {
			cs := p.Score
			res.ClassifierScore = &cs
			res.Score = clamp01((1-r.weight)*rule + r.weight*cs)
		}
	}
	return res
}

// Route selects the processing mode.
func (r *Router) Route(ctx context.Context, input string, qctx models.QueryContext) models.ComplexityResult {
	ctx, span := telemetry.Tracer().Start(ctx, "complexity.Route")
	defer span.End()

	res := r.estimate(ctx, input, qctx)
	res.Mode = ModeFor(res.Score)

	if r.orchestrator != nil && res.Score >= r.borderLow && res.Score < r.borderHigh {
		res.Consulted = true
		octx, cancel := context.WithTimeout(ctx, r.callTimeout)
		multi, err := r.orchestrator.RequiresMultiAgentCollaboration(octx, input, res.Features)
		cancel()
		switch {
		case err != nil:
			log.Warn().Err(err).Float64("score", res.Score).Msg("Orchestrator check failed, keeping breakpoint mode")
		case multi:
			res.Mode = models.ModeMultiAgent
		default:
			res.Mode = models.ModeAnalysis
		}
	}

	span.SetAttributes(
		attribute.String("complexity.mode", string(res.Mode)),
		attribute.Float64("complexity.score", res.Score),
	)
	metrics.ComplexityModes.WithLabelValues(string(res.Mode)).Inc()
	return res
}

// ModeFor maps a composite score to a mode by the fixed breakpoints.
func ModeFor(score float64) models.ProcessingMode {
	switch {
	case score < FastMax:
		return models.ModeFast
	case score < AnalysisMax:
		return models.ModeAnalysis
	case score < MultiAgentMax:
		return models.ModeMultiAgent
	default:
		return models.ModeDeepReasoning
	}
}
