package intentcache

import (
	"gonum.org/v1/gonum/floats"

	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// Match tier boundaries.
const (
	TierHighMin   = 0.85
	TierMediumMin = 0.72
	TierLowMin    = 0.60
)

// CosineSimilarity returns the cosine of the angle between a and b, in [-1, 1].
// Vectors of different length or with zero norm score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return cosineWithNorms(a, b, na, nb)
}

func cosineWithNorms(a, b []float64, na, nb float64) float64 {
	s := floats.Dot(a, b) / (na * nb)
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	}
	return s
}

// TierFor grades a similarity score.
func TierFor(score float64) models.MatchTier {
	switch {
	case score >= TierHighMin:
		return models.MatchTierHigh
	case score >= TierMediumMin:
		return models.MatchTierMedium
	case score >= TierLowMin:
		return models.MatchTierLow
	default:
		return models.MatchTierNone
	}
}
