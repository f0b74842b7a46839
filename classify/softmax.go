// Package classify - Turns classifier logits into a calibrated risk verdict.
package classify

import (
	"math"

	"github.com/nvr-ai/derm-screen/errs"
)

// Softmax converts logits into probabilities. The maximum logit is
// subtracted before exponentiation so large magnitudes do not overflow.
//
// Arguments:
//   - logits: Raw scores, at least one.
//
// Returns:
//   - []float64: Probabilities in logit order, each in [0, 1], summing to 1.
//   - error: Internal if logits is empty or contains NaN or ±Inf.
func Softmax(logits []float32) ([]float64, error) {
	const op = "classify.softmax"
	if len(logits) == 0 {
		return nil, errs.Errorf(errs.Internal, op, "no logits")
	}
	peak := math.Inf(-1)
	for i, l := range logits {
		v := float64(l)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errs.Errorf(errs.Internal, op, "logit %d is not finite (%v)", i, l)
		}
		peak = math.Max(peak, v)
	}

	probs := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		probs[i] = math.Exp(float64(l) - peak)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs, nil
}

// Top returns the index and value of the largest probability. Ties go to
// the lowest index. Top of an empty slice is (-1, 0).
func Top(probs []float64) (int, float64) {
	best, bestP := -1, 0.0
	for i, p := range probs {
		if best < 0 || p > bestP {
			best, bestP = i, p
		}
	}
	return best, bestP
}

// ConfidencePercent converts a probability to a percentage rounded to two decimals.
func ConfidencePercent(p float64) float64 {
	return math.Round(p*10000) / 100
}
