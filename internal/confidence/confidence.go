// Package confidence holds the arithmetic that moves assessment confidence
// between observations. Every result is clamped to [0,1].
package confidence

// CorrectionPenalty is the markdown applied when a user corrects an assessment.
const CorrectionPenalty = 0.3

// Blend returns the observation-weighted mean of the current confidence,
// backed by n prior observations, and a new observation's confidence.
// Established assessments move slowly: the new value carries weight 1/(n+1).
func Blend(current float64, n int, observed float64) float64 {
	if n < 1 {
		n = 1
	}
	return Clamp((current*float64(n) + Clamp(observed)) / float64(n+1))
}

// Reinforce raises confidence by step, never dropping below floor.
func Reinforce(current, step, floor float64) float64 {
	return bounded(current+step, floor)
}

// Contradict lowers confidence. Contradictions count double the step.
func Contradict(current, step, floor float64) float64 {
	return bounded(current-step*2.0, floor)
}

// CorrectionDrop applies the cliff drop taken when a user overrides a value.
func CorrectionDrop(current float64) float64 {
	score := current - CorrectionPenalty
	if score < 0.0 {
		return 0.0
	}
	return score
}

func bounded(score, floor float64) float64 {
	floor = Clamp(floor)
	if score < floor {
		return floor
	}
	return Clamp(score)
}

func Clamp(score float64) float64 {
	if score != score || score < 0.0 {
		return 0.0
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}
