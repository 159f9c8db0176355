package memory

import (
	"math"
	"time"
)

// Confidence bounds. Current never leaves this range.
const (
	MinConfidence = 0.1
	MaxConfidence = 1.0
)

// ConfidenceLevel buckets a confidence value for display and gating.
type ConfidenceLevel string

const (
	LevelHigh   ConfidenceLevel = "high"
	LevelMedium ConfidenceLevel = "medium"
	LevelLow    ConfidenceLevel = "low"
)

// Decay returns the confidence after time-based exponential decay:
// current * 0.5^(daysSinceAccess / halfLife), floored at MinConfidence.
// At zero elapsed days it returns Current unchanged.
func Decay(m ConfidenceMetrics, now time.Time) float64 {
	days := now.Sub(m.LastAccessed).Hours() / 24
	if days <= 0 {
		return m.Current
	}
	halfLife := m.HalfLifeDays
	if halfLife <= 0 {
		halfLife = 30
	}
	decayed := m.Current * math.Pow(0.5, days/halfLife)
	if decayed < MinConfidence {
		return MinConfidence
	}
	return decayed
}

// Reinforce applies a diminishing confidence boost: 0.1 * 0.9^n where n
// is the number of prior reinforcements. Each successive boost is
// strictly smaller than the previous one.
func Reinforce(m ConfidenceMetrics, now time.Time) ConfidenceMetrics {
	boost := 0.1 * math.Pow(0.9, float64(m.Reinforcements))
	m.Current = clamp(m.Current + boost)
	m.Reinforcements++
	m.LastAccessed = now
	return m
}

// Contradict applies a growing confidence penalty: 0.2 + 0.05*n where n
// is the number of prior contradictions.
func Contradict(m ConfidenceMetrics, now time.Time) ConfidenceMetrics {
	penalty := 0.2 + 0.05*float64(m.Contradictions)
	m.Current = clamp(m.Current - penalty)
	m.Contradictions++
	m.LastAccessed = now
	return m
}

// ReliabilityScore blends raw confidence with the observed
// reinforcement/contradiction ratio. With few interactions the raw
// value dominates; the ratio gains weight up to 10 interactions.
func ReliabilityScore(m ConfidenceMetrics) float64 {
	total := m.Reinforcements + m.Contradictions
	if total == 0 {
		return m.Current
	}
	ratio := float64(m.Reinforcements) / float64(total)
	weight := math.Min(1, float64(total)/10)
	return m.Current*(1-weight) + ratio*weight
}

// ShouldValidate reports whether a memory is uncertain enough that a
// clarifying question is worth asking.
func ShouldValidate(m ConfidenceMetrics, now time.Time) bool {
	decayed := Decay(m, now)
	if decayed < 0.4 {
		return true
	}
	return m.Contradictions > 0 && decayed < 0.6
}

// Level buckets a confidence value: high >= 0.7, medium >= 0.4, else low.
func Level(v float64) ConfidenceLevel {
	switch {
	case v >= 0.7:
		return LevelHigh
	case v >= 0.4:
		return LevelMedium
	default:
		return LevelLow
	}
}

func clamp(v float64) float64 {
	if v > MaxConfidence {
		return MaxConfidence
	}
	if v < MinConfidence {
		return MinConfidence
	}
	return v
}
