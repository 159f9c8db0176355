// Package rank scores retrieval candidates with a multi-factor model:
// similarity, store relevance, feedback signal, lane weight, confidence
// and recency.
package rank

import (
	"math"
	"sort"
	"time"

	"github.com/nidhogg/mnemo/internal/memory"
)

// Factor weights. They sum to 1.0 with a neutral lane.
const (
	weightSimilarity = 0.4
	weightRelevance  = 0.2
	weightFeedback   = 0.1
	weightLane       = 0.15
	weightConfidence = 0.1
	weightRecency    = 0.05
)

// laneWeights biases retrieval toward corrective and decisional
// memories and away from low-signal lanes.
var laneWeights = map[memory.Lane]float64{
	memory.LaneCorrection:   1.3,
	memory.LaneDecision:     1.25,
	memory.LaneCommitment:   1.2,
	memory.LanePatternSeed:  0.9,
	memory.LaneCrossAgent:   0.9,
	memory.LaneWorkflowNote: 0.8,
	memory.LaneGap:          0.8,
}

const defaultLaneWeight = 1.0

// Candidate is one memory entering ranking with its retrieval signals.
type Candidate struct {
	Memory     *memory.Memory
	Similarity float64 // semantic similarity to the query
	Relevance  float64 // store-side relevance (similarity x confidence)
}

// Scored is a candidate with its final rank score.
type Scored struct {
	Candidate
	Score float64
}

// LaneWeight returns the fixed retrieval weight for a lane.
func LaneWeight(lane memory.Lane) float64 {
	if w, ok := laneWeights[lane]; ok {
		return w
	}
	return defaultLaneWeight
}

// FeedbackWeight squashes a signed net feedback counter into (-1, 1).
func FeedbackWeight(netFeedback int) float64 {
	return math.Tanh(float64(netFeedback) * 0.1)
}

// recencyWeight is a step function of days since last access.
func recencyWeight(lastAccessed time.Time, now time.Time) float64 {
	days := now.Sub(lastAccessed).Hours() / 24
	switch {
	case days < 1:
		return 1.0
	case days < 7:
		return 0.9
	case days < 30:
		return 0.8
	default:
		return 0.7
	}
}

// Score computes the final rank score for one candidate.
// netFeedback is the external running signed counter for the memory.
func Score(c Candidate, netFeedback int, now time.Time) float64 {
	m := c.Memory
	confidenceWeight := 0.5 + 0.5*m.Confidence.Current
	return weightSimilarity*c.Similarity +
		weightRelevance*c.Relevance +
		weightFeedback*FeedbackWeight(netFeedback) +
		weightLane*(LaneWeight(m.Lane)-1) +
		weightConfidence*confidenceWeight +
		weightRecency*recencyWeight(m.Confidence.LastAccessed, now)
}

// Rank scores and sorts candidates descending. Equal scores order by
// memory id ascending for reproducible output.
func Rank(candidates []Candidate, feedback func(memoryID string) int, now time.Time) []Scored {
	if feedback == nil {
		feedback = func(string) int { return 0 }
	}
	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, Scored{
			Candidate: c,
			Score:     Score(c, feedback(c.Memory.ID), now),
		})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Memory.ID < scored[j].Memory.ID
	})
	return scored
}
