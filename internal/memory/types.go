package memory

import (
	"time"
	"unicode/utf8"
)

// Kind classifies what a memory holds.
type Kind string

const (
	KindSemantic   Kind = "semantic"   // facts, preferences, knowledge
	KindEpisodic   Kind = "episodic"   // events observed during a session
	KindProcedural Kind = "procedural" // how-to knowledge, code
)

// Provenance records how a memory entered the system.
type Provenance string

const (
	ProvenanceExplicit    Provenance = "explicit"
	ProvenanceInferred    Provenance = "inferred"
	ProvenanceInteraction Provenance = "interaction"
	ProvenanceFeedback    Provenance = "feedback"
)

// Lane classifies why a memory was captured. It only influences
// retrieval ranking weight.
type Lane string

const (
	LaneCorrection   Lane = "correction"
	LaneDecision     Lane = "decision"
	LaneCommitment   Lane = "commitment"
	LaneInsight      Lane = "insight"
	LaneLearning     Lane = "learning"
	LaneConfidence   Lane = "confidence"
	LanePatternSeed  Lane = "pattern_seed"
	LaneCrossAgent   Lane = "cross_agent"
	LaneWorkflowNote Lane = "workflow_note"
	LaneGap          Lane = "gap"
)

// ConfidenceMetrics tracks how much a memory is trusted over time.
// Current always stays within [0.1, 1.0]; HalfLifeDays is positive.
type ConfidenceMetrics struct {
	Initial        float64   `json:"initial"`
	Current        float64   `json:"current"`
	HalfLifeDays   float64   `json:"half_life_days"`
	Reinforcements int       `json:"reinforcements"`
	Contradictions int       `json:"contradictions"`
	LastAccessed   time.Time `json:"last_accessed"`
}

// Metadata carries provenance and bookkeeping for a memory.
type Metadata struct {
	Provenance Provenance `json:"provenance"`
	SessionID  string     `json:"session_id,omitempty"`
	AgentType  string     `json:"agent_type,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Memory is one captured unit of knowledge.
type Memory struct {
	ID            string            `json:"id"`
	Kind          Kind              `json:"kind"`
	Content       string            `json:"content"`
	Embedding     []float32         `json:"embedding,omitempty"`
	Confidence    ConfidenceMetrics `json:"confidence"`
	Metadata      Metadata          `json:"metadata"`
	Lane          Lane              `json:"lane,omitempty"`
	Title         string            `json:"title,omitempty"`
	SourceExcerpt string            `json:"source_excerpt,omitempty"`
	Reasoning     string            `json:"reasoning,omitempty"`
	Observations  int               `json:"observations"`
	LastObserved  time.Time         `json:"last_observed,omitempty"`
}

// HasTag reports whether the memory carries the given tag.
// Tag order is irrelevant for matching.
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a copy sharing no mutable state with m.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	c := *m
	if m.Embedding != nil {
		c.Embedding = append([]float32{}, m.Embedding...)
	}
	if m.Metadata.Tags != nil {
		c.Metadata.Tags = append([]string{}, m.Metadata.Tags...)
	}
	return &c
}

// TruncateRunes cuts s to at most max bytes, backing the cut up so it
// never lands inside a multi-byte UTF-8 rune.
func TruncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// DefaultConfidence builds starting metrics for a new memory.
func DefaultConfidence(initial float64) ConfidenceMetrics {
	if initial <= 0 {
		initial = 0.5
	}
	return ConfidenceMetrics{
		Initial:      initial,
		Current:      clamp(initial),
		HalfLifeDays: 30,
		LastAccessed: time.Now(),
	}
}
