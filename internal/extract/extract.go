// Package extract converts conversation turns into candidate memories
// via fixed rule patterns and a table of surprise triggers.
package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/memory"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolUse    Role = "tool_use"
	RoleToolResult Role = "tool_result"
)

// Turn is one ordered conversation turn.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Extractor runs the rule and trigger passes over conversation turns.
// All patterns compile once at construction.
type Extractor struct {
	rules    []rule
	triggers []trigger
	logger   *zap.Logger
}

// rule is a fixed regex family yielding a memory with constant
// confidence and tags.
type rule struct {
	name         string
	role         Role // empty = any non-tool role
	pattern      *regexp.Regexp
	kind         memory.Kind
	lane         memory.Lane
	confidence   float64
	tags         []string
	provenance   memory.Provenance
	usesPrevious bool // content references the preceding turn
}

var codeFenceRe = regexp.MustCompile("(?s)```([a-zA-Z0-9+#]*)\\n(.*?)```")

// New creates an Extractor with all pattern tables compiled.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		rules:    compileRules(),
		triggers: compileTriggers(),
		logger:   logger.With(zap.String("component", "extract")),
	}
}

func compileRules() []rule {
	return []rule{
		{
			name:       "preference",
			role:       RoleUser,
			pattern:    regexp.MustCompile(`(?i)\bi (?:prefer|like|love|always use|usually use|want)\s+(.{3,120})`),
			kind:       memory.KindSemantic,
			confidence: 0.7,
			tags:       []string{"preference"},
			provenance: memory.ProvenanceInferred,
		},
		{
			name:       "negative_preference",
			role:       RoleUser,
			pattern:    regexp.MustCompile(`(?i)\b(?:do not|don't|please don't|never) use\s+(.{2,120})`),
			kind:       memory.KindSemantic,
			confidence: 0.7,
			tags:       []string{"preference", "negative"},
			provenance: memory.ProvenanceInferred,
		},
		{
			name:       "project_knowledge",
			role:       "",
			pattern:    regexp.MustCompile(`(?i)\b(?:we|our (?:project|team|stack|service|app)|this project) (?:uses?|runs? on|is built (?:on|with)|deploys? (?:to|on))\s+(.{2,120})`),
			kind:       memory.KindSemantic,
			confidence: 0.6,
			tags:       []string{"project"},
			provenance: memory.ProvenanceInferred,
		},
		{
			name:         "feedback_confirmation",
			role:         RoleUser,
			pattern:      regexp.MustCompile(`(?i)^(?:yes|yep|exactly|correct|that's right|that worked|perfect)\b`),
			kind:         memory.KindEpisodic,
			confidence:   0.9,
			tags:         []string{"feedback", "confirmation"},
			provenance:   memory.ProvenanceFeedback,
			usesPrevious: true,
		},
		{
			name:         "feedback_correction",
			role:         RoleUser,
			pattern:      regexp.MustCompile(`(?i)^(?:no|nope|actually|that's (?:not|wrong)|incorrect|not quite)\b`),
			kind:         memory.KindEpisodic,
			lane:         memory.LaneCorrection,
			confidence:   0.8,
			tags:         []string{"feedback", "correction"},
			provenance:   memory.ProvenanceFeedback,
			usesPrevious: true,
		},
	}
}

// ExtractTurns runs both passes over every turn in order. Tool turns
// are never extracted from.
func (e *Extractor) ExtractTurns(turns []Turn, sessionID string) []*memory.Memory {
	var candidates []*memory.Memory
	for i, turn := range turns {
		if turn.Role == RoleToolUse || turn.Role == RoleToolResult {
			continue
		}
		var previous *Turn
		if i > 0 {
			previous = &turns[i-1]
		}
		candidates = append(candidates, e.extractRules(turn, previous, sessionID)...)
		candidates = append(candidates, e.extractTriggers(turn, sessionID)...)
	}
	e.logger.Debug("extraction pass complete",
		zap.Int("turns", len(turns)),
		zap.Int("candidates", len(candidates)))
	return candidates
}

// extractRules runs the fixed rule families plus the code-block rule
// for assistant turns.
func (e *Extractor) extractRules(turn Turn, previous *Turn, sessionID string) []*memory.Memory {
	var out []*memory.Memory

	for _, r := range e.rules {
		if r.role != "" && r.role != turn.Role {
			continue
		}
		match := r.pattern.FindStringSubmatch(turn.Content)
		if match == nil {
			continue
		}

		content := strings.TrimSpace(turn.Content)
		if len(match) > 1 && match[1] != "" {
			content = strings.TrimSpace(match[1])
		}
		if r.usesPrevious {
			if previous == nil {
				continue
			}
			verb := "confirmed"
			if r.lane == memory.LaneCorrection {
				verb = "corrected"
			}
			content = fmt.Sprintf("user %s: %s", verb, truncate(previous.Content, 200))
		}

		m := &memory.Memory{
			Kind:       r.kind,
			Content:    content,
			Lane:       r.lane,
			Confidence: memory.DefaultConfidence(r.confidence),
			Metadata: memory.Metadata{
				Provenance: r.provenance,
				SessionID:  sessionID,
				Tags:       dedupe(append(append([]string{}, r.tags...), ExtractTags(turn.Content)...)),
			},
		}
		out = append(out, m)
	}

	if turn.Role == RoleAssistant {
		if m := e.extractCodeBlock(turn, sessionID); m != nil {
			out = append(out, m)
		}
	}
	return out
}

// extractCodeBlock yields a procedural memory for a fenced code block,
// tagged with the detected language.
func (e *Extractor) extractCodeBlock(turn Turn, sessionID string) *memory.Memory {
	match := codeFenceRe.FindStringSubmatch(turn.Content)
	if match == nil || strings.TrimSpace(match[2]) == "" {
		return nil
	}
	lang := strings.ToLower(match[1])
	tags := []string{"code"}
	if lang != "" {
		tags = append(tags, lang)
	}
	return &memory.Memory{
		Kind:       memory.KindProcedural,
		Content:    strings.TrimSpace(match[2]),
		Confidence: memory.DefaultConfidence(0.5),
		Metadata: memory.Metadata{
			Provenance: memory.ProvenanceInteraction,
			SessionID:  sessionID,
			Tags:       dedupe(append(tags, ExtractTags(turn.Content)...)),
		},
	}
}

func truncate(s string, max int) string {
	return memory.TruncateRunes(s, max)
}

func dedupe(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := tags[:0]
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
