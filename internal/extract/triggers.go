package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/memory"
)

// Excerpt windows around a trigger match, in bytes.
const (
	excerptBefore = 100
	excerptAfter  = 200
	titleBefore   = 20
	titleAfter    = 50
)

const triggerBaseConfidence = 0.6

// trigger is one surprise category: an ordered list of alternative
// patterns restricted to a speaker role, mapping to a fixed kind, lane
// and confidence boost. The first matching pattern per category wins.
type trigger struct {
	name     string
	role     Role // empty = both user and assistant
	patterns []*regexp.Regexp
	kind     memory.Kind
	lane     memory.Lane
	boost    float64
}

func compileTriggers() []trigger {
	return []trigger{
		{
			name: "recovery",
			role: RoleAssistant,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:that (?:fixed|solved) it|now it works|issue is resolved)\b`),
				regexp.MustCompile(`(?i)\b(?:fixed|resolved) (?:the|this) (?:bug|issue|error|problem)\b`),
			},
			kind:  memory.KindEpisodic,
			lane:  memory.LaneLearning,
			boost: 0.2,
		},
		{
			name: "user_correction",
			role: RoleUser,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\bthat's (?:wrong|not right|incorrect)\b`),
				regexp.MustCompile(`(?i)\byou(?:'re| are) (?:wrong|mistaken)\b`),
				regexp.MustCompile(`(?i)\bno,? (?:it(?:'s| is)|that(?:'s| is)) (?:actually|really)\b`),
			},
			kind:  memory.KindSemantic,
			lane:  memory.LaneCorrection,
			boost: 0.3,
		},
		{
			name: "enthusiasm",
			role: RoleUser,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:awesome|amazing|brilliant|love (?:it|this)|exactly what i (?:wanted|needed))\b`),
				regexp.MustCompile(`(?i)(?:!{2,}|🎉|🚀)`),
			},
			kind:  memory.KindEpisodic,
			lane:  memory.LaneConfidence,
			boost: 0.15,
		},
		{
			name: "negative_reaction",
			role: RoleUser,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:this is (?:bad|terrible|awful)|i hate|frustrating|useless)\b`),
				regexp.MustCompile(`(?i)\bstop (?:doing|suggesting) (?:that|this)\b`),
			},
			kind:  memory.KindEpisodic,
			lane:  memory.LaneConfidence,
			boost: 0.15,
		},
		{
			name: "decision",
			role: "",
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:we(?:'ve| have)? decided (?:to|on)|let's go with|we(?:'ll| will) use)\b`),
				regexp.MustCompile(`(?i)\bthe decision is\b`),
			},
			kind:  memory.KindSemantic,
			lane:  memory.LaneDecision,
			boost: 0.25,
		},
		{
			name: "commitment",
			role: "",
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\bi(?:'ll| will) (?:make sure|always|never|remember to)\b`),
				regexp.MustCompile(`(?i)\bfrom now on\b`),
			},
			kind:  memory.KindSemantic,
			lane:  memory.LaneCommitment,
			boost: 0.25,
		},
		{
			name: "insight",
			role: "",
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:turns out|the root cause (?:is|was)|i realized|interestingly)\b`),
				regexp.MustCompile(`(?i)\bthe (?:real|underlying) (?:problem|issue) (?:is|was)\b`),
			},
			kind:  memory.KindSemantic,
			lane:  memory.LaneInsight,
			boost: 0.2,
		},
		{
			name: "gap",
			role: "",
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\bi (?:don't|do not) know (?:how|why|what|whether)\b`),
				regexp.MustCompile(`(?i)\b(?:unclear|not sure) (?:how|why|what|whether)\b`),
			},
			kind:  memory.KindEpisodic,
			lane:  memory.LaneGap,
			boost: 0.0,
		},
		{
			name: "workflow_note",
			role: "",
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:the workflow is|the usual process|as a first step,? (?:we|i) (?:always|usually))\b`),
				regexp.MustCompile(`(?i)\bbefore (?:every|each) (?:deploy|release|merge)\b`),
			},
			kind:  memory.KindEpisodic,
			lane:  memory.LaneWorkflowNote,
			boost: 0.05,
		},
	}
}

// extractTriggers runs the ordered trigger table over one turn. Each
// category contributes at most one memory, built from a windowed
// excerpt around the first matching pattern.
func (e *Extractor) extractTriggers(turn Turn, sessionID string) []*memory.Memory {
	var out []*memory.Memory
	for _, tr := range e.triggers {
		if tr.role != "" && tr.role != turn.Role {
			continue
		}
		var loc []int
		for _, p := range tr.patterns {
			if loc = p.FindStringIndex(turn.Content); loc != nil {
				break
			}
		}
		if loc == nil {
			continue
		}

		m := &memory.Memory{
			Kind:          tr.kind,
			Lane:          tr.lane,
			Content:       window(turn.Content, loc[0], loc[1], excerptBefore, excerptAfter),
			Title:         window(turn.Content, loc[0], loc[1], titleBefore, titleAfter),
			SourceExcerpt: turn.Content[loc[0]:loc[1]],
			Reasoning:     "surprise trigger: " + tr.name,
			Confidence:    memory.DefaultConfidence(triggerBaseConfidence + tr.boost),
			Metadata: memory.Metadata{
				Provenance: memory.ProvenanceInteraction,
				SessionID:  sessionID,
				Tags:       dedupe(append([]string{tr.name}, ExtractTags(turn.Content)...)),
			},
		}
		out = append(out, m)
		e.logger.Debug("surprise trigger fired",
			zap.String("category", tr.name),
			zap.String("role", string(turn.Role)))
	}
	return out
}

// window cuts [start-before, end+after) out of text, clamped to its
// bounds and widened so neither cut splits a multi-byte rune.
func window(text string, start, end, before, after int) string {
	lo := start - before
	if lo < 0 {
		lo = 0
	}
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	hi := end + after
	if hi > len(text) {
		hi = len(text)
	}
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}
	return strings.TrimSpace(text[lo:hi])
}
