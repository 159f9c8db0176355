// Package active generates clarifying questions from uncertain memory
// state and applies the user's answers back as confidence feedback.
package active

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/store"
)

const (
	// sessionQuestionCap and questionCooldown implement a rolling
	// cooldown: once the cap is reached, triggers stay suppressed only
	// until the cooldown elapses. The counter never resets.
	sessionQuestionCap = 3
	questionCooldown   = 30 * time.Minute

	// patternWindow bounds how old a memory may be to count toward the
	// new-pattern check.
	patternWindow = 24 * time.Hour

	maxQuestionExcerpt = 120
)

// QuestionKind names which trigger produced a question.
type QuestionKind string

const (
	QuestionLowConfidence QuestionKind = "low_confidence"
	QuestionContradiction QuestionKind = "contradiction"
	QuestionNewPattern    QuestionKind = "new_pattern"
)

// Question is one clarifying question offered to the user. Options is
// always a fixed set of 2-4 choices.
type Question struct {
	ID        string       `json:"id"`
	Kind      QuestionKind `json:"kind"`
	MemoryID  string       `json:"memory_id,omitempty"`
	RelatedID string       `json:"related_id,omitempty"`
	Prompt    string       `json:"prompt"`
	Options   []string     `json:"options"`
}

// Response is the user's answer to a previously generated question.
type Response struct {
	SessionID  string
	QuestionID string
	MemoryID   string
	// Affirmed reports whether the user confirmed the memory. A
	// confirmation reinforces it, anything else contradicts it.
	Affirmed bool
	// Skipped answers neither way; only the session counter moves.
	Skipped bool
}

// FeedbackKind classifies explicit feedback on a memory.
type FeedbackKind string

const (
	FeedbackPositive   FeedbackKind = "positive"
	FeedbackNegative   FeedbackKind = "negative"
	FeedbackCorrection FeedbackKind = "correction"
)

// Feedback is explicit user feedback on a stored memory.
type Feedback struct {
	MemoryID   string
	Kind       FeedbackKind
	Correction string // replacement content, corrections only
	SessionID  string
}

type sessionState struct {
	questionsAsked int
	lastAsked      time.Time
}

// Learner watches the store and graph for uncertain state and turns it
// into questions, rate-limited per session.
type Learner struct {
	store  *store.Store
	graph  *graph.Graph
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState

	now func() time.Time
}

// New creates a Learner over the given store and graph.
func New(st *store.Store, g *graph.Graph, logger *zap.Logger) *Learner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Learner{
		store:    st,
		graph:    g,
		logger:   logger.With(zap.String("component", "active")),
		sessions: make(map[string]*sessionState),
		now:      time.Now,
	}
}

func (l *Learner) session(id string) *sessionState {
	s, ok := l.sessions[id]
	if !ok {
		s = &sessionState{}
		l.sessions[id] = s
	}
	return s
}

// suppressed reports whether the session has hit the question cap and
// is still inside its cooldown window.
func (l *Learner) suppressed(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.session(sessionID)
	return s.questionsAsked >= sessionQuestionCap &&
		l.now().Sub(s.lastAsked) < questionCooldown
}

// CheckTriggers runs the three question checks for a session. The
// checks are isolated: a failure in one is logged and the others still
// run.
func (l *Learner) CheckTriggers(ctx context.Context, sessionID, prompt string) []Question {
	if l.suppressed(sessionID) {
		return nil
	}

	all, err := l.store.GetAll(ctx)
	if err != nil {
		l.logger.Warn("trigger check: load memories failed", zap.Error(err))
		return nil
	}

	var questions []Question
	checks := []func([]*memory.Memory, string) *Question{
		l.checkLowConfidence,
		l.checkContradiction,
		l.checkNewPattern,
	}
	for _, check := range checks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Warn("trigger check panicked", zap.Any("reason", r))
				}
			}()
			if q := check(all, prompt); q != nil {
				questions = append(questions, *q)
			}
		}()
	}
	return questions
}

// checkLowConfidence finds a prompt-relevant memory whose confidence
// state asks for validation.
func (l *Learner) checkLowConfidence(all []*memory.Memory, prompt string) *Question {
	words := strings.Fields(strings.ToLower(prompt))
	if len(words) == 0 {
		return nil
	}
	now := l.now()

	for _, m := range all {
		if !memory.ShouldValidate(m.Confidence, now) {
			continue
		}
		content := strings.ToLower(m.Content)
		for _, w := range words {
			if len(w) < 3 || !strings.Contains(content, w) {
				continue
			}
			return &Question{
				ID:       uuid.New().String(),
				Kind:     QuestionLowConfidence,
				MemoryID: m.ID,
				Prompt:   fmt.Sprintf("Is this still accurate? %q", excerpt(m)),
				Options: []string{
					"Yes, still accurate",
					"No, this is outdated",
					"Partially correct",
				},
			}
		}
	}
	return nil
}

// checkContradiction surfaces the first contradicting pair the graph
// knows about.
func (l *Learner) checkContradiction(all []*memory.Memory, _ string) *Question {
	if l.graph == nil {
		return nil
	}
	for _, m := range all {
		neighbors := l.graph.FindContradictions(m.ID)
		if len(neighbors) == 0 {
			continue
		}
		return &Question{
			ID:        uuid.New().String(),
			Kind:      QuestionContradiction,
			MemoryID:  m.ID,
			RelatedID: neighbors[0].MemoryID,
			Prompt:    fmt.Sprintf("I hold conflicting information about %q. Which should I trust?", excerpt(m)),
			Options: []string{
				"The first is correct",
				"The second is correct",
				"Both are partially true",
				"Neither applies anymore",
			},
		}
	}
	return nil
}

// checkNewPattern looks for a burst of fresh memories nothing has
// confirmed yet.
func (l *Learner) checkNewPattern(all []*memory.Memory, _ string) *Question {
	now := l.now()
	var fresh []*memory.Memory
	for _, m := range all {
		if now.Sub(m.Metadata.CreatedAt) < patternWindow && m.Confidence.Reinforcements == 0 {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) < 2 {
		return nil
	}
	return &Question{
		ID:       uuid.New().String(),
		Kind:     QuestionNewPattern,
		MemoryID: fresh[0].ID,
		Prompt:   fmt.Sprintf("I picked up %d new facts recently, e.g. %q. Should I keep building on them?", len(fresh), excerpt(fresh[0])),
		Options: []string{
			"Yes, they look right",
			"No, discard them",
		},
	}
}

// RecordResponse applies the user's answer and always advances the
// session counter, even for skipped questions.
func (l *Learner) RecordResponse(ctx context.Context, resp Response) error {
	l.mu.Lock()
	s := l.session(resp.SessionID)
	s.questionsAsked++
	s.lastAsked = l.now()
	l.mu.Unlock()

	if resp.Skipped || resp.MemoryID == "" {
		return nil
	}
	if resp.Affirmed {
		return l.reinforce(ctx, resp.MemoryID)
	}
	return l.contradict(ctx, resp.MemoryID)
}

// ProcessFeedback applies explicit feedback. Corrections contradict the
// original, store the corrected content as a new memory, and link the
// new memory to the old one with a supersedes edge. The returned memory
// is the corrected one (corrections only).
func (l *Learner) ProcessFeedback(ctx context.Context, fb Feedback) (*memory.Memory, error) {
	switch fb.Kind {
	case FeedbackPositive:
		return nil, l.reinforce(ctx, fb.MemoryID)

	case FeedbackNegative:
		return nil, l.contradict(ctx, fb.MemoryID)

	case FeedbackCorrection:
		original, err := l.store.Get(ctx, fb.MemoryID)
		if err != nil {
			return nil, fmt.Errorf("load original %s: %w", fb.MemoryID, err)
		}
		if original == nil {
			return nil, fmt.Errorf("correction target %s not found", fb.MemoryID)
		}
		if err := l.contradict(ctx, fb.MemoryID); err != nil {
			return nil, err
		}

		corrected := &memory.Memory{
			Kind:    original.Kind,
			Content: fb.Correction,
			Lane:    memory.LaneCorrection,
			Title:   original.Title,
			Metadata: memory.Metadata{
				Provenance: memory.ProvenanceFeedback,
				SessionID:  fb.SessionID,
				AgentType:  original.Metadata.AgentType,
				Tags:       original.Metadata.Tags,
			},
			Confidence: memory.DefaultConfidence(0.8),
			Reasoning:  "user correction of " + fb.MemoryID,
		}
		stored, err := l.store.Add(ctx, corrected)
		if err != nil {
			return nil, fmt.Errorf("store correction: %w", err)
		}
		if l.graph != nil {
			if _, err := l.graph.AddEdge(ctx, stored.ID, fb.MemoryID, graph.RelationSupersedes, 1.0); err != nil {
				l.logger.Warn("link correction failed",
					zap.String("memory", stored.ID), zap.Error(err))
			}
		}
		return stored, nil

	default:
		return nil, fmt.Errorf("unknown feedback kind %q", fb.Kind)
	}
}

// reinforce applies the diminishing-boost confidence model, not the
// store's multiplicative fast path.
func (l *Learner) reinforce(ctx context.Context, id string) error {
	m, err := l.store.Get(ctx, id)
	if err != nil || m == nil {
		return err
	}
	c := memory.Reinforce(m.Confidence, l.now())
	_, err = l.store.Update(ctx, id, store.Patch{Confidence: &c})
	return err
}

func (l *Learner) contradict(ctx context.Context, id string) error {
	m, err := l.store.Get(ctx, id)
	if err != nil || m == nil {
		return err
	}
	c := memory.Contradict(m.Confidence, l.now())
	_, err = l.store.Update(ctx, id, store.Patch{Confidence: &c})
	return err
}

func excerpt(m *memory.Memory) string {
	text := m.Title
	if text == "" {
		text = m.Content
	}
	if len(text) > maxQuestionExcerpt {
		text = memory.TruncateRunes(text, maxQuestionExcerpt) + "..."
	}
	return text
}
