package active

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"

	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/store"
)

func newTestLearner(t *testing.T) (*Learner, *store.Store, *graph.Graph) {
	t.Helper()
	mr := miniredis.RunT(t)
	backend, err := store.NewRedisBackend(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("redis backend: %v", err)
	}
	t.Cleanup(func() { backend.Close(context.Background()) })

	st := store.New(backend, store.Options{}, nil)
	g := graph.New(backend, nil)
	return New(st, g, nil), st, g
}

func addMemory(t *testing.T, st *store.Store, m *memory.Memory) *memory.Memory {
	t.Helper()
	stored, err := st.Add(context.Background(), m)
	if err != nil {
		t.Fatalf("add memory: %v", err)
	}
	return stored
}

func TestLowConfidenceTrigger(t *testing.T) {
	l, st, _ := newTestLearner(t)
	ctx := context.Background()

	shaky := addMemory(t, st, &memory.Memory{
		Kind:    memory.KindSemantic,
		Content: "the staging database runs on port 5433",
		Confidence: memory.ConfidenceMetrics{
			Initial: 0.3, Current: 0.3, HalfLifeDays: 30, LastAccessed: time.Now(),
		},
	})
	addMemory(t, st, &memory.Memory{
		Kind:    memory.KindSemantic,
		Content: "the team uses trunk-based development",
		Confidence: memory.ConfidenceMetrics{
			Initial: 0.9, Current: 0.9, HalfLifeDays: 30, LastAccessed: time.Now(),
			Reinforcements: 2,
		},
	})

	questions := l.CheckTriggers(ctx, "s1", "which port does the staging database use")

	var found *Question
	for i := range questions {
		if questions[i].Kind == QuestionLowConfidence {
			found = &questions[i]
		}
	}
	if found == nil {
		t.Fatalf("no low-confidence question in %v", questions)
	}
	if found.MemoryID != shaky.ID {
		t.Errorf("got memory %s, want %s", found.MemoryID, shaky.ID)
	}
	if n := len(found.Options); n < 2 || n > 4 {
		t.Errorf("got %d options, want 2-4", n)
	}
}

func TestContradictionTrigger(t *testing.T) {
	l, st, g := newTestLearner(t)
	ctx := context.Background()

	a := addMemory(t, st, &memory.Memory{Kind: memory.KindSemantic, Content: "deploys happen on fridays"})
	b := addMemory(t, st, &memory.Memory{Kind: memory.KindSemantic, Content: "deploys are frozen on fridays"})
	if _, err := g.AddEdge(ctx, a.ID, b.ID, graph.RelationContradicts, 1.0); err != nil {
		t.Fatalf("add edge: %v", err)
	}

	questions := l.CheckTriggers(ctx, "s1", "when do deploys happen")

	var found *Question
	for i := range questions {
		if questions[i].Kind == QuestionContradiction {
			found = &questions[i]
		}
	}
	if found == nil {
		t.Fatalf("no contradiction question in %v", questions)
	}
	if found.RelatedID == "" || found.RelatedID == found.MemoryID {
		t.Errorf("contradiction question must name the other side, got %+v", found)
	}
}

func TestNewPatternTrigger(t *testing.T) {
	l, st, _ := newTestLearner(t)
	ctx := context.Background()

	addMemory(t, st, &memory.Memory{Kind: memory.KindEpisodic, Content: "switched to pnpm"})
	addMemory(t, st, &memory.Memory{Kind: memory.KindEpisodic, Content: "adopted turborepo"})

	questions := l.CheckTriggers(ctx, "s1", "anything")

	var found bool
	for _, q := range questions {
		if q.Kind == QuestionNewPattern {
			found = true
		}
	}
	if !found {
		t.Fatalf("no new-pattern question in %v", questions)
	}
}

func TestNewPatternNeedsTwoUnreinforced(t *testing.T) {
	l, st, _ := newTestLearner(t)
	ctx := context.Background()

	addMemory(t, st, &memory.Memory{Kind: memory.KindEpisodic, Content: "switched to pnpm"})
	reinforced := &memory.Memory{Kind: memory.KindEpisodic, Content: "adopted turborepo"}
	reinforced.Confidence = memory.DefaultConfidence(0.5)
	reinforced.Confidence.Reinforcements = 1
	addMemory(t, st, reinforced)

	for _, q := range l.CheckTriggers(ctx, "s1", "anything") {
		if q.Kind == QuestionNewPattern {
			t.Fatal("one fresh unreinforced memory must not trigger the pattern check")
		}
	}
}

func TestRollingCooldownSuppression(t *testing.T) {
	l, st, _ := newTestLearner(t)
	ctx := context.Background()

	addMemory(t, st, &memory.Memory{Kind: memory.KindEpisodic, Content: "fact one"})
	addMemory(t, st, &memory.Memory{Kind: memory.KindEpisodic, Content: "fact two"})

	current := time.Now()
	l.now = func() time.Time { return current }

	for i := 0; i < sessionQuestionCap; i++ {
		if err := l.RecordResponse(ctx, Response{SessionID: "s1", Skipped: true}); err != nil {
			t.Fatalf("record response: %v", err)
		}
	}

	if qs := l.CheckTriggers(ctx, "s1", "anything"); len(qs) != 0 {
		t.Fatalf("capped session inside cooldown must be suppressed, got %v", qs)
	}
	if qs := l.CheckTriggers(ctx, "s2", "anything"); len(qs) == 0 {
		t.Fatal("other sessions must not be suppressed")
	}

	// After the cooldown elapses triggers resume, counter intact.
	current = current.Add(questionCooldown + time.Minute)
	if qs := l.CheckTriggers(ctx, "s1", "anything"); len(qs) == 0 {
		t.Fatal("triggers must resume after the cooldown")
	}
	l.mu.Lock()
	asked := l.session("s1").questionsAsked
	l.mu.Unlock()
	if asked != sessionQuestionCap {
		t.Errorf("counter reset to %d, want %d retained", asked, sessionQuestionCap)
	}
}

func TestRecordResponseAffirmReinforces(t *testing.T) {
	l, st, _ := newTestLearner(t)
	ctx := context.Background()

	m := addMemory(t, st, &memory.Memory{Kind: memory.KindSemantic, Content: "fact"})
	before := m.Confidence.Current

	if err := l.RecordResponse(ctx, Response{SessionID: "s1", MemoryID: m.ID, Affirmed: true}); err != nil {
		t.Fatalf("record response: %v", err)
	}

	got, _ := st.Get(ctx, m.ID)
	if got.Confidence.Current <= before {
		t.Errorf("confidence %v after affirm, want > %v", got.Confidence.Current, before)
	}
	if got.Confidence.Reinforcements != 1 {
		t.Errorf("reinforcements = %d, want 1", got.Confidence.Reinforcements)
	}
}

func TestProcessFeedbackNegative(t *testing.T) {
	l, st, _ := newTestLearner(t)
	ctx := context.Background()

	m := addMemory(t, st, &memory.Memory{Kind: memory.KindSemantic, Content: "fact"})
	before := m.Confidence.Current

	if _, err := l.ProcessFeedback(ctx, Feedback{MemoryID: m.ID, Kind: FeedbackNegative}); err != nil {
		t.Fatalf("process feedback: %v", err)
	}

	got, _ := st.Get(ctx, m.ID)
	if got.Confidence.Current >= before {
		t.Errorf("confidence %v after negative feedback, want < %v", got.Confidence.Current, before)
	}
	if got.Confidence.Contradictions != 1 {
		t.Errorf("contradictions = %d, want 1", got.Confidence.Contradictions)
	}
}

func TestProcessFeedbackCorrection(t *testing.T) {
	l, st, g := newTestLearner(t)
	ctx := context.Background()

	original := addMemory(t, st, &memory.Memory{
		Kind:     memory.KindSemantic,
		Content:  "the api listens on port 8080",
		Metadata: memory.Metadata{Tags: []string{"go"}},
	})

	corrected, err := l.ProcessFeedback(ctx, Feedback{
		MemoryID:   original.ID,
		Kind:       FeedbackCorrection,
		Correction: "the api listens on port 9090",
		SessionID:  "s1",
	})
	if err != nil {
		t.Fatalf("process feedback: %v", err)
	}
	if corrected == nil || corrected.ID == original.ID {
		t.Fatal("correction must produce a new memory")
	}
	if corrected.Content != "the api listens on port 9090" {
		t.Errorf("corrected content = %q", corrected.Content)
	}
	if corrected.Lane != memory.LaneCorrection {
		t.Errorf("lane = %q, want correction", corrected.Lane)
	}
	if corrected.Metadata.Provenance != memory.ProvenanceFeedback {
		t.Errorf("provenance = %q, want feedback", corrected.Metadata.Provenance)
	}

	// Original contradicted.
	got, _ := st.Get(ctx, original.ID)
	if got.Confidence.Contradictions != 1 {
		t.Errorf("original contradictions = %d, want 1", got.Confidence.Contradictions)
	}

	// Supersedes edge from corrected to original.
	var supersedes bool
	for _, n := range g.GetRelated(corrected.ID, graph.RelationSupersedes) {
		if n.MemoryID == original.ID {
			supersedes = true
		}
	}
	if !supersedes {
		t.Error("corrected memory must supersede the original")
	}
}

func TestCorrectionOnUnknownMemory(t *testing.T) {
	l, _, _ := newTestLearner(t)
	_, err := l.ProcessFeedback(context.Background(), Feedback{
		MemoryID: "missing", Kind: FeedbackCorrection, Correction: "x",
	})
	if err == nil {
		t.Fatal("correction of an unknown memory must fail")
	}
}

func TestQuestionExcerptKeepsRunesWhole(t *testing.T) {
	m := &memory.Memory{Content: strings.Repeat("\U0001F389", 40)}
	got := excerpt(m)
	if !utf8.ValidString(got) {
		t.Errorf("excerpt split a rune: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("long excerpt should carry an ellipsis: %q", got)
	}
}
