package agentspace

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/store"
)

func newTestSpaces(t *testing.T) (*Spaces, *store.Store, *graph.Graph) {
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

func addAgentMemory(t *testing.T, st *store.Store, agent, content string, confidence float64) *memory.Memory {
	t.Helper()
	m, err := st.Add(context.Background(), &memory.Memory{
		Kind:       memory.KindSemantic,
		Content:    content,
		Confidence: memory.DefaultConfidence(confidence),
		Metadata:   memory.Metadata{AgentType: agent},
	})
	if err != nil {
		t.Fatalf("add memory: %v", err)
	}
	return m
}

func TestAgentMemoriesLazyCacheAndInvalidate(t *testing.T) {
	s, st, _ := newTestSpaces(t)
	ctx := context.Background()

	addAgentMemory(t, st, "coder", "coder fact", 0.6)
	addAgentMemory(t, st, "reviewer", "reviewer fact", 0.6)

	got, err := s.AgentMemories(ctx, "coder")
	if err != nil {
		t.Fatalf("agent memories: %v", err)
	}
	if len(got) != 1 || got[0].Content != "coder fact" {
		t.Fatalf("got %v, want the coder's single memory", got)
	}

	// The space is cached: an external add is invisible until
	// invalidated.
	addAgentMemory(t, st, "coder", "second coder fact", 0.6)
	got, _ = s.AgentMemories(ctx, "coder")
	if len(got) != 1 {
		t.Fatalf("cache rebuilt without invalidation, got %d memories", len(got))
	}

	s.Invalidate("coder")
	got, _ = s.AgentMemories(ctx, "coder")
	if len(got) != 2 {
		t.Fatalf("got %d memories after invalidate, want 2", len(got))
	}
}

func TestAgentMemoriesReturnsPrivateSlice(t *testing.T) {
	s, st, _ := newTestSpaces(t)
	ctx := context.Background()

	addAgentMemory(t, st, "coder", "coder fact", 0.6)

	first, err := s.AgentMemories(ctx, "coder")
	if err != nil || len(first) != 1 {
		t.Fatalf("agent memories: %v err %v", first, err)
	}
	first[0] = nil

	second, _ := s.AgentMemories(ctx, "coder")
	if len(second) != 1 || second[0] == nil {
		t.Fatalf("caller mutation reached the cached space: %v", second)
	}
	if second[0].Content != "coder fact" {
		t.Errorf("got %q, want the cached memory intact", second[0].Content)
	}
}

func TestTransferMemory(t *testing.T) {
	s, st, g := newTestSpaces(t)
	ctx := context.Background()

	m := addAgentMemory(t, st, "coder", "shared workflow note", 0.6)
	if err := s.TransferMemory(ctx, m.ID, "reviewer"); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	got, _ := st.Get(ctx, m.ID)
	if got.Metadata.AgentType != "reviewer" {
		t.Errorf("agent type = %q, want reviewer", got.Metadata.AgentType)
	}

	// The transfer marker is a self-edge on the memory.
	node, ok := g.Node(m.ID)
	if !ok {
		t.Fatal("transferred memory has no graph node")
	}
	if len(node.EdgeIDs) != 1 {
		t.Fatalf("got %d edges, want the single self-edge", len(node.EdgeIDs))
	}

	// Both spaces see the move.
	coder, _ := s.AgentMemories(ctx, "coder")
	reviewer, _ := s.AgentMemories(ctx, "reviewer")
	if len(coder) != 0 || len(reviewer) != 1 {
		t.Errorf("spaces after transfer: coder=%d reviewer=%d, want 0/1", len(coder), len(reviewer))
	}
}

func TestTransferUnknownMemory(t *testing.T) {
	s, _, _ := newTestSpaces(t)
	if err := s.TransferMemory(context.Background(), "missing", "reviewer"); err == nil {
		t.Fatal("transferring an unknown memory must fail")
	}
}

func TestPromoteDeduplicatesByJaccard(t *testing.T) {
	s, _, _ := newTestSpaces(t)

	first := &memory.Memory{ID: "m1", Content: "the build pipeline caches go modules between runs"}
	nearDup := &memory.Memory{ID: "m2", Content: "the build pipeline caches go modules between runs today"}
	distinct := &memory.Memory{ID: "m3", Content: "retrospectives happen every second friday"}

	s.Promote(first, "coder")
	s.Promote(nearDup, "reviewer")
	s.Promote(distinct, "coder")

	facts := s.SharedFacts()
	if len(facts) != 2 {
		t.Fatalf("got %d shared facts, want 2 after dedup", len(facts))
	}

	var merged *SharedFact
	for i := range facts {
		if facts[i].MemoryID == "m1" {
			merged = &facts[i]
		}
	}
	if merged == nil {
		t.Fatal("merged fact missing")
	}
	if merged.UsageCount != 2 {
		t.Errorf("usage count = %d, want 2", merged.UsageCount)
	}
	if len(merged.Contributors) != 2 || !contains(merged.Contributors, "reviewer") {
		t.Errorf("contributors = %v, want coder and reviewer", merged.Contributors)
	}
}

func TestPromoteSameAgentTwice(t *testing.T) {
	s, _, _ := newTestSpaces(t)

	m := &memory.Memory{ID: "m1", Content: "database migrations run before deploys"}
	s.Promote(m, "coder")
	fact := s.Promote(m, "coder")

	if fact.UsageCount != 2 {
		t.Errorf("usage count = %d, want 2", fact.UsageCount)
	}
	if len(fact.Contributors) != 1 {
		t.Errorf("contributors = %v, want coder once", fact.Contributors)
	}
}

func TestSyncAgentKnowledge(t *testing.T) {
	s, st, g := newTestSpaces(t)
	ctx := context.Background()

	strong := addAgentMemory(t, st, "coder", "integration tests gate merges", 0.9)
	addAgentMemory(t, st, "coder", "mid-confidence note", 0.6)
	addAgentMemory(t, st, "coder", "weak hunch", 0.3)

	copied, err := s.SyncAgentKnowledge(ctx, "coder", "reviewer", 2, 0.5)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(copied) != 2 {
		t.Fatalf("got %d copies, want 2 (floor excludes the hunch)", len(copied))
	}

	top := copied[0]
	if top.Content != strong.Content {
		t.Errorf("highest-confidence memory not first: %q", top.Content)
	}
	if top.Metadata.AgentType != "reviewer" {
		t.Errorf("copy owned by %q, want reviewer", top.Metadata.AgentType)
	}
	if top.Lane != memory.LaneCrossAgent {
		t.Errorf("lane = %q, want cross_agent", top.Lane)
	}
	want := 0.9 * syncConfidenceRatio
	if got := top.Confidence.Current; got < want-0.001 || got > want+0.001 {
		t.Errorf("confidence = %v, want %v", got, want)
	}

	// Provenance edge back to the source.
	related := g.GetRelated(top.ID, graph.RelationDerivedFrom)
	if len(related) != 1 || related[0].MemoryID != strong.ID {
		t.Errorf("derived_from edge = %v, want link to %s", related, strong.ID)
	}

	// The target space reflects the sync.
	reviewer, _ := s.AgentMemories(ctx, "reviewer")
	if len(reviewer) != 2 {
		t.Errorf("reviewer space has %d memories, want 2", len(reviewer))
	}
}
