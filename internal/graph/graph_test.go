package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/nidhogg/mnemo/internal/store"
)

// docBackend keeps the graph document in memory for tests.
type docBackend struct {
	mu  sync.Mutex
	doc []byte
}

func (b *docBackend) PutRecord(ctx context.Context, id string, data []byte) error { return nil }
func (b *docBackend) GetRecord(ctx context.Context, id string) ([]byte, error) {
	return nil, store.ErrNotFound
}
func (b *docBackend) DeleteRecord(ctx context.Context, id string) error { return nil }
func (b *docBackend) ListIDs(ctx context.Context) ([]string, error)     { return nil, nil }
func (b *docBackend) SaveGraphDoc(ctx context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.doc = data
	return nil
}
func (b *docBackend) LoadGraphDoc(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.doc == nil {
		return nil, store.ErrNotFound
	}
	return b.doc, nil
}
func (b *docBackend) Close(ctx context.Context) error { return nil }

func TestAddEdgeCreatesNodes(t *testing.T) {
	g := New(&docBackend{}, nil)
	ctx := context.Background()

	edge, err := g.AddEdge(ctx, "a", "b", RelationReinforces, 0)
	if err != nil {
		t.Fatalf("add edge: %v", err)
	}
	if edge.Weight != 1.0 {
		t.Errorf("got weight %v, want default 1.0", edge.Weight)
	}

	stats := g.Stats()
	if stats.Nodes != 2 || stats.Edges != 1 {
		t.Fatalf("got %d nodes / %d edges, want 2 / 1", stats.Nodes, stats.Edges)
	}

	a, _ := g.Node("a")
	b, _ := g.Node("b")
	if a.OutDegree != 1 || a.InDegree != 0 {
		t.Errorf("source degrees: out %d in %d, want 1/0", a.OutDegree, a.InDegree)
	}
	if b.InDegree != 1 || b.OutDegree != 0 {
		t.Errorf("target degrees: in %d out %d, want 1/0", b.InDegree, b.OutDegree)
	}
}

func TestGetRelatedUndirectedAndFiltered(t *testing.T) {
	g := New(&docBackend{}, nil)
	ctx := context.Background()

	g.AddEdge(ctx, "a", "b", RelationReinforces, 0.5)
	g.AddEdge(ctx, "c", "a", RelationContradicts, 0.9)
	g.AddEdge(ctx, "a", "d", RelationRelated, 0.7)

	related := g.GetRelated("a")
	if len(related) != 3 {
		t.Fatalf("got %d neighbors, want 3 (direction ignored)", len(related))
	}
	// Sorted by weight descending.
	if related[0].MemoryID != "c" || related[1].MemoryID != "d" || related[2].MemoryID != "b" {
		t.Errorf("wrong order: %v %v %v", related[0].MemoryID, related[1].MemoryID, related[2].MemoryID)
	}

	contradictions := g.FindContradictions("a")
	if len(contradictions) != 1 || contradictions[0].MemoryID != "c" {
		t.Errorf("contradictions: %+v", contradictions)
	}
	reinforcements := g.FindReinforcements("a")
	if len(reinforcements) != 1 || reinforcements[0].MemoryID != "b" {
		t.Errorf("reinforcements: %+v", reinforcements)
	}
}

func TestRemoveNodeConsistency(t *testing.T) {
	g := New(&docBackend{}, nil)
	ctx := context.Background()

	g.AddEdge(ctx, "a", "b", RelationReinforces, 0)
	g.AddEdge(ctx, "b", "c", RelationExtends, 0)
	g.AddEdge(ctx, "c", "a", RelationRelated, 0)

	if err := g.RemoveNode(ctx, "b"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	stats := g.Stats()
	if stats.Nodes != 2 || stats.Edges != 1 {
		t.Fatalf("got %d nodes / %d edges, want 2 / 1", stats.Nodes, stats.Edges)
	}

	// Remaining degrees must match the surviving c->a edge.
	a, _ := g.Node("a")
	c, _ := g.Node("c")
	if a.InDegree != 1 || a.OutDegree != 0 {
		t.Errorf("a degrees: in %d out %d, want 1/0", a.InDegree, a.OutDegree)
	}
	if c.OutDegree != 1 || c.InDegree != 0 {
		t.Errorf("c degrees: out %d in %d, want 1/0", c.OutDegree, c.InDegree)
	}
	if got := g.GetRelated("b"); got != nil {
		t.Errorf("removed node still has neighbors: %+v", got)
	}
}

func TestFindClusters(t *testing.T) {
	g := New(&docBackend{}, nil)
	ctx := context.Background()

	// Component 1: a-b-c. Component 2: x-y. Singleton: z via self ref.
	g.AddEdge(ctx, "a", "b", RelationRelated, 0)
	g.AddEdge(ctx, "b", "c", RelationRelated, 0)
	g.AddEdge(ctx, "x", "y", RelationRelated, 0)

	clusters := g.FindClusters(3)
	if len(clusters) != 1 {
		t.Fatalf("got %d clusters, want 1", len(clusters))
	}
	if len(clusters[0]) != 3 {
		t.Fatalf("got cluster size %d, want 3", len(clusters[0]))
	}
	for _, c := range clusters {
		if len(c) < 3 {
			t.Errorf("cluster smaller than minSize: %v", c)
		}
	}

	clusters = g.FindClusters(2)
	if len(clusters) != 2 {
		t.Errorf("got %d clusters at minSize 2, want 2", len(clusters))
	}
}

func TestPersistAndLoad(t *testing.T) {
	backend := &docBackend{}
	ctx := context.Background()

	g := New(backend, nil)
	g.AddEdge(ctx, "a", "b", RelationSupersedes, 0.9)

	reloaded := New(backend, nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	stats := reloaded.Stats()
	if stats.Nodes != 2 || stats.Edges != 1 {
		t.Fatalf("got %d nodes / %d edges after reload, want 2 / 1", stats.Nodes, stats.Edges)
	}
	related := reloaded.GetRelated("b", RelationSupersedes)
	if len(related) != 1 || related[0].MemoryID != "a" {
		t.Errorf("reloaded neighbors: %+v", related)
	}
}

func TestLoadEmptyBackend(t *testing.T) {
	g := New(&docBackend{}, nil)
	if err := g.Load(context.Background()); err != nil {
		t.Fatalf("missing document must not be an error: %v", err)
	}
	if g.NodeCount() != 0 {
		t.Errorf("got %d nodes, want 0", g.NodeCount())
	}
}

func TestSelfEdge(t *testing.T) {
	g := New(&docBackend{}, nil)
	ctx := context.Background()

	// Transfer markers are recorded as self edges.
	if _, err := g.AddEdge(ctx, "m", "m", RelationRelated, 1.0); err != nil {
		t.Fatalf("self edge: %v", err)
	}
	n, ok := g.Node("m")
	if !ok {
		t.Fatal("node missing")
	}
	if n.InDegree != 1 || n.OutDegree != 1 {
		t.Errorf("self edge degrees: in %d out %d, want 1/1", n.InDegree, n.OutDegree)
	}
	if err := g.RemoveNode(ctx, "m"); err != nil {
		t.Fatalf("remove self-edged node: %v", err)
	}
	if g.Stats().Edges != 0 {
		t.Error("self edge survived node removal")
	}
}
