package abstract

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/store"
)

func newTestAbstractor(t *testing.T) (*Abstractor, *store.Store, *graph.Graph) {
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

func embedded(id, content string, vec []float32, tags ...string) *memory.Memory {
	return &memory.Memory{
		ID:         id,
		Kind:       memory.KindEpisodic,
		Content:    content,
		Embedding:  vec,
		Confidence: memory.DefaultConfidence(0.6),
		Metadata:   memory.Metadata{Tags: tags},
	}
}

func TestFindSimilarClustersGroupsByCosine(t *testing.T) {
	mems := []*memory.Memory{
		embedded("a", "one", []float32{1, 0, 0}),
		embedded("b", "two", []float32{0.99, 0.1, 0}),
		embedded("c", "three", []float32{0.98, 0.15, 0}),
		embedded("d", "off-axis", []float32{0, 1, 0}),
	}

	clusters := FindSimilarClusters(mems, 0.75)
	if len(clusters) != 1 {
		t.Fatalf("got %d clusters, want 1", len(clusters))
	}
	if len(clusters[0]) != 3 {
		t.Errorf("got cluster of %d, want 3", len(clusters[0]))
	}
	for _, m := range clusters[0] {
		if m.ID == "d" {
			t.Error("orthogonal memory absorbed into cluster")
		}
	}
}

func TestFindSimilarClustersDiscardsSmall(t *testing.T) {
	mems := []*memory.Memory{
		embedded("a", "one", []float32{1, 0}),
		embedded("b", "two", []float32{0.99, 0.1}),
		embedded("c", "other", []float32{0, 1}),
	}
	if clusters := FindSimilarClusters(mems, 0.75); len(clusters) != 0 {
		t.Fatalf("got %d clusters, want pairs discarded", len(clusters))
	}
}

func TestFindSimilarClustersSkipsUnembedded(t *testing.T) {
	mems := []*memory.Memory{
		embedded("a", "one", nil),
		embedded("b", "two", nil),
		embedded("c", "three", nil),
	}
	if clusters := FindSimilarClusters(mems, 0.75); len(clusters) != 0 {
		t.Fatalf("memories without embeddings must not cluster, got %d", len(clusters))
	}
}

func TestAbstractCluster(t *testing.T) {
	a, st, g := newTestAbstractor(t)
	ctx := context.Background()

	var cluster []*memory.Memory
	contents := []string{
		"user prefers tabs over spaces in every editor",
		"user prefers tabs when formatting shared files",
		"user prefers tabs for indentation in reviews",
	}
	for _, c := range contents {
		m, err := st.Add(ctx, embedded("", c, []float32{1, 0}, "preference", "editor"))
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		cluster = append(cluster, m)
	}

	abstracted, err := a.AbstractCluster(ctx, cluster)
	if err != nil {
		t.Fatalf("abstract cluster: %v", err)
	}

	if abstracted.Kind != memory.KindSemantic {
		t.Errorf("kind = %q, want semantic", abstracted.Kind)
	}
	if abstracted.Metadata.Provenance != memory.ProvenanceInferred {
		t.Errorf("provenance = %q, want inferred", abstracted.Metadata.Provenance)
	}
	if !abstracted.HasTag(AbstractedTag) {
		t.Error("missing abstracted tag")
	}
	if !abstracted.HasTag("preference") || !abstracted.HasTag("editor") {
		t.Errorf("shared tags not carried: %v", abstracted.Metadata.Tags)
	}
	if !strings.Contains(abstracted.Content, "preference pattern") {
		t.Errorf("preference template not used: %q", abstracted.Content)
	}
	if !strings.Contains(abstracted.Content, "tabs") {
		t.Errorf("shared topic word missing: %q", abstracted.Content)
	}

	// Confidence is the cluster average discounted by 10%.
	want := 0.6 * confidenceDiscount
	if got := abstracted.Confidence.Current; got < want-0.001 || got > want+0.001 {
		t.Errorf("confidence = %v, want %v", got, want)
	}

	// A supersedes edge to each retained source.
	related := g.GetRelated(abstracted.ID, graph.RelationSupersedes)
	if len(related) != len(cluster) {
		t.Fatalf("got %d supersedes edges, want %d", len(related), len(cluster))
	}
	for _, src := range cluster {
		if got, _ := st.Get(ctx, src.ID); got == nil {
			t.Errorf("source %s was removed, must be retained", src.ID)
		}
	}
}

func TestAbstractClusterRejectsSmall(t *testing.T) {
	a, _, _ := newTestAbstractor(t)
	_, err := a.AbstractCluster(context.Background(), []*memory.Memory{
		embedded("a", "one", []float32{1}),
		embedded("b", "two", []float32{1}),
	})
	if err == nil {
		t.Fatal("clusters below the minimum size must be rejected")
	}
}

func TestRunFiltersCandidates(t *testing.T) {
	a, st, _ := newTestAbstractor(t)
	ctx := context.Background()

	// Three clusterable episodic memories.
	for _, c := range []string{"deploy failed on friday", "deploy failed again friday", "deploy failed late friday"} {
		if _, err := st.Add(ctx, embedded("", c, []float32{1, 0}, "ops")); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	// Excluded: semantic kind, low confidence, already abstracted.
	semantic := embedded("", "semantic fact", []float32{1, 0})
	semantic.Kind = memory.KindSemantic
	st.Add(ctx, semantic)

	low := embedded("", "weak episodic", []float32{1, 0})
	low.Confidence = memory.DefaultConfidence(0.3)
	st.Add(ctx, low)

	done := embedded("", "already rolled up", []float32{1, 0}, AbstractedTag)
	st.Add(ctx, done)

	created, err := a.Run(ctx, 0.75)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("got %d abstractions, want 1", len(created))
	}

	// Sources are marked so a second pass is a no-op.
	again, err := a.Run(ctx, 0.75)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second pass created %d abstractions, want 0", len(again))
	}
}
