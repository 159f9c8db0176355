// Package abstract consolidates clusters of similar episodic memories
// into higher-level semantic memories, keeping the sources linked and
// retained.
package abstract

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/store"
	"github.com/nidhogg/mnemo/internal/vector"
)

const (
	// DefaultThreshold is the cosine floor for absorbing a memory into
	// an open cluster.
	DefaultThreshold = 0.75

	minClusterSize         = 3
	minCandidateConfidence = 0.4
	confidenceDiscount     = 0.9
	supersedesWeight       = 0.9

	sharedTagRatio    = 0.5
	frequentWordRatio = 0.6
	maxFrequentWords  = 10

	// AbstractedTag marks both the synthesized memory and the trail it
	// leaves; memories carrying it are never re-clustered.
	AbstractedTag = "abstracted"
)

// Abstractor runs the consolidation pass.
type Abstractor struct {
	store  *store.Store
	graph  *graph.Graph
	logger *zap.Logger
}

// New creates an Abstractor over the given store and graph.
func New(st *store.Store, g *graph.Graph, logger *zap.Logger) *Abstractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Abstractor{
		store:  st,
		graph:  g,
		logger: logger.With(zap.String("component", "abstract")),
	}
}

// FindSimilarClusters greedily groups embedded memories by cosine
// similarity. For each unassigned memory a cluster opens and absorbs
// every later unassigned memory at or above the threshold; clusters
// smaller than three members are discarded. The single pass is
// order-dependent and not globally optimal.
func FindSimilarClusters(memories []*memory.Memory, threshold float64) [][]*memory.Memory {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	assigned := make(map[string]bool)
	var clusters [][]*memory.Memory

	for i, seed := range memories {
		if assigned[seed.ID] || len(seed.Embedding) == 0 {
			continue
		}
		cluster := []*memory.Memory{seed}
		assigned[seed.ID] = true

		for _, other := range memories[i+1:] {
			if assigned[other.ID] || len(other.Embedding) == 0 {
				continue
			}
			if vector.Cosine(seed.Embedding, other.Embedding) >= threshold {
				cluster = append(cluster, other)
				assigned[other.ID] = true
			}
		}
		if len(cluster) >= minClusterSize {
			clusters = append(clusters, cluster)
		}
	}
	return clusters
}

// AbstractCluster synthesizes one semantic memory from a cluster,
// stores it, and links it to every source with a supersedes edge.
// Sources are retained.
func (a *Abstractor) AbstractCluster(ctx context.Context, cluster []*memory.Memory) (*memory.Memory, error) {
	if len(cluster) < minClusterSize {
		return nil, fmt.Errorf("cluster of %d below minimum %d", len(cluster), minClusterSize)
	}

	tags := sharedTags(cluster)
	content := synthesize(cluster, tags)

	var sum float64
	for _, m := range cluster {
		sum += m.Confidence.Current
	}
	avg := sum / float64(len(cluster))

	abstracted := &memory.Memory{
		Kind:       memory.KindSemantic,
		Content:    content,
		Confidence: memory.DefaultConfidence(avg * confidenceDiscount),
		Lane:       memory.LanePatternSeed,
		Metadata: memory.Metadata{
			Provenance: memory.ProvenanceInferred,
			Tags:       append(tags, AbstractedTag),
		},
		Reasoning: fmt.Sprintf("consolidated from %d similar memories", len(cluster)),
	}
	stored, err := a.store.Add(ctx, abstracted)
	if err != nil {
		return nil, fmt.Errorf("store abstraction: %w", err)
	}

	for _, src := range cluster {
		if _, err := a.graph.AddEdge(ctx, stored.ID, src.ID, graph.RelationSupersedes, supersedesWeight); err != nil {
			a.logger.Warn("link abstraction source failed",
				zap.String("abstraction", stored.ID),
				zap.String("source", src.ID),
				zap.Error(err))
		}
	}
	return stored, nil
}

// Run executes one consolidation pass over episodic memories with
// confidence above the floor that have not been abstracted before.
// Cluster failures are isolated from one another.
func (a *Abstractor) Run(ctx context.Context, threshold float64) ([]*memory.Memory, error) {
	all, err := a.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("abstraction pass: %w", err)
	}

	var candidates []*memory.Memory
	for _, m := range all {
		if m.Kind != memory.KindEpisodic {
			continue
		}
		if m.Confidence.Current <= minCandidateConfidence {
			continue
		}
		if m.HasTag(AbstractedTag) {
			continue
		}
		candidates = append(candidates, m)
	}

	var created []*memory.Memory
	for _, cluster := range FindSimilarClusters(candidates, threshold) {
		abstracted, err := a.AbstractCluster(ctx, cluster)
		if err != nil {
			a.logger.Warn("cluster abstraction failed",
				zap.Int("size", len(cluster)), zap.Error(err))
			continue
		}
		created = append(created, abstracted)
		a.markSources(ctx, cluster)
	}
	return created, nil
}

// markSources tags cluster members so later passes skip them.
func (a *Abstractor) markSources(ctx context.Context, cluster []*memory.Memory) {
	for _, src := range cluster {
		if src.HasTag(AbstractedTag) {
			continue
		}
		tags := append(append([]string{}, src.Metadata.Tags...), AbstractedTag)
		if _, err := a.store.Update(ctx, src.ID, store.Patch{Tags: tags}); err != nil {
			a.logger.Warn("mark abstracted source failed",
				zap.String("source", src.ID), zap.Error(err))
		}
	}
}

// sharedTags returns tags present in at least half the cluster, sorted.
func sharedTags(cluster []*memory.Memory) []string {
	counts := make(map[string]int)
	for _, m := range cluster {
		for _, t := range m.Metadata.Tags {
			counts[t]++
		}
	}
	need := int(float64(len(cluster))*sharedTagRatio + 0.5)
	if need < 1 {
		need = 1
	}
	var tags []string
	for t, n := range counts {
		if n >= need && t != AbstractedTag {
			tags = append(tags, t)
		}
	}
	sort.Strings(tags)
	return tags
}

// synthesize builds the abstraction's content from a small template
// keyed on the dominant tag family, falling back to the words the
// cluster members share.
func synthesize(cluster []*memory.Memory, tags []string) string {
	has := func(tag string) bool {
		for _, t := range tags {
			if t == tag {
				return true
			}
		}
		return false
	}

	topic := strings.Join(frequentWords(cluster), ", ")
	switch {
	case has("preference"):
		return fmt.Sprintf("Established preference pattern across %d interactions: %s", len(cluster), topic)
	case has("code"):
		return fmt.Sprintf("Recurring procedural pattern seen %d times: %s", len(cluster), topic)
	case has("project"):
		return fmt.Sprintf("Consolidated project knowledge from %d observations: %s", len(cluster), topic)
	default:
		return fmt.Sprintf("Recurring pattern across %d memories: %s", len(cluster), topic)
	}
}

// frequentWords returns up to ten words longer than three characters
// that appear in at least 60% of the cluster members.
func frequentWords(cluster []*memory.Memory) []string {
	counts := make(map[string]int)
	order := make(map[string]int)
	next := 0
	for _, m := range cluster {
		seen := make(map[string]bool)
		for _, w := range strings.Fields(strings.ToLower(m.Content)) {
			w = strings.Trim(w, ".,!?;:\"'()")
			if len(w) <= 3 || seen[w] {
				continue
			}
			seen[w] = true
			counts[w]++
			if _, ok := order[w]; !ok {
				order[w] = next
				next++
			}
		}
	}

	need := int(float64(len(cluster))*frequentWordRatio + 0.5)
	if need < 1 {
		need = 1
	}
	var words []string
	for w, n := range counts {
		if n >= need {
			words = append(words, w)
		}
	}
	// Most shared first; first-seen order breaks ties deterministically.
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return order[words[i]] < order[words[j]]
	})
	if len(words) > maxFrequentWords {
		words = words[:maxFrequentWords]
	}
	return words
}
