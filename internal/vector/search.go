package vector

import (
	"math"
	"sort"

	"github.com/nidhogg/mnemo/internal/memory"
)

// Cosine computes cosine similarity between two vectors. Mismatched
// lengths and zero vectors yield 0; identical nonzero vectors yield 1.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SearchOptions bounds a similarity search.
type SearchOptions struct {
	Limit         int
	MinSimilarity float64
}

// SearchResult is one similarity search hit. Relevance is similarity
// weighted by the memory's current confidence.
type SearchResult struct {
	Memory     *memory.Memory
	Similarity float64
	Relevance  float64
}

// SearchByEmbedding linearly scans memories that carry an embedding,
// keeps those at or above MinSimilarity, and returns up to Limit
// results sorted by relevance descending. Equal relevance orders by
// memory id for reproducibility.
func SearchByEmbedding(query []float32, memories []*memory.Memory, opts SearchOptions) []SearchResult {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	var results []SearchResult
	for _, m := range memories {
		if len(m.Embedding) == 0 {
			continue
		}
		sim := Cosine(query, m.Embedding)
		if sim < opts.MinSimilarity {
			continue
		}
		results = append(results, SearchResult{
			Memory:     m,
			Similarity: sim,
			Relevance:  sim * m.Confidence.Current,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Relevance != results[j].Relevance {
			return results[i].Relevance > results[j].Relevance
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}
