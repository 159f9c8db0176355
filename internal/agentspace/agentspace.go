// Package agentspace partitions memories into per-agent-type spaces,
// maintains a deduplicated shared knowledge pool, and moves knowledge
// between agents.
package agentspace

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/store"
)

const (
	// jaccardDuplicateThreshold is the token-overlap ratio above which
	// a promoted fact is folded into an existing shared fact.
	jaccardDuplicateThreshold = 0.7

	syncConfidenceRatio = 0.8
)

// SharedFact is one deduplicated entry in the shared knowledge pool.
type SharedFact struct {
	Content      string   `json:"content"`
	MemoryID     string   `json:"memory_id"`
	UsageCount   int      `json:"usage_count"`
	Contributors []string `json:"contributors"`

	tokens map[string]bool
}

// Spaces holds the per-agent caches and the shared pool. Caches are
// built lazily from the store and must be explicitly invalidated when
// memories change outside this type.
type Spaces struct {
	store  *store.Store
	graph  *graph.Graph
	logger *zap.Logger

	mu     sync.Mutex
	cache  map[string][]*memory.Memory
	shared []*SharedFact
}

// New creates a Spaces over the given store and graph.
func New(st *store.Store, g *graph.Graph, logger *zap.Logger) *Spaces {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Spaces{
		store:  st,
		graph:  g,
		logger: logger.With(zap.String("component", "agentspace")),
		cache:  make(map[string][]*memory.Memory),
	}
}

// AgentMemories returns the agent type's space, building it from the
// store on first use. Callers always get their own slice, never the
// cached one.
func (s *Spaces) AgentMemories(ctx context.Context, agentType string) ([]*memory.Memory, error) {
	s.mu.Lock()
	if cached, ok := s.cache[agentType]; ok {
		s.mu.Unlock()
		return append([]*memory.Memory{}, cached...), nil
	}
	s.mu.Unlock()

	all, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("build space %s: %w", agentType, err)
	}
	var mine []*memory.Memory
	for _, m := range all {
		if m.Metadata.AgentType == agentType {
			mine = append(mine, m)
		}
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].ID < mine[j].ID })

	s.mu.Lock()
	s.cache[agentType] = mine
	s.mu.Unlock()
	return append([]*memory.Memory{}, mine...), nil
}

// Invalidate drops one agent's cached space. Callers must invalidate
// after mutating that agent's memories through other paths; nothing
// does it automatically.
func (s *Spaces) Invalidate(agentType string) {
	s.mu.Lock()
	delete(s.cache, agentType)
	s.mu.Unlock()
}

// InvalidateAll drops every cached space.
func (s *Spaces) InvalidateAll() {
	s.mu.Lock()
	s.cache = make(map[string][]*memory.Memory)
	s.mu.Unlock()
}

// TransferMemory reassigns a memory to another agent type and records a
// self-edge on the memory as a transfer marker.
// TODO: the self-edge marker inflates the memory's degree counters;
// replace it with a transfer log entry once one exists.
func (s *Spaces) TransferMemory(ctx context.Context, memoryID, toAgent string) error {
	m, err := s.store.Get(ctx, memoryID)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", memoryID, err)
	}
	if m == nil {
		return fmt.Errorf("transfer %s: memory not found", memoryID)
	}
	fromAgent := m.Metadata.AgentType

	if _, err := s.store.Update(ctx, memoryID, store.Patch{AgentType: &toAgent}); err != nil {
		return fmt.Errorf("transfer %s: %w", memoryID, err)
	}
	if _, err := s.graph.AddEdge(ctx, memoryID, memoryID, graph.RelationRelated, 1.0); err != nil {
		s.logger.Warn("transfer marker edge failed",
			zap.String("memory", memoryID), zap.Error(err))
	}

	s.Invalidate(fromAgent)
	s.Invalidate(toAgent)
	return nil
}

// Promote offers a memory's content to the shared pool on behalf of an
// agent. Near-duplicates (token Jaccard above 0.7) fold into the
// existing fact, bumping its usage and recording the contributor.
func (s *Spaces) Promote(m *memory.Memory, agentType string) *SharedFact {
	tokens := tokenSet(m.Content)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, fact := range s.shared {
		if jaccard(tokens, fact.tokens) > jaccardDuplicateThreshold {
			fact.UsageCount++
			if !contains(fact.Contributors, agentType) {
				fact.Contributors = append(fact.Contributors, agentType)
			}
			return fact
		}
	}

	fact := &SharedFact{
		Content:      m.Content,
		MemoryID:     m.ID,
		UsageCount:   1,
		Contributors: []string{agentType},
		tokens:       tokens,
	}
	s.shared = append(s.shared, fact)
	return fact
}

// SharedFacts returns a snapshot of the shared pool.
func (s *Spaces) SharedFacts() []SharedFact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SharedFact, len(s.shared))
	for i, f := range s.shared {
		out[i] = *f
		out[i].Contributors = append([]string{}, f.Contributors...)
		out[i].tokens = nil
	}
	return out
}

// SyncAgentKnowledge copies the source agent's top-n memories above the
// confidence floor into new memories owned by the target agent at 80%
// of the original confidence, each linked back with a derived_from
// edge.
func (s *Spaces) SyncAgentKnowledge(ctx context.Context, fromAgent, toAgent string, n int, floor float64) ([]*memory.Memory, error) {
	source, err := s.AgentMemories(ctx, fromAgent)
	if err != nil {
		return nil, err
	}

	var eligible []*memory.Memory
	for _, m := range source {
		if m.Confidence.Current > floor {
			eligible = append(eligible, m)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Confidence.Current != eligible[j].Confidence.Current {
			return eligible[i].Confidence.Current > eligible[j].Confidence.Current
		}
		return eligible[i].ID < eligible[j].ID
	})
	if n > 0 && len(eligible) > n {
		eligible = eligible[:n]
	}

	var copied []*memory.Memory
	for _, src := range eligible {
		clone := &memory.Memory{
			Kind:       src.Kind,
			Content:    src.Content,
			Embedding:  src.Embedding,
			Confidence: memory.DefaultConfidence(src.Confidence.Current * syncConfidenceRatio),
			Lane:       memory.LaneCrossAgent,
			Title:      src.Title,
			Metadata: memory.Metadata{
				Provenance: memory.ProvenanceInferred,
				AgentType:  toAgent,
				Tags:       append([]string{}, src.Metadata.Tags...),
			},
			Reasoning: fmt.Sprintf("synced from agent %s", fromAgent),
		}
		stored, err := s.store.Add(ctx, clone)
		if err != nil {
			return copied, fmt.Errorf("sync %s to %s: %w", src.ID, toAgent, err)
		}
		if _, err := s.graph.AddEdge(ctx, stored.ID, src.ID, graph.RelationDerivedFrom, 1.0); err != nil {
			s.logger.Warn("sync provenance edge failed",
				zap.String("copy", stored.ID), zap.Error(err))
		}
		copied = append(copied, stored)
	}

	s.Invalidate(toAgent)
	return copied, nil
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[strings.Trim(w, ".,!?;:\"'()")] = true
	}
	delete(set, "")
	return set
}

// jaccard is intersection over union of two token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
