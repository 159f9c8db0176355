// Package graph maintains the typed relation graph between memories:
// directed, weighted edges traversed undirected, persisted as one
// document rewritten on every mutation.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/store"
)

// RelationKind labels how one memory relates to another.
type RelationKind string

const (
	RelationReinforces  RelationKind = "reinforces"
	RelationContradicts RelationKind = "contradicts"
	RelationExtends     RelationKind = "extends"
	RelationSupersedes  RelationKind = "supersedes"
	RelationRelated     RelationKind = "related"
	RelationDerivedFrom RelationKind = "derived_from"
)

// Edge is a directed, typed, weighted relation between two memories.
type Edge struct {
	ID        string       `json:"id"`
	Source    string       `json:"source"`
	Target    string       `json:"target"`
	Kind      RelationKind `json:"kind"`
	Weight    float64      `json:"weight"`
	CreatedAt time.Time    `json:"created_at"`
}

// Node tracks a memory's incident edges and degree counters. Degree
// counters always equal the count of surviving incident edges.
type Node struct {
	MemoryID  string   `json:"memory_id"`
	EdgeIDs   []string `json:"edge_ids"`
	InDegree  int      `json:"in_degree"`
	OutDegree int      `json:"out_degree"`
}

// Neighbor is a related memory reached over one incident edge.
type Neighbor struct {
	MemoryID string
	Edge     *Edge
}

// Stats summarizes graph shape.
type Stats struct {
	Nodes         int     `json:"nodes"`
	Edges         int     `json:"edges"`
	AverageDegree float64 `json:"average_degree"`
}

// document is the persisted form of the whole graph.
type document struct {
	Nodes map[string]*Node `json:"nodes"`
	Edges map[string]*Edge `json:"edges"`
}

// Graph is the process-local adjacency structure. All mutations
// persist the full document through the backend.
type Graph struct {
	mu      sync.RWMutex
	nodes   map[string]*Node
	edges   map[string]*Edge
	backend store.Backend
	logger  *zap.Logger
}

// New creates an empty Graph over the given backend.
func New(backend store.Backend, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		nodes:   make(map[string]*Node),
		edges:   make(map[string]*Edge),
		backend: backend,
		logger:  logger.With(zap.String("component", "graph")),
	}
}

// Load restores the graph from its persisted document. A missing
// document leaves the graph empty.
func (g *Graph) Load(ctx context.Context) error {
	data, err := g.backend.LoadGraphDoc(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load graph: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse graph document: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if doc.Nodes != nil {
		g.nodes = doc.Nodes
	}
	if doc.Edges != nil {
		g.edges = doc.Edges
	}
	g.logger.Info("graph loaded",
		zap.Int("nodes", len(g.nodes)),
		zap.Int("edges", len(g.edges)))
	return nil
}

// AddEdge links source to target, creating missing endpoint nodes, and
// persists the document. Weight defaults to 1.0 when non-positive.
func (g *Graph) AddEdge(ctx context.Context, source, target string, kind RelationKind, weight float64) (*Edge, error) {
	if weight <= 0 {
		weight = 1.0
	}
	edge := &Edge{
		ID:        uuid.New().String(),
		Source:    source,
		Target:    target,
		Kind:      kind,
		Weight:    weight,
		CreatedAt: time.Now(),
	}

	g.mu.Lock()
	src := g.ensureNode(source)
	dst := g.ensureNode(target)
	g.edges[edge.ID] = edge
	src.EdgeIDs = append(src.EdgeIDs, edge.ID)
	src.OutDegree++
	if dst != src {
		dst.EdgeIDs = append(dst.EdgeIDs, edge.ID)
	}
	dst.InDegree++
	g.mu.Unlock()

	if err := g.persist(ctx); err != nil {
		return nil, err
	}
	g.logger.Debug("edge added",
		zap.String("source", source),
		zap.String("target", target),
		zap.String("kind", string(kind)))
	return edge, nil
}

// ensureNode must be called with the write lock held.
func (g *Graph) ensureNode(id string) *Node {
	if n, ok := g.nodes[id]; ok {
		return n
	}
	n := &Node{MemoryID: id}
	g.nodes[id] = n
	return n
}

// GetRelated returns all neighbors reachable over incident edges,
// ignoring direction, optionally filtered by relation kind, sorted by
// edge weight descending.
func (g *Graph) GetRelated(id string, kinds ...RelationKind) []Neighbor {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]
	if !ok {
		return nil
	}

	kindSet := make(map[RelationKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	var neighbors []Neighbor
	for _, eid := range node.EdgeIDs {
		edge, ok := g.edges[eid]
		if !ok {
			continue
		}
		if len(kindSet) > 0 && !kindSet[edge.Kind] {
			continue
		}
		other := edge.Target
		if other == id {
			other = edge.Source
		}
		neighbors = append(neighbors, Neighbor{MemoryID: other, Edge: edge})
	}

	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Edge.Weight != neighbors[j].Edge.Weight {
			return neighbors[i].Edge.Weight > neighbors[j].Edge.Weight
		}
		return neighbors[i].MemoryID < neighbors[j].MemoryID
	})
	return neighbors
}

// FindContradictions returns neighbors linked by contradicts edges.
func (g *Graph) FindContradictions(id string) []Neighbor {
	return g.GetRelated(id, RelationContradicts)
}

// FindReinforcements returns neighbors linked by reinforces edges.
func (g *Graph) FindReinforcements(id string) []Neighbor {
	return g.GetRelated(id, RelationReinforces)
}

// RemoveNode deletes a node with every incident edge, fixing neighbor
// degree counters, then persists the document.
func (g *Graph) RemoveNode(ctx context.Context, id string) error {
	g.mu.Lock()
	node, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return nil
	}

	for _, eid := range node.EdgeIDs {
		edge, ok := g.edges[eid]
		if !ok {
			continue
		}
		other := edge.Target
		if other == id {
			other = edge.Source
		}
		if neighbor, ok := g.nodes[other]; ok && other != id {
			neighbor.EdgeIDs = removeString(neighbor.EdgeIDs, eid)
			if edge.Source == other {
				neighbor.OutDegree--
			} else {
				neighbor.InDegree--
			}
		}
		delete(g.edges, eid)
	}
	delete(g.nodes, id)
	g.mu.Unlock()

	return g.persist(ctx)
}

// FindClusters returns connected components of the undirected view
// with at least minSize members, discovered by breadth-first traversal.
func (g *Graph) FindClusters(minSize int) [][]string {
	if minSize < 1 {
		minSize = 1
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool, len(g.nodes))
	var clusters [][]string

	// Deterministic iteration order for reproducible output.
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, start := range ids {
		if visited[start] {
			continue
		}
		var component []string
		queue := []string{start}
		visited[start] = true
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			component = append(component, current)

			node := g.nodes[current]
			for _, eid := range node.EdgeIDs {
				edge, ok := g.edges[eid]
				if !ok {
					continue
				}
				other := edge.Target
				if other == current {
					other = edge.Source
				}
				if !visited[other] {
					visited[other] = true
					queue = append(queue, other)
				}
			}
		}
		if len(component) >= minSize {
			sort.Strings(component)
			clusters = append(clusters, component)
		}
	}
	return clusters
}

// Stats reports node count, edge count and average total degree.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := Stats{Nodes: len(g.nodes), Edges: len(g.edges)}
	if s.Nodes == 0 {
		return s
	}
	total := 0
	for _, n := range g.nodes {
		total += n.InDegree + n.OutDegree
	}
	s.AverageDegree = float64(total) / float64(s.Nodes)
	return s
}

// NodeCount reports the number of nodes.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Node returns a copy of the node for the given memory id.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// persist rewrites the whole graph document.
func (g *Graph) persist(ctx context.Context) error {
	g.mu.RLock()
	doc := document{Nodes: g.nodes, Edges: g.edges}
	data, err := json.Marshal(doc)
	g.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal graph document: %w", err)
	}
	if err := g.backend.SaveGraphDoc(ctx, data); err != nil {
		return fmt.Errorf("persist graph: %w", err)
	}
	return nil
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
