// Package engine assembles the memory subsystem into one service
// object: capture, retrieval, injection, feedback, agent spaces, and
// maintenance behind a single surface. All mutable cross-cutting state
// (feedback counters, session counters, agent caches) lives on the
// Engine so tests and future multi-tenant callers get isolated
// instances.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/abstract"
	"github.com/nidhogg/mnemo/internal/active"
	"github.com/nidhogg/mnemo/internal/agentspace"
	"github.com/nidhogg/mnemo/internal/extract"
	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/inject"
	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/store"
	"github.com/nidhogg/mnemo/internal/vector"
)

// Options tunes an Engine.
type Options struct {
	Inject inject.Options

	// Maintenance pass tuning.
	MaxAgeDays           float64 // stale cleanup age cutoff, default 90
	MinConfidence        float64 // stale cleanup confidence floor, default 0.2
	AbstractionThreshold float64 // cosine floor for clustering, default 0.75
}

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	Deleted    int `json:"deleted"`
	Abstracted int `json:"abstracted"`
}

// Engine is the memory subsystem's public surface. Construct one per
// process and pass it by reference.
type Engine struct {
	store      *store.Store
	graph      *graph.Graph
	vectors    *vector.Engine
	extractor  *extract.Extractor
	injector   *inject.Service
	learner    *active.Learner
	abstractor *abstract.Abstractor
	spaces     *agentspace.Spaces
	logger     *zap.Logger
	opts       Options

	feedbackMu sync.Mutex
	feedback   map[string]int // memory id -> net signed counter
}

// New wires an Engine over an already-loaded store, graph, and vector
// engine.
func New(st *store.Store, g *graph.Graph, vec *vector.Engine, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 90
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 0.2
	}
	if opts.AbstractionThreshold <= 0 {
		opts.AbstractionThreshold = abstract.DefaultThreshold
	}

	e := &Engine{
		store:      st,
		graph:      g,
		vectors:    vec,
		extractor:  extract.New(logger),
		learner:    active.New(st, g, logger),
		abstractor: abstract.New(st, g, logger),
		spaces:     agentspace.New(st, g, logger),
		logger:     logger.With(zap.String("component", "engine")),
		opts:       opts,
		feedback:   make(map[string]int),
	}
	var embedder inject.Embedder
	if vec != nil {
		embedder = vec
	}
	e.injector = inject.New(st, embedder, e.NetFeedback, opts.Inject, logger)
	return e
}

// CaptureTurns extracts candidate memories from conversation turns and
// persists them. Embedding is best-effort: a provider failure stores
// the memory without a vector.
func (e *Engine) CaptureTurns(ctx context.Context, sessionID string, turns []extract.Turn) ([]*memory.Memory, error) {
	candidates := e.extractor.ExtractTurns(turns, sessionID)

	var stored []*memory.Memory
	for _, m := range candidates {
		e.embedBestEffort(ctx, m)
		added, err := e.store.Add(ctx, m)
		if err != nil {
			return stored, fmt.Errorf("capture turn memory: %w", err)
		}
		stored = append(stored, added)
	}
	if len(stored) > 0 {
		e.spaces.InvalidateAll()
	}
	return stored, nil
}

// Capture stores one explicitly provided memory.
func (e *Engine) Capture(ctx context.Context, m *memory.Memory) (*memory.Memory, error) {
	if m.Metadata.Provenance == "" {
		m.Metadata.Provenance = memory.ProvenanceExplicit
	}
	e.embedBestEffort(ctx, m)
	stored, err := e.store.Add(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	if stored.Metadata.AgentType != "" {
		e.spaces.Invalidate(stored.Metadata.AgentType)
	}
	return stored, nil
}

func (e *Engine) embedBestEffort(ctx context.Context, m *memory.Memory) {
	if e.vectors == nil || len(m.Embedding) > 0 {
		return
	}
	vec, err := e.vectors.Embed(ctx, m.Content)
	if err != nil {
		e.logger.Warn("embedding skipped", zap.Error(err))
		return
	}
	m.Embedding = vec
}

// Search runs text search over the store.
func (e *Engine) Search(ctx context.Context, query string, opts store.SearchOptions) ([]store.TextMatch, error) {
	return e.store.Search(ctx, query, opts)
}

// SemanticSearch embeds the query and scans stored vectors. Unlike
// injection it does not fall back to text search; the caller asked for
// semantics and gets the embedding error instead.
func (e *Engine) SemanticSearch(ctx context.Context, query string, opts vector.SearchOptions) ([]vector.SearchResult, error) {
	if e.vectors == nil {
		return nil, fmt.Errorf("semantic search: no embedding provider configured")
	}
	queryVec, err := e.vectors.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	all, err := e.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	return vector.SearchByEmbedding(queryVec, all, opts), nil
}

// InjectMemories builds the context block for a prompt.
func (e *Engine) InjectMemories(ctx context.Context, req inject.Request) inject.Result {
	return e.injector.InjectMemories(ctx, req)
}

// RecordFeedback moves the memory's net feedback counter and applies
// the confidence consequence. For corrections the returned memory is
// the newly created corrected one.
func (e *Engine) RecordFeedback(ctx context.Context, fb active.Feedback) (*memory.Memory, error) {
	delta := 0
	switch fb.Kind {
	case active.FeedbackPositive:
		delta = 1
	case active.FeedbackNegative, active.FeedbackCorrection:
		delta = -1
	}
	m, err := e.learner.ProcessFeedback(ctx, fb)
	if err != nil {
		return nil, err
	}

	// Count only feedback that actually landed.
	e.feedbackMu.Lock()
	e.feedback[fb.MemoryID] += delta
	e.feedbackMu.Unlock()

	return m, nil
}

// NetFeedback reports the running signed feedback counter for a
// memory. Counters are process-local and unpersisted.
func (e *Engine) NetFeedback(memoryID string) int {
	e.feedbackMu.Lock()
	defer e.feedbackMu.Unlock()
	return e.feedback[memoryID]
}

// CheckTriggers runs the active-learning checks for a session.
func (e *Engine) CheckTriggers(ctx context.Context, sessionID, prompt string) []active.Question {
	return e.learner.CheckTriggers(ctx, sessionID, prompt)
}

// RecordResponse applies a question answer.
func (e *Engine) RecordResponse(ctx context.Context, resp active.Response) error {
	return e.learner.RecordResponse(ctx, resp)
}

// AgentMemories returns one agent type's memory space.
func (e *Engine) AgentMemories(ctx context.Context, agentType string) ([]*memory.Memory, error) {
	return e.spaces.AgentMemories(ctx, agentType)
}

// TransferMemory moves a memory to another agent's space.
func (e *Engine) TransferMemory(ctx context.Context, memoryID, toAgent string) error {
	return e.spaces.TransferMemory(ctx, memoryID, toAgent)
}

// SyncAgents copies the source agent's strongest memories into the
// target agent's space.
func (e *Engine) SyncAgents(ctx context.Context, fromAgent, toAgent string, n int, floor float64) ([]*memory.Memory, error) {
	return e.spaces.SyncAgentKnowledge(ctx, fromAgent, toAgent, n, floor)
}

// Maintenance runs stale cleanup followed by an abstraction pass and
// invalidates every agent space. Graph nodes of swept memories are
// removed with them so relations never point at missing records.
func (e *Engine) Maintenance(ctx context.Context) (MaintenanceReport, error) {
	start := time.Now()
	var report MaintenanceReport

	deleted, err := e.store.CleanupStale(ctx, e.opts.MaxAgeDays, e.opts.MinConfidence)
	if err != nil {
		return report, fmt.Errorf("maintenance cleanup: %w", err)
	}
	for _, id := range deleted {
		if err := e.graph.RemoveNode(ctx, id); err != nil {
			e.logger.Warn("remove graph node failed", zap.String("id", id), zap.Error(err))
		}
	}
	report.Deleted = len(deleted)

	created, err := e.abstractor.Run(ctx, e.opts.AbstractionThreshold)
	if err != nil {
		return report, fmt.Errorf("maintenance abstraction: %w", err)
	}
	report.Abstracted = len(created)

	e.spaces.InvalidateAll()
	e.logger.Info("maintenance pass complete",
		zap.Int("deleted", report.Deleted),
		zap.Int("abstracted", report.Abstracted),
		zap.Duration("took", time.Since(start)))
	return report, nil
}

// Close flushes background work.
func (e *Engine) Close() {
	e.injector.Drain()
}
