// Package store provides durable memory persistence fronted by a
// bounded recency cache, plus text search and stale cleanup.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/memory"
)

const lockStripes = 64

// Store is the durable memory store. Read-modify-write operations on a
// single id are serialized by striped mutexes; the original engine ran
// them unsynchronized (last write wins), which under real parallelism
// would lose deltas.
type Store struct {
	backend Backend
	cache   *lruCache
	logger  *zap.Logger
	locks   [lockStripes]sync.Mutex
}

// Options tunes a Store.
type Options struct {
	CacheSize int // bounded cache capacity, default 100
}

// New creates a Store over the given backend.
func New(backend Backend, opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		cache:   newLRUCache(opts.CacheSize),
		logger:  logger.With(zap.String("component", "store")),
	}
}

// Backend exposes the underlying persistence layer for shared use;
// the relation graph persists its document through it.
func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

// Add persists a new memory. The id is always freshly generated;
// confidence metrics and metadata timestamps are filled with defaults
// unless the caller set them.
func (s *Store) Add(ctx context.Context, m *memory.Memory) (*memory.Memory, error) {
	m.ID = uuid.New().String()
	now := time.Now()

	if m.Confidence.Current == 0 {
		m.Confidence = memory.DefaultConfidence(m.Confidence.Initial)
	}
	if m.Confidence.HalfLifeDays <= 0 {
		m.Confidence.HalfLifeDays = 30
	}
	if m.Confidence.LastAccessed.IsZero() {
		m.Confidence.LastAccessed = now
	}
	if m.Metadata.Provenance == "" {
		m.Metadata.Provenance = memory.ProvenanceInteraction
	}
	m.Metadata.CreatedAt = now
	m.Metadata.UpdatedAt = now

	if err := s.write(ctx, m); err != nil {
		return nil, fmt.Errorf("add memory: %w", err)
	}

	s.logger.Debug("memory added",
		zap.String("id", m.ID),
		zap.String("kind", string(m.Kind)),
		zap.String("lane", string(m.Lane)))
	return m, nil
}

// Get resolves a memory from cache, falling back to the backend and
// filling the cache on a hit. Absence is reported as (nil, nil).
func (s *Store) Get(ctx context.Context, id string) (*memory.Memory, error) {
	if m, ok := s.cache.get(id); ok {
		return m, nil
	}

	data, err := s.backend.GetRecord(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		// Availability over strictness: log and report absent.
		s.logger.Warn("load memory failed", zap.String("id", id), zap.Error(err))
		return nil, nil
	}

	var m memory.Memory
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warn("corrupt memory record", zap.String("id", id), zap.Error(err))
		return nil, nil
	}
	s.cache.put(id, &m)
	return &m, nil
}

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	Content      *string
	Embedding    []float32
	Confidence   *memory.ConfidenceMetrics
	Lane         *memory.Lane
	Tags         []string
	AgentType    *string
	Title        *string
	Reasoning    *string
	Observations *int
	LastObserved *time.Time
}

// Update merges a partial patch into a stored memory and bumps
// UpdatedAt. Returns the updated memory, or nil when the id is unknown.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*memory.Memory, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.Get(ctx, id)
	if err != nil || m == nil {
		return nil, err
	}

	if patch.Content != nil {
		m.Content = *patch.Content
	}
	if patch.Embedding != nil {
		m.Embedding = patch.Embedding
	}
	if patch.Confidence != nil {
		m.Confidence = *patch.Confidence
	}
	if patch.Lane != nil {
		m.Lane = *patch.Lane
	}
	if patch.Tags != nil {
		m.Metadata.Tags = patch.Tags
	}
	if patch.AgentType != nil {
		m.Metadata.AgentType = *patch.AgentType
	}
	if patch.Title != nil {
		m.Title = *patch.Title
	}
	if patch.Reasoning != nil {
		m.Reasoning = *patch.Reasoning
	}
	if patch.Observations != nil {
		m.Observations = *patch.Observations
	}
	if patch.LastObserved != nil {
		m.LastObserved = *patch.LastObserved
	}
	m.Metadata.UpdatedAt = time.Now()

	if err := s.write(ctx, m); err != nil {
		return nil, fmt.Errorf("update memory %s: %w", id, err)
	}
	return m, nil
}

// Delete removes a memory from the manifest and the cache.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.backend.DeleteRecord(ctx, id); err != nil {
		return fmt.Errorf("delete memory %s: %w", id, err)
	}
	s.cache.remove(id)
	return nil
}

// GetAll resolves every manifest id, loading missing records with
// bounded concurrency. Records that fail to load are skipped.
func (s *Store) GetAll(ctx context.Context) ([]*memory.Memory, error) {
	ids, err := s.backend.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}

	results := make([]*memory.Memory, len(ids))
	sem := make(chan struct{}, 8)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			m, _ := s.Get(ctx, id)
			results[i] = m
		}(i, id)
	}
	wg.Wait()

	memories := make([]*memory.Memory, 0, len(results))
	for _, m := range results {
		if m != nil {
			memories = append(memories, m)
		}
	}
	return memories, nil
}

// write persists to cache and backend.
func (s *Store) write(ctx context.Context, m *memory.Memory) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}
	if err := s.backend.PutRecord(ctx, m.ID, data); err != nil {
		return err
	}
	s.cache.put(m.ID, m)
	return nil
}

// Reinforce is the store-local fast path: a multiplicative +10% boost.
// This deliberately differs from the additive diminishing formula in
// the confidence model.
func (s *Store) Reinforce(ctx context.Context, id string) (*memory.Memory, error) {
	return s.adjustConfidence(ctx, id, func(c *memory.ConfidenceMetrics) {
		c.Current = clampConfidence(c.Current * 1.1)
		c.Reinforcements++
	})
}

// Contradict is the store-local fast path: a multiplicative -30% cut.
func (s *Store) Contradict(ctx context.Context, id string) (*memory.Memory, error) {
	return s.adjustConfidence(ctx, id, func(c *memory.ConfidenceMetrics) {
		c.Current = clampConfidence(c.Current * 0.7)
		c.Contradictions++
	})
}

func (s *Store) adjustConfidence(ctx context.Context, id string, adjust func(*memory.ConfidenceMetrics)) (*memory.Memory, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.Get(ctx, id)
	if err != nil || m == nil {
		return nil, err
	}
	adjust(&m.Confidence)
	m.Confidence.LastAccessed = time.Now()
	m.Metadata.UpdatedAt = time.Now()
	if err := s.write(ctx, m); err != nil {
		return nil, fmt.Errorf("adjust confidence %s: %w", id, err)
	}
	return m, nil
}

// RecordObservation bumps a memory's observation counter and refreshes
// its last-observed timestamp. Unknown ids are ignored.
func (s *Store) RecordObservation(ctx context.Context, id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.Get(ctx, id)
	if err != nil || m == nil {
		return err
	}
	m.Observations++
	m.LastObserved = time.Now()
	if err := s.write(ctx, m); err != nil {
		return fmt.Errorf("record observation %s: %w", id, err)
	}
	return nil
}

// CleanupStale deletes memories whose age reached maxAgeDays, or whose
// confidence decays below minConfidence. Returns the deleted ids so
// callers can drop dependent state, like graph nodes.
func (s *Store) CleanupStale(ctx context.Context, maxAgeDays float64, minConfidence float64) ([]string, error) {
	ids, err := s.backend.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("cleanup: list memories: %w", err)
	}

	now := time.Now()
	var deleted []string
	for _, id := range ids {
		m, err := s.Get(ctx, id)
		if err != nil || m == nil {
			continue
		}
		ageDays := now.Sub(m.Metadata.CreatedAt).Hours() / 24
		if ageDays >= maxAgeDays || cleanupDecayedConfidence(m.Confidence, now) < minConfidence {
			if err := s.Delete(ctx, id); err != nil {
				s.logger.Warn("cleanup delete failed", zap.String("id", id), zap.Error(err))
				continue
			}
			deleted = append(deleted, id)
		}
	}

	s.logger.Info("stale cleanup complete",
		zap.Int("scanned", len(ids)),
		zap.Int("deleted", len(deleted)))
	return deleted, nil
}

// cleanupDecayedConfidence is the cleanup-path decay formula:
// current * 0.99^(days/halfLife). It intentionally differs from the
// confidence model's half-life decay and must not be unified with it.
func cleanupDecayedConfidence(c memory.ConfidenceMetrics, now time.Time) float64 {
	days := now.Sub(c.LastAccessed).Hours() / 24
	if days <= 0 {
		return c.Current
	}
	halfLife := c.HalfLifeDays
	if halfLife <= 0 {
		halfLife = 30
	}
	return c.Current * math.Pow(0.99, days/halfLife)
}

func clampConfidence(v float64) float64 {
	if v > memory.MaxConfidence {
		return memory.MaxConfidence
	}
	if v < memory.MinConfidence {
		return memory.MinConfidence
	}
	return v
}

// SearchOptions filters a text search.
type SearchOptions struct {
	Kind          memory.Kind
	MinConfidence float64
	Tags          []string
	Limit         int
}

// TextMatch is one text search hit.
type TextMatch struct {
	Memory *memory.Memory
	Score  float64
}

// Search performs case-insensitive substring search over all memories,
// scoring hits by query word overlap weighted by confidence.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]TextMatch, error) {
	memories, err := s.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	queryLower := strings.ToLower(query)
	queryWords := strings.Fields(queryLower)

	var matches []TextMatch
	for _, m := range memories {
		if opts.Kind != "" && m.Kind != opts.Kind {
			continue
		}
		if m.Confidence.Current < opts.MinConfidence {
			continue
		}
		if !hasAllTags(m, opts.Tags) {
			continue
		}
		content := strings.ToLower(m.Content)
		if !strings.Contains(content, queryLower) && !containsAnyWord(content, queryWords) {
			continue
		}
		matches = append(matches, TextMatch{
			Memory: m,
			Score:  wordOverlap(queryWords, content) * m.Confidence.Current,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Memory.ID < matches[j].Memory.ID
	})
	if len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

func hasAllTags(m *memory.Memory, tags []string) bool {
	for _, tag := range tags {
		if !m.HasTag(tag) {
			return false
		}
	}
	return true
}

func containsAnyWord(content string, words []string) bool {
	for _, w := range words {
		if strings.Contains(content, w) {
			return true
		}
	}
	return false
}

// wordOverlap is the fraction of query words present in the content.
func wordOverlap(queryWords []string, content string) float64 {
	if len(queryWords) == 0 {
		return 0
	}
	matched := 0
	for _, w := range queryWords {
		if strings.Contains(content, w) {
			matched++
		}
	}
	return float64(matched) / float64(len(queryWords))
}
