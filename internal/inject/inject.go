// Package inject retrieves, ranks and formats relevant memories as
// context for a downstream prompt, under a hard time budget.
package inject

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/rank"
	"github.com/nidhogg/mnemo/internal/store"
	"github.com/nidhogg/mnemo/internal/vector"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxMemories = 5
	defaultTokenBudget = 2000
	tokenSafetyMargin  = 50
	maxEntryContent    = 500
	minPromptLength    = 3
	baseMinSimilarity  = 0.3
	focusMinSimilarity = 0.4
)

// MemorySource is the slice of the store the injection pipeline needs.
type MemorySource interface {
	GetAll(ctx context.Context) ([]*memory.Memory, error)
	Search(ctx context.Context, query string, opts store.SearchOptions) ([]store.TextMatch, error)
	RecordObservation(ctx context.Context, id string) error
}

// Embedder turns a prompt into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options tunes the injection service.
type Options struct {
	Timeout       time.Duration // search deadline, default 15s
	MaxMemories   int           // default 5
	TokenBudget   int           // chars/4 estimate, default 2000
	MinSimilarity float64       // caller-configured similarity floor
}

// Request asks for memory context for one prompt.
type Request struct {
	Prompt        string
	SessionID     string
	RecentContext bool // narrow the similarity floor to recent context
	HighPriority  bool // narrow the similarity floor for priority work
}

// Result is the formatted context plus retrieval metadata. Internal
// failures never surface here; they degrade to an empty result with
// accurate timing.
type Result struct {
	Context            string
	Injected           int
	MemoriesConsidered int
	TimedOut           bool
	Duration           time.Duration
}

// Service orchestrates search, ranking and formatting.
type Service struct {
	source   MemorySource
	embedder Embedder
	feedback func(memoryID string) int
	opts     Options
	logger   *zap.Logger

	// background tracks fire-and-forget work (observation increments,
	// abandoned search branches) so tests and shutdown can drain it.
	background sync.WaitGroup
}

// New creates a Service. feedback may be nil when no feedback counters
// exist.
func New(source MemorySource, embedder Embedder, feedback func(string) int, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxMemories <= 0 {
		opts.MaxMemories = defaultMaxMemories
	}
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = defaultTokenBudget
	}
	return &Service{
		source:   source,
		embedder: embedder,
		feedback: feedback,
		opts:     opts,
		logger:   logger.With(zap.String("component", "inject")),
	}
}

// InjectMemories retrieves and formats context for the prompt. The
// search races a timeout; on expiry the caller gets an empty result
// immediately while the search finishes in the background.
func (s *Service) InjectMemories(ctx context.Context, req Request) Result {
	start := time.Now()

	prompt := strings.TrimSpace(req.Prompt)
	if len(prompt) < minPromptLength {
		return Result{Duration: time.Since(start)}
	}

	searchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	resultCh := make(chan Result, 1)

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer cancel()
		res := s.runPipeline(searchCtx, prompt, req)
		select {
		case resultCh <- res:
		default:
			// The caller already took the timeout branch.
			s.logger.Debug("abandoned search branch completed",
				zap.Int("considered", res.MemoriesConsidered))
		}
	}()

	select {
	case res := <-resultCh:
		res.Duration = time.Since(start)
		return res
	case <-time.After(s.opts.Timeout):
		s.logger.Warn("memory injection timed out",
			zap.Duration("timeout", s.opts.Timeout))
		return Result{TimedOut: true, Duration: time.Since(start)}
	case <-ctx.Done():
		return Result{TimedOut: true, Duration: time.Since(start)}
	}
}

// runPipeline performs search, ranking and formatting.
func (s *Service) runPipeline(ctx context.Context, prompt string, req Request) Result {
	all, err := s.source.GetAll(ctx)
	if err != nil {
		s.logger.Warn("load memories failed", zap.Error(err))
		return Result{}
	}
	res := Result{MemoriesConsidered: len(all)}
	if len(all) == 0 {
		return res
	}

	candidates := s.collectCandidates(ctx, prompt, req, all)
	if len(candidates) == 0 {
		return res
	}

	ranked := rank.Rank(candidates, s.feedback, time.Now())
	if len(ranked) > s.opts.MaxMemories {
		ranked = ranked[:s.opts.MaxMemories]
	}

	res.Context, res.Injected = s.format(ranked)

	// Observation increments are best effort and must not delay the
	// caller.
	for _, entry := range ranked[:res.Injected] {
		id := entry.Memory.ID
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			bg, bgCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer bgCancel()
			if err := s.source.RecordObservation(bg, id); err != nil {
				s.logger.Warn("observation increment failed",
					zap.String("id", id), zap.Error(err))
			}
		}()
	}
	return res
}

// collectCandidates picks semantic search when any memory carries an
// embedding, degrading to text search otherwise or on embedding
// failure.
func (s *Service) collectCandidates(ctx context.Context, prompt string, req Request, all []*memory.Memory) []rank.Candidate {
	anyEmbedded := false
	for _, m := range all {
		if len(m.Embedding) > 0 {
			anyEmbedded = true
			break
		}
	}

	if anyEmbedded && s.embedder != nil {
		query, err := s.embedder.Embed(ctx, prompt)
		if err == nil {
			hits := vector.SearchByEmbedding(query, all, vector.SearchOptions{
				Limit:         s.opts.MaxMemories * 3,
				MinSimilarity: s.minSimilarity(req),
			})
			candidates := make([]rank.Candidate, 0, len(hits))
			for _, h := range hits {
				candidates = append(candidates, rank.Candidate{
					Memory:     h.Memory,
					Similarity: h.Similarity,
					Relevance:  h.Relevance,
				})
			}
			return candidates
		}
		s.logger.Warn("prompt embedding failed, falling back to text search", zap.Error(err))
	}

	matches, err := s.source.Search(ctx, prompt, store.SearchOptions{Limit: s.opts.MaxMemories * 3})
	if err != nil {
		s.logger.Warn("text search failed", zap.Error(err))
		return nil
	}
	candidates := make([]rank.Candidate, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, rank.Candidate{
			Memory:     m.Memory,
			Similarity: m.Score,
			Relevance:  m.Score,
		})
	}
	return candidates
}

// minSimilarity adapts the similarity floor: focused requests use a
// narrower window, and the caller's configured floor always holds.
func (s *Service) minSimilarity(req Request) float64 {
	floor := baseMinSimilarity
	if req.RecentContext || req.HighPriority {
		floor = focusMinSimilarity
	}
	if s.opts.MinSimilarity > floor {
		floor = s.opts.MinSimilarity
	}
	return floor
}

// format renders ranked entries into a delimited context block,
// packing entries until the token budget would be exceeded. Returns
// the block and the number of entries included.
func (s *Service) format(ranked []rank.Scored) (string, int) {
	budget := s.opts.TokenBudget - tokenSafetyMargin

	var b strings.Builder
	b.WriteString("[Memory Context]\n")
	used := estimateTokens("[Memory Context]\n")

	included := 0
	for _, entry := range ranked {
		text := formatEntry(entry)
		cost := estimateTokens(text)
		if used+cost > budget {
			break // remaining candidates are dropped
		}
		b.WriteString(text)
		used += cost
		included++
	}
	if included == 0 {
		return "", 0
	}
	return b.String(), included
}

func formatEntry(entry rank.Scored) string {
	m := entry.Memory
	lane := string(m.Lane)
	if lane == "" {
		lane = string(m.Kind)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] (%.0f%% match, %.0f%% confidence)\n",
		lane, entry.Similarity*100, m.Confidence.Current*100)
	if m.Title != "" {
		b.WriteString(m.Title + "\n")
	}
	content := m.Content
	if len(content) > maxEntryContent {
		content = memory.TruncateRunes(content, maxEntryContent) + "..."
	}
	b.WriteString(content + "\n---\n")
	return b.String()
}

// estimateTokens gives a rough token count (~4 chars per token).
func estimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		return 1
	}
	return n
}

// Drain waits for background work to finish. Intended for shutdown and
// tests.
func (s *Service) Drain() {
	s.background.Wait()
}
