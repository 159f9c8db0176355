// Package vector wraps an embedding provider with retry, lazy singleton
// initialization, and confidence-weighted similarity search over
// in-record embeddings. Retrieval is a linear scan; at the target scale
// of a few thousand memories an index buys nothing.
package vector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/embedding"
)

const (
	embedMaxAttempts = 3
	embedBackoffUnit = time.Second
)

// Engine provides embedding generation and similarity search.
type Engine struct {
	newProvider func(ctx context.Context) (embedding.Provider, error)
	logger      *zap.Logger

	mu       sync.Mutex
	provider embedding.Provider
	initCh   chan struct{} // non-nil while an initialization is in flight
	initErr  error

	backoffUnit time.Duration
}

// NewEngine creates an Engine. The provider is constructed lazily on
// first use; newProvider is called at most once per initialization
// attempt regardless of concurrent first callers.
func NewEngine(newProvider func(ctx context.Context) (embedding.Provider, error), logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		newProvider: newProvider,
		logger:      logger.With(zap.String("component", "vector")),
		backoffUnit: embedBackoffUnit,
	}
}

// getProvider returns the shared provider, initializing it if needed.
// Concurrent first callers share one in-flight initialization.
func (e *Engine) getProvider(ctx context.Context) (embedding.Provider, error) {
	e.mu.Lock()
	if e.provider != nil {
		p := e.provider
		e.mu.Unlock()
		return p, nil
	}
	if e.initCh == nil {
		ch := make(chan struct{})
		e.initCh = ch
		go func() {
			p, err := e.newProvider(context.Background())
			e.mu.Lock()
			if err != nil {
				e.initErr = err
				e.initCh = nil // next caller may retry
			} else {
				e.provider = p
			}
			e.mu.Unlock()
			close(ch)
		}()
	}
	ch := e.initCh
	e.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.provider != nil {
		return e.provider, nil
	}
	return nil, fmt.Errorf("initialize embedding provider: %w", e.initErr)
}

// Embed generates an embedding for a single text, retrying up to 3
// times with linear backoff before returning a terminal error.
func (e *Engine) Embed(ctx context.Context, text string) ([]float32, error) {
	provider, err := e.getProvider(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= embedMaxAttempts; attempt++ {
		vectors, err := provider.Embed(ctx, []string{text})
		if err == nil {
			if len(vectors) == 0 {
				return nil, fmt.Errorf("embed: provider returned no vectors")
			}
			return vectors[0], nil
		}
		lastErr = err
		e.logger.Warn("embedding attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == embedMaxAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * e.backoffUnit):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("embed after %d attempts: %w", embedMaxAttempts, lastErr)
}

// Dimension reports the provider's vector dimension, or 0 when the
// provider has not been initialized yet.
func (e *Engine) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.provider == nil {
		return 0
	}
	return e.provider.Dimension()
}
