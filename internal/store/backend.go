package store

import (
	"context"
	"errors"
)

// ErrNotFound indicates a record or document is absent. Callers treat
// this as a normal miss, never as a failure.
var ErrNotFound = errors.New("record not found")

// Backend is the durable persistence layer: one addressable record per
// memory id, a manifest of all known ids, and one document holding the
// entire relation graph.
type Backend interface {
	// PutRecord writes a record and registers its id in the manifest.
	PutRecord(ctx context.Context, id string, data []byte) error
	// GetRecord loads a record, returning ErrNotFound when absent.
	GetRecord(ctx context.Context, id string) ([]byte, error)
	// DeleteRecord removes a record and its manifest entry.
	DeleteRecord(ctx context.Context, id string) error
	// ListIDs returns every id in the manifest.
	ListIDs(ctx context.Context) ([]string, error)

	// SaveGraphDoc rewrites the whole graph document.
	SaveGraphDoc(ctx context.Context, data []byte) error
	// LoadGraphDoc loads the graph document, ErrNotFound when absent.
	LoadGraphDoc(ctx context.Context) ([]byte, error)

	Close(ctx context.Context) error
}
