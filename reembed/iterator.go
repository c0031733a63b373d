package reembed

import (
	"context"

	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/storage"
)

const (
	// DefaultBatchSize is the default number of vectors per batch
	DefaultBatchSize = 64
)

// Target addresses one stored vector to re-embed.
type Target struct {
	ID         core.ID
	DocumentID string
	Position   int
	Model      string
}

// StaleIterator walks vectors produced by a model other than the
// current one.
type StaleIterator struct {
	vectors   storage.VectorStore
	model     string
	batchSize int
	force     bool
}

// NewStaleIterator creates a new iterator.
// With force set every vector is considered stale.
func NewStaleIterator(vectors storage.VectorStore, model string, batchSize int, force bool) *StaleIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &StaleIterator{
		vectors:   vectors,
		model:     model,
		batchSize: batchSize,
		force:     force,
	}
}

// Count returns the number of stale vectors.
func (it *StaleIterator) Count(ctx context.Context) (int, error) {
	targets, err := it.collect(ctx)
	return len(targets), err
}

// ForEach calls fn with batches of stale vectors.
// Targets are collected before the first call so fn may rewrite vectors.
// Context cancellation is checked between batches.
func (it *StaleIterator) ForEach(ctx context.Context, fn func([]Target) error) error {
	targets, err := it.collect(ctx)
	if err != nil {
		return err
	}

	for i := 0; i < len(targets); i += it.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(i+it.batchSize, len(targets))
		if err := fn(targets[i:end]); err != nil {
			return err
		}
	}

	return nil
}

func (it *StaleIterator) collect(ctx context.Context) ([]Target, error) {
	var targets []Target
	err := it.vectors.ForEachVector(ctx, func(v core.EmbeddingVector) error {
		if it.force || v.Model != it.model {
			targets = append(targets, Target{
				ID:         v.ID,
				DocumentID: v.DocumentID,
				Position:   v.Position,
				Model:      v.Model,
			})
		}
		return nil
	})
	return targets, err
}
