// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/retry"
	"github.com/poiesic/docingest/storage"
)

// ChunkWriter persists the chunks and vectors of one document.
type ChunkWriter interface {
	Store(ctx context.Context, documentID string, chunks []core.Chunk, vectors []core.EmbeddingVector) error
}

// Writer stores vectors and their metadata rows as one logical unit.
//
// Vectors are written first. Their ids are derived from the document and
// chunk position, so a repeated write overwrites rather than duplicates.
// Metadata rows are committed in a single transaction only after every
// vector is in place, and are retried on failure. Vectors left over from
// a longer earlier version of the document are pruned last.
type Writer struct {
	vectors  storage.VectorStore
	metadata storage.MetadataStore
	policy   retry.Policy
	now      func() time.Time
	logger   *slog.Logger
}

var _ ChunkWriter = (*Writer)(nil)

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriteRetry sets how often and how patiently each store write is retried.
func WithWriteRetry(attempts int, base, limit time.Duration) WriterOption {
	return func(w *Writer) {
		w.policy.MaxAttempts = attempts
		w.policy.BaseDelay = base
		w.policy.MaxDelay = limit
	}
}

// WithWriterClock overrides the StoredAt time source.
func WithWriterClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		w.now = now
	}
}

// WithWriterLogger sets a custom logger.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWriter creates a Writer over the two stores.
func NewWriter(vectors storage.VectorStore, metadata storage.MetadataStore, opts ...WriterOption) (*Writer, error) {
	if vectors == nil || metadata == nil {
		return nil, ErrStoreRequired
	}
	w := &Writer{
		vectors:  vectors,
		metadata: metadata,
		policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Jitter:      0.2,
		},
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "consistency-writer")
	w.policy.Logger = w.logger
	return w, nil
}

// Store writes vectors, then metadata rows, then prunes stale vectors.
// A failed vector write leaves the metadata store untouched.
func (w *Writer) Store(ctx context.Context, documentID string, chunks []core.Chunk, vectors []core.EmbeddingVector) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d chunks, %d vectors", ErrLengthMismatch, len(chunks), len(vectors))
	}
	now := w.now()
	rows := make([]core.ChunkRecord, len(chunks))
	for i, c := range chunks {
		v := vectors[i]
		if v.Position != c.Position || v.DocumentID != documentID {
			return fmt.Errorf("%w: vector %d is %s#%d", ErrLengthMismatch, i, v.DocumentID, v.Position)
		}
		rows[i] = core.ChunkRecord{
			DocumentID:    documentID,
			Position:      c.Position,
			VectorID:      v.ID,
			Text:          c.Text,
			Start:         c.Start,
			End:           c.End,
			OverlapStart:  c.OverlapStart,
			TokenEstimate: c.TokenEstimate,
			Model:         v.Model,
			StoredAt:      now,
		}
	}

	err := retry.Do(ctx, w.policy, func(ctx context.Context) error {
		return w.vectors.PutVectors(ctx, vectors)
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &StoreFailure{Op: "put vectors", Unavailable: true, Err: err}
	}

	err = retry.Do(ctx, w.policy, func(ctx context.Context) error {
		return w.metadata.ReplaceChunks(ctx, documentID, rows)
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &StoreFailure{Op: "replace chunk rows", Err: err}
	}

	var pruned int
	err = retry.Do(ctx, w.policy, func(ctx context.Context) error {
		var err error
		pruned, err = w.vectors.PruneVectors(ctx, documentID, len(vectors))
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &StoreFailure{Op: "prune vectors", Err: err}
	}

	w.logger.Debug("stored document",
		"document_id", documentID, "vectors", len(vectors), "pruned", pruned)
	return nil
}
