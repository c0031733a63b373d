package reembed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/poiesic/docingest/ai"
	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/retry"
	"github.com/poiesic/docingest/storage"
)

// BatchResult counts the outcome of one batch.
type BatchResult struct {
	Reembedded int
	Orphaned   int
}

// BatchProcessor re-embeds batches of stored vectors from their chunk text.
type BatchProcessor struct {
	vectors  storage.VectorStore
	metadata storage.MetadataStore
	embedder ai.Embedder
	policy   retry.Policy
}

// NewBatchProcessor creates a new batch processor.
// maxRetries: maximum number of attempts for each embedding request
// retryBaseDelay: base delay for exponential backoff
func NewBatchProcessor(vectors storage.VectorStore, metadata storage.MetadataStore, embedder ai.Embedder, maxRetries int, retryBaseDelay time.Duration) *BatchProcessor {
	return &BatchProcessor{
		vectors:  vectors,
		metadata: metadata,
		embedder: embedder,
		policy: retry.Policy{
			MaxAttempts: maxRetries,
			BaseDelay:   retryBaseDelay,
			Jitter:      0.1,
			Retryable: func(err error) bool {
				return core.KindOf(err).Retryable()
			},
		},
	}
}

// Process embeds the chunk text behind each target and overwrites the
// vectors under their existing ids. Targets whose chunk row is missing
// are skipped and counted as orphaned.
func (bp *BatchProcessor) Process(ctx context.Context, targets []Target) (BatchResult, error) {
	var res BatchResult
	if len(targets) == 0 {
		return res, nil
	}

	live := make([]Target, 0, len(targets))
	texts := make([]string, 0, len(targets))
	for _, t := range targets {
		row, err := bp.metadata.GetChunk(ctx, t.DocumentID, t.Position)
		if errors.Is(err, storage.ErrNotFound) {
			res.Orphaned++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("failed to load chunk %s/%d: %w", t.DocumentID, t.Position, err)
		}
		live = append(live, t)
		texts = append(texts, row.Text)
	}
	if len(live) == 0 {
		return res, nil
	}

	var embeddings [][]float32
	err := retry.Do(ctx, bp.policy, func(ctx context.Context) error {
		var err error
		embeddings, err = bp.embedder.EmbedTexts(ctx, texts)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("failed to generate embeddings after %d attempts: %w", bp.policy.MaxAttempts, err)
	}
	if len(embeddings) != len(live) {
		return res, fmt.Errorf("%w: expected %d, got %d", ErrEmbeddingCountMismatch, len(live), len(embeddings))
	}

	model := bp.embedder.Model()
	vectors := make([]core.EmbeddingVector, len(live))
	byDocument := make(map[string]map[int]bool)
	for i, t := range live {
		vectors[i] = core.EmbeddingVector{
			ID:         t.ID,
			DocumentID: t.DocumentID,
			Position:   t.Position,
			Model:      model,
			Values:     NormalizeVector(embeddings[i]),
		}
		if byDocument[t.DocumentID] == nil {
			byDocument[t.DocumentID] = make(map[int]bool)
		}
		byDocument[t.DocumentID][t.Position] = true
	}

	if err := bp.vectors.PutVectors(ctx, vectors); err != nil {
		return res, fmt.Errorf("failed to write vectors: %w", err)
	}

	for documentID, positions := range byDocument {
		if err := bp.restampRows(ctx, documentID, positions, model); err != nil {
			return res, err
		}
	}

	res.Reembedded = len(live)
	return res, nil
}

// restampRows records the new model on a document's chunk rows.
func (bp *BatchProcessor) restampRows(ctx context.Context, documentID string, positions map[int]bool, model string) error {
	rows, err := bp.metadata.GetChunks(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to load chunks of %s: %w", documentID, err)
	}
	for i := range rows {
		if positions[rows[i].Position] {
			rows[i].Model = model
		}
	}
	if err := bp.metadata.ReplaceChunks(ctx, documentID, rows); err != nil {
		return fmt.Errorf("failed to update chunks of %s: %w", documentID, err)
	}
	return nil
}
