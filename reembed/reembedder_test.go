package reembed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/docingest/ai"
	"github.com/poiesic/docingest/ai/mock"
	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/storage/badger"
	"github.com/poiesic/docingest/storage/sqlite"
)

type stores struct {
	vectors  *badger.VectorStore
	metadata *sqlite.Store
}

func setupStores(t *testing.T) *stores {
	t.Helper()
	queue, vectors, _, backend, err := badger.NewMemoryStores()
	require.NoError(t, err)
	metadata, err := sqlite.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		metadata.Close()
		queue.Close()
		backend.Close()
	})
	return &stores{vectors: vectors, metadata: metadata}
}

// seed stores n chunks of a document embedded with model.
func (s *stores) seed(t *testing.T, documentID, model string, n int) {
	t.Helper()
	ctx := context.Background()
	vectors := make([]core.EmbeddingVector, n)
	rows := make([]core.ChunkRecord, n)
	for i := range n {
		text := fmt.Sprintf("%s chunk %d", documentID, i)
		vectors[i] = core.EmbeddingVector{
			ID:         core.VectorID(documentID, i),
			DocumentID: documentID,
			Position:   i,
			Model:      model,
			Values:     []float32{1, 0, 0},
		}
		rows[i] = core.ChunkRecord{
			DocumentID: documentID,
			Position:   i,
			VectorID:   vectors[i].ID,
			Text:       text,
			End:        len(text),
			Model:      model,
			StoredAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		}
	}
	require.NoError(t, s.vectors.PutVectors(ctx, vectors))
	require.NoError(t, s.metadata.ReplaceChunks(ctx, documentID, rows))
}

func newEmbedder() *mock.MockEmbedder {
	embedder := mock.NewMockEmbedder()
	embedder.ModelName = "new-model"
	return embedder
}

func testConfig() *Config {
	return &Config{
		BatchSize:      3,
		ReportInterval: 3,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
	}
}

func TestReembedder_Run(t *testing.T) {
	s := setupStores(t)
	ctx := context.Background()
	s.seed(t, "doc-a", "old-model", 4)
	s.seed(t, "doc-b", "old-model", 3)

	embedder := newEmbedder()
	var buf bytes.Buffer
	result, err := NewReembedder(s.vectors, s.metadata, embedder, testConfig(), &buf).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 7, result.Stale)
	assert.Equal(t, 7, result.Reembedded)
	assert.Zero(t, result.Orphaned)
	assert.Equal(t, 3, embedder.CallCount(), "7 vectors in batches of 3")

	for _, doc := range []string{"doc-a", "doc-b"} {
		vectors, err := s.vectors.GetVectors(ctx, doc)
		require.NoError(t, err)
		rows, err := s.metadata.GetChunks(ctx, doc)
		require.NoError(t, err)
		require.Len(t, vectors, len(rows))
		for i, v := range vectors {
			assert.Equal(t, "new-model", v.Model)
			assert.Equal(t, core.VectorID(doc, i), v.ID, "ids are kept")
			assert.InDeltaSlice(t, mock.Vector(rows[i].Text), v.Values, 1e-6)
			assert.Equal(t, "new-model", rows[i].Model)
		}
	}

	output := buf.String()
	assert.Contains(t, output, "Re-embedding 7 vectors with new-model")
	assert.Contains(t, output, "7/7")
	assert.Contains(t, output, "Re-embedding complete")
}

func TestReembedder_UpToDate(t *testing.T) {
	s := setupStores(t)
	s.seed(t, "doc-a", "new-model", 2)

	embedder := newEmbedder()
	var buf bytes.Buffer
	result, err := NewReembedder(s.vectors, s.metadata, embedder, testConfig(), &buf).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, result.Stale)
	assert.Zero(t, embedder.CallCount())
	assert.Contains(t, buf.String(), "All vectors already use model new-model")
}

func TestReembedder_Force(t *testing.T) {
	s := setupStores(t)
	s.seed(t, "doc-a", "new-model", 2)

	cfg := testConfig()
	cfg.Force = true
	var buf bytes.Buffer
	result, err := NewReembedder(s.vectors, s.metadata, newEmbedder(), cfg, &buf).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Reembedded)
}

func TestReembedder_SkipsOrphanedVectors(t *testing.T) {
	s := setupStores(t)
	ctx := context.Background()
	s.seed(t, "doc-a", "old-model", 2)
	require.NoError(t, s.vectors.PutVectors(ctx, []core.EmbeddingVector{{
		ID:         core.VectorID("doc-gone", 0),
		DocumentID: "doc-gone",
		Position:   0,
		Model:      "old-model",
		Values:     []float32{0, 1, 0},
	}}))

	var buf bytes.Buffer
	result, err := NewReembedder(s.vectors, s.metadata, newEmbedder(), testConfig(), &buf).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Stale)
	assert.Equal(t, 2, result.Reembedded)
	assert.Equal(t, 1, result.Orphaned)

	orphan, err := s.vectors.GetVectors(ctx, "doc-gone")
	require.NoError(t, err)
	require.Len(t, orphan, 1)
	assert.Equal(t, "old-model", orphan[0].Model)
}

func TestReembedder_EmbeddingError(t *testing.T) {
	s := setupStores(t)
	s.seed(t, "doc-a", "old-model", 2)

	embedder := newEmbedder()
	embedder.EmbedTextsFunc = func(_ context.Context, _ []string) ([][]float32, error) {
		return nil, ai.NewError(core.KindEmbedServiceUnavailable, errors.New("503"))
	}

	var buf bytes.Buffer
	_, err := NewReembedder(s.vectors, s.metadata, embedder, testConfig(), &buf).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, embedder.CallCount(), "retried up to MaxRetries")

	vectors, err := s.vectors.GetVectors(context.Background(), "doc-a")
	require.NoError(t, err)
	for _, v := range vectors {
		assert.Equal(t, "old-model", v.Model)
	}
}

func TestReembedder_InvalidInputIsNotRetried(t *testing.T) {
	s := setupStores(t)
	s.seed(t, "doc-a", "old-model", 1)

	embedder := newEmbedder()
	embedder.EmbedTextsFunc = func(_ context.Context, _ []string) ([][]float32, error) {
		return nil, ai.NewError(core.KindEmbedInvalidInput, errors.New("input too long"))
	}

	var buf bytes.Buffer
	_, err := NewReembedder(s.vectors, s.metadata, embedder, testConfig(), &buf).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, embedder.CallCount())
}

func TestBatchProcessor_RetriesThenNormalizes(t *testing.T) {
	s := setupStores(t)
	ctx := context.Background()
	s.seed(t, "doc-a", "old-model", 2)

	var calls atomic.Int32
	embedder := newEmbedder()
	embedder.EmbedTextsFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		if calls.Add(1) == 1 {
			return nil, ai.NewError(core.KindEmbedRateLimited, errors.New("429"))
		}
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 2, 2}
		}
		return out, nil
	}

	processor := NewBatchProcessor(s.vectors, s.metadata, embedder, 3, time.Millisecond)
	res, err := processor.Process(ctx, []Target{
		{ID: core.VectorID("doc-a", 0), DocumentID: "doc-a", Position: 0},
		{ID: core.VectorID("doc-a", 1), DocumentID: "doc-a", Position: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Reembedded)
	assert.Equal(t, int32(2), calls.Load())

	vectors, err := s.vectors.GetVectors(ctx, "doc-a")
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.InDelta(t, 1.0, Magnitude(vectors[0].Values), 1e-6)
	assert.InDelta(t, 1.0/3, vectors[0].Values[0], 1e-6)
}

func TestBatchProcessor_CountMismatch(t *testing.T) {
	s := setupStores(t)
	s.seed(t, "doc-a", "old-model", 2)

	embedder := newEmbedder()
	embedder.EmbedTextsFunc = func(_ context.Context, _ []string) ([][]float32, error) {
		return [][]float32{{1, 0}}, nil
	}

	processor := NewBatchProcessor(s.vectors, s.metadata, embedder, 1, time.Millisecond)
	_, err := processor.Process(context.Background(), []Target{
		{ID: core.VectorID("doc-a", 0), DocumentID: "doc-a", Position: 0},
		{ID: core.VectorID("doc-a", 1), DocumentID: "doc-a", Position: 1},
	})
	assert.ErrorIs(t, err, ErrEmbeddingCountMismatch)
}

func TestBatchProcessor_EmptyBatch(t *testing.T) {
	s := setupStores(t)
	embedder := newEmbedder()
	res, err := NewBatchProcessor(s.vectors, s.metadata, embedder, 1, time.Millisecond).Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res)
	assert.Zero(t, embedder.CallCount())
}

func TestStaleIterator_Batches(t *testing.T) {
	s := setupStores(t)
	s.seed(t, "doc-a", "old-model", 5)
	s.seed(t, "doc-b", "new-model", 4)

	it := NewStaleIterator(s.vectors, "new-model", 2, false)
	count, err := it.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	var sizes []int
	err = it.ForEach(context.Background(), func(batch []Target) error {
		sizes = append(sizes, len(batch))
		for _, target := range batch {
			assert.Equal(t, "doc-a", target.DocumentID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestStaleIterator_StopsOnError(t *testing.T) {
	s := setupStores(t)
	s.seed(t, "doc-a", "old-model", 4)

	boom := errors.New("boom")
	calls := 0
	err := NewStaleIterator(s.vectors, "new-model", 1, false).ForEach(context.Background(), func([]Target) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestStaleIterator_ContextCancellation(t *testing.T) {
	s := setupStores(t)
	s.seed(t, "doc-a", "old-model", 4)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := NewStaleIterator(s.vectors, "new-model", 1, false).ForEach(ctx, func([]Target) error {
		calls++
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestStaleIterator_InvalidBatchSize(t *testing.T) {
	s := setupStores(t)
	it := NewStaleIterator(s.vectors, "m", 0, false)
	assert.Equal(t, DefaultBatchSize, it.batchSize)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.False(t, cfg.Force)
}
