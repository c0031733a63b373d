package badger

import (
	"context"
	"testing"

	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVectorStore(t *testing.T) *VectorStore {
	t.Helper()
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return NewVectorStore(backend)
}

func makeVectors(docID string, values ...[]float32) []core.EmbeddingVector {
	out := make([]core.EmbeddingVector, len(values))
	for i, v := range values {
		out[i] = core.EmbeddingVector{
			ID:         core.VectorID(docID, i),
			DocumentID: docID,
			Position:   i,
			Model:      "test-model",
			Values:     v,
		}
	}
	return out
}

func TestVectorStore_PutGetOrdered(t *testing.T) {
	store := newTestVectorStore(t)
	ctx := context.Background()

	vectors := makeVectors("doc-a", []float32{1, 0}, []float32{0, 1}, []float32{0.6, 0.8})
	// write out of order; reads come back by position
	require.NoError(t, store.PutVectors(ctx, []core.EmbeddingVector{vectors[2], vectors[0], vectors[1]}))

	got, err := store.GetVectors(ctx, "doc-a")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range got {
		assert.Equal(t, i, got[i].Position)
		assert.Equal(t, vectors[i].ID, got[i].ID)
	}
}

func TestVectorStore_OverwriteIsIdempotent(t *testing.T) {
	store := newTestVectorStore(t)
	ctx := context.Background()

	vectors := makeVectors("doc-a", []float32{1, 0}, []float32{0, 1})
	require.NoError(t, store.PutVectors(ctx, vectors))
	require.NoError(t, store.PutVectors(ctx, vectors))

	got, err := store.GetVectors(ctx, "doc-a")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestVectorStore_DocumentPrefixesDoNotCollide(t *testing.T) {
	store := newTestVectorStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutVectors(ctx, makeVectors("doc", []float32{1})))
	require.NoError(t, store.PutVectors(ctx, makeVectors("doc-2", []float32{1}, []float32{1})))

	got, err := store.GetVectors(ctx, "doc")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestVectorStore_Prune(t *testing.T) {
	store := newTestVectorStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutVectors(ctx, makeVectors("doc-a", []float32{1}, []float32{2}, []float32{3}, []float32{4})))

	removed, err := store.PruneVectors(ctx, "doc-a", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	got, err := store.GetVectors(ctx, "doc-a")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, store.DeleteVectors(ctx, "doc-a"))
	got, err = store.GetVectors(ctx, "doc-a")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVectorStore_FindSimilar(t *testing.T) {
	store := newTestVectorStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutVectors(ctx, makeVectors("doc-a", []float32{1, 0}, []float32{0, 1}, []float32{0.6, 0.8})))

	results, err := store.FindSimilar(ctx, []float32{1, 0}, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].Vector.Position)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, 2, results[1].Vector.Position)

	results, err = store.FindSimilar(ctx, []float32{1, 0}, 0, 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	_, err = store.FindSimilar(ctx, []float32{1, 0}, 0, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
}

func TestVectorStore_ForEachVector(t *testing.T) {
	store := newTestVectorStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutVectors(ctx, makeVectors("doc-a", []float32{1}, []float32{2})))
	require.NoError(t, store.PutVectors(ctx, makeVectors("doc-b", []float32{3})))

	count := 0
	require.NoError(t, store.ForEachVector(ctx, func(v core.EmbeddingVector) error {
		count++
		return nil
	}))
	assert.Equal(t, 3, count)
}
