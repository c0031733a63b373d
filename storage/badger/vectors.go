package badger

import (
	"bytes"
	"context"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/storage"
)

// VectorStore implements storage.VectorStore for BadgerDB.
// Vectors are keyed by document and position, so re-writing a document
// overwrites its previous vectors in place.
type VectorStore struct {
	backend *Backend
}

var _ storage.VectorStore = (*VectorStore)(nil)

// NewVectorStore creates a VectorStore on the given backend.
func NewVectorStore(backend *Backend) *VectorStore {
	return &VectorStore{backend: backend}
}

// Close is a no-op; the backend is closed by its owner.
func (s *VectorStore) Close() error {
	return nil
}

// Ping checks that the backend is reachable.
func (s *VectorStore) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// PutVectors writes all vectors in one write batch.
func (s *VectorStore) PutVectors(ctx context.Context, vectors []core.EmbeddingVector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.backend.WithWriteBatch(func(wb *badger.WriteBatch) error {
		for i := range vectors {
			v := &vectors[i]
			if err := wb.Set(makeVectorKey(v.DocumentID, v.Position), storage.MarshalVector(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetVectors returns a document's vectors ordered by position.
func (s *VectorStore) GetVectors(ctx context.Context, documentID string) ([]core.EmbeddingVector, error) {
	var out []core.EmbeddingVector
	err := s.scan(ctx, makeDocumentVectorPrefix(documentID), func(_ []byte, v *core.EmbeddingVector) error {
		out = append(out, *v)
		return nil
	})
	return out, err
}

// PruneVectors deletes a document's vectors at positions >= keep.
func (s *VectorStore) PruneVectors(ctx context.Context, documentID string, keep int) (int, error) {
	var doomed [][]byte
	err := s.scan(ctx, makeDocumentVectorPrefix(documentID), func(key []byte, v *core.EmbeddingVector) error {
		if v.Position >= keep {
			doomed = append(doomed, bytes.Clone(key))
		}
		return nil
	})
	if err != nil || len(doomed) == 0 {
		return 0, err
	}
	err = s.backend.WithWriteBatch(func(wb *badger.WriteBatch) error {
		for _, key := range doomed {
			if err := wb.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(doomed), nil
}

// DeleteVectors removes every vector of a document.
func (s *VectorStore) DeleteVectors(ctx context.Context, documentID string) error {
	_, err := s.PruneVectors(ctx, documentID, 0)
	return err
}

// ForEachVector visits every stored vector until fn returns an error.
func (s *VectorStore) ForEachVector(ctx context.Context, fn func(v core.EmbeddingVector) error) error {
	return s.scan(ctx, []byte(vectorPrefix), func(_ []byte, v *core.EmbeddingVector) error {
		return fn(*v)
	})
}

// FindSimilar scores every stored vector against query by dot product
// (cosine similarity for normalized vectors).
func (s *VectorStore) FindSimilar(ctx context.Context, query []float32, minSimilarity float32, limit int) ([]storage.ScoredVector, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidQuery
	}
	var results []storage.ScoredVector
	err := s.scan(ctx, []byte(vectorPrefix), func(_ []byte, v *core.EmbeddingVector) error {
		if len(v.Values) == 0 {
			return nil
		}
		similarity := dotProduct(query, v.Values)
		if similarity >= minSimilarity {
			results = append(results, storage.ScoredVector{Vector: *v, Score: similarity})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Sort by similarity descending
	slices.SortFunc(results, func(a, b storage.ScoredVector) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return 0
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// scan iterates vectors under prefix in key order.
func (s *VectorStore) scan(ctx context.Context, prefix []byte, fn func(key []byte, v *core.EmbeddingVector) error) error {
	return s.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := iter.Item()
			var v *core.EmbeddingVector
			err := item.Value(func(val []byte) error {
				var err error
				v, err = storage.UnmarshalVector(val)
				return err
			})
			if err != nil {
				return err
			}
			if err := fn(item.Key(), v); err != nil {
				return err
			}
		}
		return nil
	}, false)
}

// dotProduct calculates the dot product of two vectors.
func dotProduct(a, b []float32) float32 {
	var sum float32
	for i := 0; i < min(len(a), len(b)); i++ {
		sum += a[i] * b[i]
	}
	return sum
}
