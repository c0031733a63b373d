package badger

import (
	"context"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/storage"
)

// DeadLetterStore implements storage.DeadLetterStore for BadgerDB.
type DeadLetterStore struct {
	backend *Backend
}

var _ storage.DeadLetterStore = (*DeadLetterStore)(nil)

// NewDeadLetterStore creates a DeadLetterStore on the given backend.
func NewDeadLetterStore(backend *Backend) *DeadLetterStore {
	return &DeadLetterStore{backend: backend}
}

// Put stores or replaces the record for a job.
func (s *DeadLetterStore) Put(ctx context.Context, rec *core.DeadLetterRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.backend.WithTx(func(tx *badger.Txn) error {
		if err := tx.Set(makeDeadLetterKey(rec.Job.ID), storage.MarshalDeadLetter(rec)); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

// Get returns the record for a job.
func (s *DeadLetterStore) Get(ctx context.Context, jobID string) (*core.DeadLetterRecord, error) {
	var rec *core.DeadLetterRecord
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		rec, err = readValue(tx, makeDeadLetterKey(jobID), storage.UnmarshalDeadLetter)
		if err != nil {
			return err
		}
		if rec == nil {
			return storage.ErrNotFound
		}
		return nil
	}, false)
	return rec, err
}

// List returns every record ordered by dead-letter time.
func (s *DeadLetterStore) List(ctx context.Context) ([]*core.DeadLetterRecord, error) {
	var out []*core.DeadLetterRecord
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deadLetterPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := iter.Item().Value(func(val []byte) error {
				rec, err := storage.UnmarshalDeadLetter(val)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b *core.DeadLetterRecord) int {
		return a.DeadLetteredAt.Compare(b.DeadLetteredAt)
	})
	return out, nil
}

// Delete removes the record for a job.
func (s *DeadLetterStore) Delete(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.backend.WithTx(func(tx *badger.Txn) error {
		if err := tx.Delete(makeDeadLetterKey(jobID)); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}
