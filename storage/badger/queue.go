package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/storage"
)

// maxClaimConflicts bounds how often Claim retries after losing a
// transaction race against another worker.
const maxClaimConflicts = 8

// JobQueue implements storage.JobQueue for BadgerDB.
//
// Three key spaces back the queue: the job records themselves, an
// available index ordered by enqueue sequence, and an idempotency index.
// A job stays in the available index until it is acknowledged; leased
// jobs are skipped by Claim until their lease expires.
type JobQueue struct {
	backend *Backend
	seq     *badger.Sequence
	now     func() time.Time
	logger  *slog.Logger
}

var _ storage.JobQueue = (*JobQueue)(nil)

// QueueOption configures a JobQueue.
type QueueOption func(*JobQueue)

// WithClock overrides the time source used for leases.
func WithClock(now func() time.Time) QueueOption {
	return func(q *JobQueue) {
		q.now = now
	}
}

// WithQueueLogger sets a custom logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *JobQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewJobQueue creates a JobQueue on the given backend.
func NewJobQueue(backend *Backend, opts ...QueueOption) (*JobQueue, error) {
	seq, err := backend.GetSequence(jobSeqKey)
	if err != nil {
		return nil, err
	}
	q := &JobQueue{
		backend: backend,
		seq:     seq,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "job-queue")
	return q, nil
}

// Close releases the sequence.
func (q *JobQueue) Close() error {
	if q.backend.IsClosed() {
		return nil
	}
	return q.seq.Release()
}

func (q *JobQueue) nextSeq() (uint64, error) {
	next, err := q.seq.Next()
	if err != nil {
		return 0, err
	}
	// BadgerDB sequences can return 0 on first call, so we skip it
	if next == 0 {
		return q.seq.Next()
	}
	return next, nil
}

// unavailable wraps infrastructure errors as ErrQueueUnavailable and
// passes domain errors through.
func unavailable(err error) error {
	if err == nil ||
		errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrLeaseLost) ||
		errors.Is(err, core.ErrInvalidJob) ||
		errors.Is(err, core.ErrInvalidTransition) ||
		errors.Is(err, storage.ErrQueueUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", storage.ErrQueueUnavailable, err)
}

func readJob(tx *badger.Txn, jobID string) (*core.IngestionJob, error) {
	return readValue(tx, makeJobKey(jobID), storage.UnmarshalJob)
}

func writeJob(tx *badger.Txn, job *core.IngestionJob) error {
	return tx.Set(makeJobKey(job.ID), storage.MarshalJob(job))
}

// Enqueue stores a new job and makes it available for claiming.
func (q *JobQueue) Enqueue(ctx context.Context, job *core.IngestionJob) (string, error) {
	if err := core.ValidateJob(job); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var id string
	err := q.backend.WithTx(func(tx *badger.Txn) error {
		item, err := tx.Get(makeIdemKey(job.IdempotencyKey))
		if err == nil {
			existing, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			id = string(existing)
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		seq, err := q.nextSeq()
		if err != nil {
			return err
		}
		now := q.now()
		job.QueueSeq = seq
		job.EnqueuedAt = now
		job.UpdatedAt = now
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}

		if err := writeJob(tx, job); err != nil {
			return err
		}
		if err := tx.Set(makeAvailKey(seq), []byte(job.ID)); err != nil {
			return err
		}
		if err := tx.Set(makeIdemKey(job.IdempotencyKey), []byte(job.ID)); err != nil {
			return err
		}
		id = job.ID
		return tx.Commit()
	}, true)
	if err != nil {
		return "", unavailable(err)
	}

	if id != job.ID {
		q.logger.Debug("duplicate submission collapsed", "job_id", id, "idempotency_key", job.IdempotencyKey)
	}
	return id, nil
}

// Claim leases the oldest available job to workerID.
func (q *JobQueue) Claim(ctx context.Context, workerID string, lease time.Duration) (*core.IngestionJob, error) {
	for range maxClaimConflicts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job, err := q.tryClaim(workerID, lease)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, unavailable(err)
		}
		return job, nil
	}
	return nil, nil
}

func (q *JobQueue) tryClaim(workerID string, lease time.Duration) (*core.IngestionJob, error) {
	var claimed *core.IngestionJob
	err := q.backend.WithTx(func(tx *badger.Txn) error {
		now := q.now()
		var stale [][]byte

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(jobAvailPrefix)
		iter := tx.NewIterator(opts)
		for iter.Rewind(); iter.Valid(); iter.Next() {
			item := iter.Item()
			jobID, err := item.ValueCopy(nil)
			if err != nil {
				iter.Close()
				return err
			}
			job, err := readJob(tx, string(jobID))
			if err != nil {
				iter.Close()
				return err
			}
			if job == nil || job.Status.Terminal() {
				stale = append(stale, item.KeyCopy(nil))
				continue
			}
			if job.Leased(now) {
				continue
			}
			claimed = job
			break
		}
		iter.Close()

		for _, key := range stale {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		if claimed == nil {
			if len(stale) > 0 {
				return tx.Commit()
			}
			return nil
		}

		previousOwner := claimed.LeaseOwner
		if claimed.Status == core.StatusFailed {
			// a worker died between classifying a failure and requeueing
			claimed.Status = core.StatusQueued
		}
		if err := claimed.Transition(core.StatusClaimed, now); err != nil {
			return err
		}
		claimed.LeaseOwner = workerID
		claimed.LeaseExpiresAt = now.Add(lease)
		if err := writeJob(tx, claimed); err != nil {
			return err
		}
		if previousOwner != "" {
			q.logger.Info("reclaimed job with expired lease",
				"job_id", claimed.ID, "previous_owner", previousOwner, "worker_id", workerID)
		}
		return tx.Commit()
	}, true)
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// withLeasedJob loads a job, checks that workerID owns its lease, and
// commits whatever fn writes.
func (q *JobQueue) withLeasedJob(jobID, workerID string, fn func(tx *badger.Txn, job *core.IngestionJob) error) error {
	err := q.backend.WithTx(func(tx *badger.Txn) error {
		job, err := readJob(tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return storage.ErrNotFound
		}
		if job.LeaseOwner != workerID {
			return fmt.Errorf("%w: job %s is leased by %q", storage.ErrLeaseLost, jobID, job.LeaseOwner)
		}
		if err := fn(tx, job); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: concurrent update of job %s", storage.ErrLeaseLost, jobID)
	}
	return unavailable(err)
}

// RenewLease extends the lease held by workerID.
func (q *JobQueue) RenewLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.withLeasedJob(jobID, workerID, func(tx *badger.Txn, job *core.IngestionJob) error {
		job.LeaseExpiresAt = q.now().Add(lease)
		return writeJob(tx, job)
	})
}

// Update persists a job held by workerID. Lease fields and the
// cancellation flag are owned by the queue and are never overwritten.
func (q *JobQueue) Update(ctx context.Context, job *core.IngestionJob, workerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.withLeasedJob(job.ID, workerID, func(tx *badger.Txn, current *core.IngestionJob) error {
		job.LeaseOwner = current.LeaseOwner
		job.LeaseExpiresAt = current.LeaseExpiresAt
		job.QueueSeq = current.QueueSeq
		job.Cancelled = job.Cancelled || current.Cancelled
		job.UpdatedAt = q.now()
		return writeJob(tx, job)
	})
}

// Ack removes the job from the available pool and drops its lease.
func (q *JobQueue) Ack(ctx context.Context, jobID, workerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.withLeasedJob(jobID, workerID, func(tx *badger.Txn, job *core.IngestionJob) error {
		if err := tx.Delete(makeAvailKey(job.QueueSeq)); err != nil {
			return err
		}
		if job.Status == core.StatusCancelled {
			if err := tx.Delete(makeIdemKey(job.IdempotencyKey)); err != nil {
				return err
			}
		}
		job.LeaseOwner = ""
		job.LeaseExpiresAt = time.Time{}
		job.UpdatedAt = q.now()
		return writeJob(tx, job)
	})
}

// Release drops the lease and moves the job to the back of the pool.
func (q *JobQueue) Release(ctx context.Context, jobID, workerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.withLeasedJob(jobID, workerID, func(tx *badger.Txn, job *core.IngestionJob) error {
		if job.Status.InProgress() {
			if err := job.Transition(core.StatusQueued, q.now()); err != nil {
				return err
			}
		}
		return q.reinsert(tx, job)
	})
}

// Requeue puts a job back into the available pool without a lease check.
func (q *JobQueue) Requeue(ctx context.Context, job *core.IngestionJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.Status != core.StatusQueued {
		return fmt.Errorf("%w: cannot requeue %s job", core.ErrInvalidTransition, job.Status)
	}
	err := q.backend.WithTx(func(tx *badger.Txn) error {
		if current, err := readJob(tx, job.ID); err != nil {
			return err
		} else if current != nil && current.Leased(q.now()) {
			return fmt.Errorf("%w: job %s is leased by %q", storage.ErrLeaseLost, job.ID, current.LeaseOwner)
		} else if current != nil {
			if err := tx.Delete(makeAvailKey(current.QueueSeq)); err != nil {
				return err
			}
		}
		if err := tx.Set(makeIdemKey(job.IdempotencyKey), []byte(job.ID)); err != nil {
			return err
		}
		if err := q.reinsert(tx, job); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
	return unavailable(err)
}

// reinsert clears the lease and gives the job a fresh sequence number.
func (q *JobQueue) reinsert(tx *badger.Txn, job *core.IngestionJob) error {
	if job.QueueSeq != 0 {
		if err := tx.Delete(makeAvailKey(job.QueueSeq)); err != nil {
			return err
		}
	}
	seq, err := q.nextSeq()
	if err != nil {
		return err
	}
	now := q.now()
	job.QueueSeq = seq
	job.LeaseOwner = ""
	job.LeaseExpiresAt = time.Time{}
	job.EnqueuedAt = now
	job.UpdatedAt = now
	if err := tx.Set(makeAvailKey(seq), []byte(job.ID)); err != nil {
		return err
	}
	return writeJob(tx, job)
}

// Get returns a job by id.
func (q *JobQueue) Get(ctx context.Context, jobID string) (*core.IngestionJob, error) {
	var job *core.IngestionJob
	err := q.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		job, err = readJob(tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return storage.ErrNotFound
		}
		return nil
	}, false)
	if err != nil {
		return nil, unavailable(err)
	}
	return job, nil
}

// Cancel flags a job as cancelled.
func (q *JobQueue) Cancel(ctx context.Context, jobID string) (*core.IngestionJob, error) {
	var job *core.IngestionJob
	err := q.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		job, err = readJob(tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return storage.ErrNotFound
		}
		if job.Status.Terminal() {
			return nil
		}
		now := q.now()
		job.Cancelled = true
		job.UpdatedAt = now
		if job.Status == core.StatusQueued {
			if err := job.Transition(core.StatusCancelled, now); err != nil {
				return err
			}
			if err := tx.Delete(makeAvailKey(job.QueueSeq)); err != nil {
				return err
			}
			if err := tx.Delete(makeIdemKey(job.IdempotencyKey)); err != nil {
				return err
			}
		}
		if err := writeJob(tx, job); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
	if err != nil {
		return nil, unavailable(err)
	}
	return job, nil
}

// Depth returns the number of jobs not yet acknowledged.
func (q *JobQueue) Depth(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := q.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(jobAvailPrefix)
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			count++
		}
		return nil
	}, false)
	if err != nil {
		return 0, unavailable(err)
	}
	return count, nil
}
