package storage

import (
	"context"
	"time"

	"github.com/poiesic/docingest/core"
)

// JobQueue is the durable buffer of ingestion jobs.
// A claimed job is leased to exactly one worker until the lease expires,
// is released, or the job is acknowledged.
// Implementations must be thread-safe and support concurrent access.
type JobQueue interface {
	// Enqueue stores a new job and makes it available for claiming.
	// If a live job with the same idempotency key exists, its id is
	// returned instead. Fails with ErrQueueUnavailable when the backing
	// store cannot be reached.
	Enqueue(ctx context.Context, job *core.IngestionJob) (string, error)

	// Claim leases the oldest available job to workerID.
	// A job is available when it is not acknowledged and holds no
	// unexpired lease. Returns nil, nil when nothing is available.
	Claim(ctx context.Context, workerID string, lease time.Duration) (*core.IngestionJob, error)

	// RenewLease extends the lease held by workerID.
	// Returns ErrLeaseLost if another worker has since claimed the job.
	RenewLease(ctx context.Context, jobID, workerID string, lease time.Duration) error

	// Update persists a job held by workerID.
	// Returns ErrLeaseLost if workerID no longer owns the lease.
	Update(ctx context.Context, job *core.IngestionJob, workerID string) error

	// Ack removes the job from the available pool and drops its lease.
	// The job record stays queryable.
	Ack(ctx context.Context, jobID, workerID string) error

	// Release drops the lease and returns the job to the back of the
	// available pool.
	Release(ctx context.Context, jobID, workerID string) error

	// Requeue puts a job back into the available pool without a lease
	// check. Used to replay dead-lettered jobs.
	Requeue(ctx context.Context, job *core.IngestionJob) error

	// Get returns a job by id, or ErrNotFound.
	Get(ctx context.Context, jobID string) (*core.IngestionJob, error)

	// Cancel flags a job as cancelled. Queued jobs leave the pool
	// immediately; in-flight jobs are stopped by their worker.
	Cancel(ctx context.Context, jobID string) (*core.IngestionJob, error)

	// Depth returns the number of jobs not yet acknowledged.
	Depth(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}

// VectorStore persists embedding vectors addressed by deterministic ids.
// Writing a vector that already exists overwrites it.
type VectorStore interface {
	// PutVectors writes all vectors or returns an error.
	PutVectors(ctx context.Context, vectors []core.EmbeddingVector) error

	// GetVectors returns a document's vectors ordered by position.
	GetVectors(ctx context.Context, documentID string) ([]core.EmbeddingVector, error)

	// PruneVectors deletes a document's vectors at positions >= keep.
	PruneVectors(ctx context.Context, documentID string, keep int) (int, error)

	// DeleteVectors removes every vector of a document.
	DeleteVectors(ctx context.Context, documentID string) error

	// ForEachVector visits every stored vector until fn returns an error.
	ForEachVector(ctx context.Context, fn func(v core.EmbeddingVector) error) error

	// FindSimilar returns the vectors most similar to query, highest first.
	FindSimilar(ctx context.Context, query []float32, minSimilarity float32, limit int) ([]ScoredVector, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// ScoredVector is a vector paired with its similarity to a query.
type ScoredVector struct {
	Vector core.EmbeddingVector
	Score  float32
}

// MetadataStore is the relational store of chunk rows and audit records.
type MetadataStore interface {
	// ReplaceChunks atomically upserts the rows of a document and drops
	// rows at positions beyond the new set.
	ReplaceChunks(ctx context.Context, documentID string, rows []core.ChunkRecord) error

	// GetChunks returns a document's rows ordered by position.
	GetChunks(ctx context.Context, documentID string) ([]core.ChunkRecord, error)

	// GetChunk returns a single row or ErrNotFound.
	GetChunk(ctx context.Context, documentID string, position int) (*core.ChunkRecord, error)

	// DeleteDocument removes every row of a document.
	DeleteDocument(ctx context.Context, documentID string) error

	// RecordIngestion appends an audit record.
	RecordIngestion(ctx context.Context, rec *core.AuditRecord) error

	// IngestionStats aggregates audit records created at or after since.
	IngestionStats(ctx context.Context, since time.Time) (*core.IngestionStats, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// DeadLetterStore holds jobs that failed permanently.
type DeadLetterStore interface {
	// Put stores or replaces the record for a job.
	Put(ctx context.Context, rec *core.DeadLetterRecord) error

	// Get returns the record for a job, or ErrNotFound.
	Get(ctx context.Context, jobID string) (*core.DeadLetterRecord, error)

	// List returns every record ordered by dead-letter time.
	List(ctx context.Context) ([]*core.DeadLetterRecord, error)

	// Delete removes the record for a job.
	Delete(ctx context.Context, jobID string) error
}
