package ingestion

import (
	"errors"
	"fmt"
	"time"

	"github.com/poiesic/docingest/core"
)

var (
	// ErrQueueRequired is returned when a job queue is not provided.
	ErrQueueRequired = errors.New("job queue required")

	// ErrDeadLetterStoreRequired is returned when a dead letter store is not provided.
	ErrDeadLetterStoreRequired = errors.New("dead letter store required")

	// ErrParserRequired is returned when a document parser is not provided.
	ErrParserRequired = errors.New("document parser required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrWriterRequired is returned when a chunk writer is not provided.
	ErrWriterRequired = errors.New("chunk writer required")

	// ErrOpenerRequired is returned when a blob opener is not provided.
	ErrOpenerRequired = errors.New("blob opener required")

	// ErrStoreRequired is returned when a vector or metadata store is not provided.
	ErrStoreRequired = errors.New("store required")

	// ErrThrottled is returned by Submit while the queue is at or above its depth threshold.
	ErrThrottled = errors.New("queue depth over threshold, submission throttled")

	// ErrFormatNotAllowed is returned for a declared format outside the allowed set.
	ErrFormatNotAllowed = errors.New("format not allowed")

	// ErrTooLarge is returned for documents above the submission size limit.
	ErrTooLarge = errors.New("document too large")

	// ErrInfrastructureLost stops the coordinator when the queue stays
	// unreachable for maxAttempts consecutive claims.
	ErrInfrastructureLost = errors.New("infrastructure lost")

	// ErrStoreFailure matches every *StoreFailure.
	ErrStoreFailure = errors.New("store failure")

	// ErrStageTimeout matches every *StageTimeout.
	ErrStageTimeout = errors.New("stage timeout")

	// ErrLengthMismatch indicates chunks and vectors that do not pair up.
	ErrLengthMismatch = errors.New("chunk and vector counts differ")
)

// StoreFailure reports a failed write to the vector or metadata store.
// Unavailable marks a vector store that stayed unreachable through every
// retry; such jobs are not requeued.
type StoreFailure struct {
	Op          string
	Unavailable bool
	Err         error
}

func (f *StoreFailure) Error() string {
	return fmt.Sprintf("store failure: %s: %v", f.Op, f.Err)
}

func (f *StoreFailure) Unwrap() []error {
	return []error{ErrStoreFailure, f.Err}
}

// Kind classifies the failure for the coordinator.
func (f *StoreFailure) Kind() core.FailureKind {
	if f.Unavailable {
		return core.KindStoreUnavailable
	}
	return core.KindStoreFailure
}

// StageTimeout reports a stage that ran past its time budget.
type StageTimeout struct {
	Stage   core.Stage
	Timeout time.Duration
	Err     error
}

func (t *StageTimeout) Error() string {
	return fmt.Sprintf("%s stage exceeded %s: %v", t.Stage, t.Timeout, t.Err)
}

func (t *StageTimeout) Unwrap() []error {
	return []error{ErrStageTimeout, t.Err}
}

// Kind classifies the failure for the coordinator.
func (t *StageTimeout) Kind() core.FailureKind {
	return core.KindStageTimeout
}
