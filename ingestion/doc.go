// Package ingestion moves documents from submission to stored vectors.
//
// A Submitter hashes a document and places a job on the queue. A
// Coordinator runs a fixed pool of workers that claim jobs and drive
// each through parse, chunk, embed and store:
//
//	Queued → Claimed → Parsing → Chunking → Embedding → Storing → Completed
//
// Any stage may fail. Retryable failures requeue the job until
// maxAttempts is reached, after which it is dead-lettered along with
// every non-retryable failure. Cancellation is honored between stages.
//
// The Writer stores vectors before the metadata rows that reference
// them, so a completed job never leaves a vector without a row.
package ingestion
