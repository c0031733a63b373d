// Package reembed rewrites stored chunk vectors with a new or updated
// embedding model.
//
// Stale vectors are found by comparing their model with the embedder's,
// re-embedded from the chunk text kept in the metadata store, normalized
// for cosine similarity and written back under their deterministic ids.
// Batches are retried with exponential backoff and progress is reported
// as the run advances.
package reembed
