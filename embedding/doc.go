// Package embedding turns a document's chunks into embedding vectors.
//
// A Batcher groups chunks into batches bounded by item count and token
// budget, sends each batch to an ai.Embedder, and zips the results back
// to chunk positions. Rate limiting and outages are absorbed by retrying
// the same batch with capped exponential backoff; input the service
// rejects is reported without retry.
package embedding
