// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage defines the storage contracts of the ingestion pipeline.
//
// Three independently failing stores back the pipeline:
//
//   - JobQueue: durable job buffer with claim/lease semantics (badger)
//   - VectorStore: embedding vectors keyed by deterministic ids (badger)
//   - MetadataStore: chunk rows and the ingestion audit log (sqlite)
//
// DeadLetterStore keeps permanently failed jobs next to the queue.
//
// # Constructor Return Type Pattern
//
// Public constructors in the implementation packages return these
// interfaces rather than concrete types:
//
//	queue, err := badger.NewJobQueue(backend)  // returns storage.JobQueue
//
// Internal constructors may return concrete types.
//
// # Serialization
//
// Records kept in badger are encoded with mus-go primitives (see
// serialization.go). Every encoded record starts with a codec version.
//
// # Thread Safety
//
// All implementations must be safe for concurrent use. Cross-worker
// coordination happens only through the queue's lease mechanism.
package storage
