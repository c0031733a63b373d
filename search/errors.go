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

package search

import "errors"

var (
	// ErrVectorStoreRequired is returned when a vector store is not provided.
	ErrVectorStoreRequired = errors.New("vector store required")

	// ErrMetadataStoreRequired is returned when a metadata store is not provided.
	ErrMetadataStoreRequired = errors.New("metadata store required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrInvalidMaxHits is returned when maxHits is not positive.
	ErrInvalidMaxHits = errors.New("maxHits must be positive")

	// ErrInvalidSimilarity is returned for a similarity floor outside [-1, 1].
	ErrInvalidSimilarity = errors.New("similarity must be between -1 and 1")
)
