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

// Package ai provides the embedding service abstraction used by the
// ingestion pipeline.
//
// # Implementation Packages
//
//   - ai/openai: Production implementation using OpenAI-compatible APIs
//   - ai/mock: Test doubles for unit testing without external dependencies
//
// # Constructor Return Type Pattern
//
// Public constructors (openai.NewEmbedder) return INTERFACE types to enforce
// abstraction. Test utility constructors (mock.NewMockEmbedder) return
// CONCRETE types to enable test assertions and behavior injection.
//
// # Failure Classification
//
// Embedders report failures as *Error carrying a core.FailureKind. Callers
// match them with errors.Is against ErrRateLimited, ErrServiceUnavailable
// and ErrInvalidInput, or use IsRetryable.
//
// # Usage Example
//
//	embedder, err := openai.NewEmbedder(ai.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	vectors, err := embedder.EmbedTexts(ctx, []string{"first chunk", "second chunk"})
package ai
