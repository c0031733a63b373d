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

package reembed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/poiesic/docingest/ai"
	"github.com/poiesic/docingest/storage"
)

// Config holds configuration for the reembedding operation.
type Config struct {
	// BatchSize is the number of vectors sent to the embedder per request
	BatchSize int

	// ReportInterval is how often to report progress (number of vectors)
	ReportInterval int

	// MaxRetries is the maximum number of attempts per batch
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff
	RetryDelay time.Duration

	// Force re-embeds vectors that already carry the embedder's model
	Force bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      64,
		ReportInterval: 100,
		MaxRetries:     3,
		RetryDelay:     1 * time.Second,
	}
}

// Result summarizes a reembedding run.
type Result struct {
	Stale      int
	Reembedded int
	Orphaned   int
	Elapsed    time.Duration
}

// Reembedder rewrites stored vectors with the current embedding model.
// Vector ids are derived from document id and position, so rewritten
// vectors replace the old ones in place.
//
// Run it while no workers are processing: chunk rows are rewritten per
// document.
type Reembedder struct {
	embedder  ai.Embedder
	config    *Config
	progress  io.Writer
	processor *BatchProcessor
	iterator  *StaleIterator
	logger    *slog.Logger
}

// NewReembedder creates a new reembedder.
// progress: where to write progress output (typically os.Stderr)
func NewReembedder(vectors storage.VectorStore, metadata storage.MetadataStore, embedder ai.Embedder, config *Config, progress io.Writer) *Reembedder {
	if config == nil {
		config = DefaultConfig()
	}

	return &Reembedder{
		embedder:  embedder,
		config:    config,
		progress:  progress,
		processor: NewBatchProcessor(vectors, metadata, embedder, config.MaxRetries, config.RetryDelay),
		iterator:  NewStaleIterator(vectors, embedder.Model(), config.BatchSize, config.Force),
		logger:    slog.Default().With("component", "reembedder"),
	}
}

// Run re-embeds every stale vector and reports progress to the
// configured writer.
func (r *Reembedder) Run(ctx context.Context) (*Result, error) {
	total, err := r.iterator.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan vectors: %w", err)
	}

	result := &Result{Stale: total}
	if total == 0 {
		fmt.Fprintf(r.progress, "All vectors already use model %s\n", r.embedder.Model())
		return result, nil
	}

	fmt.Fprintf(r.progress, "Re-embedding %d vectors with %s (batch size: %d)\n",
		total, r.embedder.Model(), r.config.BatchSize)

	tracker := NewProgressTracker(r.progress, total, r.config.ReportInterval)
	tracker.Start()

	err = r.iterator.ForEach(ctx, func(batch []Target) error {
		done, err := r.processor.Process(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to process batch: %w", err)
		}
		result.Reembedded += done.Reembedded
		result.Orphaned += done.Orphaned
		tracker.Increment(len(batch))
		return nil
	})
	if err != nil {
		r.logger.Error("reembedding stopped", "reembedded", result.Reembedded, "err", err)
		return result, err
	}

	tracker.Finish()
	result.Elapsed = tracker.Elapsed()

	fmt.Fprintf(r.progress, "Re-embedding complete. %d vectors rewritten, %d orphaned, in %v\n",
		result.Reembedded, result.Orphaned, result.Elapsed.Round(time.Millisecond))
	if result.Orphaned > 0 {
		r.logger.Warn("vectors without chunk rows were skipped", "count", result.Orphaned)
	}

	return result, nil
}
