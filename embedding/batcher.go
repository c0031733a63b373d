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

package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/poiesic/docingest/ai"
	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/retry"
)

const (
	DefaultMaxBatchItems  = 32
	DefaultMaxBatchTokens = 8192
	DefaultMaxAttempts    = 5
	DefaultBaseDelay      = 250 * time.Millisecond
	DefaultBackoffCap     = 30 * time.Second
	DefaultJitter         = 0.2
	DefaultConcurrency    = 2
)

// Batcher embeds chunk sequences in bounded batches.
type Batcher struct {
	embedder       ai.Embedder
	maxBatchItems  int
	maxBatchTokens int
	maxAttempts    int
	baseDelay      time.Duration
	backoffCap     time.Duration
	jitter         float64
	concurrency    int
	limiter        *rate.Limiter
	logger         *slog.Logger
}

// Option configures a Batcher.
type Option func(*Batcher) error

// WithMaxBatchItems bounds the number of chunks per call.
func WithMaxBatchItems(n int) Option {
	return func(b *Batcher) error {
		if n <= 0 {
			return fmt.Errorf("max batch items must be positive, got %d", n)
		}
		b.maxBatchItems = n
		return nil
	}
}

// WithMaxBatchTokens bounds the estimated tokens per call. A single chunk
// larger than the budget is sent on its own.
func WithMaxBatchTokens(n int) Option {
	return func(b *Batcher) error {
		if n <= 0 {
			return fmt.Errorf("max batch tokens must be positive, got %d", n)
		}
		b.maxBatchTokens = n
		return nil
	}
}

// WithMaxAttempts sets how many times one batch is tried.
func WithMaxAttempts(n int) Option {
	return func(b *Batcher) error {
		if n <= 0 {
			return retry.ErrInvalidMaxAttempts
		}
		b.maxAttempts = n
		return nil
	}
}

// WithBackoff sets the first retry delay and the cap on any single delay.
func WithBackoff(base, limit time.Duration) Option {
	return func(b *Batcher) error {
		if base < 0 || limit < 0 {
			return errors.New("backoff delays must not be negative")
		}
		b.baseDelay = base
		b.backoffCap = limit
		return nil
	}
}

// WithJitter sets the randomized fraction of each delay.
func WithJitter(fraction float64) Option {
	return func(b *Batcher) error {
		if fraction < 0 || fraction > 1 {
			return fmt.Errorf("jitter must be within [0, 1], got %v", fraction)
		}
		b.jitter = fraction
		return nil
	}
}

// WithConcurrency sets how many batches of one document are in flight.
func WithConcurrency(n int) Option {
	return func(b *Batcher) error {
		if n <= 0 {
			return fmt.Errorf("concurrency must be positive, got %d", n)
		}
		b.concurrency = n
		return nil
	}
}

// WithRateLimit caps outgoing calls per second across all documents.
// Zero disables client-side limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(b *Batcher) error {
		if perSecond < 0 {
			return fmt.Errorf("rate limit must not be negative, got %v", perSecond)
		}
		if perSecond == 0 {
			b.limiter = nil
			return nil
		}
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Batcher) error {
		b.logger = logger.With("component", "embedder")
		return nil
	}
}

// NewBatcher creates a Batcher over embedder.
func NewBatcher(embedder ai.Embedder, opts ...Option) (*Batcher, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	b := &Batcher{
		embedder:       embedder,
		maxBatchItems:  DefaultMaxBatchItems,
		maxBatchTokens: DefaultMaxBatchTokens,
		maxAttempts:    DefaultMaxAttempts,
		baseDelay:      DefaultBaseDelay,
		backoffCap:     DefaultBackoffCap,
		jitter:         DefaultJitter,
		concurrency:    DefaultConcurrency,
		logger:         slog.Default().With("component", "embedder"),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Model returns the embedding model identifier stamped on vectors.
func (b *Batcher) Model() string {
	return b.embedder.Model()
}

// Span is a half-open range of chunk indexes sent in one call.
type Span struct {
	Start, End int
}

// Plan splits chunks into consecutive batches honoring the item and
// token budgets. Every chunk lands in exactly one batch, in order.
func Plan(chunks []core.Chunk, maxItems, maxTokens int) []Span {
	var spans []Span
	start, tokens := 0, 0
	for i, c := range chunks {
		count := i - start
		if count > 0 && (count >= maxItems || tokens+c.TokenEstimate > maxTokens) {
			spans = append(spans, Span{Start: start, End: i})
			start, tokens = i, 0
		}
		tokens += c.TokenEstimate
	}
	if start < len(chunks) {
		spans = append(spans, Span{Start: start, End: len(chunks)})
	}
	return spans
}

// Embed returns one vector per chunk, in chunk order. Vector ids are
// derived from documentID and chunk position.
func (b *Batcher) Embed(ctx context.Context, documentID string, chunks []core.Chunk) ([]core.EmbeddingVector, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	spans := Plan(chunks, b.maxBatchItems, b.maxBatchTokens)
	values := make([][]float32, len(chunks))
	model := b.embedder.Model()

	b.logger.Debug("embedding document",
		"document_id", documentID, "chunks", len(chunks), "batches", len(spans))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, span := range spans {
		g.Go(func() error {
			texts := make([]string, 0, span.End-span.Start)
			for _, c := range chunks[span.Start:span.End] {
				texts = append(texts, c.Text)
			}
			vectors, err := b.embedBatch(gctx, texts)
			if err != nil {
				return fmt.Errorf("batch %d of %d: %w", i+1, len(spans), err)
			}
			copy(values[span.Start:span.End], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(values[0])
	out := make([]core.EmbeddingVector, len(chunks))
	for i, c := range chunks {
		if len(values[i]) == 0 || len(values[i]) != dim {
			return nil, ai.ServiceUnavailable(fmt.Errorf("%w: chunk %d has %d dimensions, expected %d",
				ai.ErrDimensionMismatch, c.Position, len(values[i]), dim))
		}
		out[i] = core.EmbeddingVector{
			ID:         core.VectorID(documentID, c.Position),
			DocumentID: documentID,
			Position:   c.Position,
			Model:      model,
			Values:     values[i],
		}
	}
	return out, nil
}

// embedBatch sends one batch, retrying the same texts while the service
// reports retryable failures.
func (b *Batcher) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	policy := retry.Policy{
		MaxAttempts: b.maxAttempts,
		BaseDelay:   b.baseDelay,
		MaxDelay:    b.backoffCap,
		Jitter:      b.jitter,
		Retryable:   retryable,
		Logger:      b.logger,
	}

	var vectors [][]float32
	attempt := 0
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		attempt++
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		result, err := b.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			if attempt < b.maxAttempts && retryable(err) {
				b.logger.Info("embedding batch failed, backing off",
					"attempt", attempt, "size", len(texts), "err", err)
			}
			return err
		}
		if len(result) != len(texts) {
			return ai.ServiceUnavailable(fmt.Errorf("%w: sent %d, received %d",
				ai.ErrDimensionMismatch, len(texts), len(result)))
		}
		vectors = result
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return vectors, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return ai.IsRetryable(err)
}

// classify makes sure the returned error carries an embedding failure kind.
func classify(err error) error {
	var classified core.Classified
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ai.ServiceUnavailable(err)
}
