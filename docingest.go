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

// Package docingest turns uploaded documents into chunk vectors and
// metadata rows through a durable, lease-based job queue.
//
// Open wires the stores, sources and pipeline stages described by a
// config.Config. Submit places documents on the queue; a Coordinator
// obtained from NewCoordinator drains it.
package docingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/poiesic/docingest/ai"
	"github.com/poiesic/docingest/ai/openai"
	"github.com/poiesic/docingest/blob"
	"github.com/poiesic/docingest/config"
	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/embedding"
	"github.com/poiesic/docingest/ingestion"
	"github.com/poiesic/docingest/parser"
	"github.com/poiesic/docingest/reembed"
	"github.com/poiesic/docingest/search"
	"github.com/poiesic/docingest/storage"
	"github.com/poiesic/docingest/storage/badger"
	"github.com/poiesic/docingest/storage/sqlite"
)

// BadgerDir is the subdirectory of the data directory holding the queue,
// vectors and dead letters.
const BadgerDir = "badger"

// System is an opened ingestion deployment.
type System struct {
	cfg         *config.Config
	backend     *badger.Backend
	queue       *badger.JobQueue
	vectors     *badger.VectorStore
	deadLetters *badger.DeadLetterStore
	metadata    *sqlite.Store
	router      *blob.Router
	gcs         *blob.GCSSource
	embedder    ai.Embedder
	batcher     *embedding.Batcher
	parser      *parser.Service
	writer      *ingestion.Writer
	submitter   *ingestion.Submitter
	searcher    *search.Searcher
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures Open.
type Option func(*options)

type options struct {
	embedder ai.Embedder
	now      func() time.Time
	logger   *slog.Logger
}

// WithEmbedder replaces the OpenAI-compatible client built from the
// [ai] config section.
func WithEmbedder(e ai.Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// WithClock sets the time source of the queue and coordinator.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Open validates cfg and opens every store under cfg.Storage.DataDir.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &System{cfg: cfg, now: o.now, logger: o.logger.With("component", "docingest")}
	if err := s.open(ctx, o); err != nil {
		s.Close()
		return nil, err
	}
	s.logger.Info("system opened", "data_dir", cfg.Storage.DataDir, "model", s.embedder.Model())
	return s, nil
}

func (s *System) open(ctx context.Context, o *options) error {
	var err error
	dataDir := s.cfg.Storage.DataDir

	if s.backend, err = badger.OpenBackend(filepath.Join(dataDir, BadgerDir), false); err != nil {
		return fmt.Errorf("opening queue store: %w", err)
	}
	if s.queue, err = badger.NewJobQueue(s.backend,
		badger.WithClock(o.now), badger.WithQueueLogger(o.logger)); err != nil {
		return err
	}
	s.vectors = badger.NewVectorStore(s.backend)
	s.deadLetters = badger.NewDeadLetterStore(s.backend)

	if s.metadata, err = sqlite.NewStore(dataDir); err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}

	if err := s.openSources(ctx, o.logger); err != nil {
		return err
	}

	s.embedder = o.embedder
	if s.embedder == nil {
		if s.embedder, err = openai.NewEmbedder(s.cfg.AI.Client()); err != nil {
			return fmt.Errorf("creating embedding client: %w", err)
		}
	}

	ec := s.cfg.Embedding
	batcherOpts := []embedding.Option{
		embedding.WithMaxBatchItems(ec.BatchMaxItems),
		embedding.WithMaxBatchTokens(ec.BatchMaxTokens),
		embedding.WithMaxAttempts(s.cfg.Worker.MaxAttempts),
		embedding.WithBackoff(ec.BaseDelay.Std(), ec.BackoffCap()),
		embedding.WithJitter(ec.Jitter),
		embedding.WithConcurrency(ec.Concurrency),
		embedding.WithLogger(o.logger),
	}
	if ec.RequestsPerSecond > 0 {
		batcherOpts = append(batcherOpts, embedding.WithRateLimit(ec.RequestsPerSecond, ec.Burst))
	}
	if s.batcher, err = embedding.NewBatcher(s.embedder, batcherOpts...); err != nil {
		return err
	}

	parserOpts := []parser.Option{parser.WithLogger(o.logger)}
	if s.cfg.Submit.MaxSizeBytes > 0 {
		parserOpts = append(parserOpts, parser.WithMaxBytes(s.cfg.Submit.MaxSizeBytes))
	}
	if s.parser, err = parser.NewService(s.router, parserOpts...); err != nil {
		return err
	}

	if s.writer, err = ingestion.NewWriter(s.vectors, s.metadata,
		ingestion.WithWriterClock(o.now), ingestion.WithWriterLogger(o.logger)); err != nil {
		return err
	}

	if s.submitter, err = ingestion.NewSubmitter(s.queue, s.router,
		ingestion.WithLimits(s.cfg.Submit),
		ingestion.WithThrottleThreshold(s.cfg.Queue.QueueDepthThrottleThreshold),
		ingestion.WithSubmitterLogger(o.logger)); err != nil {
		return err
	}

	if s.searcher, err = search.NewSearcher(s.vectors, s.metadata, s.embedder,
		search.WithLogger(o.logger)); err != nil {
		return err
	}
	return nil
}

func (s *System) openSources(ctx context.Context, logger *slog.Logger) error {
	src := s.cfg.Sources
	routerOpts := []blob.RouterOption{
		blob.WithLogger(logger),
		blob.WithSource(blob.SchemeFile, &blob.FileSource{Root: src.FileRoot}),
	}
	if src.GCS {
		gcs, err := blob.NewGCSSource(ctx)
		if err != nil {
			return fmt.Errorf("creating gcs source: %w", err)
		}
		s.gcs = gcs
		routerOpts = append(routerOpts, blob.WithSource(blob.SchemeGCS, gcs))
	}
	if src.S3 != nil {
		s3, err := blob.NewS3Source(*src.S3)
		if err != nil {
			return err
		}
		routerOpts = append(routerOpts, blob.WithSource(blob.SchemeS3, s3))
	}
	s.router = blob.NewRouter(routerOpts...)
	return nil
}

// Close closes every store. It is safe to call on a partially opened System.
func (s *System) Close() error {
	var errs []error
	if s.gcs != nil {
		errs = append(errs, s.gcs.Close())
	}
	if s.metadata != nil {
		if err := s.metadata.Close(); err != nil {
			s.logger.Error("error closing metadata store", "err", err)
			errs = append(errs, err)
		}
	}
	if s.queue != nil {
		errs = append(errs, s.queue.Close())
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			s.logger.Error("error closing backend storage", "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config returns the configuration the system was opened with.
func (s *System) Config() *config.Config {
	return s.cfg
}

// Embedder returns the embedding client.
func (s *System) Embedder() ai.Embedder {
	return s.embedder
}

// NewCoordinator builds a worker coordinator from the configuration.
// opts are applied after the configured settings. Call Release on the
// coordinator when done.
func (s *System) NewCoordinator(opts ...ingestion.Option) (*ingestion.Coordinator, error) {
	base := []ingestion.Option{
		ingestion.WithWorkers(s.cfg.Worker.Count),
		ingestion.WithMaxAttempts(s.cfg.Worker.MaxAttempts),
		ingestion.WithLeaseDuration(s.cfg.Queue.LeaseDuration.Std()),
		ingestion.WithPollInterval(s.cfg.Queue.PollInterval.Std()),
		ingestion.WithStageTimeouts(s.cfg.Worker.Timeouts),
		ingestion.WithChunking(s.cfg.Chunking),
		ingestion.WithAuditLog(s.metadata),
		ingestion.WithClock(s.now),
		ingestion.WithLogger(s.logger),
	}
	return ingestion.NewCoordinator(s.queue, s.deadLetters, s.parser, s.batcher, s.writer,
		append(base, opts...)...)
}

// Run processes jobs until ctx is done or the queue is lost.
func (s *System) Run(ctx context.Context, opts ...ingestion.Option) error {
	coord, err := s.NewCoordinator(opts...)
	if err != nil {
		return err
	}
	defer coord.Release()
	return coord.Run(ctx)
}

// Submit validates a document and places a job for it on the queue.
func (s *System) Submit(ctx context.Context, sourceRef string, format core.Format) (*ingestion.Receipt, error) {
	return s.submitter.Submit(ctx, ingestion.Submission{SourceRef: sourceRef, Format: format})
}

// JobStatus reports a job's status, attempt count, last error and
// completion time.
func (s *System) JobStatus(ctx context.Context, jobID string) (*core.StatusReport, error) {
	job, err := s.queue.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	report := job.Report()
	return &report, nil
}

// Cancel flags a job as cancelled. Queued jobs are cancelled at once;
// in-flight jobs stop at their next stage boundary. Cancelling a
// terminal job is a no-op.
func (s *System) Cancel(ctx context.Context, jobID string) (*core.StatusReport, error) {
	job, err := s.queue.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("job cancel requested", "job_id", jobID, "status", job.Status)
	report := job.Report()
	return &report, nil
}

// DeadLetters lists dead-lettered jobs, oldest first.
func (s *System) DeadLetters(ctx context.Context) ([]*core.DeadLetterRecord, error) {
	return s.deadLetters.List(ctx)
}

// DeadLetter returns the record of one dead-lettered job.
func (s *System) DeadLetter(ctx context.Context, jobID string) (*core.DeadLetterRecord, error) {
	return s.deadLetters.Get(ctx, jobID)
}

// Replay re-enqueues a dead-lettered job with its attempt count reset and
// removes the dead letter. Jobs whose failure cannot succeed on the same
// content are refused unless force is set.
func (s *System) Replay(ctx context.Context, jobID string, force bool) (*core.StatusReport, error) {
	rec, err := s.deadLetters.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !rec.CanReplay && !force {
		return nil, fmt.Errorf("%w: %s", ErrNotReplayable, jobID)
	}

	job, err := s.queue.Get(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		job = &rec.Job
	} else if err != nil {
		return nil, err
	}
	if job.Status != core.StatusDeadLettered {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotDeadLettered, jobID, job.Status)
	}

	job.ResetForReplay(s.now())
	if err := s.queue.Requeue(ctx, job); err != nil {
		return nil, fmt.Errorf("requeueing %s: %w", jobID, err)
	}
	if err := s.deadLetters.Delete(ctx, jobID); err != nil {
		return nil, fmt.Errorf("removing dead letter %s: %w", jobID, err)
	}

	s.logger.Info("dead letter replayed", "job_id", jobID, "forced", force && !rec.CanReplay)
	report := job.Report()
	return &report, nil
}

// Health pings the queue and metadata stores.
func (s *System) Health(ctx context.Context) []core.StoreHealth {
	check := func(name string, ping func(context.Context) error) core.StoreHealth {
		start := time.Now()
		err := ping(ctx)
		h := core.StoreHealth{Name: name, Healthy: err == nil, Latency: time.Since(start)}
		if err != nil {
			h.Error = err.Error()
		}
		return h
	}
	return []core.StoreHealth{
		check("queue", s.backend.Ping),
		check("metadata", s.metadata.Ping),
	}
}

// Healthy reports whether every store answered.
func Healthy(checks []core.StoreHealth) bool {
	for _, h := range checks {
		if !h.Healthy {
			return false
		}
	}
	return true
}

// Stats aggregates the ingestion audit log from since onwards.
func (s *System) Stats(ctx context.Context, since time.Time) (*core.IngestionStats, error) {
	return s.metadata.IngestionStats(ctx, since)
}

// QueueDepth returns the number of unacknowledged jobs.
func (s *System) QueueDepth(ctx context.Context) (int, error) {
	return s.queue.Depth(ctx)
}

// Search returns the stored chunks most similar to query.
func (s *System) Search(ctx context.Context, query string, maxHits int) ([]*core.SearchResult, error) {
	return s.searcher.FindSimilar(ctx, query, maxHits)
}

// Chunks returns the stored rows of a document in order.
func (s *System) Chunks(ctx context.Context, documentID string) ([]core.ChunkRecord, error) {
	return s.metadata.GetChunks(ctx, documentID)
}

// Reembed rewrites vectors produced by a model other than the current one.
// Workers should be stopped while it runs.
func (s *System) Reembed(ctx context.Context, rc *reembed.Config, progress io.Writer) (*reembed.Result, error) {
	return reembed.NewReembedder(s.vectors, s.metadata, s.embedder, rc, progress).Run(ctx)
}
