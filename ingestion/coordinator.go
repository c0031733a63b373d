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

package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/poiesic/docingest/chunker"
	"github.com/poiesic/docingest/config"
	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/parser"
	"github.com/poiesic/docingest/retry"
	"github.com/poiesic/docingest/storage"
)

// DocumentParser extracts the text of a document.
type DocumentParser interface {
	Parse(ctx context.Context, doc *core.Document) (*parser.Extracted, error)
}

// ChunkEmbedder embeds a document's chunks, preserving their order.
type ChunkEmbedder interface {
	Embed(ctx context.Context, documentID string, chunks []core.Chunk) ([]core.EmbeddingVector, error)
}

// AuditLog records the terminal outcome of every job.
type AuditLog interface {
	RecordIngestion(ctx context.Context, rec *core.AuditRecord) error
}

var errCancelRequested = errors.New("job cancelled")

// Coordinator drives claimed jobs through parse, chunk, embed and store.
//
// A fixed pool of workers each claims one job at a time from the queue
// and holds its lease until the job completes, fails or is cancelled.
// All per-job state lives in the run; workers share nothing but the
// queue and the stores.
type Coordinator struct {
	queue       storage.JobQueue
	deadLetters storage.DeadLetterStore
	parser      DocumentParser
	embedder    ChunkEmbedder
	writer      ChunkWriter
	audit       AuditLog
	chunking    chunker.Config
	pool        *ants.Pool
	workers     int
	maxAttempts int
	lease       time.Duration
	poll        time.Duration
	timeouts    map[core.Stage]time.Duration
	id          string
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator) error

// WithWorkers sets the number of concurrent workers.
// Default is 4.
func WithWorkers(n int) Option {
	return func(c *Coordinator) error {
		if n < 1 {
			return fmt.Errorf("worker count must be positive, got %d", n)
		}
		c.workers = n
		return nil
	}
}

// WithMaxAttempts bounds how often a retryable failure is requeued, and
// how many consecutive failed claims stop a worker.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) error {
		if n < 1 {
			return retry.ErrInvalidMaxAttempts
		}
		c.maxAttempts = n
		return nil
	}
}

// WithLeaseDuration sets the lease taken on claim and on every renewal.
func WithLeaseDuration(d time.Duration) Option {
	return func(c *Coordinator) error {
		if d <= 0 {
			return fmt.Errorf("lease duration must be positive, got %s", d)
		}
		c.lease = d
		return nil
	}
}

// WithPollInterval sets how long an idle worker waits before claiming again.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive, got %s", d)
		}
		c.poll = d
		return nil
	}
}

// WithStageTimeout bounds one stage. Zero removes the bound.
func WithStageTimeout(stage core.Stage, d time.Duration) Option {
	return func(c *Coordinator) error {
		c.timeouts[stage] = d
		return nil
	}
}

// WithStageTimeouts applies the configured timeouts of every stage.
func WithStageTimeouts(t config.StageTimeouts) Option {
	return func(c *Coordinator) error {
		for _, stage := range []core.Stage{core.StageParse, core.StageChunk, core.StageEmbed, core.StageStore} {
			c.timeouts[stage] = t.For(stage)
		}
		return nil
	}
}

// WithChunking sets the chunker configuration.
func WithChunking(cfg chunker.Config) Option {
	return func(c *Coordinator) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		c.chunking = cfg
		return nil
	}
}

// WithAuditLog records terminal outcomes to a.
func WithAuditLog(a AuditLog) Option {
	return func(c *Coordinator) error {
		c.audit = a
		return nil
	}
}

// WithCoordinatorID sets the prefix of worker ids used as lease owners.
func WithCoordinatorID(id string) Option {
	return func(c *Coordinator) error {
		if id == "" {
			return core.ErrEmptyID
		}
		c.id = id
		return nil
	}
}

// WithClock overrides the time source used for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) error {
		c.now = now
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) error {
		if logger == nil {
			logger = slog.Default()
		}
		c.logger = logger
		return nil
	}
}

// NewCoordinator creates a coordinator. Release must be called when done.
func NewCoordinator(
	queue storage.JobQueue,
	deadLetters storage.DeadLetterStore,
	docParser DocumentParser,
	embedder ChunkEmbedder,
	writer ChunkWriter,
	opts ...Option,
) (*Coordinator, error) {
	switch {
	case queue == nil:
		return nil, ErrQueueRequired
	case deadLetters == nil:
		return nil, ErrDeadLetterStoreRequired
	case docParser == nil:
		return nil, ErrParserRequired
	case embedder == nil:
		return nil, ErrEmbedderRequired
	case writer == nil:
		return nil, ErrWriterRequired
	}

	defaults := config.Default()
	c := &Coordinator{
		queue:       queue,
		deadLetters: deadLetters,
		parser:      docParser,
		embedder:    embedder,
		writer:      writer,
		chunking:    defaults.Chunking,
		workers:     defaults.Worker.Count,
		maxAttempts: defaults.Worker.MaxAttempts,
		lease:       defaults.Queue.LeaseDuration.Std(),
		poll:        defaults.Queue.PollInterval.Std(),
		timeouts:    make(map[core.Stage]time.Duration),
		id:          defaultCoordinatorID(),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
	if err := WithStageTimeouts(defaults.Worker.Timeouts)(c); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.logger = c.logger.With("component", "coordinator")

	pool, err := ants.NewPool(c.workers, ants.WithPanicHandler(func(p any) {
		c.logger.Error("worker panicked", "panic", p)
	}))
	if err != nil {
		return nil, err
	}
	c.pool = pool
	return c, nil
}

func defaultCoordinatorID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Release releases the worker pool.
// The coordinator should not be used after calling Release.
func (c *Coordinator) Release() {
	if c.pool != nil {
		c.pool.Release()
	}
}

// Run starts the workers and blocks until ctx is done or a worker gives
// up on an unreachable queue, in which case ErrInfrastructureLost is
// returned and the remaining workers are stopped.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.logger.Info("coordinator started",
		"id", c.id, "workers", c.workers, "lease", c.lease, "max_attempts", c.maxAttempts)

	var wg sync.WaitGroup
	for i := range c.workers {
		workerID := fmt.Sprintf("%s/%d", c.id, i)
		wg.Add(1)
		err := c.pool.Submit(func() {
			defer wg.Done()
			if err := c.work(ctx, workerID); err != nil {
				cancel(err)
			}
		})
		if err != nil {
			wg.Done()
			cancel(fmt.Errorf("starting worker %s: %w", workerID, err))
			break
		}
	}
	wg.Wait()

	cause := context.Cause(ctx)
	if cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		c.logger.Error("coordinator stopped", "error", cause)
		return cause
	}
	c.logger.Info("coordinator stopped")
	return nil
}

func (c *Coordinator) work(ctx context.Context, workerID string) error {
	logger := c.logger.With("worker_id", workerID)
	backoff := retry.Policy{BaseDelay: c.poll, MaxDelay: c.lease}
	failures := 0

	for ctx.Err() == nil {
		processed, err := c.ProcessNext(ctx, workerID)
		wait := c.poll
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, storage.ErrQueueUnavailable):
			failures++
			if failures >= c.maxAttempts {
				logger.Error("queue unreachable, stopping worker", "attempts", failures, "error", err)
				return fmt.Errorf("%w: %d consecutive queue failures: %w", ErrInfrastructureLost, failures, err)
			}
			wait = backoff.Delay(failures)
			logger.Warn("queue unavailable", "attempt", failures, "retry_in", wait, "error", err)
		case err != nil:
			failures = 0
			logger.Error("job processing error", "error", err)
		case processed:
			failures = 0
			continue
		default:
			failures = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
	return nil
}

// ProcessNext claims one job for workerID and processes it to an outcome.
// It reports false when the queue had nothing to claim. Stage failures
// are recorded on the job and are not returned; errors mean the queue
// could not be reached.
func (c *Coordinator) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	job, err := c.queue.Claim(ctx, workerID, c.lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, c.process(ctx, job, workerID)
}

// run is the state of one job on one worker.
type run struct {
	job      *core.IngestionJob
	workerID string
	started  time.Time
	logger   *slog.Logger
	chunks   int
	vectors  int

	// mu serializes queue writes with the heartbeat
	mu sync.Mutex
}

type stageFailure struct {
	stage core.Stage
	err   error
}

func (f *stageFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.stage, f.err)
}

func (f *stageFailure) Unwrap() error {
	return f.err
}

func (c *Coordinator) process(ctx context.Context, job *core.IngestionJob, workerID string) error {
	r := &run{
		job:      job,
		workerID: workerID,
		started:  c.now(),
		logger: c.logger.With(
			"job_id", job.ID, "document_id", job.DocumentID, "worker_id", workerID, "attempt", job.AttemptCount),
	}
	r.logger.Info("claimed job", "source", job.SourceRef)

	jobCtx, stop := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeat(jobCtx, stop, r)
	}()

	err := c.runPipeline(jobCtx, r)
	cause := context.Cause(jobCtx)
	stop(nil)
	wg.Wait()

	// outcome writes must land even while shutting down
	persistCtx := context.WithoutCancel(ctx)

	var failure *stageFailure
	switch {
	case err == nil:
		err = c.complete(persistCtx, r)
	case errors.Is(err, errCancelRequested):
		err = c.cancel(persistCtx, r)
	case errors.Is(err, storage.ErrLeaseLost) || errors.Is(cause, storage.ErrLeaseLost):
		r.logger.Warn("lease lost, abandoning job", "status", r.job.Status)
		return nil
	case ctx.Err() != nil:
		err = c.release(persistCtx, r)
	case errors.As(err, &failure):
		err = c.fail(persistCtx, r, failure.stage, failure.err)
	}

	if errors.Is(err, storage.ErrLeaseLost) {
		r.logger.Warn("lease lost before outcome was recorded", "status", r.job.Status, "error", err)
		return nil
	}
	if err != nil {
		r.logger.Error("could not record job outcome", "status", r.job.Status, "error", err)
	}
	return err
}

func (c *Coordinator) runPipeline(ctx context.Context, r *run) error {
	doc := r.job.Document()
	var (
		text    string
		chunks  []core.Chunk
		vectors []core.EmbeddingVector
	)

	stages := []struct {
		stage core.Stage
		run   func(ctx context.Context) error
	}{
		{core.StageParse, func(ctx context.Context) error {
			extracted, err := c.parser.Parse(ctx, doc)
			if err != nil {
				return err
			}
			text = extracted.Text
			return nil
		}},
		{core.StageChunk, func(ctx context.Context) error {
			var err error
			chunks, err = chunker.Chunk(text, c.chunking)
			return err
		}},
		{core.StageEmbed, func(ctx context.Context) error {
			var err error
			vectors, err = c.embedder.Embed(ctx, doc.ID, chunks)
			return err
		}},
		{core.StageStore, func(ctx context.Context) error {
			return c.writer.Store(ctx, doc.ID, chunks, vectors)
		}},
	}

	for _, s := range stages {
		if err := c.checkCancelled(ctx, r); err != nil {
			return err
		}
		if err := c.enter(ctx, r, s.stage); err != nil {
			return err
		}

		stageCtx := ctx
		if s.stage == core.StageStore {
			// a started store runs to completion or to its own timeout
			stageCtx = context.WithoutCancel(ctx)
		}
		if err := c.runStage(stageCtx, s.stage, s.run); err != nil {
			if cause := context.Cause(ctx); cause != nil && s.stage != core.StageStore {
				return cause
			}
			return &stageFailure{stage: s.stage, err: err}
		}
	}

	r.chunks, r.vectors = len(chunks), len(vectors)
	return nil
}

func (c *Coordinator) checkCancelled(ctx context.Context, r *run) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	current, err := c.queue.Get(ctx, r.job.ID)
	if err != nil {
		return err
	}
	if current.Cancelled {
		return errCancelRequested
	}
	return nil
}

// enter moves the job into the stage and persists it. The write also
// confirms the lease is still held.
func (c *Coordinator) enter(ctx context.Context, r *run, stage core.Stage) error {
	if err := r.job.Transition(stage.Status(), c.now()); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := c.queue.Update(ctx, r.job, r.workerID); err != nil {
		return err
	}
	r.logger.Debug("entered stage", "stage", stage)
	return nil
}

func (c *Coordinator) runStage(ctx context.Context, stage core.Stage, fn func(context.Context) error) (err error) {
	timeout := c.timeouts[stage]
	stageCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s stage: %v", stage, p)
		}
	}()

	err = fn(stageCtx)
	if err != nil && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		err = &StageTimeout{Stage: stage, Timeout: timeout, Err: err}
	}
	return err
}

// heartbeat renews the lease until ctx ends. Losing the lease stops the run.
func (c *Coordinator) heartbeat(ctx context.Context, stop context.CancelCauseFunc, r *run) {
	ticker := time.NewTicker(max(c.lease/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		err := c.queue.RenewLease(ctx, r.job.ID, r.workerID, c.lease)
		r.mu.Unlock()
		if errors.Is(err, storage.ErrLeaseLost) {
			stop(err)
			return
		}
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("lease renewal failed", "error", err)
		}
	}
}

func (c *Coordinator) complete(ctx context.Context, r *run) error {
	if err := r.job.Transition(core.StatusCompleted, c.now()); err != nil {
		return err
	}
	if err := c.queue.Update(ctx, r.job, r.workerID); err != nil {
		return err
	}
	if err := c.queue.Ack(ctx, r.job.ID, r.workerID); err != nil {
		return err
	}
	c.record(ctx, r, "")
	r.logger.Info("job completed",
		"chunks", r.chunks, "vectors", r.vectors, "duration", c.now().Sub(r.started))
	return nil
}

// cancel finishes a job whose cancellation flag was seen between stages.
// Nothing of the current run has been stored.
func (c *Coordinator) cancel(ctx context.Context, r *run) error {
	stage := r.job.Status
	if err := r.job.Transition(core.StatusCancelled, c.now()); err != nil {
		return err
	}
	r.job.Cancelled = true
	if err := c.queue.Update(ctx, r.job, r.workerID); err != nil {
		return err
	}
	if err := c.queue.Ack(ctx, r.job.ID, r.workerID); err != nil {
		return err
	}
	c.record(ctx, r, "cancelled during "+stage.String())
	r.logger.Info("job cancelled", "stage", stage)
	return nil
}

// release hands an interrupted job back to the queue without counting
// an attempt.
func (c *Coordinator) release(ctx context.Context, r *run) error {
	if err := c.queue.Release(ctx, r.job.ID, r.workerID); err != nil {
		return err
	}
	r.logger.Info("job released on shutdown", "status", r.job.Status)
	return nil
}

// fail classifies a stage error and requeues or dead-letters the job.
func (c *Coordinator) fail(ctx context.Context, r *run, stage core.Stage, cause error) error {
	now := c.now()
	job := r.job
	kind := core.KindOf(cause)
	message := cause.Error()

	if err := job.Transition(core.StatusFailed, now); err != nil {
		return err
	}
	job.LastError = &core.ErrorInfo{Kind: kind, Stage: stage, Message: message}
	job.Failures = append(job.Failures, core.FailureRecord{
		Attempt:   job.AttemptCount + 1,
		Stage:     stage,
		Kind:      kind,
		Message:   message,
		Timestamp: now,
	})

	if kind.Retryable() {
		job.AttemptCount++
		if job.AttemptCount < c.maxAttempts {
			if err := job.Transition(core.StatusQueued, now); err != nil {
				return err
			}
			if err := c.queue.Update(ctx, job, r.workerID); err != nil {
				return err
			}
			if err := c.queue.Release(ctx, job.ID, r.workerID); err != nil {
				return err
			}
			r.logger.Warn("job failed, requeued",
				"stage", stage, "kind", kind, "attempts", job.AttemptCount, "max_attempts", c.maxAttempts, "error", cause)
			return nil
		}
	}

	if err := job.Transition(core.StatusDeadLettered, now); err != nil {
		return err
	}
	rec := &core.DeadLetterRecord{
		Job:            *job,
		Failures:       job.Failures,
		CanReplay:      replayable(kind),
		DeadLetteredAt: now,
	}
	if err := c.deadLetters.Put(ctx, rec); err != nil {
		return fmt.Errorf("dead-lettering job %s: %w", job.ID, err)
	}
	if err := c.queue.Update(ctx, job, r.workerID); err != nil {
		return err
	}
	if err := c.queue.Ack(ctx, job.ID, r.workerID); err != nil {
		return err
	}
	c.record(ctx, r, job.LastError.String())
	r.logger.Error("job dead-lettered",
		"stage", stage, "kind", kind, "attempts", job.AttemptCount, "retryable", kind.Retryable(), "error", cause)
	return nil
}

// replayable reports whether replaying the same content could succeed.
func replayable(kind core.FailureKind) bool {
	switch kind {
	case core.KindParseCorrupted, core.KindParseUnsupportedFormat, core.KindParseEmpty:
		return false
	}
	return true
}

func (c *Coordinator) record(ctx context.Context, r *run, details string) {
	if c.audit == nil {
		return
	}
	now := c.now()
	rec := &core.AuditRecord{
		JobID:          r.job.ID,
		DocumentID:     r.job.DocumentID,
		SourceRef:      r.job.SourceRef,
		SizeBytes:      r.job.SizeBytes,
		Chunks:         r.chunks,
		Vectors:        r.vectors,
		Attempts:       r.job.AttemptCount,
		ProcessingTime: now.Sub(r.started),
		Status:         r.job.Status,
		ErrorDetails:   details,
		CreatedAt:      now,
	}
	if err := c.audit.RecordIngestion(ctx, rec); err != nil {
		r.logger.Warn("could not record ingestion", "error", err)
	}
}
