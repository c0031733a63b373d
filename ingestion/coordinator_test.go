package ingestion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/docingest/ai"
	"github.com/poiesic/docingest/ai/mock"
	"github.com/poiesic/docingest/chunker"
	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/parser"
	"github.com/poiesic/docingest/storage"
)

func TestNewCoordinator_RequiresDependencies(t *testing.T) {
	h := newHarness(t)
	writer, err := NewWriter(h.vectors, h.metadata)
	require.NoError(t, err)

	_, err = NewCoordinator(nil, h.deadLetters, h.parser, h.batcher, writer)
	assert.ErrorIs(t, err, ErrQueueRequired)
	_, err = NewCoordinator(h.queue, nil, h.parser, h.batcher, writer)
	assert.ErrorIs(t, err, ErrDeadLetterStoreRequired)
	_, err = NewCoordinator(h.queue, h.deadLetters, nil, h.batcher, writer)
	assert.ErrorIs(t, err, ErrParserRequired)
	_, err = NewCoordinator(h.queue, h.deadLetters, h.parser, nil, writer)
	assert.ErrorIs(t, err, ErrEmbedderRequired)
	_, err = NewCoordinator(h.queue, h.deadLetters, h.parser, h.batcher, nil)
	assert.ErrorIs(t, err, ErrWriterRequired)

	_, err = NewCoordinator(h.queue, h.deadLetters, h.parser, h.batcher, writer, WithMaxAttempts(0))
	assert.Error(t, err)
	_, err = NewCoordinator(h.queue, h.deadLetters, h.parser, h.batcher, writer,
		WithChunking(chunker.Config{MaxChunkSize: 10, Overlap: 10, Strategy: chunker.StrategyFixed}))
	assert.ErrorIs(t, err, chunker.ErrInvalidConfig)
}

func TestProcessNext_EmptyQueue(t *testing.T) {
	h := newHarness(t)
	ok, err := h.coord.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessNext_CompletesDocument(t *testing.T) {
	h := newHarness(t)
	text := longText(8)
	receipt := h.submit("guide.txt", []byte(text))

	h.process("w1")

	job := h.job(receipt.JobID)
	assert.Equal(t, core.StatusCompleted, job.Status)
	assert.Equal(t, 0, job.AttemptCount)
	assert.Nil(t, job.LastError)
	assert.False(t, job.CompletedAt.IsZero())
	assert.Empty(t, job.LeaseOwner)

	rows, vectors := h.stored(receipt.DocumentID)
	require.NotEmpty(t, rows)
	assert.Greater(t, len(rows), 1)
	h.assertNoOrphans(receipt.DocumentID)
	for _, v := range vectors {
		assert.Equal(t, "mock-embedder", v.Model)
		assert.Equal(t, core.VectorID(receipt.DocumentID, v.Position), v.ID)
	}

	// the stored rows give back the parsed text
	chunks := make([]core.Chunk, len(rows))
	for i, r := range rows {
		chunks[i] = core.Chunk{Position: r.Position, Text: r.Text, Start: r.Start, End: r.End, OverlapStart: r.OverlapStart}
	}
	assert.Equal(t, text, chunker.Reconstruct(chunks))

	report := job.Report()
	assert.Equal(t, core.StatusCompleted, report.Status)
	require.NotNil(t, report.CompletedAt)

	stats, err := h.metadata.IngestionStats(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, len(rows), stats.TotalChunks)
	assert.Equal(t, len(vectors), stats.TotalVectors)

	ok, err := h.coord.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	assert.False(t, ok, "completed job must not be claimed again")
}

func TestProcessNext_RerunIsDeterministic(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit("notes.txt", []byte(longText(6)))
	h.process("w1")
	firstRows, firstVectors := h.stored(receipt.DocumentID)

	// run the same job again from scratch
	job := h.job(receipt.JobID)
	job.ResetForReplay(h.clock.Now())
	require.NoError(t, h.queue.Requeue(context.Background(), job))
	h.process("w2")

	secondRows, secondVectors := h.stored(receipt.DocumentID)
	require.Equal(t, len(firstRows), len(secondRows))
	for i := range firstRows {
		assert.Equal(t, firstRows[i].Text, secondRows[i].Text)
		assert.Equal(t, firstRows[i].VectorID, secondRows[i].VectorID)
		assert.Equal(t, firstRows[i].Start, secondRows[i].Start)
		assert.Equal(t, firstRows[i].OverlapStart, secondRows[i].OverlapStart)
	}
	assert.Equal(t, firstVectors, secondVectors)
	h.assertNoOrphans(receipt.DocumentID)
}

func TestProcessNext_ShorterRevisionLeavesNoOrphans(t *testing.T) {
	h := newHarness(t)
	path := h.writeFile("doc.txt", []byte(longText(10)))
	first, err := h.submitter.Submit(context.Background(), Submission{SourceRef: path})
	require.NoError(t, err)
	h.process("w1")
	longRows, _ := h.stored(first.DocumentID)

	h.writeFile("doc.txt", []byte(longText(2)))
	second, err := h.submitter.Submit(context.Background(), Submission{SourceRef: path})
	require.NoError(t, err)
	require.False(t, second.Duplicate, "new content is a new job")
	require.Equal(t, first.DocumentID, second.DocumentID)
	h.process("w1")

	shortRows, _ := h.stored(second.DocumentID)
	assert.Less(t, len(shortRows), len(longRows))
	h.assertNoOrphans(second.DocumentID)
}

func TestProcessNext_RetryableFailuresReachDeadLetter(t *testing.T) {
	h := newHarness(t, func(hc *harnessConfig) { hc.maxAttempts = 3 })
	h.embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		return nil, ai.ServiceUnavailable(errors.New("503 from upstream"))
	}
	receipt := h.submit("doc.txt", []byte(longText(2)))

	h.process("w1")
	job := h.job(receipt.JobID)
	assert.Equal(t, core.StatusQueued, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	require.NotNil(t, job.LastError)
	assert.Equal(t, core.KindEmbedServiceUnavailable, job.LastError.Kind)
	assert.Equal(t, core.StageEmbed, job.LastError.Stage)

	h.process("w2")
	job = h.job(receipt.JobID)
	assert.Equal(t, core.StatusQueued, job.Status)
	assert.Equal(t, 2, job.AttemptCount)

	h.process("w3")
	job = h.job(receipt.JobID)
	assert.Equal(t, core.StatusDeadLettered, job.Status)
	assert.Equal(t, 3, job.AttemptCount)

	rec, err := h.deadLetters.Get(context.Background(), receipt.JobID)
	require.NoError(t, err)
	require.Len(t, rec.Failures, 3)
	for i, f := range rec.Failures {
		assert.Equal(t, i+1, f.Attempt)
		assert.Equal(t, core.StageEmbed, f.Stage)
		assert.Equal(t, core.KindEmbedServiceUnavailable, f.Kind)
	}
	assert.True(t, rec.CanReplay)

	rows, vectors := h.stored(receipt.DocumentID)
	assert.Empty(t, rows)
	assert.Empty(t, vectors)

	ok, err := h.coord.ProcessNext(context.Background(), "w4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessNext_RateLimitedBatchRecoversWithinJob(t *testing.T) {
	h := newHarness(t, func(hc *harnessConfig) {
		hc.chunking = chunker.Config{MaxChunkSize: 40, Overlap: 0, Strategy: chunker.StrategyRecursive}
		hc.batchItems = 2
	})
	text := "Alpha paragraph with some words\n\nBravo paragraph with some words\n\nGamma paragraph with some words"

	var mu sync.Mutex
	rateLimited := 0
	h.embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		if strings.HasPrefix(texts[0], "Gamma") {
			mu.Lock()
			defer mu.Unlock()
			if rateLimited < 2 {
				rateLimited++
				return nil, ai.RateLimited(errors.New("429 too many requests"))
			}
		}
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = mock.Vector(text)
		}
		return out, nil
	}

	receipt := h.submit("three.txt", []byte(text))
	h.process("w1")

	job := h.job(receipt.JobID)
	assert.Equal(t, core.StatusCompleted, job.Status)
	assert.Equal(t, 0, job.AttemptCount, "batch retries are not job attempts")
	assert.Empty(t, job.Failures)
	assert.Equal(t, 2, rateLimited)
	// batch one once, batch two three times; no re-parse
	assert.Equal(t, 4, h.embedder.CallCount())

	rows, vectors := h.stored(receipt.DocumentID)
	assert.Len(t, rows, 3)
	assert.Len(t, vectors, 3)
	h.assertNoOrphans(receipt.DocumentID)
}

func TestProcessNext_CorruptedPDFDeadLettersImmediately(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit("broken.pdf", []byte("%PDF-1.4\nthis is not really a pdf body\n%%EOF"))

	h.process("w1")

	job := h.job(receipt.JobID)
	assert.Equal(t, core.StatusDeadLettered, job.Status)
	assert.Equal(t, 0, job.AttemptCount)
	require.NotNil(t, job.LastError)
	assert.Equal(t, core.KindParseCorrupted, job.LastError.Kind)
	assert.Equal(t, core.StageParse, job.LastError.Stage)

	rec, err := h.deadLetters.Get(context.Background(), receipt.JobID)
	require.NoError(t, err)
	require.Len(t, rec.Failures, 1)
	assert.Equal(t, core.KindParseCorrupted, rec.Failures[0].Kind)
	assert.False(t, rec.CanReplay)
	assert.Equal(t, 0, h.embedder.CallCount())

	stats, err := h.metadata.IngestionStats(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLettered)
}

func TestProcessNext_ExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	reference := newHarness(t)
	h := newHarness(t)
	text := []byte(longText(5))

	// same path in both harnesses so document ids match
	h.dir = reference.dir
	refReceipt := reference.submit("shared.txt", text)
	reference.process("w1")
	refRows, refVectors := reference.stored(refReceipt.DocumentID)

	receipt, err := h.submitter.Submit(ctx, Submission{SourceRef: h.writeFile("shared.txt", text)})
	require.NoError(t, err)
	require.Equal(t, refReceipt.DocumentID, receipt.DocumentID)

	// a worker claims the job, gets into embedding, writes one vector and dies
	crashed, err := h.queue.Claim(ctx, "crashed", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, crashed)
	for _, status := range []core.JobStatus{core.StatusParsing, core.StatusChunking, core.StatusEmbedding} {
		require.NoError(t, crashed.Transition(status, h.clock.Now()))
	}
	require.NoError(t, h.queue.Update(ctx, crashed, "crashed"))
	require.NoError(t, h.vectors.PutVectors(ctx, refVectors[:1]))

	ok, err := h.coord.ProcessNext(ctx, "survivor")
	require.NoError(t, err)
	assert.False(t, ok, "leased job must not be claimable")

	h.clock.Advance(2 * time.Minute)
	h.process("survivor")

	job := h.job(receipt.JobID)
	assert.Equal(t, core.StatusCompleted, job.Status)

	rows, vectors := h.stored(receipt.DocumentID)
	require.Len(t, rows, len(refRows))
	for i := range rows {
		assert.Equal(t, refRows[i].Text, rows[i].Text)
		assert.Equal(t, refRows[i].VectorID, rows[i].VectorID)
	}
	assert.Equal(t, refVectors, vectors)
	h.assertNoOrphans(receipt.DocumentID)

	// the crashed worker can no longer write
	err = h.queue.Update(ctx, crashed, "crashed")
	assert.ErrorIs(t, err, storage.ErrLeaseLost)
}

func TestProcessNext_LostLeaseRecordsNoOutcome(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit("doc.txt", []byte(longText(3)))

	// while w1 embeds, its lease runs out and w2 takes the job over
	var once sync.Once
	h.embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		once.Do(func() {
			h.clock.Advance(2 * time.Minute)
			taken, err := h.queue.Claim(context.Background(), "w2", time.Minute)
			assert.NoError(t, err)
			assert.NotNil(t, taken)
		})
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = mock.Vector(text)
		}
		return out, nil
	}

	h.process("w1")

	job := h.job(receipt.JobID)
	assert.Equal(t, core.StatusClaimed, job.Status)
	assert.Equal(t, "w2", job.LeaseOwner)
	assert.Nil(t, job.LastError)
	assert.Empty(t, job.Failures)

	rows, vectors := h.stored(receipt.DocumentID)
	assert.Empty(t, rows)
	assert.Empty(t, vectors)

	_, err := h.deadLetters.Get(context.Background(), receipt.JobID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProcessNext_ShutdownReleasesJob(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit("doc.txt", []byte(longText(3)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.embedder.EmbedTextsFunc = func(embedCtx context.Context, texts []string) ([][]float32, error) {
		cancel()
		<-embedCtx.Done()
		return nil, embedCtx.Err()
	}

	ok, err := h.coord.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	job := h.job(receipt.JobID)
	assert.Equal(t, core.StatusQueued, job.Status)
	assert.Equal(t, 0, job.AttemptCount)
	assert.Empty(t, job.LeaseOwner)
	assert.Nil(t, job.LastError)

	rows, vectors := h.stored(receipt.DocumentID)
	assert.Empty(t, rows)
	assert.Empty(t, vectors)

	// the released job is claimable again and finishes normally
	h.embedder.EmbedTextsFunc = nil
	h.process("w2")
	assert.Equal(t, core.StatusCompleted, h.job(receipt.JobID).Status)
	h.assertNoOrphans(receipt.DocumentID)
}

func TestProcessNext_ContentChangedAfterSubmit(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit("doc.txt", []byte("version one of the document"))
	h.writeFile("doc.txt", []byte("version two replaced it before processing"))

	h.process("w1")

	job := h.job(receipt.JobID)
	assert.NotEqual(t, core.StatusCompleted, job.Status)
	assert.Equal(t, core.StatusDeadLettered, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, core.KindParseUnreadable, job.LastError.Kind)
	assert.Equal(t, core.StageParse, job.LastError.Stage)
	assert.Contains(t, job.LastError.Message, parser.ErrContentChanged.Error())

	rows, vectors := h.stored(receipt.DocumentID)
	assert.Empty(t, rows)
	assert.Empty(t, vectors)
	assert.Equal(t, 0, h.embedder.CallCount())
}

func TestProcessNext_TinyLeaseDoesNotPanic(t *testing.T) {
	h := newHarness(t, func(hc *harnessConfig) {
		hc.extra = []Option{WithLeaseDuration(time.Nanosecond)}
	})
	receipt := h.submit("doc.txt", []byte(longText(2)))

	h.process("w1")

	assert.Equal(t, core.StatusCompleted, h.job(receipt.JobID).Status)
}

func TestProcessNext_CancelledWhileQueued(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit("doc.txt", []byte(longText(2)))

	job, err := h.queue.Cancel(context.Background(), receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, job.Status)

	ok, err := h.coord.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessNext_CancelledInFlightStopsBeforeStore(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit("doc.txt", []byte(longText(3)))

	var once sync.Once
	h.embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		once.Do(func() {
			_, err := h.queue.Cancel(context.Background(), receipt.JobID)
			assert.NoError(t, err)
		})
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = mock.Vector(text)
		}
		return out, nil
	}

	h.process("w1")

	job := h.job(receipt.JobID)
	assert.Equal(t, core.StatusCancelled, job.Status)
	assert.True(t, job.Cancelled)
	assert.Equal(t, 0, job.AttemptCount)
	assert.Empty(t, job.LeaseOwner)

	rows, vectors := h.stored(receipt.DocumentID)
	assert.Empty(t, rows)
	assert.Empty(t, vectors)

	stats, err := h.metadata.IngestionStats(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Cancelled)

	// cancellation frees the content for a fresh submission
	again, err := h.submitter.Submit(context.Background(), Submission{SourceRef: job.SourceRef})
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
}

func TestProcessNext_StageTimeoutIsRetryable(t *testing.T) {
	h := newHarness(t, func(hc *harnessConfig) {
		hc.extra = []Option{WithStageTimeout(core.StageEmbed, 20*time.Millisecond)}
	})
	h.embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	receipt := h.submit("slow.txt", []byte(longText(2)))

	h.process("w1")

	job := h.job(receipt.JobID)
	assert.Equal(t, core.StatusQueued, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	require.NotNil(t, job.LastError)
	assert.Equal(t, core.KindStageTimeout, job.LastError.Kind)
	assert.Equal(t, core.StageEmbed, job.LastError.Stage)
}

func TestProcessNext_VectorStoreFailureCommitsNoMetadata(t *testing.T) {
	h := newHarness(t, func(hc *harnessConfig) {
		hc.wrapVectors = func(vs storage.VectorStore) storage.VectorStore {
			return &failingVectors{VectorStore: vs, err: errors.New("vector store unreachable")}
		}
	})
	receipt := h.submit("doc.txt", []byte(longText(3)))

	h.process("w1")

	job := h.job(receipt.JobID)
	assert.Equal(t, core.StatusDeadLettered, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, core.KindStoreUnavailable, job.LastError.Kind)
	assert.Equal(t, core.StageStore, job.LastError.Stage)

	rows, vectors := h.stored(receipt.DocumentID)
	assert.Empty(t, rows)
	assert.Empty(t, vectors)
}

func TestProcessNext_MetadataFailureIsRetried(t *testing.T) {
	flaky := &flakyMetadata{failures: 2}
	h := newHarness(t, func(hc *harnessConfig) {
		hc.wrapMetadata = func(ms storage.MetadataStore) storage.MetadataStore {
			flaky.MetadataStore = ms
			return flaky
		}
	})
	receipt := h.submit("doc.txt", []byte(longText(3)))

	// the writer's own retries run out on the first claim
	h.process("w1")
	job := h.job(receipt.JobID)
	assert.Equal(t, core.StatusQueued, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Equal(t, core.KindStoreFailure, job.LastError.Kind)

	// vectors are already in place; no rows reference them yet
	rows, vectors := h.stored(receipt.DocumentID)
	assert.Empty(t, rows)
	assert.NotEmpty(t, vectors)

	h.process("w1")
	job = h.job(receipt.JobID)
	assert.Equal(t, core.StatusCompleted, job.Status)
	h.assertNoOrphans(receipt.DocumentID)
}

func TestRun_ProcessesQueueUntilCancelled(t *testing.T) {
	h := newHarness(t, func(hc *harnessConfig) {
		hc.extra = []Option{WithWorkers(3)}
	})
	var receipts []*Receipt
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		receipts = append(receipts, h.submit(name, []byte(name+"\n\n"+longText(2))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, r := range receipts {
			job, err := h.queue.Get(context.Background(), r.JobID)
			if err != nil || job.Status != core.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}

	depth, err := h.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestRun_StopsWhenQueueIsLost(t *testing.T) {
	h := newHarness(t)
	writer, err := NewWriter(h.vectors, h.metadata)
	require.NoError(t, err)

	coord, err := NewCoordinator(unavailableQueue{h.queue}, h.deadLetters, h.parser, h.batcher, writer,
		WithWorkers(2), WithMaxAttempts(3), WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	defer coord.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = coord.Run(ctx)
	assert.ErrorIs(t, err, ErrInfrastructureLost)
	assert.ErrorIs(t, err, storage.ErrQueueUnavailable)
}
