package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/docingest/ai/mock"
	"github.com/poiesic/docingest/blob"
	"github.com/poiesic/docingest/chunker"
	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/embedding"
	"github.com/poiesic/docingest/parser"
	"github.com/poiesic/docingest/storage"
	"github.com/poiesic/docingest/storage/badger"
	"github.com/poiesic/docingest/storage/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harnessConfig struct {
	chunking     chunker.Config
	maxAttempts  int
	batchItems   int
	wrapVectors  func(storage.VectorStore) storage.VectorStore
	wrapMetadata func(storage.MetadataStore) storage.MetadataStore
	extra        []Option
}

// harness wires a coordinator to in-memory badger stores, a sqlite
// metadata store and a mock embedder.
type harness struct {
	t           *testing.T
	dir         string
	clock       *fakeClock
	queue       *badger.JobQueue
	vectors     *badger.VectorStore
	deadLetters *badger.DeadLetterStore
	metadata    *sqlite.Store
	embedder    *mock.MockEmbedder
	batcher     *embedding.Batcher
	parser      *parser.Service
	submitter   *Submitter
	coord       *Coordinator
	chunking    chunker.Config
}

func newHarness(t *testing.T, configure ...func(*harnessConfig)) *harness {
	t.Helper()
	hc := &harnessConfig{
		chunking:    chunker.Config{MaxChunkSize: 200, Overlap: 40, Strategy: chunker.StrategyRecursive},
		maxAttempts: 3,
		batchItems:  2,
	}
	for _, f := range configure {
		f(hc)
	}

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	queue, vectors, deadLetters, backend, err := badger.NewMemoryStores(badger.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() {
		queue.Close()
		backend.Close()
	})

	metadata, err := sqlite.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { metadata.Close() })

	var vs storage.VectorStore = vectors
	if hc.wrapVectors != nil {
		vs = hc.wrapVectors(vs)
	}
	var ms storage.MetadataStore = metadata
	if hc.wrapMetadata != nil {
		ms = hc.wrapMetadata(ms)
	}

	embedder := mock.NewMockEmbedder()
	batcher, err := embedding.NewBatcher(embedder,
		embedding.WithMaxBatchItems(hc.batchItems),
		embedding.WithMaxAttempts(5),
		embedding.WithBackoff(time.Millisecond, 5*time.Millisecond),
		embedding.WithJitter(0),
	)
	require.NoError(t, err)

	router := blob.NewRouter()
	parsers, err := parser.NewService(router, parser.WithTempDir(t.TempDir()))
	require.NoError(t, err)

	writer, err := NewWriter(vs, ms, WithWriteRetry(2, time.Millisecond, time.Millisecond))
	require.NoError(t, err)

	opts := append([]Option{
		WithChunking(hc.chunking),
		WithMaxAttempts(hc.maxAttempts),
		WithLeaseDuration(time.Minute),
		WithPollInterval(5 * time.Millisecond),
		WithAuditLog(metadata),
		WithCoordinatorID("test"),
	}, hc.extra...)
	coord, err := NewCoordinator(queue, deadLetters, parsers, batcher, writer, opts...)
	require.NoError(t, err)
	t.Cleanup(coord.Release)

	submitter, err := NewSubmitter(queue, router)
	require.NoError(t, err)

	return &harness{
		t:           t,
		dir:         t.TempDir(),
		clock:       clock,
		queue:       queue,
		vectors:     vectors,
		deadLetters: deadLetters,
		metadata:    metadata,
		embedder:    embedder,
		batcher:     batcher,
		parser:      parsers,
		submitter:   submitter,
		coord:       coord,
		chunking:    hc.chunking,
	}
}

// writeFile places a document in the harness directory and returns its path.
func (h *harness) writeFile(name string, data []byte) string {
	h.t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(h.t, os.WriteFile(path, data, 0o600))
	return path
}

// submit writes and submits a document, returning the receipt.
func (h *harness) submit(name string, data []byte) *Receipt {
	h.t.Helper()
	path := h.writeFile(name, data)
	receipt, err := h.submitter.Submit(context.Background(), Submission{SourceRef: path})
	require.NoError(h.t, err)
	return receipt
}

// process runs one claim on the named worker and requires a job was found.
func (h *harness) process(workerID string) {
	h.t.Helper()
	ok, err := h.coord.ProcessNext(context.Background(), workerID)
	require.NoError(h.t, err)
	require.True(h.t, ok, "expected a job to claim")
}

func (h *harness) job(id string) *core.IngestionJob {
	h.t.Helper()
	job, err := h.queue.Get(context.Background(), id)
	require.NoError(h.t, err)
	return job
}

// stored returns the document's chunk rows and vectors.
func (h *harness) stored(documentID string) ([]core.ChunkRecord, []core.EmbeddingVector) {
	h.t.Helper()
	rows, err := h.metadata.GetChunks(context.Background(), documentID)
	require.NoError(h.t, err)
	vectors, err := h.vectors.GetVectors(context.Background(), documentID)
	require.NoError(h.t, err)
	return rows, vectors
}

// assertNoOrphans checks every vector has a row and every row a vector.
func (h *harness) assertNoOrphans(documentID string) {
	h.t.Helper()
	rows, vectors := h.stored(documentID)
	require.Equal(h.t, len(rows), len(vectors))
	for i := range rows {
		assert.Equal(h.t, rows[i].VectorID, vectors[i].ID, "position %d", i)
		assert.Equal(h.t, rows[i].Position, vectors[i].Position)
	}
}

// longText returns n paragraphs of distinct sentences.
func longText(n int) string {
	var b strings.Builder
	for i := range n {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Paragraph %d explains one part of the system. ", i)
		fmt.Fprintf(&b, "It has a second sentence about item %d. And a third one to add some length.", i)
	}
	return b.String()
}

type failingVectors struct {
	storage.VectorStore
	err error
}

func (f *failingVectors) PutVectors(ctx context.Context, vectors []core.EmbeddingVector) error {
	return f.err
}

// flakyMetadata fails the first n ReplaceChunks calls.
type flakyMetadata struct {
	storage.MetadataStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyMetadata) ReplaceChunks(ctx context.Context, documentID string, rows []core.ChunkRecord) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("database is locked")
	}
	return f.MetadataStore.ReplaceChunks(ctx, documentID, rows)
}

type unavailableQueue struct {
	storage.JobQueue
}

func (unavailableQueue) Claim(ctx context.Context, workerID string, lease time.Duration) (*core.IngestionJob, error) {
	return nil, fmt.Errorf("%w: connection refused", storage.ErrQueueUnavailable)
}
