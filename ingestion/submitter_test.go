package ingestion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/docingest/blob"
	"github.com/poiesic/docingest/config"
	"github.com/poiesic/docingest/core"
)

func TestDocumentID_StablePerSource(t *testing.T) {
	assert.Equal(t, DocumentID("s3://bucket/a.pdf"), DocumentID("s3://bucket/a.pdf"))
	assert.NotEqual(t, DocumentID("s3://bucket/a.pdf"), DocumentID("s3://bucket/b.pdf"))
}

func TestSubmit_EnqueuesJob(t *testing.T) {
	h := newHarness(t)
	path := h.writeFile("report.md", []byte("# Report\n\nBody text."))

	receipt, err := h.submitter.Submit(context.Background(), Submission{SourceRef: path, Format: core.FormatMarkdown})
	require.NoError(t, err)
	assert.False(t, receipt.Duplicate)
	assert.Equal(t, DocumentID(path), receipt.DocumentID)

	job := h.job(receipt.JobID)
	assert.Equal(t, core.StatusQueued, job.Status)
	assert.Equal(t, core.FormatMarkdown, job.DeclaredFormat)
	assert.Equal(t, int64(len("# Report\n\nBody text.")), job.SizeBytes)
	assert.NotEmpty(t, job.ContentHash)
	assert.Equal(t, core.IdempotencyKey(job.DocumentID, job.ContentHash), job.IdempotencyKey)

	msg := job.Message()
	assert.Equal(t, receipt.JobID, msg.JobID)
	assert.Equal(t, path, msg.SourceRef)
	assert.Equal(t, 0, msg.AttemptCount)
}

func TestSubmit_CollapsesDuplicates(t *testing.T) {
	h := newHarness(t)
	first := h.submit("doc.txt", []byte("same content"))

	second, err := h.submitter.Submit(context.Background(), Submission{SourceRef: h.writeFile("doc.txt", []byte("same content"))})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.JobID, second.JobID)

	depth, err := h.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestSubmit_Throttles(t *testing.T) {
	h := newHarness(t)
	submitter, err := NewSubmitter(h.queue, blob.NewRouter(), WithThrottleThreshold(2))
	require.NoError(t, err)
	ctx := context.Background()

	for _, name := range []string{"a.txt", "b.txt"} {
		_, err := submitter.Submit(ctx, Submission{SourceRef: h.writeFile(name, []byte(name))})
		require.NoError(t, err)
	}

	_, err = submitter.Submit(ctx, Submission{SourceRef: h.writeFile("c.txt", []byte("c"))})
	assert.ErrorIs(t, err, ErrThrottled)

	// finishing a job makes room again
	h.process("w1")
	_, err = submitter.Submit(ctx, Submission{SourceRef: h.writeFile("c.txt", []byte("c"))})
	assert.NoError(t, err)
}

func TestSubmit_Limits(t *testing.T) {
	h := newHarness(t)
	submitter, err := NewSubmitter(h.queue, blob.NewRouter(), WithLimits(config.SubmitConfig{
		AllowedFormats: []core.Format{core.FormatPlainText},
		MaxSizeBytes:   8,
	}))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = submitter.Submit(ctx, Submission{SourceRef: h.writeFile("a.pdf", []byte("%PDF")), Format: core.FormatPDF})
	assert.ErrorIs(t, err, ErrFormatNotAllowed)

	_, err = submitter.Submit(ctx, Submission{SourceRef: h.writeFile("big.txt", []byte("more than eight bytes"))})
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = submitter.Submit(ctx, Submission{SourceRef: h.writeFile("ok.txt", []byte("tiny"))})
	assert.NoError(t, err)
}

func TestSubmit_MissingSource(t *testing.T) {
	h := newHarness(t)
	_, err := h.submitter.Submit(context.Background(), Submission{SourceRef: h.dir + "/missing.txt"})
	assert.ErrorIs(t, err, blob.ErrNotFound)

	_, err = h.submitter.Submit(context.Background(), Submission{SourceRef: "ftp://host/file.txt"})
	assert.ErrorIs(t, err, blob.ErrUnsupportedScheme)
}

func TestNewSubmitter_RequiresDependencies(t *testing.T) {
	h := newHarness(t)
	_, err := NewSubmitter(nil, blob.NewRouter())
	assert.ErrorIs(t, err, ErrQueueRequired)
	_, err = NewSubmitter(h.queue, nil)
	assert.ErrorIs(t, err, ErrOpenerRequired)
}
