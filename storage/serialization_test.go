package storage

import (
	"testing"
	"time"

	"github.com/poiesic/docingest/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullJob() *core.IngestionJob {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &core.IngestionJob{
		ID:             "job-1",
		DocumentID:     "doc-1",
		IdempotencyKey: core.IdempotencyKey("doc-1", "abcd"),
		SourceRef:      "s3://bucket/report.pdf",
		DeclaredFormat: core.FormatPDF,
		SizeBytes:      4096,
		ContentHash:    "abcd",
		Status:         core.StatusEmbedding,
		AttemptCount:   2,
		LastError: &core.ErrorInfo{
			Kind:    core.KindEmbedRateLimited,
			Stage:   core.StageEmbed,
			Message: "429 too many requests",
		},
		Failures: []core.FailureRecord{
			{Attempt: 0, Stage: core.StageEmbed, Kind: core.KindEmbedRateLimited, Message: "429", Timestamp: now},
			{Attempt: 1, Stage: core.StageStore, Kind: core.KindStoreFailure, Message: "locked", Timestamp: now},
		},
		LeaseOwner:     "worker-3",
		LeaseExpiresAt: now.Add(time.Minute),
		QueueSeq:       17,
		EnqueuedAt:     now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestJobCodec(t *testing.T) {
	job := fullJob()

	decoded, err := UnmarshalJob(MarshalJob(job))
	require.NoError(t, err)
	assert.Equal(t, job, decoded)
	assert.True(t, decoded.CompletedAt.IsZero(), "zero time must survive encoding")
}

func TestJobCodec_WithoutLastError(t *testing.T) {
	job := fullJob()
	job.LastError = nil
	job.Failures = nil

	decoded, err := UnmarshalJob(MarshalJob(job))
	require.NoError(t, err)
	assert.Nil(t, decoded.LastError)
	assert.Empty(t, decoded.Failures)
}

func TestVectorCodec(t *testing.T) {
	v := &core.EmbeddingVector{
		ID:         core.VectorID("doc-1", 4),
		DocumentID: "doc-1",
		Position:   4,
		Model:      "nomic-embed-text",
		Values:     []float32{0.25, -1.5, 3.125, 0},
	}
	decoded, err := UnmarshalVector(MarshalVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, decoded)
}

func TestDeadLetterCodec(t *testing.T) {
	job := fullJob()
	rec := &core.DeadLetterRecord{
		Job:            *job,
		Failures:       job.Failures,
		CanReplay:      true,
		DeadLetteredAt: job.UpdatedAt,
	}
	decoded, err := UnmarshalDeadLetter(MarshalDeadLetter(rec))
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
}

func TestUnmarshal_Invalid(t *testing.T) {
	_, err := UnmarshalJob([]byte{})
	assert.ErrorIs(t, err, ErrSerializationFailed)

	data := MarshalJob(fullJob())
	_, err = UnmarshalJob(data[:len(data)/2])
	assert.ErrorIs(t, err, ErrSerializationFailed)

	_, err = UnmarshalVector([]byte{0x7f})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}
