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

package core

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a deterministic identifier derived from content.
type ID uint64

// String renders the ID as fixed-width hex.
func (id ID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// This ensures that identical content produces identical IDs.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// HashContent streams r through BLAKE2b-256 and returns the hex digest
// together with the number of bytes read.
func HashContent(r io.Reader) (string, int64, error) {
	h, err := blake2b.New(32, nil)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// IdempotencyKey derives the key used to collapse duplicate submissions
// of the same document content.
func IdempotencyKey(documentID, contentHash string) ID {
	return IDFromContent(documentID + ":" + contentHash)
}

// VectorID derives the storage id of the vector for a chunk position.
// Re-running a document always addresses the same ids.
func VectorID(documentID string, position int) ID {
	return IDFromContent(fmt.Sprintf("%s#%d", documentID, position))
}

// Format is the declared or detected document format.
type Format string

const (
	FormatUnknown   Format = ""
	FormatPlainText Format = "text"
	FormatMarkdown  Format = "markdown"
	FormatHTML      Format = "html"
	FormatDOCX      Format = "docx"
	FormatPDF       Format = "pdf"
)

// KnownFormats lists every format with a parser.
var KnownFormats = []Format{FormatPlainText, FormatMarkdown, FormatHTML, FormatDOCX, FormatPDF}

// Document is an uploaded file awaiting or undergoing ingestion.
// It is never modified after submission.
type Document struct {
	ID          string
	SourceRef   string // opaque blob handle: file path, gs://, s3://
	Format      Format
	SizeBytes   int64
	ContentHash string
	SubmittedAt time.Time
}

// ErrorInfo describes the most recent failure of a job.
type ErrorInfo struct {
	Kind    FailureKind
	Stage   Stage
	Message string
}

func (e ErrorInfo) String() string {
	return fmt.Sprintf("%s during %s: %s", e.Kind, e.Stage, e.Message)
}

// FailureRecord is one entry of a job's failure history.
type FailureRecord struct {
	Attempt   int
	Stage     Stage
	Kind      FailureKind
	Message   string
	Timestamp time.Time
}

// IngestionJob tracks one document through the pipeline.
// Only the worker holding the lease mutates it.
type IngestionJob struct {
	ID             string
	DocumentID     string
	IdempotencyKey ID
	SourceRef      string
	DeclaredFormat Format
	SizeBytes      int64
	ContentHash    string
	Status         JobStatus
	AttemptCount   int
	LastError      *ErrorInfo
	Failures       []FailureRecord
	Cancelled      bool
	LeaseOwner     string
	LeaseExpiresAt time.Time
	QueueSeq       uint64 // position in the available index, assigned by the queue
	EnqueuedAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    time.Time
}

// NewJob creates a queued job for a document.
func NewJob(id string, doc *Document, now time.Time) *IngestionJob {
	return &IngestionJob{
		ID:             id,
		DocumentID:     doc.ID,
		IdempotencyKey: IdempotencyKey(doc.ID, doc.ContentHash),
		SourceRef:      doc.SourceRef,
		DeclaredFormat: doc.Format,
		SizeBytes:      doc.SizeBytes,
		ContentHash:    doc.ContentHash,
		Status:         StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Document reconstructs the immutable document the job refers to.
func (j *IngestionJob) Document() *Document {
	return &Document{
		ID:          j.DocumentID,
		SourceRef:   j.SourceRef,
		Format:      j.DeclaredFormat,
		SizeBytes:   j.SizeBytes,
		ContentHash: j.ContentHash,
		SubmittedAt: j.CreatedAt,
	}
}

// Leased reports whether the job holds an unexpired lease at now.
func (j *IngestionJob) Leased(now time.Time) bool {
	return j.LeaseOwner != "" && now.Before(j.LeaseExpiresAt)
}

// Message returns the queue payload view of the job.
func (j *IngestionJob) Message() JobMessage {
	return JobMessage{
		JobID:          j.ID,
		DocumentID:     j.DocumentID,
		IdempotencyKey: j.IdempotencyKey.String(),
		SourceRef:      j.SourceRef,
		DeclaredFormat: j.DeclaredFormat,
		AttemptCount:   j.AttemptCount,
		EnqueuedAt:     j.EnqueuedAt,
	}
}

// JobMessage is the queue payload handed to workers.
type JobMessage struct {
	JobID          string    `json:"jobId"`
	DocumentID     string    `json:"documentId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	SourceRef      string    `json:"sourceRef"`
	DeclaredFormat Format    `json:"declaredFormat"`
	AttemptCount   int       `json:"attemptCount"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

// StatusReport is the answer to a job status query.
type StatusReport struct {
	JobID        string     `json:"jobId"`
	Status       JobStatus  `json:"status"`
	AttemptCount int        `json:"attemptCount"`
	LastError    *ErrorInfo `json:"lastError,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Report builds the status query view of the job.
func (j *IngestionJob) Report() StatusReport {
	r := StatusReport{
		JobID:        j.ID,
		Status:       j.Status,
		AttemptCount: j.AttemptCount,
		LastError:    j.LastError,
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		r.CompletedAt = &t
	}
	return r
}

// Chunk is a contiguous span of a document's parsed text.
// [Start, End) are rune offsets; runes in [Start, OverlapStart) repeat
// the tail of the previous chunk.
type Chunk struct {
	Position      int
	Text          string
	Start         int
	End           int
	OverlapStart  int
	TokenEstimate int
}

// Length returns the chunk length in runes.
func (c Chunk) Length() int {
	return c.End - c.Start
}

// OverlapLength returns how many leading runes are shared with the previous chunk.
func (c Chunk) OverlapLength() int {
	return c.OverlapStart - c.Start
}

// EmbeddingVector is the embedding of one chunk.
type EmbeddingVector struct {
	ID         ID
	DocumentID string
	Position   int
	Model      string
	Values     []float32
}

// ChunkRecord is the metadata row stored for every vector.
type ChunkRecord struct {
	DocumentID    string
	Position      int
	VectorID      ID
	Text          string
	Start         int
	End           int
	OverlapStart  int
	TokenEstimate int
	Model         string
	StoredAt      time.Time
}

// DeadLetterRecord is a terminally failed job kept for inspection and replay.
type DeadLetterRecord struct {
	Job            IngestionJob
	Failures       []FailureRecord
	CanReplay      bool
	DeadLetteredAt time.Time
}

// SearchResult is a stored chunk ranked by similarity to a query.
type SearchResult struct {
	Chunk ChunkRecord
	Score float32
}

// AuditRecord is the ingestion log entry written when a job reaches a
// terminal state.
type AuditRecord struct {
	JobID          string
	DocumentID     string
	SourceRef      string
	SizeBytes      int64
	Chunks         int
	Vectors        int
	Attempts       int
	ProcessingTime time.Duration
	Status         JobStatus
	ErrorDetails   string
	CreatedAt      time.Time
}

// IngestionStats aggregates audit records over a window.
type IngestionStats struct {
	Since             time.Time
	TotalIngestions   int
	Completed         int
	DeadLettered      int
	Cancelled         int
	TotalChunks       int
	TotalVectors      int
	AvgProcessingTime time.Duration
}

// SuccessRate returns the completed share in percent.
func (s IngestionStats) SuccessRate() float64 {
	if s.TotalIngestions == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.TotalIngestions) * 100
}

// StoreHealth is the result of probing one backing store.
type StoreHealth struct {
	Name    string
	Healthy bool
	Latency time.Duration
	Error   string
}
