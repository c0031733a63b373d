package ingestion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/poiesic/docingest/blob"
	"github.com/poiesic/docingest/config"
	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/storage"
)

// Submission is a request to ingest one document.
type Submission struct {
	SourceRef string
	Format    core.Format // empty lets the parser detect it
}

// Receipt is the outcome of an accepted submission.
type Receipt struct {
	JobID      string
	DocumentID string
	// Duplicate is set when an identical live submission already existed
	// and JobID refers to it.
	Duplicate bool
}

// Submitter validates documents and places jobs on the queue.
type Submitter struct {
	queue     storage.JobQueue
	opener    blob.Opener
	limits    config.SubmitConfig
	threshold int
	newID     func() string
	now       func() time.Time
	logger    *slog.Logger
}

// SubmitterOption configures a Submitter.
type SubmitterOption func(*Submitter)

// WithLimits sets the allowed formats and size cap.
func WithLimits(limits config.SubmitConfig) SubmitterOption {
	return func(s *Submitter) {
		s.limits = limits
	}
}

// WithThrottleThreshold refuses submissions while the queue holds at
// least n unacknowledged jobs. Zero disables throttling.
func WithThrottleThreshold(n int) SubmitterOption {
	return func(s *Submitter) {
		s.threshold = n
	}
}

// WithJobIDs overrides job id generation.
func WithJobIDs(newID func() string) SubmitterOption {
	return func(s *Submitter) {
		s.newID = newID
	}
}

// WithSubmitterLogger sets a custom logger.
func WithSubmitterLogger(logger *slog.Logger) SubmitterOption {
	return func(s *Submitter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSubmitter creates a Submitter.
func NewSubmitter(queue storage.JobQueue, opener blob.Opener, opts ...SubmitterOption) (*Submitter, error) {
	if queue == nil {
		return nil, ErrQueueRequired
	}
	if opener == nil {
		return nil, ErrOpenerRequired
	}
	s := &Submitter{
		queue:  queue,
		opener: opener,
		limits: config.Default().Submit,
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "submitter")
	return s, nil
}

// DocumentID derives the stable document id of a source reference.
func DocumentID(sourceRef string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(sourceRef)).String()
}

// Submit hashes the document and enqueues a job for it. Submitting the
// same content again while the first job is live returns the first job.
func (s *Submitter) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	if !s.limits.Allows(sub.Format) {
		return nil, fmt.Errorf("%w: %s", ErrFormatNotAllowed, sub.Format)
	}

	if s.threshold > 0 {
		depth, err := s.queue.Depth(ctx)
		if err != nil {
			return nil, err
		}
		if depth >= s.threshold {
			s.logger.Warn("throttling submission", "depth", depth, "threshold", s.threshold)
			return nil, fmt.Errorf("%w: depth %d, threshold %d", ErrThrottled, depth, s.threshold)
		}
	}

	hash, size, err := s.hash(ctx, sub.SourceRef)
	if err != nil {
		return nil, err
	}

	doc := &core.Document{
		ID:          DocumentID(sub.SourceRef),
		SourceRef:   sub.SourceRef,
		Format:      sub.Format,
		SizeBytes:   size,
		ContentHash: hash,
		SubmittedAt: s.now(),
	}
	if err := core.ValidateDocument(doc); err != nil {
		return nil, err
	}

	job := core.NewJob(s.newID(), doc, doc.SubmittedAt)
	id, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{JobID: id, DocumentID: doc.ID, Duplicate: id != job.ID}
	s.logger.Info("document submitted",
		"job_id", id, "document_id", doc.ID, "source", sub.SourceRef, "bytes", size, "duplicate", receipt.Duplicate)
	return receipt, nil
}

func (s *Submitter) hash(ctx context.Context, ref string) (string, int64, error) {
	rc, err := s.opener.Open(ctx, ref)
	if err != nil {
		return "", 0, fmt.Errorf("opening %s: %w", ref, err)
	}
	defer rc.Close()

	var r io.Reader = rc
	if s.limits.MaxSizeBytes > 0 {
		r = io.LimitReader(rc, s.limits.MaxSizeBytes+1)
	}
	hash, size, err := core.HashContent(r)
	if err != nil {
		return "", 0, fmt.Errorf("reading %s: %w", ref, err)
	}
	if s.limits.MaxSizeBytes > 0 && size > s.limits.MaxSizeBytes {
		return "", 0, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, ref, s.limits.MaxSizeBytes)
	}
	return hash, size, nil
}
