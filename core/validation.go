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
	"fmt"
	"slices"
	"time"
)

// ValidateDocument validates a Document according to domain rules.
//
// Validation rules:
//   - ID and SourceRef must not be empty
//   - Format must be empty (sniffed later) or a known format
//   - SizeBytes must not be negative
//   - SubmittedAt must not be in the future
func ValidateDocument(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: document is nil", ErrInvalidDocument)
	}
	if doc.ID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, ErrEmptyID)
	}
	if doc.SourceRef == "" {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, ErrEmptySourceRef)
	}
	if err := ValidateFormat(doc.Format); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if doc.SizeBytes < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidDocument, doc.SizeBytes)
	}
	if !IsValidTimestamp(doc.SubmittedAt) {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, ErrInvalidTimestamp)
	}
	return nil
}

// ValidateJob validates an IngestionJob before it is enqueued.
func ValidateJob(job *IngestionJob) error {
	if job == nil {
		return fmt.Errorf("%w: job is nil", ErrInvalidJob)
	}
	if job.ID == "" || job.DocumentID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidJob, ErrEmptyID)
	}
	if job.SourceRef == "" {
		return fmt.Errorf("%w: %w", ErrInvalidJob, ErrEmptySourceRef)
	}
	if job.AttemptCount < 0 {
		return fmt.Errorf("%w: negative attempt count %d", ErrInvalidJob, job.AttemptCount)
	}
	if job.Status != StatusQueued {
		return fmt.Errorf("%w: new jobs must be queued, got %s", ErrInvalidJob, job.Status)
	}
	return nil
}

// ValidateFormat accepts the empty format and every known format.
func ValidateFormat(f Format) error {
	if f == FormatUnknown || slices.Contains(KnownFormats, f) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, string(f))
}

// IsValidTimestamp checks if a timestamp is valid (not in the future).
func IsValidTimestamp(ts time.Time) bool {
	return !ts.After(time.Now())
}
