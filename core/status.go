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
	"time"
)

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus int

const (
	StatusQueued JobStatus = iota + 1
	StatusClaimed
	StatusParsing
	StatusChunking
	StatusEmbedding
	StatusStoring
	StatusCompleted
	StatusFailed
	StatusDeadLettered
	StatusCancelled
)

var statusNames = map[JobStatus]string{
	StatusQueued:       "queued",
	StatusClaimed:      "claimed",
	StatusParsing:      "parsing",
	StatusChunking:     "chunking",
	StatusEmbedding:    "embedding",
	StatusStoring:      "storing",
	StatusCompleted:    "completed",
	StatusFailed:       "failed",
	StatusDeadLettered: "dead_lettered",
	StatusCancelled:    "cancelled",
}

func (s JobStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText renders the status name.
func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseJobStatus is the inverse of JobStatus.String.
func ParseJobStatus(name string) (JobStatus, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, name)
}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered || s == StatusCancelled
}

// InProgress reports whether a worker holds the job in a processing stage.
func (s JobStatus) InProgress() bool {
	switch s {
	case StatusClaimed, StatusParsing, StatusChunking, StatusEmbedding, StatusStoring:
		return true
	}
	return false
}

// transitions lists the legal successors of each state.
// In-progress states may go back to Claimed when an expired lease is
// reclaimed, and to Queued when the holder releases the lease.
var transitions = map[JobStatus][]JobStatus{
	StatusQueued:    {StatusClaimed, StatusCancelled},
	StatusClaimed:   {StatusParsing, StatusFailed, StatusClaimed, StatusQueued, StatusCancelled},
	StatusParsing:   {StatusChunking, StatusFailed, StatusClaimed, StatusQueued, StatusCancelled},
	StatusChunking:  {StatusEmbedding, StatusFailed, StatusClaimed, StatusQueued, StatusCancelled},
	StatusEmbedding: {StatusStoring, StatusFailed, StatusClaimed, StatusQueued, StatusCancelled},
	StatusStoring:   {StatusCompleted, StatusFailed, StatusClaimed, StatusQueued, StatusCancelled},
	StatusFailed:    {StatusQueued, StatusDeadLettered},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition moves the job to next, stamping UpdatedAt.
func (j *IngestionJob) Transition(next JobStatus, now time.Time) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	j.UpdatedAt = now
	if next == StatusCompleted {
		j.CompletedAt = now
	}
	return nil
}

// ResetForReplay returns a dead-lettered job to its initial queued state.
// The failure history is kept.
func (j *IngestionJob) ResetForReplay(now time.Time) {
	j.Status = StatusQueued
	j.AttemptCount = 0
	j.LastError = nil
	j.Cancelled = false
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
	j.CompletedAt = time.Time{}
	j.UpdatedAt = now
}

// Stage names the pipeline step a failure happened in.
type Stage int

const (
	StageQueue Stage = iota + 1
	StageParse
	StageChunk
	StageEmbed
	StageStore
)

var stageNames = map[Stage]string{
	StageQueue: "queue",
	StageParse: "parse",
	StageChunk: "chunk",
	StageEmbed: "embed",
	StageStore: "store",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// MarshalText renders the stage name.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status returns the job status that corresponds to running the stage.
func (s Stage) Status() JobStatus {
	switch s {
	case StageParse:
		return StatusParsing
	case StageChunk:
		return StatusChunking
	case StageEmbed:
		return StatusEmbedding
	case StageStore:
		return StatusStoring
	}
	return StatusClaimed
}
