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

package storage

import (
	"fmt"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/docingest/core"
)

const codecVersion = 1

// encoder runs twice over a record: once with a nil buffer to size it,
// then again to write into an exactly sized buffer.
type encoder struct {
	bs []byte
	n  int
}

func (e *encoder) int(v int) {
	if e.bs == nil {
		e.n += varint.Int.Size(v)
		return
	}
	e.n += varint.Int.Marshal(v, e.bs[e.n:])
}

func (e *encoder) int64(v int64) {
	if e.bs == nil {
		e.n += varint.Int64.Size(v)
		return
	}
	e.n += varint.Int64.Marshal(v, e.bs[e.n:])
}

func (e *encoder) uint64(v uint64) {
	if e.bs == nil {
		e.n += varint.Uint64.Size(v)
		return
	}
	e.n += varint.Uint64.Marshal(v, e.bs[e.n:])
}

func (e *encoder) str(v string) {
	if e.bs == nil {
		e.n += ord.String.Size(v)
		return
	}
	e.n += ord.String.Marshal(v, e.bs[e.n:])
}

func (e *encoder) bool(v bool) {
	if e.bs == nil {
		e.n += ord.Bool.Size(v)
		return
	}
	e.n += ord.Bool.Marshal(v, e.bs[e.n:])
}

// time stores microseconds since the epoch; zero times are stored as 0.
func (e *encoder) time(t time.Time) {
	if t.IsZero() {
		e.int64(0)
		return
	}
	e.int64(t.UnixMicro())
}

func (e *encoder) floats(v []float32) {
	e.int(len(v))
	for _, f := range v {
		if e.bs == nil {
			e.n += raw.Float32.Size(f)
			continue
		}
		e.n += raw.Float32.Marshal(f, e.bs[e.n:])
	}
}

func encode(fn func(e *encoder)) []byte {
	var sizer encoder
	fn(&sizer)
	e := encoder{bs: make([]byte, sizer.n)}
	fn(&e)
	return e.bs
}

// decoder reads fields in encoding order and keeps the first error.
type decoder struct {
	bs  []byte
	n   int
	err error
}

func (d *decoder) int() int {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Int.Unmarshal(d.bs[d.n:])
	d.n += n
	d.err = err
	return v
}

func (d *decoder) int64() int64 {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Int64.Unmarshal(d.bs[d.n:])
	d.n += n
	d.err = err
	return v
}

func (d *decoder) uint64() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Uint64.Unmarshal(d.bs[d.n:])
	d.n += n
	d.err = err
	return v
}

func (d *decoder) str() string {
	if d.err != nil {
		return ""
	}
	v, n, err := ord.String.Unmarshal(d.bs[d.n:])
	d.n += n
	d.err = err
	return v
}

func (d *decoder) bool() bool {
	if d.err != nil {
		return false
	}
	v, n, err := ord.Bool.Unmarshal(d.bs[d.n:])
	d.n += n
	d.err = err
	return v
}

func (d *decoder) time() time.Time {
	us := d.int64()
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func (d *decoder) floats() []float32 {
	count := d.int()
	if d.err != nil || count < 0 || count > len(d.bs)-d.n {
		if d.err == nil {
			d.err = fmt.Errorf("vector length %d exceeds buffer", count)
		}
		return nil
	}
	out := make([]float32, count)
	for i := range out {
		if d.err != nil {
			return nil
		}
		v, n, err := raw.Float32.Unmarshal(d.bs[d.n:])
		d.n += n
		d.err = err
		out[i] = v
	}
	return out
}

func (d *decoder) version() {
	if v := d.int(); d.err == nil && v != codecVersion {
		d.err = fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
}

func (d *decoder) done(what string) error {
	if d.err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSerializationFailed, what, d.err)
	}
	return nil
}

func encodeFailure(e *encoder, f core.FailureRecord) {
	e.int(f.Attempt)
	e.int(int(f.Stage))
	e.int(int(f.Kind))
	e.str(f.Message)
	e.time(f.Timestamp)
}

func decodeFailure(d *decoder) core.FailureRecord {
	return core.FailureRecord{
		Attempt:   d.int(),
		Stage:     core.Stage(d.int()),
		Kind:      core.FailureKind(d.int()),
		Message:   d.str(),
		Timestamp: d.time(),
	}
}

func encodeFailures(e *encoder, fs []core.FailureRecord) {
	e.int(len(fs))
	for _, f := range fs {
		encodeFailure(e, f)
	}
}

func decodeFailures(d *decoder) []core.FailureRecord {
	count := d.int()
	if d.err != nil || count <= 0 {
		return nil
	}
	out := make([]core.FailureRecord, 0, min(count, 64))
	for i := 0; i < count && d.err == nil; i++ {
		out = append(out, decodeFailure(d))
	}
	return out
}

func encodeJob(e *encoder, job *core.IngestionJob) {
	e.str(job.ID)
	e.str(job.DocumentID)
	e.uint64(uint64(job.IdempotencyKey))
	e.str(job.SourceRef)
	e.str(string(job.DeclaredFormat))
	e.int64(job.SizeBytes)
	e.str(job.ContentHash)
	e.int(int(job.Status))
	e.int(job.AttemptCount)
	e.bool(job.LastError != nil)
	if job.LastError != nil {
		e.int(int(job.LastError.Kind))
		e.int(int(job.LastError.Stage))
		e.str(job.LastError.Message)
	}
	encodeFailures(e, job.Failures)
	e.bool(job.Cancelled)
	e.str(job.LeaseOwner)
	e.time(job.LeaseExpiresAt)
	e.uint64(job.QueueSeq)
	e.time(job.EnqueuedAt)
	e.time(job.CreatedAt)
	e.time(job.UpdatedAt)
	e.time(job.CompletedAt)
}

func decodeJob(d *decoder) core.IngestionJob {
	var job core.IngestionJob
	job.ID = d.str()
	job.DocumentID = d.str()
	job.IdempotencyKey = core.ID(d.uint64())
	job.SourceRef = d.str()
	job.DeclaredFormat = core.Format(d.str())
	job.SizeBytes = d.int64()
	job.ContentHash = d.str()
	job.Status = core.JobStatus(d.int())
	job.AttemptCount = d.int()
	if d.bool() {
		job.LastError = &core.ErrorInfo{
			Kind:    core.FailureKind(d.int()),
			Stage:   core.Stage(d.int()),
			Message: d.str(),
		}
	}
	job.Failures = decodeFailures(d)
	job.Cancelled = d.bool()
	job.LeaseOwner = d.str()
	job.LeaseExpiresAt = d.time()
	job.QueueSeq = d.uint64()
	job.EnqueuedAt = d.time()
	job.CreatedAt = d.time()
	job.UpdatedAt = d.time()
	job.CompletedAt = d.time()
	return job
}

// MarshalJob serializes an IngestionJob to bytes.
func MarshalJob(job *core.IngestionJob) []byte {
	return encode(func(e *encoder) {
		e.int(codecVersion)
		encodeJob(e, job)
	})
}

// UnmarshalJob deserializes an IngestionJob from bytes.
func UnmarshalJob(data []byte) (*core.IngestionJob, error) {
	d := decoder{bs: data}
	d.version()
	job := decodeJob(&d)
	if err := d.done("job"); err != nil {
		return nil, err
	}
	return &job, nil
}

// MarshalVector serializes an EmbeddingVector to bytes.
func MarshalVector(v *core.EmbeddingVector) []byte {
	return encode(func(e *encoder) {
		e.int(codecVersion)
		e.uint64(uint64(v.ID))
		e.str(v.DocumentID)
		e.int(v.Position)
		e.str(v.Model)
		e.floats(v.Values)
	})
}

// UnmarshalVector deserializes an EmbeddingVector from bytes.
func UnmarshalVector(data []byte) (*core.EmbeddingVector, error) {
	d := decoder{bs: data}
	d.version()
	v := core.EmbeddingVector{
		ID:         core.ID(d.uint64()),
		DocumentID: d.str(),
		Position:   d.int(),
		Model:      d.str(),
		Values:     d.floats(),
	}
	if err := d.done("vector"); err != nil {
		return nil, err
	}
	return &v, nil
}

// MarshalDeadLetter serializes a DeadLetterRecord to bytes.
func MarshalDeadLetter(rec *core.DeadLetterRecord) []byte {
	return encode(func(e *encoder) {
		e.int(codecVersion)
		encodeJob(e, &rec.Job)
		encodeFailures(e, rec.Failures)
		e.bool(rec.CanReplay)
		e.time(rec.DeadLetteredAt)
	})
}

// UnmarshalDeadLetter deserializes a DeadLetterRecord from bytes.
func UnmarshalDeadLetter(data []byte) (*core.DeadLetterRecord, error) {
	d := decoder{bs: data}
	d.version()
	rec := core.DeadLetterRecord{Job: decodeJob(&d)}
	rec.Failures = decodeFailures(&d)
	rec.CanReplay = d.bool()
	rec.DeadLetteredAt = d.time()
	if err := d.done("dead letter"); err != nil {
		return nil, err
	}
	return &rec, nil
}
