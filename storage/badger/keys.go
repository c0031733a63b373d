package badger

import (
	"encoding/binary"

	"github.com/poiesic/docingest/core"
)

// Key prefixes for different data types
const (
	jobPrefix        = "job:"
	jobAvailPrefix   = "jobav:"
	jobIdemPrefix    = "jobid:"
	jobSeqKey        = "jobseq"
	vectorPrefix     = "vec:"
	deadLetterPrefix = "dlq:"
)

// makeJobKey generates a key for a job record by ID.
func makeJobKey(jobID string) []byte {
	return append([]byte(jobPrefix), jobID...)
}

// makeAvailKey generates a key in the available-job index.
// Format: prefix:seq, BigEndian so iteration order is enqueue order.
func makeAvailKey(seq uint64) []byte {
	buf := make([]byte, len(jobAvailPrefix)+8)
	offset := copy(buf, jobAvailPrefix)
	binary.BigEndian.PutUint64(buf[offset:], seq)
	return buf
}

// makeIdemKey generates a key in the idempotency index.
func makeIdemKey(key core.ID) []byte {
	buf := make([]byte, len(jobIdemPrefix)+8)
	offset := copy(buf, jobIdemPrefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(key))
	return buf
}

// makeVectorKey generates a key for a vector.
// Format: prefix:documentID:position so a document's vectors are
// contiguous and ordered by position.
func makeVectorKey(documentID string, position int) []byte {
	prefix := makeDocumentVectorPrefix(documentID)
	buf := make([]byte, len(prefix)+4)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint32(buf[offset:], uint32(position))
	return buf
}

// makeDocumentVectorPrefix generates the partial key shared by a document's vectors.
func makeDocumentVectorPrefix(documentID string) []byte {
	buf := make([]byte, 0, len(vectorPrefix)+len(documentID)+1)
	buf = append(buf, vectorPrefix...)
	buf = append(buf, documentID...)
	return append(buf, 0)
}

// makeDeadLetterKey generates a key for a dead letter record by job ID.
func makeDeadLetterKey(jobID string) []byte {
	return append([]byte(deadLetterPrefix), jobID...)
}
