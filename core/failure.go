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
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies why a stage failed.
type FailureKind int

const (
	KindTransient FailureKind = iota + 1
	KindQueueUnavailable
	KindParseUnreadable
	KindParseUnsupportedFormat
	KindParseCorrupted
	KindParseEmpty
	KindEmbedRateLimited
	KindEmbedServiceUnavailable
	KindEmbedInvalidInput
	KindStoreFailure
	KindStoreUnavailable
	KindStageTimeout
	KindEmbedUnauthorized
)

var kindNames = map[FailureKind]string{
	KindTransient:               "transient",
	KindQueueUnavailable:        "queue_unavailable",
	KindParseUnreadable:         "parse_unreadable",
	KindParseUnsupportedFormat:  "parse_unsupported_format",
	KindParseCorrupted:          "parse_corrupted",
	KindParseEmpty:              "parse_empty",
	KindEmbedRateLimited:        "embed_rate_limited",
	KindEmbedServiceUnavailable: "embed_service_unavailable",
	KindEmbedInvalidInput:       "embed_invalid_input",
	KindStoreFailure:            "store_failure",
	KindStoreUnavailable:        "store_unavailable",
	KindStageTimeout:            "stage_timeout",
	KindEmbedUnauthorized:       "embed_unauthorized",
}

func (k FailureKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText renders the kind name.
func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Retryable reports whether a job failing with this kind may be re-queued.
// Every parse failure, invalid embedding input, rejected credentials and
// a vector store that stays unreachable go straight to the dead letter
// store.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindParseUnreadable, KindParseUnsupportedFormat, KindParseCorrupted,
		KindParseEmpty, KindEmbedInvalidInput, KindEmbedUnauthorized, KindStoreUnavailable:
		return false
	}
	return true
}

// Classified is implemented by errors that know their failure kind.
type Classified interface {
	error
	Kind() FailureKind
}

// KindOf classifies an arbitrary stage error.
// Unclassified errors are treated as transient I/O.
func KindOf(err error) FailureKind {
	var c Classified
	if errors.As(err, &c) {
		return c.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindStageTimeout
	}
	return KindTransient
}
