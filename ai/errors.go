package ai

import (
	"errors"
	"fmt"

	"github.com/poiesic/docingest/core"
)

var (
	// ErrRateLimited is matched by errors reporting embedding service throttling.
	ErrRateLimited = errors.New("embedding service rate limited")
	// ErrServiceUnavailable is matched by errors reporting an embedding service outage.
	ErrServiceUnavailable = errors.New("embedding service unavailable")
	// ErrInvalidInput is matched by errors reporting input the service rejects.
	ErrInvalidInput = errors.New("invalid embedding input")
	// ErrUnauthorized is matched by errors reporting rejected credentials.
	ErrUnauthorized = errors.New("embedding service rejected credentials")
	// ErrDimensionMismatch is returned when a service answers with the wrong
	// number of vectors.
	ErrDimensionMismatch = errors.New("embedding count does not match input count")
)

// Error is a classified embedding failure.
type Error struct {
	kind core.FailureKind
	Err  error
}

var _ core.Classified = (*Error)(nil)

// NewError wraps err with an embedding failure kind.
func NewError(kind core.FailureKind, err error) *Error {
	return &Error{kind: kind, Err: err}
}

// RateLimited wraps err as a rate limit failure.
func RateLimited(err error) *Error { return NewError(core.KindEmbedRateLimited, err) }

// ServiceUnavailable wraps err as a service outage.
func ServiceUnavailable(err error) *Error { return NewError(core.KindEmbedServiceUnavailable, err) }

// InvalidInput wraps err as a non-retryable input rejection.
func InvalidInput(err error) *Error { return NewError(core.KindEmbedInvalidInput, err) }

// Unauthorized wraps err as a non-retryable credential rejection.
func Unauthorized(err error) *Error { return NewError(core.KindEmbedUnauthorized, err) }

func (e *Error) Error() string {
	if e.Err == nil {
		return e.sentinel().Error()
	}
	return fmt.Sprintf("%s: %v", e.sentinel(), e.Err)
}

// Kind reports the failure kind.
func (e *Error) Kind() core.FailureKind {
	return e.kind
}

// Unwrap exposes both the matching sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.sentinel()}
	}
	return []error{e.sentinel(), e.Err}
}

func (e *Error) sentinel() error {
	switch e.kind {
	case core.KindEmbedRateLimited:
		return ErrRateLimited
	case core.KindEmbedInvalidInput:
		return ErrInvalidInput
	case core.KindEmbedUnauthorized:
		return ErrUnauthorized
	default:
		return ErrServiceUnavailable
	}
}

// IsRetryable reports whether an embedding failure may succeed on a later call.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind.Retryable()
	}
	return core.KindOf(err).Retryable()
}
