package parser

import (
	"errors"
	"fmt"

	"github.com/poiesic/docingest/core"
)

// Reason classifies why a document could not be parsed.
type Reason int

const (
	ReasonUnreadable Reason = iota + 1
	ReasonUnsupportedFormat
	ReasonCorrupted
	ReasonEmpty
)

var (
	ErrUnreadable        = errors.New("document unreadable")
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrCorrupted         = errors.New("document corrupted")
	ErrEmpty             = errors.New("document has no text")

	// ErrContentChanged marks a body that no longer matches the hash
	// taken at submission. It is reported as ReasonUnreadable.
	ErrContentChanged = errors.New("content changed since submission")
)

func (r Reason) String() string {
	switch r {
	case ReasonUnreadable:
		return "unreadable"
	case ReasonUnsupportedFormat:
		return "unsupported_format"
	case ReasonCorrupted:
		return "corrupted"
	case ReasonEmpty:
		return "empty"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

func (r Reason) sentinel() error {
	switch r {
	case ReasonUnreadable:
		return ErrUnreadable
	case ReasonUnsupportedFormat:
		return ErrUnsupportedFormat
	case ReasonCorrupted:
		return ErrCorrupted
	default:
		return ErrEmpty
	}
}

// Failure is a classified parse error. Every parse failure is terminal
// for the document.
type Failure struct {
	Reason Reason
	Format core.Format
	Err    error
}

var _ core.Classified = (*Failure)(nil)

func fail(reason Reason, format core.Format, err error) *Failure {
	return &Failure{Reason: reason, Format: format, Err: err}
}

func (f *Failure) Error() string {
	msg := f.Reason.sentinel().Error()
	if f.Format != core.FormatUnknown {
		msg = fmt.Sprintf("%s (%s)", msg, f.Format)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap exposes both the matching sentinel and the cause.
func (f *Failure) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Reason.sentinel()}
	}
	return []error{f.Reason.sentinel(), f.Err}
}

// Kind maps the reason onto the pipeline failure kinds.
func (f *Failure) Kind() core.FailureKind {
	switch f.Reason {
	case ReasonUnreadable:
		return core.KindParseUnreadable
	case ReasonUnsupportedFormat:
		return core.KindParseUnsupportedFormat
	case ReasonCorrupted:
		return core.KindParseCorrupted
	default:
		return core.KindParseEmpty
	}
}
