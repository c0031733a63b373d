package parser

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/go-crypt/x/blake2b"

	"github.com/poiesic/docingest/blob"
	"github.com/poiesic/docingest/core"
)

// DefaultMaxBytes bounds how much of a document is read.
const DefaultMaxBytes = 64 << 20

// Parser extracts text from one document format.
type Parser interface {
	Format() core.Format
	Parse(ctx context.Context, r io.Reader) (string, error)
}

// Extracted is the text of a parsed document.
type Extracted struct {
	DocumentID string
	Format     core.Format
	Text       string
	BytesRead  int64
}

// Service opens documents and routes them to the parser for their format.
type Service struct {
	opener   blob.Opener
	parsers  map[core.Format]Parser
	maxBytes int64
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service) error

// WithParser registers p for its format, replacing the default.
func WithParser(p Parser) Option {
	return func(s *Service) error {
		s.parsers[p.Format()] = p
		return nil
	}
}

// WithMaxBytes bounds the bytes read from a single document.
func WithMaxBytes(n int64) Option {
	return func(s *Service) error {
		if n <= 0 {
			return fmt.Errorf("max bytes must be positive, got %d", n)
		}
		s.maxBytes = n
		return nil
	}
}

// WithTempDir sets where PDF and DOCX bodies are spooled.
func WithTempDir(dir string) Option {
	return func(s *Service) error {
		s.parsers[core.FormatDOCX] = &DOCX{TempDir: dir}
		s.parsers[core.FormatPDF] = &PDF{TempDir: dir}
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		s.logger = logger.With("component", "parser")
		return nil
	}
}

// NewService creates a Service reading documents through opener.
func NewService(opener blob.Opener, opts ...Option) (*Service, error) {
	if opener == nil {
		return nil, errors.New("blob opener is required")
	}
	s := &Service{
		opener: opener,
		parsers: map[core.Format]Parser{
			core.FormatPlainText: PlainText{},
			core.FormatMarkdown:  Markdown{},
			core.FormatHTML:      HTML{},
			core.FormatDOCX:      &DOCX{},
			core.FormatPDF:       &PDF{},
		},
		maxBytes: DefaultMaxBytes,
		logger:   slog.Default().With("component", "parser"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Parse reads the document and returns its text or a *Failure.
// Context errors are returned unchanged. When doc.ContentHash is set the
// bytes read must hash to it, otherwise the document changed after it
// was submitted and the parse fails with ErrContentChanged.
func (s *Service) Parse(ctx context.Context, doc *core.Document) (*Extracted, error) {
	rc, err := s.opener.Open(ctx, doc.SourceRef)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fail(ReasonUnreadable, doc.Format, err)
	}
	defer rc.Close()

	digest, err := blake2b.New(32, nil)
	if err != nil {
		return nil, err
	}
	counter := &limitReader{r: io.TeeReader(rc, digest), remaining: s.maxBytes}
	br := bufio.NewReaderSize(counter, 32*1024)
	head, err := br.Peek(SniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, s.readFailure(ctx, doc.Format, err)
	}
	if len(head) == 0 {
		return nil, fail(ReasonEmpty, doc.Format, errors.New("zero bytes"))
	}

	format, err := Detect(doc.Format, doc.SourceRef, head)
	if err != nil {
		return nil, err
	}
	p, ok := s.parsers[format]
	if !ok {
		return nil, fail(ReasonUnsupportedFormat, format, errors.New("no parser registered"))
	}

	text, err := p.Parse(ctx, br)
	if err != nil {
		var f *Failure
		if errors.As(err, &f) {
			return nil, err
		}
		return nil, s.readFailure(ctx, format, err)
	}

	if doc.ContentHash != "" {
		// parsers may stop before the end of the body
		if _, err := io.Copy(io.Discard, br); err != nil {
			return nil, s.readFailure(ctx, format, err)
		}
		if sum := hex.EncodeToString(digest.Sum(nil)); sum != doc.ContentHash {
			return nil, fail(ReasonUnreadable, format,
				fmt.Errorf("%w: hash %s, submitted %s", ErrContentChanged, sum, doc.ContentHash))
		}
	}

	text = normalize(text)
	if strings.TrimSpace(text) == "" {
		return nil, fail(ReasonEmpty, format, nil)
	}

	s.logger.Debug("parsed document",
		"document_id", doc.ID, "format", format, "bytes", counter.read, "runes", utf8.RuneCountInString(text))

	return &Extracted{
		DocumentID: doc.ID,
		Format:     format,
		Text:       text,
		BytesRead:  counter.read,
	}, nil
}

func (s *Service) readFailure(ctx context.Context, format core.Format, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fail(ReasonUnreadable, format, err)
}

// normalize makes text valid UTF-8 with LF line endings.
func normalize(text string) string {
	text = strings.ToValidUTF8(text, "�")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

var errTooLarge = errors.New("document exceeds maximum size")

// limitReader fails once more than remaining bytes have been read.
type limitReader struct {
	r         io.Reader
	remaining int64
	read      int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// one more byte means the body is over the limit
		var one [1]byte
		n, err := l.r.Read(one[:])
		if n > 0 {
			return 0, errTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	l.remaining -= int64(n)
	return n, err
}
