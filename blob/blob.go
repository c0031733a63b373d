package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
)

var (
	// ErrNotFound is returned when the referenced object does not exist.
	ErrNotFound = errors.New("blob not found")
	// ErrUnsupportedScheme is returned for references with no registered source.
	ErrUnsupportedScheme = errors.New("unsupported blob scheme")
	// ErrInvalidRef is returned for references that cannot be parsed.
	ErrInvalidRef = errors.New("invalid blob reference")
)

const (
	SchemeFile = "file"
	SchemeGCS  = "gs"
	SchemeS3   = "s3"
)

// Location is a parsed source reference.
type Location struct {
	Scheme string
	Bucket string // empty for local files
	Key    string // object key or file path
}

func (l Location) String() string {
	if l.Scheme == SchemeFile {
		return l.Key
	}
	return l.Scheme + "://" + l.Bucket + "/" + l.Key
}

// Source opens objects of one scheme.
type Source interface {
	Open(ctx context.Context, loc Location) (io.ReadCloser, error)
}

// Opener opens a raw source reference.
type Opener interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// ParseRef splits a source reference into its location.
// References without a scheme are local paths.
func ParseRef(ref string) (Location, error) {
	if strings.TrimSpace(ref) == "" {
		return Location{}, fmt.Errorf("%w: empty reference", ErrInvalidRef)
	}
	if !strings.Contains(ref, "://") {
		return Location{Scheme: SchemeFile, Key: ref}, nil
	}

	u, err := url.Parse(ref)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %w", ErrInvalidRef, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == SchemeFile {
		if u.Path == "" {
			return Location{}, fmt.Errorf("%w: %q has no path", ErrInvalidRef, ref)
		}
		return Location{Scheme: SchemeFile, Key: u.Path}, nil
	}

	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return Location{}, fmt.Errorf("%w: %q needs a bucket and key", ErrInvalidRef, ref)
	}
	return Location{Scheme: scheme, Bucket: u.Host, Key: key}, nil
}

// Router dispatches references to sources by scheme.
type Router struct {
	sources map[string]Source
	logger  *slog.Logger
}

var _ Opener = (*Router)(nil)

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithSource registers src for scheme, replacing any previous source.
func WithSource(scheme string, src Source) RouterOption {
	return func(r *Router) {
		r.sources[strings.ToLower(scheme)] = src
	}
}

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger.With("component", "blob")
	}
}

// NewRouter returns a router that serves local files plus the given sources.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		sources: map[string]Source{SchemeFile: &FileSource{}},
		logger:  slog.Default().With("component", "blob"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open resolves ref and opens it.
func (r *Router) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	loc, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	src, ok := r.sources[loc.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, loc.Scheme)
	}
	r.logger.Debug("opening blob", "location", loc.String())
	return src.Open(ctx, loc)
}

// Schemes lists the registered schemes.
func (r *Router) Schemes() []string {
	out := make([]string, 0, len(r.sources))
	for scheme := range r.sources {
		out = append(out, scheme)
	}
	return out
}
