package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSSource opens Google Cloud Storage objects.
type GCSSource struct {
	client *storage.Client
}

var _ Source = (*GCSSource)(nil)

// NewGCSSource creates a source using application default credentials.
func NewGCSSource(ctx context.Context) (*GCSSource, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	return &GCSSource{client: client}, nil
}

// NewGCSSourceFromClient wraps an existing client.
func NewGCSSourceFromClient(client *storage.Client) *GCSSource {
	return &GCSSource{client: client}
}

// Open streams the object.
func (s *GCSSource) Open(ctx context.Context, loc Location) (io.ReadCloser, error) {
	r, err := s.client.Bucket(loc.Bucket).Object(loc.Key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, loc)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs open %s: %w", loc, err)
	}
	return r, nil
}

// Close releases the client.
func (s *GCSSource) Close() error {
	return s.client.Close()
}
