package parser

import (
	"context"
	"io"
	"os"
)

// spool copies r into a temporary file for formats that need random
// access. The caller must call the returned cleanup.
func spool(ctx context.Context, dir string, r io.Reader) (*os.File, int64, func(), error) {
	f, err := os.CreateTemp(dir, "docingest-*.spool")
	if err != nil {
		return nil, 0, func() {}, err
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}

	n, err := io.Copy(f, ctxReader{ctx: ctx, r: r})
	if err != nil {
		cleanup()
		return nil, 0, func() {}, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, func() {}, err
	}
	return f, n, cleanup, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
