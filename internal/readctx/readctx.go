// Package readctx adapts blocking file reads to context cancellation and
// per-read deadlines. Regular files on most platforms do not support
// SetReadDeadline, so each read is raced against a timer and the context
// instead.
package readctx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrReadTimeout is returned when a single read does not complete within
// the configured timeout.
var ErrReadTimeout = errors.New("read timed out")

type readResult struct {
	n   int
	err error
}

// Reader wraps an io.Reader so every Read observes a context and an
// optional timeout. A Read abandoned because of a timeout or cancellation
// keeps running in the background until the underlying reader returns;
// callers should close the underlying file afterwards to unblock it.
type Reader struct {
	ctx     context.Context
	r       io.Reader
	timeout time.Duration
	scratch []byte
}

// NewReader returns a Reader over r. A timeout of zero or less disables
// the per-read deadline, leaving only context cancellation.
func NewReader(ctx context.Context, r io.Reader, timeout time.Duration) *Reader {
	return &Reader{ctx: ctx, r: r, timeout: timeout}
}

// Read implements io.Reader.
func (cr *Reader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	if cr.timeout <= 0 {
		return cr.r.Read(p)
	}

	// The background read must never write into p after we have returned,
	// so it reads into a private buffer that is copied out on success.
	if cap(cr.scratch) < len(p) {
		cr.scratch = make([]byte, len(p))
	}
	buf := cr.scratch[:len(p)]

	done := make(chan readResult, 1)
	go func() {
		n, err := cr.r.Read(buf)
		done <- readResult{n: n, err: err}
	}()

	timer := time.NewTimer(cr.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		copy(p, buf[:res.n])
		return res.n, res.err
	case <-timer.C:
		cr.scratch = nil
		return 0, fmt.Errorf("%w after %s", ErrReadTimeout, cr.timeout)
	case <-cr.ctx.Done():
		cr.scratch = nil
		return 0, cr.ctx.Err()
	}
}

// ReadFile reads the whole file at path through a Reader, so the read can
// be cancelled and each underlying read is bounded by timeout.
func ReadFile(ctx context.Context, path string, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func(file *os.File) {
		_ = file.Close()
	}(file)

	return io.ReadAll(NewReader(ctx, file, timeout))
}
