package checksum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/CTAG07/sgpbuild/internal/readctx"
	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultChunkSize is the number of bytes fed to the hash per read.
	DefaultChunkSize = 64 * 1024
	// DefaultReadTimeout bounds a single chunk read.
	DefaultReadTimeout = 30 * time.Second
	// DefaultReadRetries is how many times a failed digest is retried.
	DefaultReadRetries = 2
)

// Digester produces the hex digest of a single file.
// Implementations must be safe for concurrent use.
type Digester interface {
	Digest(ctx context.Context, path string, newHash HashFunc) (string, error)
}

// StreamDigester hashes files incrementally, one chunk at a time, so peak
// memory is bounded by the chunk size rather than the file size.
// Transient failures are retried with exponential backoff; missing files
// and cancellation are not.
type StreamDigester struct {
	ChunkSize   int
	ReadTimeout time.Duration
	Retries     uint64

	// RetryInterval is the first backoff interval. Zero uses the backoff
	// library's default.
	RetryInterval time.Duration
}

// NewStreamDigester returns a StreamDigester with the default chunk size,
// read timeout and retry count.
func NewStreamDigester() *StreamDigester {
	return &StreamDigester{
		ChunkSize:   DefaultChunkSize,
		ReadTimeout: DefaultReadTimeout,
		Retries:     DefaultReadRetries,
	}
}

// Digest implements Digester.
func (d *StreamDigester) Digest(ctx context.Context, path string, newHash HashFunc) (string, error) {
	var sum string
	operation := func() error {
		s, err := d.digestOnce(ctx, path, newHash)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		sum = s
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	if d.RetryInterval > 0 {
		expBackoff.InitialInterval = d.RetryInterval
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, d.Retries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}
	return sum, nil
}

func (d *StreamDigester) digestOnce(ctx context.Context, path string, newHash HashFunc) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer func(file *os.File) {
		_ = file.Close()
	}(file)

	chunkSize := d.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	hasher := newHash()
	reader := readctx.NewReader(ctx, file, d.ReadTimeout)
	chunk := make([]byte, chunkSize)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			hasher.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
