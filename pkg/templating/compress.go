package templating

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Sidecar formats accepted in Options.Compress.
const (
	CompressGzip = "gzip"
	CompressZstd = "zstd"
)

// ErrUnknownCompression is returned for sidecar formats other than gzip and zstd.
var ErrUnknownCompression = errors.New("unknown compression format")

// ValidCompression reports whether format is a supported sidecar format.
func ValidCompression(format string) bool {
	return format == CompressGzip || format == CompressZstd
}

// SidecarPath returns where the compressed copy of dest is written.
func SidecarPath(dest, format string) string {
	switch format {
	case CompressGzip:
		return dest + ".gz"
	case CompressZstd:
		return dest + ".zst"
	default:
		return dest
	}
}

// compressBytes encodes data at the format's strongest level; artifacts are
// compressed once at build time and served many times.
func compressBytes(format string, data []byte) ([]byte, error) {
	switch format {
	case CompressGzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if err != nil {
			return nil, err
		}
		if _, err = w.Write(data); err != nil {
			return nil, err
		}
		if err = w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return nil, err
		}
		defer func(enc *zstd.Encoder) {
			_ = enc.Close()
		}(enc)
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, format)
	}
}
