package templating

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

func TestCompressBytes(t *testing.T) {
	data := []byte(strings.Repeat("<div>asset</div>", 256))

	t.Run("Gzip", func(t *testing.T) {
		compressed, err := compressBytes(CompressGzip, data)
		if err != nil {
			t.Fatalf("compressBytes failed: %v", err)
		}
		r, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			t.Fatalf("gzip.NewReader failed: %v", err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("failed to decompress: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Error("gzip sidecar does not decompress to the artifact")
		}
	})

	t.Run("Zstd", func(t *testing.T) {
		compressed, err := compressBytes(CompressZstd, data)
		if err != nil {
			t.Fatalf("compressBytes failed: %v", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			t.Fatalf("zstd.NewReader failed: %v", err)
		}
		defer dec.Close()
		got, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			t.Fatalf("failed to decompress: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Error("zstd sidecar does not decompress to the artifact")
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		if _, err := compressBytes("lzma", data); !errors.Is(err, ErrUnknownCompression) {
			t.Errorf("expected ErrUnknownCompression, got %v", err)
		}
	})
}

func TestSidecarPath(t *testing.T) {
	if got := SidecarPath("build/index.html", CompressGzip); got != "build/index.html.gz" {
		t.Errorf("unexpected gzip sidecar path %q", got)
	}
	if got := SidecarPath("build/index.html", CompressZstd); got != "build/index.html.zst" {
		t.Errorf("unexpected zstd sidecar path %q", got)
	}
}
