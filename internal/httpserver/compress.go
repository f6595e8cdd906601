package httpserver

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Decompressor wraps r with the decoding for one Content-Encoding token.
type Decompressor func(r io.Reader) (io.ReadCloser, error)

// compressRegistry maps a recognized Content-Encoding value to its
// decompressor, consulted during body reading (§4.2 "if the headers
// indicated a compressed encoding recognized by the server's compress
// registry, the matching decompressor is applied in place").
var compressRegistry = map[string]Decompressor{
	"gzip": func(r io.Reader) (io.ReadCloser, error) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("httpserver: opening gzip body: %w", err)
		}
		return zr, nil
	},
	"zstd": func(r io.Reader) (io.ReadCloser, error) {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("httpserver: opening zstd body: %w", err)
		}
		return zr.IOReadCloser(), nil
	},
}

func decompressorFor(encoding string) (Decompressor, bool) {
	d, ok := compressRegistry[encoding]
	return d, ok
}
