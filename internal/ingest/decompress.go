package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/basekick-labs/lpdecode/internal/metrics"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// MaxDecompressedSize caps every decompressed payload
const MaxDecompressedSize = 100 * 1024 * 1024 // 100MB

// ErrPayloadTooLarge is returned when a payload decompresses past MaxDecompressedSize
var ErrPayloadTooLarge = errors.New("decompressed payload exceeds 100MB limit")

// Pool for gzip readers - avoids allocating ~32KB internal decompression state per request
var gzipReaderPool = sync.Pool{}

var (
	zstdDecoder     *zstd.Decoder
	zstdDecoderErr  error
	zstdDecoderOnce sync.Once
)

// sharedZstdDecoder returns a decoder used only through DecodeAll, which is safe for
// concurrent use.
func sharedZstdDecoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(MaxDecompressedSize),
		)
	})
	return zstdDecoder, zstdDecoderErr
}

// IsGzip reports whether data starts with the gzip magic number
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// IsZstd reports whether data starts with the zstd frame magic number
func IsZstd(data []byte) bool {
	return len(data) >= 4 && data[0] == 0x28 && data[1] == 0xB5 && data[2] == 0x2F && data[3] == 0xFD
}

// Decompress returns body as plain text. contentEncoding is the Content-Encoding header
// value, which may be empty; the magic number is checked either way so clients that
// forget the header still work. Unknown encodings are an error.
func Decompress(body []byte, contentEncoding string) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))

	switch {
	case encoding == "gzip" || encoding == "x-gzip" || (encoding == "" && IsGzip(body)):
		metrics.Get().IncPayloadGzip()
		out, err := decompressGzip(body)
		if err != nil {
			metrics.Get().IncDecompressErrors()
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return out, nil
	case encoding == "zstd" || (encoding == "" && IsZstd(body)):
		metrics.Get().IncPayloadZstd()
		out, err := decompressZstd(body)
		if err != nil {
			metrics.Get().IncDecompressErrors()
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	case encoding == "" || encoding == "identity":
		return body, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
}

// decompressGzip decompresses gzip data using pooled readers to minimize allocations.
// klauspost gzip.Reader has ~32KB internal state that can be reused via Reset().
func decompressGzip(data []byte) ([]byte, error) {
	var reader *gzip.Reader
	var err error
	if pooled := gzipReaderPool.Get(); pooled != nil {
		reader = pooled.(*gzip.Reader)
		err = reader.Reset(bytes.NewReader(data))
	} else {
		reader, err = gzip.NewReader(bytes.NewReader(data))
	}
	if err != nil {
		if reader != nil {
			gzipReaderPool.Put(reader)
		}
		return nil, err
	}
	defer gzipReaderPool.Put(reader)

	result, err := io.ReadAll(io.LimitReader(reader, MaxDecompressedSize+1))
	if err != nil {
		return nil, err
	}
	if len(result) > MaxDecompressedSize {
		return nil, ErrPayloadTooLarge
	}
	return result, nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := sharedZstdDecoder()
	if err != nil {
		return nil, err
	}
	result, err := dec.DecodeAll(data, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, ErrPayloadTooLarge
		}
		return nil, err
	}
	if len(result) > MaxDecompressedSize {
		return nil, ErrPayloadTooLarge
	}
	return result, nil
}
