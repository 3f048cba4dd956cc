// Package framecodec compresses subscription tail frames with zstd
// when the subscriber advertises support for it, per SPEC_FULL.md §11
// ("Subscription tail frames are zstd-compressed on the wire when the
// subscriber sends Accept-Encoding: zstd"). It never touches blob
// bytes, which must stay byte-identical to their stored hash.
package framecodec

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Compression names the encoding applied to a frame body, carried on
// the wire as the Content-Encoding header.
type Compression string

const (
	CompressionNone Compression = "identity"
	CompressionZstd Compression = "zstd"
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("framecodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("framecodec: init zstd decoder: %v", err))
	}
}

// Compress zstd-compresses data and reports the compression used.
func Compress(data []byte) ([]byte, Compression) {
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return compressed, CompressionZstd
}

// Decompress reverses Compress. CompressionNone returns data unchanged.
func Decompress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone, "":
		return data, nil
	default:
		return nil, fmt.Errorf("framecodec: unsupported compression: %q", compression)
	}
}

// NegotiateCompression picks the best compression the client accepts,
// given the raw Accept-Encoding header value.
func NegotiateCompression(acceptEncoding string) Compression {
	for _, tok := range strings.Split(acceptEncoding, ",") {
		if strings.TrimSpace(tok) == string(CompressionZstd) {
			return CompressionZstd
		}
	}
	return CompressionNone
}
