package sqlite

import (
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names how a body is stored at rest.
type Codec string

const (
	CodecNone Codec = "none"
	CodecLZ4  Codec = "lz4"
	CodecZstd Codec = "zstd"
)

// Bodies smaller than this are stored as-is.
const minCompressSize = 512

var errIncompressible = errors.New("body is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

// SelectCodec picks a codec from the response content type. Text-like
// bodies get zstd, already-compressed media is stored raw and other
// binary content gets lz4.
func SelectCodec(contentType string, size int) Codec {
	if size < minCompressSize {
		return CodecNone
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case strings.HasPrefix(mediaType, "text/"),
		strings.HasSuffix(mediaType, "+json"),
		strings.HasSuffix(mediaType, "+xml"),
		mediaType == "application/json",
		mediaType == "application/javascript",
		mediaType == "application/xml",
		mediaType == "image/svg+xml":
		return CodecZstd
	case strings.HasPrefix(mediaType, "image/"),
		strings.HasPrefix(mediaType, "video/"),
		strings.HasPrefix(mediaType, "audio/"),
		strings.HasPrefix(mediaType, "font/woff"),
		mediaType == "application/zip",
		mediaType == "application/gzip":
		return CodecNone
	default:
		return CodecLZ4
	}
}

// compress encodes body with codec. Incompressible input falls back to CodecNone.
func compress(body []byte, codec Codec) ([]byte, Codec, error) {
	var (
		out []byte
		err error
	)
	switch codec {
	case CodecNone:
		return body, CodecNone, nil
	case CodecZstd:
		out = zstdEncoder.EncodeAll(body, nil)
		if len(out) >= len(body) {
			err = errIncompressible
		}
	case CodecLZ4:
		out, err = compressLZ4(body)
	default:
		return nil, "", fmt.Errorf("unsupported codec %q", codec)
	}
	if errors.Is(err, errIncompressible) {
		return body, CodecNone, nil
	}
	if err != nil {
		return nil, "", err
	}
	return out, codec, nil
}

func compressLZ4(body []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(body)))
	n, err := lz4.CompressBlock(body, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(body) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

// decompress reverses compress. rawSize must be the original length.
func decompress(data []byte, codec Codec, rawSize int) ([]byte, error) {
	switch codec {
	case CodecNone, "":
		if len(data) != rawSize {
			return nil, fmt.Errorf("raw body: size %d, expected %d", len(data), rawSize)
		}
		return data, nil
	case CodecLZ4:
		dst := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != rawSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, rawSize)
		}
		return dst, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}
