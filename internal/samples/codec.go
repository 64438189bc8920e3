package samples

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	errs "github.com/copyleftdev/hybridml/internal/errors"
)

// Codec is the compression applied to a sample file.
type Codec int

const (
	CodecNone Codec = iota
	CodecGzip
	CodecZstd
	CodecLZ4
)

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLZ4  = []byte{0x04, 0x22, 0x4d, 0x18}
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecGzip:
		return "gzip"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("Codec(%d)", int(c))
	}
}

// ParseCodec maps a codec name to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "none", "plain", "csv":
		return CodecNone, nil
	case "gzip", "gz":
		return CodecGzip, nil
	case "zstd", "zst":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return CodecNone, errs.Errorf("unknown codec %q", name).WithOperation("ParseCodec").WithComponent("samples")
	}
}

// CodecForPath picks the codec matching the file extension of path.
func CodecForPath(path string) Codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		return CodecGzip
	case ".zst", ".zstd":
		return CodecZstd
	case ".lz4":
		return CodecLZ4
	default:
		return CodecNone
	}
}

// detect sniffs the codec from the leading magic bytes without consuming
// them.
func detect(br *bufio.Reader) Codec {
	head, _ := br.Peek(4)
	switch {
	case bytes.HasPrefix(head, magicZstd):
		return CodecZstd
	case bytes.HasPrefix(head, magicLZ4):
		return CodecLZ4
	case bytes.HasPrefix(head, magicGzip):
		return CodecGzip
	default:
		return CodecNone
	}
}

func decompressor(r io.Reader, c Codec) (io.ReadCloser, error) {
	switch c {
	case CodecGzip:
		return gzip.NewReader(r)
	case CodecZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return io.NopCloser(r), nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressor(w io.Writer, c Codec) (io.WriteCloser, error) {
	switch c {
	case CodecGzip:
		return gzip.NewWriter(w), nil
	case CodecZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	case CodecNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, errs.Errorf("unknown codec %d", int(c)).WithOperation("compressor").WithComponent("samples")
	}
}
