package format

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Compression names the stream wrapper around a tar archive.
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionGzip  Compression = "gzip"
	CompressionBzip2 Compression = "bzip2"
	CompressionXZ    Compression = "xz"
	CompressionZstd  Compression = "zstd"
	CompressionLZ4   Compression = "lz4"
)

var magics = []struct {
	prefix      []byte
	compression Compression
}{
	{[]byte{0x1F, 0x8B}, CompressionGzip},
	{[]byte{0x42, 0x5A, 0x68}, CompressionBzip2},
	{[]byte{0xFD, '7', 'z', 'X', 'Z', 0x00}, CompressionXZ},
	{[]byte{0x28, 0xB5, 0x2F, 0xFD}, CompressionZstd},
	{[]byte{0x04, 0x22, 0x4D, 0x18}, CompressionLZ4},
}

// SniffCompression reports the wrapper indicated by the leading bytes.
func SniffCompression(head []byte) Compression {
	for _, m := range magics {
		if bytes.HasPrefix(head, m.prefix) {
			return m.compression
		}
	}
	return CompressionNone
}

// Decompress sniffs r and returns a reader over the unwrapped stream. The
// returned close func releases decoder resources; it does not close r.
func Decompress(r io.Reader) (io.Reader, Compression, func(), error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(6)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, CompressionNone, nil, fmt.Errorf("peek: %w", err)
	}

	noop := func() {}
	compression := SniffCompression(head)
	switch compression {
	case CompressionGzip:
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, compression, nil, fmt.Errorf("open gzip: %w", err)
		}
		return gr, compression, func() { _ = gr.Close() }, nil
	case CompressionBzip2:
		return bzip2.NewReader(br), compression, noop, nil
	case CompressionXZ:
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, compression, nil, fmt.Errorf("open xz: %w", err)
		}
		return xr, compression, noop, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, compression, nil, fmt.Errorf("open zstd: %w", err)
		}
		return zr, compression, zr.Close, nil
	case CompressionLZ4:
		return lz4.NewReader(br), compression, noop, nil
	}
	return br, CompressionNone, noop, nil
}
