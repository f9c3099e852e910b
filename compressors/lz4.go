package compressors

import (
	"encoding/binary"
	"fmt"

	lz4 "github.com/pierrec/lz4/v4"

	"github.com/INLOpen/sessionvault/core"
)

// Block layout: uvarint(origSize) | flag (1 byte) | body. The lz4 block
// format does not store the original size, and CompressBlock refuses to
// expand incompressible input, so we carry both ourselves.
const (
	lz4BlockCompressed byte = 1
	lz4BlockRaw        byte = 0
)

// LZ4Compressor implements core.Compressor using LZ4 block compression.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLZ4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var sizeBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(sizeBuf[:], uint64(len(data)))

	dst := make([]byte, n+1+lz4.CompressBlockBound(len(data)))
	copy(dst, sizeBuf[:n])

	written, err := lz4.CompressBlock(data, dst[n+1:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if written == 0 && len(data) > 0 {
		// Incompressible input: store it raw.
		dst[n] = lz4BlockRaw
		written = copy(dst[n+1:], data)
	} else {
		dst[n] = lz4BlockCompressed
	}
	return dst[:n+1+written], nil
}

func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	origSize, n := binary.Uvarint(data)
	if n <= 0 || len(data) < n+1 {
		return nil, fmt.Errorf("lz4 decompress error: malformed block prefix")
	}
	flag, body := data[n], data[n+1:]
	if origSize == 0 {
		return nil, nil
	}
	dst := make([]byte, origSize)
	switch flag {
	case lz4BlockRaw:
		if uint64(len(body)) != origSize {
			return nil, fmt.Errorf("lz4 decompress error: raw block size mismatch")
		}
		copy(dst, body)
		return dst, nil
	case lz4BlockCompressed:
		written, err := lz4.UncompressBlock(body, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress error: %w", err)
		}
		return dst[:written], nil
	default:
		return nil, fmt.Errorf("lz4 decompress error: unknown block flag %d", flag)
	}
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
