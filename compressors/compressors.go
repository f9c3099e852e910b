// Package compressors provides the core.Compressor implementations used for
// chunk file and CAS blob payloads.
package compressors

import (
	"fmt"

	"github.com/INLOpen/sessionvault/core"
)

// ForType returns a compressor for the given type identifier. Used when
// reading files back: the FileHeader records which compressor wrote them.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return NewNoCompressionCompressor(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLZ4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("unknown compression type: %d", ct)
	}
}
