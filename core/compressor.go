package core

// Compressor defines the interface for compressing and decompressing the
// payload of chunk files and CAS blobs.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}
