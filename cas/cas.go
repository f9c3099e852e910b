// Package cas implements the content-addressable store for binary
// attachments. Blobs are keyed by the SHA-256 of their content, stored
// physically once, and reference-counted by the logical owners (sessions)
// that point at them.
package cas

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"expvar"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/INLOpen/sessionvault/compressors"
	"github.com/INLOpen/sessionvault/core"
	"github.com/INLOpen/sessionvault/sys"
)

const blobsDirName = "blobs"

// Options holds configuration for the store.
type Options struct {
	Dir        string
	Compressor core.Compressor
	Logger     *slog.Logger

	// Metrics, injected by the engine.
	StoredBlobs *expvar.Int // unique blobs physically written
	DedupHits   *expvar.Int // stores resolved by an existing blob
}

// Store is the content-addressable blob store. All methods are safe for
// concurrent use.
type Store struct {
	mu         sync.Mutex
	dir        string
	compressor core.Compressor
	logger     *slog.Logger

	refs    map[string]int64
	zeroRef map[string]struct{} // eligible for physical deletion

	metricsStoredBlobs *expvar.Int
	metricsDedupHits   *expvar.Int
}

// Open creates or opens a CAS directory and loads the refcount table.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "CAS")
	} else {
		opts.Logger = opts.Logger.With("component", "CAS")
	}
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewNoCompressionCompressor()
	}

	if err := os.MkdirAll(filepath.Join(opts.Dir, blobsDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create CAS directory %s: %w", opts.Dir, err)
	}

	s := &Store{
		dir:                opts.Dir,
		compressor:         opts.Compressor,
		logger:             opts.Logger,
		refs:               make(map[string]int64),
		zeroRef:            make(map[string]struct{}),
		metricsStoredBlobs: opts.StoredBlobs,
		metricsDedupHits:   opts.DedupHits,
	}
	if err := s.loadRefCounts(); err != nil {
		return nil, err
	}
	return s, nil
}

// HashOf computes the content hash used as the blob key.
func HashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store writes data into the store and returns its content hash. Identical
// content is written physically exactly once: a repeated store only
// increments the reference count.
func (s *Store) Store(data []byte) (string, error) {
	hash := HashOf(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if count, ok := s.refs[hash]; ok && count > 0 {
		s.refs[hash] = count + 1
		if err := s.persistRefCountsLocked(); err != nil {
			s.refs[hash] = count
			return "", err
		}
		if s.metricsDedupHits != nil {
			s.metricsDedupHits.Add(1)
		}
		return hash, nil
	}

	// A zero-ref blob may still exist on disk if Vacuum has not run yet;
	// rewriting it is harmless and keeps this path simple.
	if err := s.writeBlobLocked(hash, data); err != nil {
		return "", err
	}
	s.refs[hash] = 1
	delete(s.zeroRef, hash)
	if err := s.persistRefCountsLocked(); err != nil {
		delete(s.refs, hash)
		return "", err
	}
	if s.metricsStoredBlobs != nil {
		s.metricsStoredBlobs.Add(1)
	}
	return hash, nil
}

// Load reads a blob back by its content hash. The hash of the decompressed
// bytes is re-verified; a mismatch is reported as corruption, not served.
func (s *Store) Load(hash string) ([]byte, error) {
	path := s.blobPath(hash)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("attachment %s: %w", hash, core.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", hash, err)
	}

	data, err := decodeBlob(path, raw)
	if err != nil {
		return nil, err
	}
	if HashOf(data) != hash {
		return nil, &core.CorruptionError{Path: path, Detail: "content hash mismatch"}
	}
	return data, nil
}

// Release decrements the reference count for hash. At zero the blob becomes
// eligible for physical deletion by the next Vacuum; the bytes stay on disk
// until then.
func (s *Store) Release(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, ok := s.refs[hash]
	if !ok || count <= 0 {
		return fmt.Errorf("attachment %s: %w", hash, core.ErrNotFound)
	}
	s.refs[hash] = count - 1
	if s.refs[hash] == 0 {
		s.zeroRef[hash] = struct{}{}
	}
	return s.persistRefCountsLocked()
}

// RefCount returns the current reference count for hash (0 if unknown).
func (s *Store) RefCount(hash string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[hash]
}

// Vacuum physically deletes blobs whose reference count reached zero.
// Returns the number of blobs removed.
func (s *Store) Vacuum() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for hash := range s.zeroRef {
		if s.refs[hash] > 0 {
			delete(s.zeroRef, hash)
			continue
		}
		if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) {
			s.logger.Error("Failed to delete zero-ref blob.", "hash", hash, "error", err)
			continue
		}
		delete(s.zeroRef, hash)
		delete(s.refs, hash)
		removed++
	}
	if removed > 0 {
		if err := s.persistRefCountsLocked(); err != nil {
			return removed, err
		}
		s.logger.Info("Vacuumed zero-ref blobs.", "count", removed)
	}
	return removed, nil
}

// Verify recomputes the content hash of every referenced blob and returns
// the hashes whose stored bytes no longer match. Missing blobs with a
// positive refcount are also flagged.
func (s *Store) Verify() ([]string, error) {
	s.mu.Lock()
	hashes := make([]string, 0, len(s.refs))
	for hash, count := range s.refs {
		if count > 0 {
			hashes = append(hashes, hash)
		}
	}
	s.mu.Unlock()

	var corrupt []string
	for _, hash := range hashes {
		if _, err := s.Load(hash); err != nil {
			corrupt = append(corrupt, hash)
			s.logger.Warn("CAS verification flagged blob.", "hash", hash, "error", err)
		}
	}
	return corrupt, nil
}

// Len returns the number of tracked hashes (including zero-ref ones awaiting
// vacuum).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}

// Close persists the refcount table.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistRefCountsLocked()
}

func (s *Store) blobPath(hash string) string {
	prefix := "xx"
	if len(hash) >= 2 {
		prefix = hash[:2]
	}
	return filepath.Join(s.dir, blobsDirName, prefix, hash+core.BlobFileSuffix)
}

func (s *Store) writeBlobLocked(hash string, data []byte) error {
	compressed, err := s.compressor.Compress(data)
	if err != nil {
		return fmt.Errorf("failed to compress blob %s: %w", hash, err)
	}

	var buf bytes.Buffer
	header := core.NewFileHeader(core.BlobMagicNumber, s.compressor.Type())
	if err := binary.Write(&buf, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to encode blob header: %w", err)
	}
	buf.Write(compressed)

	path := s.blobPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := sys.AtomicWriteFile(path, buf.Bytes(), sys.AtomicWriteOptions{}); err != nil {
		return fmt.Errorf("failed to write blob %s: %w", hash, err)
	}
	return nil
}

func decodeBlob(path string, raw []byte) ([]byte, error) {
	r := bytes.NewReader(raw)
	var header core.FileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, &core.CorruptionError{Path: path, Detail: "blob truncated at header"}
	}
	if header.Magic != core.BlobMagicNumber {
		return nil, &core.CorruptionError{
			Path:   path,
			Detail: fmt.Sprintf("invalid magic number: got %x, want %x", header.Magic, core.BlobMagicNumber),
		}
	}

	compressor, err := compressors.ForType(header.CompressorType)
	if err != nil {
		return nil, &core.CorruptionError{Path: path, Detail: err.Error()}
	}
	payload := raw[len(raw)-r.Len():]
	data, err := compressor.Decompress(payload)
	if err != nil {
		return nil, &core.CorruptionError{Path: path, Detail: fmt.Sprintf("decompress failed: %v", err)}
	}
	return data, nil
}

// --- refcount table persistence ---

// Layout: magic (4) | count (4) | entries of hashLen (uvarint) | hash |
// refcount (uvarint). Written atomically on every mutation; the table is
// small (one row per unique attachment).
func (s *Store) persistRefCountsLocked() error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, core.RefCountMagicNumber); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(s.refs))); err != nil {
		return err
	}
	var varBuf [binary.MaxVarintLen64]byte
	for hash, count := range s.refs {
		n := binary.PutUvarint(varBuf[:], uint64(len(hash)))
		buf.Write(varBuf[:n])
		buf.WriteString(hash)
		n = binary.PutUvarint(varBuf[:], uint64(count))
		buf.Write(varBuf[:n])
	}

	path := filepath.Join(s.dir, core.RefCountFileName)
	if err := sys.AtomicWriteFile(path, buf.Bytes(), sys.AtomicWriteOptions{}); err != nil {
		return fmt.Errorf("failed to persist refcount table: %w", err)
	}
	return nil
}

func (s *Store) loadRefCounts() error {
	path := filepath.Join(s.dir, core.RefCountFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // fresh store
		}
		return fmt.Errorf("failed to read refcount table: %w", err)
	}

	r := bytes.NewReader(data)
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil || magic != core.RefCountMagicNumber {
		// A corrupt table degrades to an empty one; Verify can rebuild
		// confidence in what is actually on disk.
		s.logger.Warn("Refcount table unreadable, starting empty.", "path", path)
		return nil
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		s.logger.Warn("Refcount table truncated, starting empty.", "path", path)
		return nil
	}
	for i := uint32(0); i < count; i++ {
		hashLen, err := binary.ReadUvarint(r)
		if err != nil {
			break
		}
		hashBytes := make([]byte, hashLen)
		if _, err := r.Read(hashBytes); err != nil {
			break
		}
		refCount, err := binary.ReadUvarint(r)
		if err != nil {
			break
		}
		s.refs[string(hashBytes)] = int64(refCount)
		if refCount == 0 {
			s.zeroRef[string(hashBytes)] = struct{}{}
		}
	}
	return nil
}
