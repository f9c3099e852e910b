// Package chunkstore persists session records as independently-writable
// chunk files. Each chunk is replaced atomically (write-to-temp, rename,
// rotating backup), so a crash mid-write can corrupt at most the one chunk
// being written, and its prior version survives as a backup.
package chunkstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/INLOpen/sessionvault/compressors"
	"github.com/INLOpen/sessionvault/core"
	"github.com/INLOpen/sessionvault/sys"
)

// ChunkState distinguishes the three outcomes of reading a chunk file.
// Call sites must never fall back to boolean existence probes.
type ChunkState int

const (
	ChunkAbsent ChunkState = iota
	ChunkPresent
	ChunkCorrupt
)

func (cs ChunkState) String() string {
	switch cs {
	case ChunkAbsent:
		return "absent"
	case ChunkPresent:
		return "present"
	case ChunkCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// ChunkResult is the typed outcome of a chunk read.
type ChunkResult struct {
	State ChunkState
	Data  []byte // decompressed payload, only for ChunkPresent
	Err   error  // detail, only for ChunkCorrupt
}

// Options holds configuration for the store.
type Options struct {
	// Dir is the sessions directory (one subdirectory per session id).
	Dir        string
	Compressor core.Compressor
	Logger     *slog.Logger
}

// Store reads and writes session chunk files. Methods are safe for
// concurrent use on distinct chunks; the persistence queue serializes
// writes to the same chunk.
type Store struct {
	dir        string
	compressor core.Compressor
	logger     *slog.Logger
}

// Open creates or opens the sessions directory.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "ChunkStore")
	} else {
		opts.Logger = opts.Logger.With("component", "ChunkStore")
	}
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewNoCompressionCompressor()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory %s: %w", opts.Dir, err)
	}
	return &Store{
		dir:        opts.Dir,
		compressor: opts.Compressor,
		logger:     opts.Logger,
	}, nil
}

// ChunkFilePath returns the path of one chunk file. Exposed for tests and
// the inspection tool.
func (s *Store) ChunkFilePath(sessionID string, chunk core.ChunkName) string {
	return filepath.Join(s.dir, sessionID, string(chunk)+core.ChunkFileSuffix)
}

// SaveChunk atomically replaces exactly one chunk file with the given
// serialized payload. Other chunks' files are untouched. A rename failure
// is a durability failure: the write was rejected.
func (s *Store) SaveChunk(sessionID string, chunk core.ChunkName, payload []byte) error {
	if !core.KnownChunk(chunk) {
		return fmt.Errorf("unknown chunk name %q", chunk)
	}

	compressed, err := s.compressor.Compress(payload)
	if err != nil {
		return fmt.Errorf("failed to compress chunk %s/%s: %w", sessionID, chunk, err)
	}

	var buf bytes.Buffer
	header := core.NewFileHeader(core.ChunkMagicNumber, s.compressor.Type())
	if err := binary.Write(&buf, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to encode chunk header: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(compressed))); err != nil {
		return fmt.Errorf("failed to encode chunk length: %w", err)
	}
	buf.Write(compressed)
	if err := binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(compressed)); err != nil {
		return fmt.Errorf("failed to encode chunk checksum: %w", err)
	}

	path := s.ChunkFilePath(sessionID, chunk)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &core.DurabilityError{Op: "chunk-mkdir", Err: err}
	}
	if err := sys.AtomicWriteFile(path, buf.Bytes(), sys.AtomicWriteOptions{
		KeepBackup:   true,
		BackupSuffix: core.BackupFileSuffix,
	}); err != nil {
		return &core.DurabilityError{Op: "chunk-replace", Err: err}
	}
	return nil
}

// ReadChunk reads one chunk and reports its typed state. When the primary
// file is corrupt, the rotated backup is tried before giving up.
func (s *Store) ReadChunk(sessionID string, chunk core.ChunkName) ChunkResult {
	path := s.ChunkFilePath(sessionID, chunk)
	result := s.readChunkFile(path)
	if result.State != ChunkCorrupt {
		return result
	}

	s.logger.Warn("Chunk corrupt, trying backup.", "session", sessionID, "chunk", chunk, "error", result.Err)
	backup := s.readChunkFile(path + core.BackupFileSuffix)
	if backup.State == ChunkPresent {
		s.logger.Info("Recovered chunk from backup.", "session", sessionID, "chunk", chunk)
		return backup
	}
	return result
}

func (s *Store) readChunkFile(path string) ChunkResult {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ChunkResult{State: ChunkAbsent}
		}
		return ChunkResult{State: ChunkCorrupt, Err: fmt.Errorf("failed to read chunk file %s: %w", path, err)}
	}

	corrupt := func(detail string) ChunkResult {
		return ChunkResult{State: ChunkCorrupt, Err: &core.CorruptionError{Path: path, Detail: detail}}
	}

	r := bytes.NewReader(raw)
	var header core.FileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return corrupt("truncated at header")
	}
	if header.Magic != core.ChunkMagicNumber {
		return corrupt(fmt.Sprintf("invalid magic number: got %x, want %x", header.Magic, core.ChunkMagicNumber))
	}

	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return corrupt("truncated at payload length")
	}
	if int(length)+4 > r.Len() {
		return corrupt("payload length exceeds file size")
	}
	compressed := make([]byte, length)
	if _, err := r.Read(compressed); err != nil {
		return corrupt("truncated payload")
	}
	var storedChecksum uint32
	if err := binary.Read(r, binary.LittleEndian, &storedChecksum); err != nil {
		return corrupt("truncated at checksum")
	}
	if computed := crc32.ChecksumIEEE(compressed); computed != storedChecksum {
		return corrupt(fmt.Sprintf("checksum mismatch: got %x, want %x", computed, storedChecksum))
	}

	compressor, err := compressors.ForType(header.CompressorType)
	if err != nil {
		return corrupt(err.Error())
	}
	payload, err := compressor.Decompress(compressed)
	if err != nil {
		return corrupt(fmt.Sprintf("decompress failed: %v", err))
	}
	return ChunkResult{State: ChunkPresent, Data: payload}
}

// LoadMetadata returns only the metadata chunk. Its latency is independent
// of session size: no data chunk is touched.
func (s *Store) LoadMetadata(sessionID string) (core.SessionMetadata, error) {
	var md core.SessionMetadata
	result := s.ReadChunk(sessionID, core.ChunkMetadata)
	switch result.State {
	case ChunkAbsent:
		return md, fmt.Errorf("session %s: %w", sessionID, core.ErrNotFound)
	case ChunkCorrupt:
		return md, result.Err
	}
	if err := json.Unmarshal(result.Data, &md); err != nil {
		return md, &core.CorruptionError{
			Path:   s.ChunkFilePath(sessionID, core.ChunkMetadata),
			Detail: fmt.Sprintf("metadata unmarshal failed: %v", err),
		}
	}
	return md, nil
}

// LoadFull merges the metadata chunk with all data chunks. A corrupt data
// chunk is logged and skipped so one bad file never takes the whole session
// with it.
func (s *Store) LoadFull(sessionID string) (core.SessionRecord, error) {
	md, err := s.LoadMetadata(sessionID)
	if err != nil {
		return core.SessionRecord{}, err
	}
	record := core.SessionRecord{Metadata: md}

	for _, chunk := range core.DataChunks {
		result := s.ReadChunk(sessionID, chunk)
		switch result.State {
		case ChunkAbsent:
			continue
		case ChunkCorrupt:
			s.logger.Warn("Skipping corrupt chunk during full load.",
				"session", sessionID, "chunk", chunk, "error", result.Err)
			continue
		}

		var unmarshalErr error
		switch chunk {
		case core.ChunkScreenshots:
			unmarshalErr = json.Unmarshal(result.Data, &record.Screenshots)
		case core.ChunkAudio:
			unmarshalErr = json.Unmarshal(result.Data, &record.AudioSegs)
		case core.ChunkVideo:
			unmarshalErr = json.Unmarshal(result.Data, &record.Video)
		case core.ChunkSummary:
			unmarshalErr = json.Unmarshal(result.Data, &record.Summary)
		}
		if unmarshalErr != nil {
			s.logger.Warn("Skipping undecodable chunk during full load.",
				"session", sessionID, "chunk", chunk, "error", unmarshalErr)
		}
	}
	return record, nil
}

// Delete removes all chunk files (and backups) of a session and returns the
// attachment hashes the session held, so the caller can release its CAS
// references. Sessions are never partially deleted.
func (s *Store) Delete(sessionID string) ([]string, error) {
	hashes := s.collectAttachmentHashes(sessionID)

	sessionDir := filepath.Join(s.dir, sessionID)
	if _, err := os.Stat(sessionDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("session %s: %w", sessionID, core.ErrNotFound)
	}
	if err := sys.RemoveAllQuiet(sessionDir); err != nil {
		return nil, &core.DurabilityError{Op: "session-delete", Err: err}
	}
	return hashes, nil
}

func (s *Store) collectAttachmentHashes(sessionID string) []string {
	var hashes []string

	if result := s.ReadChunk(sessionID, core.ChunkScreenshots); result.State == ChunkPresent {
		var shots []core.Screenshot
		if err := json.Unmarshal(result.Data, &shots); err == nil {
			for _, shot := range shots {
				hashes = append(hashes, shot.AttachmentID)
			}
		}
	}
	if result := s.ReadChunk(sessionID, core.ChunkAudio); result.State == ChunkPresent {
		var segs []core.AudioSegment
		if err := json.Unmarshal(result.Data, &segs); err == nil {
			for _, seg := range segs {
				hashes = append(hashes, seg.AttachmentID)
			}
		}
	}
	if result := s.ReadChunk(sessionID, core.ChunkVideo); result.State == ChunkPresent {
		var video core.VideoRef
		if err := json.Unmarshal(result.Data, &video); err == nil && video.AttachmentID != "" {
			hashes = append(hashes, video.AttachmentID)
		}
	}
	return hashes
}

// ListSessions returns the ids of all sessions on disk.
func (s *Store) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}
