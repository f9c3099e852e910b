package core

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes constants related to file formats, magic numbers,
// and other identifiers used across the storage engine.

// --- Magic Numbers ---
const (
	// WALMagicNumber identifies a Write-Ahead Log segment file.
	WALMagicNumber uint32 = 0x53564C57 // "SVLW"
	// ChunkMagicNumber identifies a session chunk file.
	ChunkMagicNumber uint32 = 0x53564348 // "SVCH"
	// BlobMagicNumber identifies a CAS blob file.
	BlobMagicNumber uint32 = 0x53564250 // "SVBP"
	// RefCountMagicNumber identifies the CAS reference-count table file.
	RefCountMagicNumber uint32 = 0x53565246 // "SVRF"
	// CheckpointMagicNumber identifies the checkpoint marker file.
	CheckpointMagicNumber uint32 = 0x53564B50 // "SVKP"
)

// --- File Names & Suffixes ---
const (
	// WALDirName is the subdirectory holding WAL segments.
	WALDirName = "wal"
	// WALFileSuffix is the suffix for WAL segment files.
	WALFileSuffix = ".wal"
	// CheckpointFileName is the name of the checkpoint marker file.
	CheckpointFileName = "CHECKPOINT"
	// SessionsDirName is the subdirectory holding per-session chunk files.
	SessionsDirName = "sessions"
	// CASDirName is the subdirectory holding content-addressed blobs.
	CASDirName = "cas"
	// RefCountFileName is the name of the CAS reference-count table.
	RefCountFileName = "REFCOUNTS"
	// ChunkFileSuffix is the suffix for chunk files.
	ChunkFileSuffix = ".chunk"
	// BackupFileSuffix is appended to the prior version of a replaced chunk.
	BackupFileSuffix = ".bak"
	// BlobFileSuffix is the suffix for CAS blob files.
	BlobFileSuffix = ".blob"
)

// FormatVersion is the current version for all persistent file formats.
const FormatVersion uint8 = 1

// ChunkName identifies one independently-writable slice of a session record.
type ChunkName string

const (
	ChunkMetadata    ChunkName = "metadata"
	ChunkScreenshots ChunkName = "screenshots"
	ChunkAudio       ChunkName = "audio"
	ChunkVideo       ChunkName = "video"
	ChunkSummary     ChunkName = "summary"
)

// DataChunks lists every chunk except metadata, in canonical order.
var DataChunks = []ChunkName{ChunkScreenshots, ChunkAudio, ChunkVideo, ChunkSummary}

// KnownChunk reports whether name is one of the defined chunk names.
func KnownChunk(name ChunkName) bool {
	switch name {
	case ChunkMetadata, ChunkScreenshots, ChunkAudio, ChunkVideo, ChunkSummary:
		return true
	}
	return false
}

// ChunkKey builds the WAL collection key for one chunk of one session.
func ChunkKey(sessionID string, chunk ChunkName) string {
	return SessionsDirName + "/" + sessionID + "/" + string(chunk)
}

// SessionKey builds the WAL collection key for a whole-session operation.
func SessionKey(sessionID string) string {
	return SessionsDirName + "/" + sessionID
}

// ParseChunkKey splits a collection key back into session id and chunk name.
// The chunk name is empty for whole-session keys.
func ParseChunkKey(key string) (sessionID string, chunk ChunkName, err error) {
	parts := strings.Split(key, "/")
	switch {
	case len(parts) == 2 && parts[0] == SessionsDirName && parts[1] != "":
		return parts[1], "", nil
	case len(parts) == 3 && parts[0] == SessionsDirName && parts[1] != "":
		if !KnownChunk(ChunkName(parts[2])) {
			return "", "", fmt.Errorf("unknown chunk name %q in key %q", parts[2], key)
		}
		return parts[1], ChunkName(parts[2]), nil
	}
	return "", "", fmt.Errorf("malformed collection key %q", key)
}

// Checkpoint marks the point up to which WAL entries are durably applied to
// the chunk store. LastApplied is monotonically non-decreasing; recovery only
// replays entries with a timestamp strictly after it.
type Checkpoint struct {
	LastApplied          int64 // UnixNano
	LastSafeSegmentIndex uint64
}

// FormatSegmentFileName creates a WAL segment file name from its index.
func FormatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, WALFileSuffix)
}

// ParseSegmentFileName extracts the index from a WAL segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, WALFileSuffix) {
		return 0, fmt.Errorf("file %s is not a WAL segment file", name)
	}
	name = strings.TrimSuffix(name, WALFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}
