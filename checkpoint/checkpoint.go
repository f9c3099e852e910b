// Package checkpoint persists the marker that records which WAL entries are
// already durably applied to the chunk store, so recovery can skip them and
// the log can be truncated.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/INLOpen/sessionvault/core"
	"github.com/INLOpen/sessionvault/sys"
)

// Write atomically writes the checkpoint marker using the write-and-rename
// strategy. The marker is monotonic: an attempt to move LastApplied backwards
// is rejected.
func Write(dir string, cp core.Checkpoint) error {
	current, ok, err := Read(dir)
	if err == nil && ok && cp.LastApplied < current.LastApplied {
		return fmt.Errorf("checkpoint regression: new marker %d is before current %d",
			cp.LastApplied, current.LastApplied)
	}
	// A corrupt current marker is not a reason to refuse a fresh one.

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, core.CheckpointMagicNumber); err != nil {
		return fmt.Errorf("failed to encode checkpoint magic number: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, cp.LastApplied); err != nil {
		return fmt.Errorf("failed to encode last applied timestamp: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, cp.LastSafeSegmentIndex); err != nil {
		return fmt.Errorf("failed to encode last safe segment index: %w", err)
	}

	path := filepath.Join(dir, core.CheckpointFileName)
	if err := sys.AtomicWriteFile(path, buf.Bytes(), sys.AtomicWriteOptions{}); err != nil {
		return fmt.Errorf("failed to write checkpoint marker: %w", err)
	}
	return nil
}

// Read reads the checkpoint marker from the given directory. A missing file
// is not an error: it returns a zero checkpoint and ok=false, meaning
// "replay everything".
func Read(dir string) (core.Checkpoint, bool, error) {
	path := filepath.Join(dir, core.CheckpointFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return core.Checkpoint{}, false, nil
		}
		return core.Checkpoint{}, false, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	r := bytes.NewReader(data)
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return core.Checkpoint{}, true, &core.CorruptionError{Path: path, Detail: "marker truncated at magic number"}
	}
	if magic != core.CheckpointMagicNumber {
		return core.Checkpoint{}, true, &core.CorruptionError{
			Path:   path,
			Detail: fmt.Sprintf("invalid magic number: got %x, want %x", magic, core.CheckpointMagicNumber),
		}
	}

	var cp core.Checkpoint
	if err := binary.Read(r, binary.LittleEndian, &cp.LastApplied); err != nil {
		return core.Checkpoint{}, true, &core.CorruptionError{Path: path, Detail: "marker truncated at timestamp"}
	}
	if err := binary.Read(r, binary.LittleEndian, &cp.LastSafeSegmentIndex); err != nil {
		return core.Checkpoint{}, true, &core.CorruptionError{Path: path, Detail: "marker truncated at segment index"}
	}
	return cp, true, nil
}
