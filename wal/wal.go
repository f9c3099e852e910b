// Package wal implements the write-ahead log that gives the session store
// its durability: every accepted mutation is appended here, synced according
// to the configured mode, and replayed after a crash.
package wal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/INLOpen/sessionvault/core"
	"github.com/INLOpen/sessionvault/hooks"
)

// SyncMode defines how frequently the WAL is synced to disk.
type SyncMode string

const (
	SyncAlways   SyncMode = "always"   // Sync after every append (highest durability)
	SyncInterval SyncMode = "interval" // Sync left to the engine's flush timer
	SyncDisabled SyncMode = "disabled" // No sync (tests and benchmarks only)
)

// batchMarker prefixes a record holding multiple entries appended atomically.
// Distinct from every core.OpType value.
const batchMarker byte = 0xFE

// WAL manages a directory of append-only segment files. A single append path
// guarantees that entries for any key hit the log in mutation order.
type WAL struct {
	dir  string
	mu   sync.Mutex
	opts Options

	activeSegment  *SegmentWriter
	segmentIndexes []uint64

	metricsBytesWritten   *expvar.Int
	metricsEntriesWritten *expvar.Int

	logger      *slog.Logger
	hookManager hooks.HookManager

	testingOnlyInjectAppendError error
}

// Options holds configuration for the WAL.
type Options struct {
	Dir            string
	SyncMode       SyncMode
	MaxSegmentSize int64
	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
	Logger         *slog.Logger
	HookManager    hooks.HookManager
	// StartRecoveryIndex skips recovery of segments at or below this index;
	// they are covered by a checkpoint.
	StartRecoveryIndex uint64
}

// RecoveredState is what Open hands back to the recovery coordinator.
type RecoveredState struct {
	// Entries holds every decodable entry found past the checkpointed
	// segment, in log order. Filtering against the checkpoint timestamp and
	// transaction resolution happen in BuildReplaySet.
	Entries []core.WALEntry
	// Skipped counts records or entries dropped due to corruption.
	Skipped int
	// Partial is true when some portion of the log was unreadable.
	Partial bool
}

// Open creates or opens a WAL directory, recovers readable entries from
// existing segments and prepares the log for appending.
//
// Corruption never fails Open: malformed entries are counted and skipped,
// and a fully unreadable log degrades to an empty RecoveredState.
func Open(opts Options) (*WAL, RecoveredState, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "WAL")
	} else {
		opts.Logger = opts.Logger.With("component", "WAL")
	}
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = MaxSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncAlways
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, RecoveredState{}, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	w := &WAL{
		dir:                   opts.Dir,
		opts:                  opts,
		logger:                opts.Logger,
		metricsBytesWritten:   opts.BytesWritten,
		metricsEntriesWritten: opts.EntriesWritten,
		hookManager:           opts.HookManager,
	}

	if err := w.loadSegments(); err != nil {
		return nil, RecoveredState{}, fmt.Errorf("failed to load WAL segments: %w", err)
	}

	recovered := w.recover(opts.StartRecoveryIndex)

	if err := w.openForAppend(); err != nil {
		w.Close()
		return nil, RecoveredState{}, fmt.Errorf("failed to open WAL for appending: %w", err)
	}

	return w, recovered, nil
}

// loadSegments scans the WAL directory and populates the segmentIndexes slice.
func (w *WAL) loadSegments() error {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory %s: %w", w.dir, err)
	}

	w.segmentIndexes = make([]uint64, 0, len(files))
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		index, err := core.ParseSegmentFileName(file.Name())
		if err == nil {
			w.segmentIndexes = append(w.segmentIndexes, index)
		}
	}
	sort.Slice(w.segmentIndexes, func(i, j int) bool {
		return w.segmentIndexes[i] < w.segmentIndexes[j]
	})
	return nil
}

// SetTestingOnlyInjectAppendError forces Append/AppendBatch to fail.
func (w *WAL) SetTestingOnlyInjectAppendError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.testingOnlyInjectAppendError = err
}

// Append writes a single WALEntry to the log. The entry is durably on disk
// when Append returns (under SyncAlways); on error the mutation it describes
// must be rejected by the caller.
func (w *WAL) Append(entry core.WALEntry) error {
	return w.AppendBatch([]core.WALEntry{entry})
}

// AppendBatch writes a slice of WAL entries as a single, atomic record.
// Transactional groups use this so the begin/write/commit entries either all
// survive a crash or none do.
func (w *WAL) AppendBatch(entries []core.WALEntry) error {
	if len(entries) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.testingOnlyInjectAppendError != nil {
		return w.testingOnlyInjectAppendError
	}
	if w.activeSegment == nil {
		return core.ErrStoreClosed
	}

	var payload bytes.Buffer
	if len(entries) == 1 {
		if err := encodeEntry(&payload, &entries[0]); err != nil {
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	} else {
		payload.WriteByte(batchMarker)
		if err := binary.Write(&payload, binary.LittleEndian, uint32(len(entries))); err != nil {
			return fmt.Errorf("failed to write batch entry count: %w", err)
		}
		for i := range entries {
			if err := encodeEntry(&payload, &entries[i]); err != nil {
				return fmt.Errorf("failed to encode entry %d of batch: %w", i, err)
			}
		}
	}

	payloadBytes := payload.Bytes()
	newRecordSize := int64(len(payloadBytes) + 8) // +4 length, +4 checksum
	if newRecordSize > w.opts.MaxSegmentSize {
		return fmt.Errorf("%w: record_size=%d max_segment_size=%d",
			core.ErrRecordTooLarge, newRecordSize, w.opts.MaxSegmentSize)
	}

	// Rotate before writing when the active segment already holds data and
	// this record would push it past the limit.
	currentSize, err := w.activeSegment.Size()
	if err != nil {
		return fmt.Errorf("could not get active segment size: %w", err)
	}
	headerSize := int64(binary.Size(core.FileHeader{}))
	if currentSize > headerSize && currentSize+newRecordSize > w.opts.MaxSegmentSize {
		if err := w.rotateLocked(); err != nil {
			return fmt.Errorf("failed to rotate WAL segment: %w", err)
		}
	}

	if err := w.activeSegment.WriteRecord(payloadBytes); err != nil {
		return err
	}

	if w.metricsBytesWritten != nil {
		w.metricsBytesWritten.Add(newRecordSize)
	}
	if w.metricsEntriesWritten != nil {
		w.metricsEntriesWritten.Add(int64(len(entries)))
	}

	if w.opts.SyncMode == SyncAlways {
		return w.activeSegment.Sync()
	}
	return nil
}

// Sync flushes buffered data to the active segment file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return core.ErrStoreClosed
	}
	if err := w.activeSegment.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL file: %w", err)
	}
	return nil
}

// Rotate closes the current segment and opens a new one for writing.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return core.ErrStoreClosed
	}
	return w.rotateLocked()
}

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeSegment == nil {
		return nil // Already closed
	}

	closeErr := w.activeSegment.Close()
	w.activeSegment = nil

	if closeErr != nil {
		w.logger.Error("Error during WAL close.", "error", closeErr)
	} else {
		w.logger.Info("WAL closed.")
	}
	return closeErr
}

// Purge deletes segment files with index less than or equal to the given
// index. The active segment is never purged.
func (w *WAL) Purge(upToIndex uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var remaining []uint64
	var purged int
	for _, index := range w.segmentIndexes {
		if index > upToIndex || (w.activeSegment != nil && w.activeSegment.index == index) {
			remaining = append(remaining, index)
			continue
		}
		path := filepath.Join(w.dir, core.FormatSegmentFileName(index))
		if err := os.Remove(path); err != nil {
			w.logger.Error("Failed to purge WAL segment.", "path", path, "error", err)
			remaining = append(remaining, index)
		} else {
			purged++
		}
	}
	w.segmentIndexes = remaining
	if purged > 0 {
		w.logger.Info("Purged WAL segments.", "count", purged, "up_to_index", upToIndex)
	}
	return nil
}

// Path returns the directory path of the WAL.
func (w *WAL) Path() string {
	return w.dir
}

// ActiveSegmentIndex returns the index of the current active segment file,
// or 0 when the WAL is closed.
func (w *WAL) ActiveSegmentIndex() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return 0
	}
	return w.activeSegment.index
}

// rotateLocked creates a new segment file for writing. Caller holds w.mu.
func (w *WAL) rotateLocked() error {
	var nextIndex uint64 = 1
	if len(w.segmentIndexes) > 0 {
		nextIndex = w.segmentIndexes[len(w.segmentIndexes)-1] + 1
	}

	newSegment, err := CreateSegment(w.dir, nextIndex)
	if err != nil {
		return err
	}

	var oldIndex uint64
	if w.activeSegment != nil {
		oldIndex = w.activeSegment.index
		if err := w.activeSegment.Close(); err != nil {
			w.logger.Error("Failed to close active segment during rotation.", "path", w.activeSegment.path, "error", err)
		}
	}

	w.activeSegment = newSegment
	w.segmentIndexes = append(w.segmentIndexes, nextIndex)
	w.logger.Info("Rotated to new WAL segment.", "index", nextIndex, "path", newSegment.path)

	if w.hookManager != nil && oldIndex > 0 {
		payload := hooks.PostWALRotatePayload{
			OldSegmentIndex: oldIndex,
			NewSegmentIndex: newSegment.index,
			NewSegmentPath:  newSegment.path,
		}
		w.hookManager.Trigger(context.Background(), hooks.NewPostWALRotateEvent(payload))
	}
	return nil
}

func (w *WAL) openForAppend() error {
	// Appending to a possibly torn segment after a crash is unsafe, so a
	// fresh segment is always started.
	return w.rotateLocked()
}

// encodeEntry serializes a single WALEntry's data part into a writer.
// Layout: op (1) | seq (8) | timestamp (8) | txn (uvarint) |
// keyLen (uvarint) | key | payloadLen (uvarint) | payload.
func encodeEntry(w *bytes.Buffer, entry *core.WALEntry) error {
	w.WriteByte(byte(entry.Op))
	if err := binary.Write(w, binary.LittleEndian, entry.SeqNum); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, entry.Timestamp); err != nil {
		return err
	}

	var varBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varBuf[:], entry.TxnID)
	w.Write(varBuf[:n])

	n = binary.PutUvarint(varBuf[:], uint64(len(entry.Key)))
	w.Write(varBuf[:n])
	w.Write(entry.Key)

	n = binary.PutUvarint(varBuf[:], uint64(len(entry.Payload)))
	w.Write(varBuf[:n])
	w.Write(entry.Payload)
	return nil
}

// decodeEntry deserializes a single WALEntry's data part from a reader.
func decodeEntry(r *bytes.Reader) (*core.WALEntry, error) {
	entry := &core.WALEntry{}

	opByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read op type: %w", err)
	}
	entry.Op = core.OpType(opByte)
	switch entry.Op {
	case core.OpWrite, core.OpDelete, core.OpTxBegin, core.OpTxCommit, core.OpTxRollback:
	default:
		return nil, fmt.Errorf("unknown op type %q", opByte)
	}

	if err := binary.Read(r, binary.LittleEndian, &entry.SeqNum); err != nil {
		return nil, fmt.Errorf("failed to read sequence number: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &entry.Timestamp); err != nil {
		return nil, fmt.Errorf("failed to read timestamp: %w", err)
	}

	txn, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction id: %w", err)
	}
	entry.TxnID = txn

	keyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read key length: %w", err)
	}
	entry.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, entry.Key); err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}

	payloadLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload length: %w", err)
	}
	if payloadLen > 0 {
		entry.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, entry.Payload); err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	}
	return entry, nil
}

// recover reads all decodable entries from all known segments past the
// checkpointed index. Corruption is logged and skipped, never fatal.
func (w *WAL) recover(startRecoveryIndex uint64) RecoveredState {
	var state RecoveredState
	for _, index := range w.segmentIndexes {
		if index <= startRecoveryIndex {
			continue
		}
		path := filepath.Join(w.dir, core.FormatSegmentFileName(index))
		entries, skipped, err := recoverFromSegment(path, w.logger)
		state.Entries = append(state.Entries, entries...)
		state.Skipped += skipped
		if err != nil {
			// Framing is lost for the rest of this segment; move on to the
			// next one rather than blocking startup.
			state.Partial = true
			w.logger.Warn("Recovery of WAL segment stopped early.", "index", index, "path", path, "error", err)
		}
	}
	return state
}

// recoverFromSegment reads all valid entries from a single WAL segment file.
// It returns the entries read, the count of skipped (undecodable) entries,
// and a non-nil error only when the segment could not be read to its end.
func recoverFromSegment(filePath string, logger *slog.Logger) ([]core.WALEntry, int, error) {
	reader, err := OpenSegmentForRead(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		if core.IsCorruption(err) {
			logger.Warn("WAL segment unreadable, replaying nothing from it.", "path", filePath, "error", err)
			return nil, 1, nil
		}
		return nil, 0, fmt.Errorf("failed to open WAL segment %s: %w", filePath, err)
	}
	defer reader.Close()

	var entries []core.WALEntry
	var skipped int
	for {
		recordData, err := reader.ReadRecord()
		if err != nil {
			if err == io.EOF {
				return entries, skipped, nil // clean end of segment
			}
			if core.IsCorruption(err) || errors.Is(err, io.ErrUnexpectedEOF) {
				// A torn tail record after a crash is expected; anything past
				// it cannot be re-framed.
				logger.Warn("Skipping corrupt WAL record and stopping segment scan.", "path", filePath, "error", err)
				return entries, skipped + 1, nil
			}
			return entries, skipped, err
		}

		decoded, badEntries := decodeRecord(recordData)
		if badEntries > 0 {
			logger.Warn("Skipped undecodable WAL entries in record.", "path", filePath, "count", badEntries)
		}
		entries = append(entries, decoded...)
		skipped += badEntries
	}
}

// decodeRecord unpacks one framed record into its entries, counting any
// that fail to decode.
func decodeRecord(recordData []byte) ([]core.WALEntry, int) {
	if len(recordData) == 0 {
		return nil, 1
	}

	if recordData[0] == batchMarker {
		r := bytes.NewReader(recordData[1:])
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return nil, 1
		}
		entries := make([]core.WALEntry, 0, count)
		for i := uint32(0); i < count; i++ {
			entry, err := decodeEntry(r)
			if err != nil {
				// Entry boundaries are unknown past a bad entry.
				return entries, int(count - i)
			}
			entries = append(entries, *entry)
		}
		return entries, 0
	}

	entry, err := decodeEntry(bytes.NewReader(recordData))
	if err != nil {
		return nil, 1
	}
	return []core.WALEntry{*entry}, 0
}
