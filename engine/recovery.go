package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/INLOpen/sessionvault/checkpoint"
	"github.com/INLOpen/sessionvault/core"
	"github.com/INLOpen/sessionvault/hooks"
	"github.com/INLOpen/sessionvault/wal"
)

// RecoveryState tracks the startup recovery pass.
type RecoveryState int

const (
	RecoveryIdle RecoveryState = iota
	RecoveryRunning
	RecoveryComplete
	// RecoveryCompletePartial means recovery finished but some log records
	// were unreadable and skipped. Everything durable and decodable was
	// replayed.
	RecoveryCompletePartial
)

func (s RecoveryState) String() string {
	switch s {
	case RecoveryIdle:
		return "idle"
	case RecoveryRunning:
		return "running"
	case RecoveryComplete:
		return "complete"
	case RecoveryCompletePartial:
		return "complete-partial"
	default:
		return "unknown"
	}
}

// RecoveryInfo is the outcome of the startup recovery pass.
type RecoveryInfo struct {
	State           RecoveryState
	ReplayedEntries int
	SkippedEntries  int
	Duration        time.Duration
}

// recoverAndOpenWAL reads the checkpoint marker, opens the WAL, replays
// every committed entry newer than the marker into the chunk store, and
// advances the marker past the replayed work. Recovery is idempotent: a
// crash mid-replay just replays the same entries again on the next open.
func (e *Engine) recoverAndOpenWAL() error {
	start := e.now()
	e.recovery.State = RecoveryRunning

	cp, ok, err := checkpoint.Read(e.opts.DataDir)
	if err != nil {
		// A corrupt marker widens the replay window; replaying entries that
		// were already applied is harmless.
		e.logger.Warn("Checkpoint marker unreadable, replaying the whole log.", "error", err)
		cp, ok = core.Checkpoint{}, false
	}
	if !ok {
		cp = core.Checkpoint{}
	}

	w, recovered, err := wal.Open(wal.Options{
		Dir:                filepath.Join(e.opts.DataDir, core.WALDirName),
		SyncMode:           e.opts.WALSyncMode,
		MaxSegmentSize:     e.opts.WALMaxSegmentSize,
		BytesWritten:       e.metrics.WALBytesWrittenTotal,
		EntriesWritten:     e.metrics.WALEntriesWrittenTotal,
		Logger:             e.opts.Logger,
		HookManager:        e.hookManager,
		StartRecoveryIndex: cp.LastSafeSegmentIndex,
	})
	if err != nil {
		return err
	}
	e.wal = w

	var maxSeq uint64
	for i := range recovered.Entries {
		if recovered.Entries[i].SeqNum > maxSeq {
			maxSeq = recovered.Entries[i].SeqNum
		}
	}

	replay := wal.BuildReplaySet(recovered.Entries, cp.LastApplied)
	maxTs := cp.LastApplied
	for i := range replay {
		entry := &replay[i]
		if err := e.replayEntry(entry); err != nil {
			w.Close()
			return fmt.Errorf("recovery failed replaying entry seq=%d: %w", entry.SeqNum, err)
		}
		if entry.Timestamp > maxTs {
			maxTs = entry.Timestamp
		}
	}

	e.seqNum.Store(maxSeq)
	e.lastApplied.Store(maxTs)
	e.lastCheckpointed.Store(cp.LastApplied)

	// Move the marker past the replayed work so the next open does not
	// replay it again, and drop the segments it covers.
	if maxTs > cp.LastApplied {
		safeIndex := w.ActiveSegmentIndex() - 1
		newCp := core.Checkpoint{LastApplied: maxTs, LastSafeSegmentIndex: safeIndex}
		if err := checkpoint.Write(e.opts.DataDir, newCp); err != nil {
			e.logger.Warn("Failed to advance checkpoint after recovery.", "error", err)
		} else {
			e.lastCheckpointed.Store(maxTs)
			if err := w.Purge(safeIndex); err != nil {
				e.logger.Warn("WAL purge after recovery failed.", "error", err)
			}
		}
	}

	e.recovery = RecoveryInfo{
		State:           RecoveryComplete,
		ReplayedEntries: len(replay),
		SkippedEntries:  recovered.Skipped,
		Duration:        e.now().Sub(start),
	}
	if recovered.Partial {
		e.recovery.State = RecoveryCompletePartial
	}

	e.metrics.RecoveryReplayedEntriesTotal.Set(int64(len(replay)))
	e.metrics.RecoverySkippedEntriesTotal.Set(int64(recovered.Skipped))
	e.metrics.RecoveryDurationSeconds.Set(e.recovery.Duration.Seconds())

	if len(replay) > 0 || recovered.Skipped > 0 {
		e.logger.Info("Recovery finished.",
			"replayed", len(replay), "skipped", recovered.Skipped, "state", e.recovery.State.String())
	}
	e.hookManager.Trigger(context.Background(), hooks.NewPostRecoveryEvent(hooks.PostRecoveryPayload{
		ReplayedEntries: len(replay),
		SkippedEntries:  recovered.Skipped,
		Partial:         recovered.Partial,
	}))
	return nil
}

// replayEntry folds one replay-set entry into the chunk store. CAS reference
// counts are not touched here: they are persisted synchronously at operation
// time, before the WAL acknowledges.
func (e *Engine) replayEntry(entry *core.WALEntry) error {
	sessionID, chunk, err := core.ParseChunkKey(string(entry.Key))
	if err != nil {
		e.logger.Warn("Skipping replay entry with malformed key.", "key", string(entry.Key), "error", err)
		return nil
	}

	switch entry.Op {
	case core.OpWrite:
		if chunk == "" {
			e.logger.Warn("Skipping write entry without chunk name.", "key", string(entry.Key))
			return nil
		}
		return e.chunks.SaveChunk(sessionID, chunk, entry.Payload)
	case core.OpDelete:
		if _, err := e.chunks.Delete(sessionID); err != nil && !core.IsNotFound(err) {
			return err
		}
		return nil
	default:
		// Control entries never survive BuildReplaySet.
		return nil
	}
}
