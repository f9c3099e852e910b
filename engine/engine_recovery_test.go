package engine

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/sessionvault/core"
	"github.com/INLOpen/sessionvault/wal"
)

// abandonEngine simulates a crash: background work is parked but nothing is
// flushed, closed, or checkpointed.
func abandonEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Let in-flight queue work settle so the two engine instances do not
	// race on the same chunk files; the WAL and checkpoint state still
	// look exactly like a crash.
	require.NoError(t, e.queue.Drain(ctx))
}

// walBytesOnDisk sums the record bytes that actually reached the segment
// files, excluding headers. Buffered-but-unflushed appends do not count.
func walBytesOnDisk(dataDir string) int64 {
	headerSize := int64(binary.Size(core.FileHeader{}))
	entries, err := os.ReadDir(filepath.Join(dataDir, core.WALDirName))
	if err != nil {
		return 0
	}
	var total int64
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if n := info.Size() - headerSize; n > 0 {
			total += n
		}
	}
	return total
}

func TestEngine_RecoverAfterCrash(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e1 := openTestEngine(t, dir)
	md, err := e1.CreateSession(ctx, "crashy", "qa")
	require.NoError(t, err)

	frame := []byte("static frame")
	var ref core.AttachmentRef
	for i := 0; i < 5; i++ {
		ref, err = e1.Ingest(ctx, IngestRequest{SessionID: md.ID, Kind: core.AttachmentScreenshot, Data: frame})
		require.NoError(t, err)
	}
	require.NoError(t, e1.UpdateSummary(ctx, md.ID, core.Summary{Notes: "pre-crash notes"}))
	abandonEngine(t, e1)

	// No checkpoint was ever written, so a fresh engine replays the log.
	e2 := openTestEngine(t, dir)
	defer closeEngine(t, e2)

	info := e2.RecoveryInfo()
	assert.Equal(t, RecoveryComplete, info.State)
	assert.Greater(t, info.ReplayedEntries, 0)
	assert.Zero(t, info.SkippedEntries)

	got, err := e2.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.ScreenshotCount)
	assert.True(t, got.HasNotes)

	record, err := e2.GetFull(ctx, md.ID)
	require.NoError(t, err)
	require.Len(t, record.Screenshots, 5)
	require.NotNil(t, record.Summary)
	assert.Equal(t, "pre-crash notes", record.Summary.Notes)

	// Five logical screenshots still share one physical blob.
	assert.Equal(t, int64(5), e2.AttachmentRefCount(ref.Hash))
	assert.Equal(t, 1, countBlobFiles(t, dir))

	data, err := e2.LoadAttachment(ctx, ref.Hash)
	require.NoError(t, err)
	assert.Equal(t, frame, data)
}

// Replaying the same log twice must converge on the same state.
func TestEngine_ReplayIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e1 := openTestEngine(t, dir)
	md, err := e1.CreateSession(ctx, "twice", "")
	require.NoError(t, err)
	_, err = e1.Ingest(ctx, IngestRequest{SessionID: md.ID, Kind: core.AttachmentScreenshot, Data: []byte("frame")})
	require.NoError(t, err)
	abandonEngine(t, e1)

	// Crash twice more without ever checkpointing.
	e2 := openTestEngine(t, dir)
	replayedOnce := e2.RecoveryInfo().ReplayedEntries
	require.Greater(t, replayedOnce, 0)
	abandonEngine(t, e2)

	e3 := openTestEngine(t, dir)
	defer closeEngine(t, e3)
	// The first recovery advanced the marker, so the second has nothing to do.
	assert.Zero(t, e3.RecoveryInfo().ReplayedEntries)

	got, err := e3.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ScreenshotCount)
}

func TestEngine_CheckpointPreventsReplay(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e1 := openTestEngine(t, dir)
	md, err := e1.CreateSession(ctx, "checkpointed", "")
	require.NoError(t, err)
	_, err = e1.Ingest(ctx, IngestRequest{SessionID: md.ID, Kind: core.AttachmentScreenshot, Data: []byte("frame")})
	require.NoError(t, err)
	require.NoError(t, e1.Checkpoint(ctx))
	abandonEngine(t, e1)

	e2 := openTestEngine(t, dir)
	defer closeEngine(t, e2)

	assert.Zero(t, e2.RecoveryInfo().ReplayedEntries, "checkpointed work is not replayed")
	got, err := e2.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ScreenshotCount)
}

func TestEngine_DeleteSurvivesCrash(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e1 := openTestEngine(t, dir)
	md, err := e1.CreateSession(ctx, "gone", "")
	require.NoError(t, err)
	_, err = e1.Ingest(ctx, IngestRequest{SessionID: md.ID, Kind: core.AttachmentScreenshot, Data: []byte("frame")})
	require.NoError(t, err)
	require.NoError(t, e1.DeleteSession(ctx, md.ID))
	abandonEngine(t, e1)

	e2 := openTestEngine(t, dir)
	defer closeEngine(t, e2)

	_, err = e2.GetMetadata(ctx, md.ID)
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))

	count, err := e2.SessionCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// Under SyncInterval the engine's own timer, not Close, must move buffered
// appends to disk: a crash after the interval elapses loses nothing.
func TestEngine_IntervalSyncMakesAppendsDurable(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	opts := testEngineOptions(dir)
	opts.WALSyncMode = wal.SyncInterval
	opts.WALFlushInterval = 5 * time.Millisecond
	e1, err := Open(opts)
	require.NoError(t, err)

	md, err := e1.CreateSession(ctx, "interval", "")
	require.NoError(t, err)
	_, err = e1.Ingest(ctx, IngestRequest{SessionID: md.ID, Kind: core.AttachmentScreenshot, Data: []byte("frame")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return walBytesOnDisk(dir) > 0
	}, 2*time.Second, 5*time.Millisecond, "buffered appends never reached the segment file")
	abandonEngine(t, e1)

	e2 := openTestEngine(t, dir)
	defer closeEngine(t, e2)

	require.Greater(t, e2.RecoveryInfo().ReplayedEntries, 0)
	got, err := e2.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ScreenshotCount)
}

// A crash can land after the WAL append but before any chunk flush; the
// store must rebuild the chunk files from the log alone.
func TestEngine_ReplayRebuildsMissingChunks(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e1 := openTestEngine(t, dir)
	md, err := e1.CreateSession(ctx, "unflushed", "qa")
	require.NoError(t, err)
	ref, err := e1.Ingest(ctx, IngestRequest{SessionID: md.ID, Kind: core.AttachmentScreenshot, Data: []byte("frame")})
	require.NoError(t, err)
	require.NoError(t, e1.UpdateSummary(ctx, md.ID, core.Summary{Notes: "unflushed notes"}))
	abandonEngine(t, e1)

	// Wipe every chunk file, leaving only the WAL and CAS state behind.
	require.NoError(t, os.RemoveAll(filepath.Join(dir, core.SessionsDirName)))

	e2 := openTestEngine(t, dir)
	defer closeEngine(t, e2)

	require.Greater(t, e2.RecoveryInfo().ReplayedEntries, 0)
	got, err := e2.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ScreenshotCount)
	assert.True(t, got.HasNotes)

	record, err := e2.GetFull(ctx, md.ID)
	require.NoError(t, err)
	require.Len(t, record.Screenshots, 1)
	require.NotNil(t, record.Summary)
	assert.Equal(t, "unflushed notes", record.Summary.Notes)

	data, err := e2.LoadAttachment(ctx, ref.Hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), data)
}

func TestEngine_CloseIsCleanRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e1 := openTestEngine(t, dir)
	md, err := e1.CreateSession(ctx, "clean", "")
	require.NoError(t, err)
	_, err = e1.Ingest(ctx, IngestRequest{SessionID: md.ID, Kind: core.AttachmentAudio, Duration: 2, Data: []byte("pcm")})
	require.NoError(t, err)
	closeEngine(t, e1)

	e2 := openTestEngine(t, dir)
	defer closeEngine(t, e2)

	assert.Zero(t, e2.RecoveryInfo().ReplayedEntries, "a clean shutdown leaves nothing to replay")
	got, err := e2.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AudioCount)
}
