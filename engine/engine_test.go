package engine

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/sessionvault/compressors"
	"github.com/INLOpen/sessionvault/core"
	"github.com/INLOpen/sessionvault/wal"
)

func testEngineOptions(dir string) Options {
	return Options{
		DataDir:            dir,
		WALSyncMode:        wal.SyncAlways,
		WALMaxSegmentSize:  1 << 20,
		CacheCapacityBytes: 1 << 20,
		QueueFlushInterval: 5 * time.Millisecond,
		// Tests checkpoint explicitly.
		CheckpointInterval: 0,
		ChunkCompressor:    compressors.NewSnappyCompressor(),
		MinFreeSpace:       1,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func openTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := Open(testEngineOptions(dir))
	require.NoError(t, err)
	return e
}

func closeEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
}

func countBlobFiles(t *testing.T, dataDir string) int {
	t.Helper()
	var count int
	root := filepath.Join(dataDir, core.CASDirName, "blobs")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, core.BlobFileSuffix) {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}

func TestEngine_CreateAndGetMetadata(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer closeEngine(t, e)
	ctx := context.Background()

	md, err := e.CreateSession(ctx, "Deep work", "research")
	require.NoError(t, err)
	require.NotEmpty(t, md.ID)
	assert.Equal(t, core.SessionActive, md.Status)

	got, err := e.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, md, got)

	count, err := e.SessionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	summaries, err := e.ListSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Deep work", summaries[0].Name)
}

func TestEngine_GetMetadataMissing(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer closeEngine(t, e)

	_, err := e.GetMetadata(context.Background(), "no-such-session")
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestEngine_IngestDeduplicatesIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer closeEngine(t, e)
	ctx := context.Background()

	md, err := e.CreateSession(ctx, "dedup", "")
	require.NoError(t, err)

	// The same static screen captured five times.
	frame := []byte("identical screenshot bytes")
	var lastRef core.AttachmentRef
	for i := 0; i < 5; i++ {
		lastRef, err = e.Ingest(ctx, IngestRequest{
			SessionID: md.ID,
			Kind:      core.AttachmentScreenshot,
			Data:      frame,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, int64(5), e.AttachmentRefCount(lastRef.Hash))
	assert.Equal(t, 1, countBlobFiles(t, dir), "five logical copies, one physical blob")

	got, err := e.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.ScreenshotCount)

	record, err := e.GetFull(ctx, md.ID)
	require.NoError(t, err)
	require.Len(t, record.Screenshots, 5)
	for _, shot := range record.Screenshots {
		assert.Equal(t, lastRef.Hash, shot.AttachmentID)
	}

	data, err := e.LoadAttachment(ctx, lastRef.Hash)
	require.NoError(t, err)
	assert.Equal(t, frame, data)
}

func TestEngine_IngestAudioUpdatesCounts(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer closeEngine(t, e)
	ctx := context.Background()

	md, err := e.CreateSession(ctx, "audio", "")
	require.NoError(t, err)

	_, err = e.Ingest(ctx, IngestRequest{
		SessionID: md.ID,
		Kind:      core.AttachmentAudio,
		Duration:  4.5,
		Data:      []byte("pcm bytes"),
	})
	require.NoError(t, err)

	got, err := e.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AudioCount)

	record, err := e.GetFull(ctx, md.ID)
	require.NoError(t, err)
	require.Len(t, record.AudioSegs, 1)
	assert.Equal(t, 4.5, record.AudioSegs[0].Duration)
}

func TestEngine_IngestRejectsUnknownSession(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer closeEngine(t, e)

	_, err := e.Ingest(context.Background(), IngestRequest{
		SessionID: "ghost",
		Kind:      core.AttachmentScreenshot,
		Data:      []byte("x"),
	})
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestEngine_IngestRejectsWhenDiskFull(t *testing.T) {
	opts := testEngineOptions(t.TempDir())
	opts.MinFreeSpace = 1 << 60
	e, err := Open(opts)
	require.NoError(t, err)
	defer closeEngine(t, e)
	ctx := context.Background()

	// CreateSession bypasses the preflight; Ingest must not.
	md, err := e.CreateSession(ctx, "full-disk", "")
	require.NoError(t, err)

	_, err = e.Ingest(ctx, IngestRequest{SessionID: md.ID, Kind: core.AttachmentScreenshot, Data: []byte("x")})
	require.Error(t, err)
	var spaceErr *core.InsufficientSpaceError
	assert.ErrorAs(t, err, &spaceErr)
}

func TestEngine_VideoReplaceReleasesPreviousBlob(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer closeEngine(t, e)
	ctx := context.Background()

	md, err := e.CreateSession(ctx, "video", "")
	require.NoError(t, err)

	refA, err := e.Ingest(ctx, IngestRequest{SessionID: md.ID, Kind: core.AttachmentVideo, Duration: 60, Data: []byte("video take one")})
	require.NoError(t, err)
	refB, err := e.Ingest(ctx, IngestRequest{SessionID: md.ID, Kind: core.AttachmentVideo, Duration: 61, Data: []byte("video take two")})
	require.NoError(t, err)

	assert.Equal(t, int64(0), e.AttachmentRefCount(refA.Hash))
	assert.Equal(t, int64(1), e.AttachmentRefCount(refB.Hash))

	record, err := e.GetFull(ctx, md.ID)
	require.NoError(t, err)
	require.NotNil(t, record.Video)
	assert.Equal(t, refB.Hash, record.Video.AttachmentID)
	assert.True(t, record.Metadata.HasVideo)
}

func TestEngine_UpdateSummaryAndSearch(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer closeEngine(t, e)
	ctx := context.Background()

	md, err := e.CreateSession(ctx, "Standup notes", "work")
	require.NoError(t, err)
	other, err := e.CreateSession(ctx, "Evening reading", "leisure")
	require.NoError(t, err)

	require.NoError(t, e.UpdateSummary(ctx, md.ID, core.Summary{
		Notes:      "Discussed the quarterly roadmap",
		Transcript: "alice: hello\nbob: hi",
	}))

	got, err := e.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.True(t, got.HasNotes)
	assert.True(t, got.HasTranscript)

	// Match on notes content.
	results, err := e.SearchSessions(ctx, "roadmap")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, md.ID, results[0].ID)

	// Match on name, case-insensitive.
	results, err = e.SearchSessions(ctx, "evening")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, other.ID, results[0].ID)

	// Empty query lists everything.
	results, err = e.SearchSessions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestEngine_FinalizeSession(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer closeEngine(t, e)
	ctx := context.Background()

	md, err := e.CreateSession(ctx, "finish me", "")
	require.NoError(t, err)

	end := time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC)
	require.NoError(t, e.FinalizeSession(ctx, md.ID, end))

	got, err := e.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionCompleted, got.Status)
	assert.Equal(t, end, got.EndTime)
}

func TestEngine_UpdateSessionInfo(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer closeEngine(t, e)
	ctx := context.Background()

	md, err := e.CreateSession(ctx, "draft", "inbox")
	require.NoError(t, err)
	require.NoError(t, e.UpdateSessionInfo(ctx, md.ID, "final title", "archive"))

	got, err := e.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, "final title", got.Name)
	assert.Equal(t, "archive", got.Category)
}

func TestEngine_DeleteSessionReleasesReferences(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer closeEngine(t, e)
	ctx := context.Background()

	md, err := e.CreateSession(ctx, "doomed", "")
	require.NoError(t, err)
	ref, err := e.Ingest(ctx, IngestRequest{SessionID: md.ID, Kind: core.AttachmentScreenshot, Data: []byte("bytes")})
	require.NoError(t, err)
	require.Equal(t, int64(1), e.AttachmentRefCount(ref.Hash))

	require.NoError(t, e.DeleteSession(ctx, md.ID))

	_, err = e.GetMetadata(ctx, md.ID)
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))

	count, err := e.SessionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// The reference is gone but the bytes wait for vacuum.
	assert.Equal(t, int64(0), e.AttachmentRefCount(ref.Hash))
	_, err = e.LoadAttachment(ctx, ref.Hash)
	require.NoError(t, err)

	removed, err := e.VacuumAttachments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = e.LoadAttachment(ctx, ref.Hash)
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestEngine_DeleteMissingSession(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer closeEngine(t, e)

	err := e.DeleteSession(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestEngine_GetRecentActivity(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer closeEngine(t, e)
	ctx := context.Background()

	md, err := e.CreateSession(ctx, "activity", "")
	require.NoError(t, err)

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := e.Ingest(ctx, IngestRequest{
			SessionID: md.ID,
			Kind:      core.AttachmentScreenshot,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Data:      []byte{byte(i)},
		})
		require.NoError(t, err)
	}

	recent, err := e.GetRecentActivity(ctx, md.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, base.Add(2*time.Minute), recent[0].Timestamp)
	assert.Equal(t, base.Add(time.Minute), recent[1].Timestamp)
}

func TestEngine_GetChangesSince(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer closeEngine(t, e)
	ctx := context.Background()

	md, err := e.CreateSession(ctx, "incremental", "")
	require.NoError(t, err)

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	_, err = e.Ingest(ctx, IngestRequest{SessionID: md.ID, Kind: core.AttachmentScreenshot, Timestamp: base, Data: []byte("old")})
	require.NoError(t, err)
	_, err = e.Ingest(ctx, IngestRequest{SessionID: md.ID, Kind: core.AttachmentScreenshot, Timestamp: base.Add(time.Hour), Data: []byte("new")})
	require.NoError(t, err)

	cs, err := e.GetChangesSince(ctx, md.ID, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, cs.Screenshots, 1)
	assert.Equal(t, base.Add(time.Hour), cs.Screenshots[0].Timestamp)
	assert.False(t, cs.SummaryUpdated)
}

func TestEngine_OpsAfterCloseFail(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	closeEngine(t, e)
	ctx := context.Background()

	_, err := e.CreateSession(ctx, "late", "")
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = e.GetMetadata(ctx, "any")
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = e.ListSummaries(ctx)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngine_WALAppendFailureRejectsWrite(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer closeEngine(t, e)
	ctx := context.Background()

	md, err := e.CreateSession(ctx, "durability", "")
	require.NoError(t, err)

	injected := errors.New("disk detached")
	e.wal.SetTestingOnlyInjectAppendError(injected)
	_, err = e.Ingest(ctx, IngestRequest{SessionID: md.ID, Kind: core.AttachmentScreenshot, Data: []byte("x")})
	require.Error(t, err)
	assert.True(t, core.IsDurabilityFailure(err))
	e.wal.SetTestingOnlyInjectAppendError(nil)

	// The rejected write left no trace: counts unchanged, blob unreferenced.
	got, err := e.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ScreenshotCount)
}
