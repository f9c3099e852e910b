package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/sessionvault/chunkstore"
	"github.com/INLOpen/sessionvault/core"
	"github.com/INLOpen/sessionvault/hooks"
	"github.com/INLOpen/sessionvault/sys"
)

// listSummariesConcurrency bounds the parallel metadata loads in
// ListSummaries and SearchSessions.
const listSummariesConcurrency = 8

// IngestRequest carries one attachment from a producer into the engine.
type IngestRequest struct {
	SessionID string
	Kind      core.AttachmentKind
	Timestamp time.Time
	// Duration is meaningful for audio segments and video.
	Duration float64
	Data     []byte
}

// ChangeSet is the incremental view GetChangesSince returns: only records
// newer than the caller's watermark, plus the current metadata.
type ChangeSet struct {
	Metadata       core.SessionMetadata `json:"metadata"`
	Screenshots    []core.Screenshot    `json:"screenshots,omitempty"`
	AudioSegments  []core.AudioSegment  `json:"audioSegments,omitempty"`
	SummaryUpdated bool                 `json:"summaryUpdated"`
}

// chunkWrite is one chunk replacement inside a commit.
type chunkWrite struct {
	chunk   core.ChunkName
	payload []byte
}

// CreateSession creates a new active session and durably records its
// metadata chunk.
func (e *Engine) CreateSession(ctx context.Context, name, category string) (core.SessionMetadata, error) {
	_, span := e.tracer.Start(ctx, "Engine.CreateSession")
	defer span.End()

	if e.isClosing.Load() {
		return core.SessionMetadata{}, ErrEngineClosed
	}

	now := e.now().UTC()
	md := core.SessionMetadata{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    core.SessionActive,
		Category:  category,
		StartTime: now,
		UpdatedAt: now,
	}
	payload, err := json.Marshal(md)
	if err != nil {
		return core.SessionMetadata{}, err
	}
	if err := e.commitWrites(ctx, md.ID, []chunkWrite{{chunk: core.ChunkMetadata, payload: payload}}); err != nil {
		e.metrics.WriteErrorsTotal.Add(1)
		return core.SessionMetadata{}, err
	}
	e.metrics.WritesTotal.Add(1)
	return md, nil
}

// Ingest stores one attachment: the bytes go to the content-addressable
// store, a record referencing them is appended to the matching data chunk,
// and the metadata counts advance. The chunk and metadata updates travel as
// one WAL transaction, so a crash replays both or neither.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (core.AttachmentRef, error) {
	_, span := e.tracer.Start(ctx, "Engine.Ingest")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("attachment.kind", string(req.Kind)),
		attribute.Int("attachment.size_bytes", len(req.Data)),
	)

	if e.isClosing.Load() {
		return core.AttachmentRef{}, ErrEngineClosed
	}
	if len(req.Data) == 0 {
		return core.AttachmentRef{}, fmt.Errorf("ingest for session %s carries no data", req.SessionID)
	}
	if err := e.hookManager.Trigger(ctx, hooks.NewEvent(hooks.EventPreIngest, req)); err != nil {
		return core.AttachmentRef{}, err
	}
	if err := sys.CheckDiskSpace(e.opts.DataDir, uint64(len(req.Data))+e.opts.MinFreeSpace); err != nil {
		e.metrics.IngestErrorsTotal.Add(1)
		return core.AttachmentRef{}, err
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = e.now().UTC()
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	md, err := e.loadMetadataLocked(req.SessionID)
	if err != nil {
		e.metrics.IngestErrorsTotal.Add(1)
		return core.AttachmentRef{}, err
	}

	hash, err := e.cas.Store(req.Data)
	if err != nil {
		e.metrics.IngestErrorsTotal.Add(1)
		return core.AttachmentRef{}, err
	}

	recordID := uuid.New().String()
	ref := core.AttachmentRef{RecordID: recordID, Hash: hash, Size: len(req.Data)}

	chunkName, chunkPayload, replacedHash, err := e.appendAttachmentRecord(req, recordID, hash, ts, &md)
	if err != nil {
		e.releaseOrphan(hash)
		e.metrics.IngestErrorsTotal.Add(1)
		return core.AttachmentRef{}, err
	}
	md.UpdatedAt = e.now().UTC()
	mdPayload, err := json.Marshal(md)
	if err != nil {
		e.releaseOrphan(hash)
		e.metrics.IngestErrorsTotal.Add(1)
		return core.AttachmentRef{}, err
	}

	writes := []chunkWrite{
		{chunk: chunkName, payload: chunkPayload},
		{chunk: core.ChunkMetadata, payload: mdPayload},
	}
	if err := e.commitWritesLocked(ctx, req.SessionID, writes); err != nil {
		e.releaseOrphan(hash)
		e.metrics.IngestErrorsTotal.Add(1)
		return core.AttachmentRef{}, err
	}
	if replacedHash != "" {
		e.releaseOrphan(replacedHash)
	}

	e.metrics.IngestTotal.Add(1)
	e.hookManager.Trigger(context.WithoutCancel(ctx), hooks.NewEvent(hooks.EventPostIngest, ref))
	return ref, nil
}

// appendAttachmentRecord extends the right data chunk with the new record
// and bumps the metadata counters. For video it reports the hash of the
// replaced blob, whose reference the caller releases once the commit lands.
// Callers hold writeMu.
func (e *Engine) appendAttachmentRecord(req IngestRequest, recordID, hash string, ts time.Time, md *core.SessionMetadata) (core.ChunkName, []byte, string, error) {
	switch req.Kind {
	case core.AttachmentScreenshot:
		var shots []core.Screenshot
		if err := e.loadChunkValueLocked(req.SessionID, core.ChunkScreenshots, &shots); err != nil {
			return "", nil, "", err
		}
		shots = append(shots, core.Screenshot{
			ID:           recordID,
			AttachmentID: hash,
			Timestamp:    ts,
			RelativeTime: ts.Sub(md.StartTime).Seconds(),
		})
		payload, err := json.Marshal(shots)
		if err != nil {
			return "", nil, "", err
		}
		md.ScreenshotCount = len(shots)
		return core.ChunkScreenshots, payload, "", nil

	case core.AttachmentAudio:
		var segs []core.AudioSegment
		if err := e.loadChunkValueLocked(req.SessionID, core.ChunkAudio, &segs); err != nil {
			return "", nil, "", err
		}
		segs = append(segs, core.AudioSegment{
			ID:           recordID,
			AttachmentID: hash,
			Timestamp:    ts,
			Duration:     req.Duration,
			StartOffset:  ts.Sub(md.StartTime).Seconds(),
		})
		payload, err := json.Marshal(segs)
		if err != nil {
			return "", nil, "", err
		}
		md.AudioCount = len(segs)
		return core.ChunkAudio, payload, "", nil

	case core.AttachmentVideo:
		// One full-session video per session; a re-ingest replaces the
		// reference.
		var prev core.VideoRef
		if err := e.loadChunkValueLocked(req.SessionID, core.ChunkVideo, &prev); err != nil {
			return "", nil, "", err
		}
		payload, err := json.Marshal(core.VideoRef{AttachmentID: hash, Duration: req.Duration})
		if err != nil {
			return "", nil, "", err
		}
		md.HasVideo = true
		replaced := ""
		if prev.AttachmentID != "" && prev.AttachmentID != hash {
			replaced = prev.AttachmentID
		}
		return core.ChunkVideo, payload, replaced, nil

	default:
		return "", nil, "", fmt.Errorf("unknown attachment kind %q", req.Kind)
	}
}

// UpdateSummary replaces the summary chunk and the derived metadata flags
// in one WAL transaction.
func (e *Engine) UpdateSummary(ctx context.Context, sessionID string, summary core.Summary) error {
	_, span := e.tracer.Start(ctx, "Engine.UpdateSummary")
	defer span.End()

	if e.isClosing.Load() {
		return ErrEngineClosed
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	md, err := e.loadMetadataLocked(sessionID)
	if err != nil {
		return err
	}

	now := e.now().UTC()
	summary.UpdatedAt = now
	md.HasNotes = summary.Notes != ""
	md.HasTranscript = summary.Transcript != ""
	md.UpdatedAt = now

	summaryPayload, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	mdPayload, err := json.Marshal(md)
	if err != nil {
		return err
	}
	if err := e.commitWritesLocked(ctx, sessionID, []chunkWrite{
		{chunk: core.ChunkSummary, payload: summaryPayload},
		{chunk: core.ChunkMetadata, payload: mdPayload},
	}); err != nil {
		e.metrics.WriteErrorsTotal.Add(1)
		return err
	}
	e.metrics.WritesTotal.Add(1)
	return nil
}

// UpdateSessionInfo renames a session and/or moves it to another category.
func (e *Engine) UpdateSessionInfo(ctx context.Context, sessionID, name, category string) error {
	if e.isClosing.Load() {
		return ErrEngineClosed
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	md, err := e.loadMetadataLocked(sessionID)
	if err != nil {
		return err
	}
	md.Name = name
	md.Category = category
	md.UpdatedAt = e.now().UTC()

	payload, err := json.Marshal(md)
	if err != nil {
		return err
	}
	if err := e.commitWritesLocked(ctx, sessionID, []chunkWrite{{chunk: core.ChunkMetadata, payload: payload}}); err != nil {
		e.metrics.WriteErrorsTotal.Add(1)
		return err
	}
	e.metrics.WritesTotal.Add(1)
	return nil
}

// FinalizeSession marks a session completed and stamps its end time.
func (e *Engine) FinalizeSession(ctx context.Context, sessionID string, endTime time.Time) error {
	_, span := e.tracer.Start(ctx, "Engine.FinalizeSession")
	defer span.End()

	if e.isClosing.Load() {
		return ErrEngineClosed
	}
	if endTime.IsZero() {
		endTime = e.now().UTC()
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	md, err := e.loadMetadataLocked(sessionID)
	if err != nil {
		return err
	}
	md.Status = core.SessionCompleted
	md.EndTime = endTime
	md.UpdatedAt = e.now().UTC()

	payload, err := json.Marshal(md)
	if err != nil {
		return err
	}
	if err := e.commitWritesLocked(ctx, sessionID, []chunkWrite{{chunk: core.ChunkMetadata, payload: payload}}); err != nil {
		e.metrics.WriteErrorsTotal.Add(1)
		return err
	}
	e.metrics.WritesTotal.Add(1)
	return nil
}

// DeleteSession removes a session and releases every CAS reference it held.
// Blob bytes stay on disk until the next vacuum.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	_, span := e.tracer.Start(ctx, "Engine.DeleteSession")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	if e.isClosing.Load() {
		return ErrEngineClosed
	}
	if err := e.hookManager.Trigger(ctx, hooks.NewEvent(hooks.EventPreDeleteSession, sessionID)); err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, err := e.loadMetadataLocked(sessionID); err != nil {
		return err
	}

	entry := e.nextEntry(core.OpDelete, 0, core.SessionKey(sessionID), nil)
	if err := e.wal.Append(entry); err != nil {
		e.metrics.WriteErrorsTotal.Add(1)
		return &core.DurabilityError{Op: "wal-append", Err: err}
	}

	// Pending writes for this session must land before the files go, so the
	// queue cannot resurrect a chunk afterwards.
	if err := e.queue.Drain(ctx); err != nil {
		return err
	}

	hashes, err := e.chunks.Delete(sessionID)
	if err != nil && !core.IsNotFound(err) {
		return err
	}
	for _, hash := range hashes {
		e.releaseOrphan(hash)
	}

	e.cache.Invalidate(core.ChunkKey(sessionID, core.ChunkMetadata))
	for _, chunk := range core.DataChunks {
		e.cache.Invalidate(core.ChunkKey(sessionID, chunk))
	}

	e.onApplied(entry.Timestamp)
	e.metrics.DeletesTotal.Add(1)
	e.hookManager.Trigger(context.WithoutCancel(ctx), hooks.NewEvent(hooks.EventPostDeleteSession, sessionID))
	return nil
}

// GetMetadata returns the metadata chunk of one session. Its cost is
// independent of how many screenshots or audio segments the session holds.
func (e *Engine) GetMetadata(ctx context.Context, sessionID string) (core.SessionMetadata, error) {
	_, span := e.tracer.Start(ctx, "Engine.GetMetadata")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	if e.isClosing.Load() {
		return core.SessionMetadata{}, ErrEngineClosed
	}
	e.metrics.ReadsTotal.Add(1)

	var md core.SessionMetadata
	if err := e.loadChunkValue(sessionID, core.ChunkMetadata, &md); err != nil {
		e.metrics.ReadErrorsTotal.Add(1)
		return core.SessionMetadata{}, err
	}
	if md.ID == "" {
		e.metrics.ReadErrorsTotal.Add(1)
		span.SetAttributes(attribute.Bool("session.found", false))
		return core.SessionMetadata{}, fmt.Errorf("session %s: %w", sessionID, core.ErrNotFound)
	}
	span.SetAttributes(attribute.Bool("session.found", true))
	return md, nil
}

// GetFull returns the fully merged session record.
func (e *Engine) GetFull(ctx context.Context, sessionID string) (core.SessionRecord, error) {
	_, span := e.tracer.Start(ctx, "Engine.GetFull")
	defer span.End()

	if e.isClosing.Load() {
		return core.SessionRecord{}, ErrEngineClosed
	}

	md, err := e.GetMetadata(ctx, sessionID)
	if err != nil {
		return core.SessionRecord{}, err
	}
	record := core.SessionRecord{Metadata: md}

	if err := e.loadChunkValue(sessionID, core.ChunkScreenshots, &record.Screenshots); err != nil {
		e.logger.Warn("Skipping unreadable screenshots chunk.", "session", sessionID, "error", err)
	}
	if err := e.loadChunkValue(sessionID, core.ChunkAudio, &record.AudioSegs); err != nil {
		e.logger.Warn("Skipping unreadable audio chunk.", "session", sessionID, "error", err)
	}
	if err := e.loadChunkValue(sessionID, core.ChunkVideo, &record.Video); err != nil {
		e.logger.Warn("Skipping unreadable video chunk.", "session", sessionID, "error", err)
	}
	if err := e.loadChunkValue(sessionID, core.ChunkSummary, &record.Summary); err != nil {
		e.logger.Warn("Skipping unreadable summary chunk.", "session", sessionID, "error", err)
	}
	return record, nil
}

// LoadAttachment fetches attachment bytes from the content-addressable
// store by hash.
func (e *Engine) LoadAttachment(ctx context.Context, hash string) ([]byte, error) {
	_, span := e.tracer.Start(ctx, "Engine.LoadAttachment")
	defer span.End()

	if e.isClosing.Load() {
		return nil, ErrEngineClosed
	}
	return e.cas.Load(hash)
}

// AttachmentRefCount exposes the CAS reference count for a hash.
func (e *Engine) AttachmentRefCount(hash string) int64 {
	return e.cas.RefCount(hash)
}

// GetRecentActivity returns the newest n screenshots of a session, newest
// first.
func (e *Engine) GetRecentActivity(ctx context.Context, sessionID string, n int) ([]core.Screenshot, error) {
	if e.isClosing.Load() {
		return nil, ErrEngineClosed
	}
	if _, err := e.GetMetadata(ctx, sessionID); err != nil {
		return nil, err
	}

	var shots []core.Screenshot
	if err := e.loadChunkValue(sessionID, core.ChunkScreenshots, &shots); err != nil {
		return nil, err
	}
	sort.SliceStable(shots, func(i, j int) bool { return shots[i].Timestamp.After(shots[j].Timestamp) })
	if n > 0 && len(shots) > n {
		shots = shots[:n]
	}
	return shots, nil
}

// GetChangesSince returns the records added after the caller's watermark,
// so pollers do not reload whole sessions.
func (e *Engine) GetChangesSince(ctx context.Context, sessionID string, since time.Time) (ChangeSet, error) {
	if e.isClosing.Load() {
		return ChangeSet{}, ErrEngineClosed
	}

	md, err := e.GetMetadata(ctx, sessionID)
	if err != nil {
		return ChangeSet{}, err
	}
	cs := ChangeSet{Metadata: md}
	if !md.UpdatedAt.After(since) {
		return cs, nil
	}

	var shots []core.Screenshot
	if err := e.loadChunkValue(sessionID, core.ChunkScreenshots, &shots); err == nil {
		for _, shot := range shots {
			if shot.Timestamp.After(since) {
				cs.Screenshots = append(cs.Screenshots, shot)
			}
		}
	}
	var segs []core.AudioSegment
	if err := e.loadChunkValue(sessionID, core.ChunkAudio, &segs); err == nil {
		for _, seg := range segs {
			if seg.Timestamp.After(since) {
				cs.AudioSegments = append(cs.AudioSegments, seg)
			}
		}
	}
	var summary core.Summary
	if err := e.loadChunkValue(sessionID, core.ChunkSummary, &summary); err == nil {
		cs.SummaryUpdated = summary.UpdatedAt.After(since)
	}
	return cs, nil
}

// ListSummaries returns the listing view of every session, newest first.
// Metadata chunks load in parallel; data chunks are never touched.
func (e *Engine) ListSummaries(ctx context.Context) ([]core.SessionSummary, error) {
	_, span := e.tracer.Start(ctx, "Engine.ListSummaries")
	defer span.End()

	if e.isClosing.Load() {
		return nil, ErrEngineClosed
	}

	ids, err := e.allSessionIDs()
	if err != nil {
		return nil, err
	}

	summaries := make([]*core.SessionSummary, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listSummariesConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			md, err := e.GetMetadata(gctx, id)
			if err != nil {
				// A session with an unreadable metadata chunk drops out of
				// the listing instead of failing it.
				e.logger.Warn("Skipping session with unreadable metadata.", "session", id, "error", err)
				return nil
			}
			s := core.SummaryOf(md)
			summaries[i] = &s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make([]core.SessionSummary, 0, len(summaries))
	for _, s := range summaries {
		if s != nil {
			result = append(result, *s)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].StartTime.After(result[j].StartTime) })
	return result, nil
}

// SearchSessions returns sessions whose name, category, notes or transcript
// contain the query, case-insensitively. An empty query lists everything.
func (e *Engine) SearchSessions(ctx context.Context, query string) ([]core.SessionSummary, error) {
	summaries, err := e.ListSummaries(ctx)
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return summaries, nil
	}

	var matched []core.SessionSummary
	for _, s := range summaries {
		if strings.Contains(strings.ToLower(s.Name), query) ||
			strings.Contains(strings.ToLower(s.Category), query) {
			matched = append(matched, s)
			continue
		}
		if !s.HasNotes && !s.HasTranscript {
			continue
		}
		var summary core.Summary
		if err := e.loadChunkValue(s.ID, core.ChunkSummary, &summary); err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(summary.Notes), query) ||
			strings.Contains(strings.ToLower(summary.Transcript), query) ||
			strings.Contains(strings.ToLower(summary.Text), query) {
			matched = append(matched, s)
		}
	}
	return matched, nil
}

// SessionCount returns the number of sessions, including ones whose first
// flush has not landed yet.
func (e *Engine) SessionCount(ctx context.Context) (int, error) {
	if e.isClosing.Load() {
		return 0, ErrEngineClosed
	}
	ids, err := e.allSessionIDs()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// --- read/write plumbing ---

// allSessionIDs merges on-disk sessions with sessions living only in the
// persistence queue.
func (e *Engine) allSessionIDs() ([]string, error) {
	ids, err := e.chunks.ListSessions()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for _, key := range e.queue.Keys() {
		sessionID, _, err := core.ParseChunkKey(key)
		if err != nil {
			continue
		}
		if _, ok := seen[sessionID]; !ok {
			seen[sessionID] = struct{}{}
			ids = append(ids, sessionID)
		}
	}
	return ids, nil
}

// loadChunkValue reads one chunk through the queue and cache and decodes it
// into v. An absent chunk leaves v untouched.
func (e *Engine) loadChunkValue(sessionID string, chunk core.ChunkName, v interface{}) error {
	key := core.ChunkKey(sessionID, chunk)

	if payload, ok := e.queue.Get(key); ok {
		return json.Unmarshal(payload, v)
	}
	if cached, ok := e.cache.Get(key); ok {
		return json.Unmarshal(cached.([]byte), v)
	}

	result := e.chunks.ReadChunk(sessionID, chunk)
	switch result.State {
	case chunkstore.ChunkAbsent:
		return nil
	case chunkstore.ChunkCorrupt:
		return result.Err
	}
	e.cache.Put(key, result.Data, int64(len(result.Data)))
	return json.Unmarshal(result.Data, v)
}

// loadChunkValueLocked is loadChunkValue for callers already holding
// writeMu; the lock keeps read-modify-write cycles atomic.
func (e *Engine) loadChunkValueLocked(sessionID string, chunk core.ChunkName, v interface{}) error {
	return e.loadChunkValue(sessionID, chunk, v)
}

// loadMetadataLocked returns the current metadata or ErrNotFound.
func (e *Engine) loadMetadataLocked(sessionID string) (core.SessionMetadata, error) {
	var md core.SessionMetadata
	if err := e.loadChunkValueLocked(sessionID, core.ChunkMetadata, &md); err != nil {
		return core.SessionMetadata{}, err
	}
	if md.ID == "" {
		return core.SessionMetadata{}, fmt.Errorf("session %s: %w", sessionID, core.ErrNotFound)
	}
	return md, nil
}

// commitWrites takes writeMu and commits.
func (e *Engine) commitWrites(ctx context.Context, sessionID string, writes []chunkWrite) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.commitWritesLocked(ctx, sessionID, writes)
}

// commitWritesLocked is the single write path: the WAL append is the
// durability point, and only after it succeeds do the writes become visible
// through the queue and cache. Multiple chunk writes travel as one WAL
// transaction.
func (e *Engine) commitWritesLocked(_ context.Context, sessionID string, writes []chunkWrite) error {
	var entries []core.WALEntry
	if len(writes) == 1 {
		entries = append(entries, e.nextEntry(core.OpWrite, 0,
			core.ChunkKey(sessionID, writes[0].chunk), writes[0].payload))
	} else {
		txn := e.txnID.Add(1)
		sessionKey := core.SessionKey(sessionID)
		entries = append(entries, e.nextEntry(core.OpTxBegin, txn, sessionKey, nil))
		for _, w := range writes {
			entries = append(entries, e.nextEntry(core.OpWrite, txn,
				core.ChunkKey(sessionID, w.chunk), w.payload))
		}
		entries = append(entries, e.nextEntry(core.OpTxCommit, txn, sessionKey, nil))
	}

	if err := e.wal.AppendBatch(entries); err != nil {
		return &core.DurabilityError{Op: "wal-append", Err: err}
	}

	for i, w := range writes {
		var ts int64
		if len(writes) == 1 {
			ts = entries[0].Timestamp
		} else {
			ts = entries[i+1].Timestamp
		}
		key := core.ChunkKey(sessionID, w.chunk)
		e.queue.Enqueue(key, w.payload, ts)
		e.cache.Put(key, w.payload, int64(len(w.payload)))
	}
	return nil
}

// releaseOrphan decrements a CAS reference where failure is not actionable
// by the caller; an undeletable reference only delays vacuum.
func (e *Engine) releaseOrphan(hash string) {
	if err := e.cas.Release(hash); err != nil && !core.IsNotFound(err) {
		e.logger.Warn("Failed to release attachment reference.", "hash", hash, "error", err)
	}
}
