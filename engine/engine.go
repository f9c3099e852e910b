// Package engine wires the write-ahead log, content-addressable store,
// chunk store, record cache and persistence queue into the durable session
// storage engine. The engine is the single write path: producers append
// through it, the WAL makes every mutation durable before it is
// acknowledged, and a background queue folds mutations into the chunk files.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/INLOpen/sessionvault/cache"
	"github.com/INLOpen/sessionvault/cas"
	"github.com/INLOpen/sessionvault/checkpoint"
	"github.com/INLOpen/sessionvault/chunkstore"
	"github.com/INLOpen/sessionvault/compressors"
	"github.com/INLOpen/sessionvault/config"
	"github.com/INLOpen/sessionvault/core"
	"github.com/INLOpen/sessionvault/hooks"
	"github.com/INLOpen/sessionvault/queue"
	"github.com/INLOpen/sessionvault/sys"
	"github.com/INLOpen/sessionvault/wal"
)

var (
	ErrEngineClosed = errors.New("engine is closed")
)

// Options holds configuration for the engine.
type Options struct {
	DataDir string

	WALSyncMode       wal.SyncMode
	WALMaxSegmentSize int64
	// WALFlushInterval drives the periodic wal.Sync under SyncInterval.
	// Ignored for the other sync modes.
	WALFlushInterval time.Duration

	CacheCapacityBytes int64
	CacheMaxIdle       time.Duration
	CacheSweepInterval time.Duration

	QueueFlushInterval time.Duration
	CheckpointInterval time.Duration

	ChunkCompressor core.Compressor
	CASCompressor   core.Compressor
	VacuumOnStartup bool

	// MinFreeSpace is the disk free-space floor checked before an ingest.
	// Zero means sys.MinFreeSpace.
	MinFreeSpace uint64

	Metrics        *EngineMetrics
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	HookManager    hooks.HookManager

	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

// OptionsFromConfig maps a loaded configuration onto engine options.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) (Options, error) {
	chunkCT, _ := core.ParseCompressionType(cfg.Engine.ChunkCompression)
	chunkCompressor, err := compressors.ForType(chunkCT)
	if err != nil {
		return Options{}, err
	}
	casCT, _ := core.ParseCompressionType(cfg.Engine.CAS.Compression)
	casCompressor, err := compressors.ForType(casCT)
	if err != nil {
		return Options{}, err
	}

	return Options{
		DataDir:            cfg.Engine.DataDir,
		WALSyncMode:        wal.SyncMode(cfg.Engine.WAL.SyncMode),
		WALMaxSegmentSize:  cfg.Engine.WAL.MaxSegmentSizeBytes,
		WALFlushInterval:   config.ParseDuration(cfg.Engine.WAL.FlushInterval, time.Second, logger),
		CacheCapacityBytes: cfg.Engine.Cache.CapacityBytes,
		CacheMaxIdle:       config.ParseDuration(cfg.Engine.Cache.MaxIdle, 10*time.Minute, logger),
		CacheSweepInterval: config.ParseDuration(cfg.Engine.Cache.SweepInterval, time.Minute, logger),
		QueueFlushInterval: config.ParseDuration(cfg.Engine.Queue.FlushInterval, 250*time.Millisecond, logger),
		CheckpointInterval: config.ParseDuration(cfg.Engine.CheckpointInterval, 30*time.Second, logger),
		ChunkCompressor:    chunkCompressor,
		CASCompressor:      casCompressor,
		VacuumOnStartup:    cfg.Engine.CAS.VacuumOnStartup,
		Logger:             logger,
	}, nil
}

// Engine is the durable session storage engine.
type Engine struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	hookManager hooks.HookManager
	metrics     *EngineMetrics

	wal    *wal.WAL
	cas    *cas.Store
	chunks *chunkstore.Store
	cache  *cache.LRUCache
	queue  *queue.Queue

	// writeMu serializes every mutation: WAL appends for different sessions
	// must hit the log in a single total order, and checkpointing must be
	// able to exclude writers while it truncates the log.
	writeMu sync.Mutex

	seqNum atomic.Uint64
	txnID  atomic.Uint64

	// lastApplied is the highest entry timestamp the queue has folded into
	// the chunk store; lastCheckpointed trails it.
	lastApplied      atomic.Int64
	lastCheckpointed atomic.Int64

	recovery RecoveryInfo

	now func() time.Time

	isClosing    atomic.Bool
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// Open builds the engine: it opens every component, runs crash recovery,
// and starts the background queue, cache sweeper and checkpoint timer.
func Open(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "Engine")

	if opts.Metrics == nil {
		opts.Metrics = NewEngineMetrics(false, "")
	}
	if opts.WALMaxSegmentSize <= 0 {
		opts.WALMaxSegmentSize = 32 * 1024 * 1024
	}
	if opts.WALSyncMode == "" {
		opts.WALSyncMode = wal.SyncAlways
	}
	if opts.WALFlushInterval <= 0 {
		opts.WALFlushInterval = time.Second
	}
	if opts.MinFreeSpace == 0 {
		opts.MinFreeSpace = sys.MinFreeSpace
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.NewHookManager(logger)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", opts.DataDir, err)
	}

	e := &Engine{
		opts:         opts,
		logger:       logger,
		hookManager:  opts.HookManager,
		metrics:      opts.Metrics,
		now:          opts.Clock,
		shutdownChan: make(chan struct{}),
	}
	if opts.TracerProvider != nil {
		e.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/sessionvault/engine")
	} else {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}

	casStore, err := cas.Open(cas.Options{
		Dir:         filepath.Join(opts.DataDir, core.CASDirName),
		Compressor:  opts.CASCompressor,
		Logger:      opts.Logger,
		StoredBlobs: e.metrics.CASStoredBlobsTotal,
		DedupHits:   e.metrics.CASDedupHitsTotal,
	})
	if err != nil {
		return nil, err
	}
	e.cas = casStore

	chunks, err := chunkstore.Open(chunkstore.Options{
		Dir:        filepath.Join(opts.DataDir, core.SessionsDirName),
		Compressor: opts.ChunkCompressor,
		Logger:     opts.Logger,
	})
	if err != nil {
		casStore.Close()
		return nil, err
	}
	e.chunks = chunks

	e.cache = cache.NewLRUCache(opts.CacheCapacityBytes, e.onCacheEviction)
	e.cache.SetMetrics(e.metrics.CacheHits, e.metrics.CacheMisses, e.metrics.CacheEvictions)

	if err := e.recoverAndOpenWAL(); err != nil {
		casStore.Close()
		return nil, err
	}

	e.queue = queue.New(queue.Options{
		Sink:          queue.SinkFunc(e.applyQueuedWrite),
		FlushInterval: opts.QueueFlushInterval,
		Logger:        opts.Logger,
		HookManager:   e.hookManager,
		OnApplied:     e.onApplied,
		PendingTasks:  e.metrics.QueuePendingTasks,
		FlushCycles:   e.metrics.QueueFlushCycles,
		ApplyErrors:   e.metrics.QueueApplyErrors,
	})

	if opts.CacheSweepInterval > 0 && opts.CacheMaxIdle > 0 {
		e.cache.StartIdleSweeper(opts.CacheSweepInterval, opts.CacheMaxIdle)
	}
	if opts.CheckpointInterval > 0 {
		e.wg.Add(1)
		go e.checkpointLoop()
	}
	// Under SyncInterval appends sit in the segment writer's buffer until
	// someone syncs; the engine owns that timer.
	if opts.WALSyncMode == wal.SyncInterval {
		e.wg.Add(1)
		go e.walSyncLoop()
	}

	if opts.VacuumOnStartup {
		if removed, err := e.cas.Vacuum(); err != nil {
			e.logger.Warn("Startup vacuum failed.", "error", err)
		} else if removed > 0 {
			e.metrics.VacuumedBlobsTotal.Add(int64(removed))
		}
	}

	e.logger.Info("Engine opened.", "data_dir", opts.DataDir, "recovery_state", e.recovery.State.String())
	return e, nil
}

// Close drains all pending writes, writes a final checkpoint, and shuts the
// engine down. The engine is unusable afterwards.
func (e *Engine) Close(ctx context.Context) error {
	if !e.isClosing.CompareAndSwap(false, true) {
		return nil
	}
	close(e.shutdownChan)
	e.wg.Wait()
	e.cache.StopIdleSweeper()

	var firstErr error
	if err := e.queue.Close(ctx); err != nil {
		firstErr = err
		e.logger.Error("Failed to drain persistence queue on close.", "error", err)
	}
	if firstErr == nil {
		if err := e.Checkpoint(ctx); err != nil {
			firstErr = err
			e.logger.Error("Failed to write final checkpoint.", "error", err)
		}
	}
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.cas.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.hookManager.Stop()
	e.logger.Info("Engine closed.")
	return firstErr
}

// Checkpoint drains the queue and advances the checkpoint marker, then
// truncates WAL segments the marker covers. Writers are held off for the
// duration so no unapplied entry can be purged.
func (e *Engine) Checkpoint(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.queue.Drain(ctx); err != nil {
		return fmt.Errorf("queue drain before checkpoint: %w", err)
	}

	lastApplied := e.lastApplied.Load()
	if lastApplied == 0 || lastApplied <= e.lastCheckpointed.Load() {
		return nil
	}

	// Everything at or below the current active segment is applied; rotate
	// so the active segment becomes purgeable too.
	safeIndex := e.wal.ActiveSegmentIndex()
	if err := e.wal.Rotate(); err != nil {
		return err
	}
	cp := core.Checkpoint{LastApplied: lastApplied, LastSafeSegmentIndex: safeIndex}
	if err := checkpoint.Write(e.opts.DataDir, cp); err != nil {
		return err
	}
	e.lastCheckpointed.Store(lastApplied)
	if err := e.wal.Purge(safeIndex); err != nil {
		e.logger.Warn("WAL purge after checkpoint failed.", "error", err)
	}

	e.metrics.CheckpointsTotal.Add(1)
	e.hookManager.Trigger(context.WithoutCancel(ctx), hooks.NewPostCheckpointEvent(hooks.PostCheckpointPayload{
		LastApplied:          cp.LastApplied,
		LastSafeSegmentIndex: cp.LastSafeSegmentIndex,
	}))
	return nil
}

// VacuumAttachments physically deletes CAS blobs whose reference count
// reached zero and returns how many were removed.
func (e *Engine) VacuumAttachments(ctx context.Context) (int, error) {
	if e.isClosing.Load() {
		return 0, ErrEngineClosed
	}
	removed, err := e.cas.Vacuum()
	if removed > 0 {
		e.metrics.VacuumedBlobsTotal.Add(int64(removed))
	}
	return removed, err
}

// VerifyAttachments re-hashes every referenced blob and returns the hashes
// that no longer match their content.
func (e *Engine) VerifyAttachments(ctx context.Context) ([]string, error) {
	if e.isClosing.Load() {
		return nil, ErrEngineClosed
	}
	return e.cas.Verify()
}

// HookManager exposes the engine's hook manager for listener registration.
func (e *Engine) HookManager() hooks.HookManager { return e.hookManager }

// RecoveryInfo reports the outcome of the startup recovery pass.
func (e *Engine) RecoveryInfo() RecoveryInfo { return e.recovery }

func (e *Engine) checkpointLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.CheckpointInterval)
			if err := e.Checkpoint(ctx); err != nil {
				e.logger.Warn("Periodic checkpoint failed.", "error", err)
			}
			cancel()
		case <-e.shutdownChan:
			return
		}
	}
}

func (e *Engine) walSyncLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.WALFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.wal.Sync(); err != nil {
				e.logger.Warn("Periodic WAL sync failed.", "error", err)
			}
		case <-e.shutdownChan:
			return
		}
	}
}

// applyQueuedWrite is the persistence queue's sink: it folds one coalesced
// chunk write into the chunk store.
func (e *Engine) applyQueuedWrite(_ context.Context, key string, payload []byte, _ int64) error {
	sessionID, chunk, err := core.ParseChunkKey(key)
	if err != nil {
		return err
	}
	if chunk == "" {
		return fmt.Errorf("queued write for whole-session key %q", key)
	}
	return e.chunks.SaveChunk(sessionID, chunk, payload)
}

func (e *Engine) onApplied(lastTs int64) {
	for {
		current := e.lastApplied.Load()
		if lastTs <= current || e.lastApplied.CompareAndSwap(current, lastTs) {
			return
		}
	}
}

func (e *Engine) onCacheEviction(key string, _ interface{}, sizeBytes int64, reason cache.EvictionReason) {
	if reason == cache.EvictExplicit {
		return
	}
	e.hookManager.Trigger(context.Background(), hooks.NewCacheEvictionEvent(hooks.CacheEvictionPayload{
		Key:       key,
		SizeBytes: sizeBytes,
		Idle:      reason == cache.EvictIdle,
	}))
}

// nextEntry stamps a WAL entry with the next sequence number and the current
// clock. Callers hold writeMu.
func (e *Engine) nextEntry(op core.OpType, txnID uint64, key string, payload []byte) core.WALEntry {
	return core.WALEntry{
		SeqNum:    e.seqNum.Add(1),
		Timestamp: e.now().UnixNano(),
		Op:        op,
		TxnID:     txnID,
		Key:       []byte(key),
		Payload:   payload,
	}
}
