package engine

import (
	"expvar"
	"fmt"
)

// EngineMetrics holds all expvar variables for an Engine instance.
type EngineMetrics struct {
	PublishedGlobally bool

	IngestTotal        *expvar.Int
	IngestErrorsTotal  *expvar.Int
	WritesTotal        *expvar.Int
	WriteErrorsTotal   *expvar.Int
	ReadsTotal         *expvar.Int
	ReadErrorsTotal    *expvar.Int
	DeletesTotal       *expvar.Int
	CheckpointsTotal   *expvar.Int
	VacuumedBlobsTotal *expvar.Int

	WALBytesWrittenTotal   *expvar.Int
	WALEntriesWrittenTotal *expvar.Int

	QueuePendingTasks *expvar.Int
	QueueFlushCycles  *expvar.Int
	QueueApplyErrors  *expvar.Int

	CacheHits      *expvar.Int
	CacheMisses    *expvar.Int
	CacheEvictions *expvar.Int

	CASStoredBlobsTotal *expvar.Int
	CASDedupHitsTotal   *expvar.Int

	RecoveryReplayedEntriesTotal *expvar.Int
	RecoverySkippedEntriesTotal  *expvar.Int
	RecoveryDurationSeconds      *expvar.Float
}

// NewEngineMetrics creates and initializes a new EngineMetrics struct with
// expvar variables. With publishGlobally the variables register in the
// process-wide expvar namespace under the given prefix.
func NewEngineMetrics(publishGlobally bool, prefix string) *EngineMetrics {
	var newIntFunc func(string) *expvar.Int
	var newFloatFunc func(string) *expvar.Float

	if publishGlobally {
		newIntFunc = publishExpvarInt
		newFloatFunc = publishExpvarFloat
	} else {
		newIntFunc = func(_ string) *expvar.Int { return new(expvar.Int) }
		newFloatFunc = func(_ string) *expvar.Float { return new(expvar.Float) }
	}

	return &EngineMetrics{
		PublishedGlobally:  publishGlobally,
		IngestTotal:        newIntFunc(prefix + "ingest_total"),
		IngestErrorsTotal:  newIntFunc(prefix + "ingest_errors_total"),
		WritesTotal:        newIntFunc(prefix + "writes_total"),
		WriteErrorsTotal:   newIntFunc(prefix + "write_errors_total"),
		ReadsTotal:         newIntFunc(prefix + "reads_total"),
		ReadErrorsTotal:    newIntFunc(prefix + "read_errors_total"),
		DeletesTotal:       newIntFunc(prefix + "deletes_total"),
		CheckpointsTotal:   newIntFunc(prefix + "checkpoints_total"),
		VacuumedBlobsTotal: newIntFunc(prefix + "vacuumed_blobs_total"),

		WALBytesWrittenTotal:   newIntFunc(prefix + "wal_bytes_written_total"),
		WALEntriesWrittenTotal: newIntFunc(prefix + "wal_entries_written_total"),

		QueuePendingTasks: newIntFunc(prefix + "queue_pending_tasks"),
		QueueFlushCycles:  newIntFunc(prefix + "queue_flush_cycles_total"),
		QueueApplyErrors:  newIntFunc(prefix + "queue_apply_errors_total"),

		CacheHits:      newIntFunc(prefix + "cache_hits"),
		CacheMisses:    newIntFunc(prefix + "cache_misses"),
		CacheEvictions: newIntFunc(prefix + "cache_evictions_total"),

		CASStoredBlobsTotal: newIntFunc(prefix + "cas_stored_blobs_total"),
		CASDedupHitsTotal:   newIntFunc(prefix + "cas_dedup_hits_total"),

		RecoveryReplayedEntriesTotal: newIntFunc(prefix + "recovery_replayed_entries_total"),
		RecoverySkippedEntriesTotal:  newIntFunc(prefix + "recovery_skipped_entries_total"),
		RecoveryDurationSeconds:      newFloatFunc(prefix + "recovery_duration_seconds"),
	}
}

// publishExpvarInt safely publishes an expvar.Int. If the name already exists
// and is an *expvar.Int, it resets it and returns it.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarFloat safely publishes an expvar.Float.
func publishExpvarFloat(name string) *expvar.Float {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewFloat(name)
	}
	if fv, ok := v.(*expvar.Float); ok {
		fv.Set(0.0)
		return fv
	}
	panic(fmt.Sprintf("expvar: trying to publish Float %s but variable already exists with different type %T", name, v))
}
