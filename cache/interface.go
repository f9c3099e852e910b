package cache

import (
	"expvar"
	"time"
)

// Interface defines the public API for the record cache.
type Interface interface {
	Put(key string, value interface{}, sizeBytes int64)
	Get(key string) (value interface{}, ok bool)
	Invalidate(key string)
	Clear()
	SweepIdle(maxIdle time.Duration) int
	GetHitRate() float64
	SetMetrics(hits, misses, evictions *expvar.Int)
	Len() int
	UsedBytes() int64
}
