package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the storage packages.
var (
	// ErrNotFound is the typed absence for sessions, chunks and attachments.
	ErrNotFound = errors.New("not found")
	// ErrStoreClosed is returned by operations on a closed component.
	ErrStoreClosed = errors.New("store is closed")
	// ErrRecordTooLarge is returned when a single WAL record exceeds the
	// maximum segment size.
	ErrRecordTooLarge = errors.New("record is too large for a WAL segment")
)

// DurabilityError wraps a WAL append or chunk rename failure. The write it
// describes was rejected and must be surfaced to the caller, never dropped.
type DurabilityError struct {
	Op  string // "wal-append", "chunk-rename", ...
	Err error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("durability failure during %s: %v", e.Op, e.Err)
}

func (e *DurabilityError) Unwrap() error { return e.Err }

// CorruptionError reports a checksum or parse failure on stored data.
// Callers log it and degrade (skip the entry, serve a miss) rather than crash.
type CorruptionError struct {
	Path   string
	Detail string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption detected in %s: %s", e.Path, e.Detail)
}

// InsufficientSpaceError is returned by the disk preflight when a write
// would leave less than the configured free-space floor.
type InsufficientSpaceError struct {
	Path      string
	Available uint64
	Required  uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space at %s: %d MB available, %d MB required",
		e.Path, e.Available/(1024*1024), e.Required/(1024*1024))
}

// IsNotFound reports whether err is (or wraps) a typed absence.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsCorruption reports whether err is (or wraps) a CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsDurabilityFailure reports whether err is (or wraps) a DurabilityError.
func IsDurabilityFailure(err error) bool {
	var de *DurabilityError
	return errors.As(err, &de)
}
