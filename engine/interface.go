package engine

import (
	"context"
	"time"

	"github.com/INLOpen/sessionvault/core"
	"github.com/INLOpen/sessionvault/hooks"
)

// SessionStore defines the public API of the storage engine. The concrete
// *Engine is the only implementation; the interface exists for callers that
// want to fake the engine in their own tests.
type SessionStore interface {
	CreateSession(ctx context.Context, name, category string) (core.SessionMetadata, error)
	Ingest(ctx context.Context, req IngestRequest) (core.AttachmentRef, error)
	UpdateSummary(ctx context.Context, sessionID string, summary core.Summary) error
	UpdateSessionInfo(ctx context.Context, sessionID, name, category string) error
	FinalizeSession(ctx context.Context, sessionID string, endTime time.Time) error
	DeleteSession(ctx context.Context, sessionID string) error

	GetMetadata(ctx context.Context, sessionID string) (core.SessionMetadata, error)
	GetFull(ctx context.Context, sessionID string) (core.SessionRecord, error)
	LoadAttachment(ctx context.Context, hash string) ([]byte, error)
	GetRecentActivity(ctx context.Context, sessionID string, n int) ([]core.Screenshot, error)
	GetChangesSince(ctx context.Context, sessionID string, since time.Time) (ChangeSet, error)
	ListSummaries(ctx context.Context) ([]core.SessionSummary, error)
	SearchSessions(ctx context.Context, query string) ([]core.SessionSummary, error)
	SessionCount(ctx context.Context) (int, error)

	Checkpoint(ctx context.Context) error
	VacuumAttachments(ctx context.Context) (int, error)
	VerifyAttachments(ctx context.Context) ([]string, error)
	HookManager() hooks.HookManager
	RecoveryInfo() RecoveryInfo
	Close(ctx context.Context) error
}

var _ SessionStore = (*Engine)(nil)
