package core

import (
	"strings"
	"time"
)

// CompressionType identifies the compression algorithm used for a persistent file.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType converts a config string to a CompressionType.
func ParseCompressionType(s string) (CompressionType, bool) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, true
	case "snappy":
		return CompressionSnappy, true
	case "lz4":
		return CompressionLZ4, true
	case "zstd":
		return CompressionZSTD, true
	default:
		return CompressionNone, false
	}
}

// SessionStatus describes the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionEnriching SessionStatus = "enriching"
)

// SessionMetadata is the always-resident chunk of a session record.
// Loading it must never require touching any data chunk.
type SessionMetadata struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Status          SessionStatus `json:"status"`
	Category        string        `json:"category,omitempty"`
	StartTime       time.Time     `json:"startTime"`
	EndTime         time.Time     `json:"endTime,omitempty"`
	ScreenshotCount int           `json:"screenshotCount"`
	AudioCount      int           `json:"audioSegmentCount"`
	HasVideo        bool          `json:"hasVideo"`
	HasNotes        bool          `json:"hasNotes"`
	HasTranscript   bool          `json:"hasTranscript"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// Screenshot is a single screenshot record. Bytes live in the CAS,
// referenced by AttachmentID.
type Screenshot struct {
	ID           string    `json:"id"`
	AttachmentID string    `json:"attachmentId"`
	Timestamp    time.Time `json:"timestamp"`
	RelativeTime float64   `json:"relativeTime,omitempty"`
}

// AudioSegment is a single captured audio segment record.
type AudioSegment struct {
	ID           string    `json:"id"`
	AttachmentID string    `json:"attachmentId"`
	Timestamp    time.Time `json:"timestamp"`
	Duration     float64   `json:"duration"`
	StartOffset  float64   `json:"startTime,omitempty"`
}

// VideoRef points at the full-session video blob in the CAS.
type VideoRef struct {
	AttachmentID string  `json:"fullVideoAttachmentId"`
	Duration     float64 `json:"duration,omitempty"`
}

// Summary holds post-session enrichment output.
type Summary struct {
	Notes      string    `json:"notes,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Text       string    `json:"text,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
}

// SessionRecord is the fully merged view of a session: metadata plus all
// data chunks. Produced by a full load only; lightweight callers should
// stick to SessionMetadata.
type SessionRecord struct {
	Metadata    SessionMetadata `json:"metadata"`
	Screenshots []Screenshot    `json:"screenshots,omitempty"`
	AudioSegs   []AudioSegment  `json:"audioSegments,omitempty"`
	Video       *VideoRef       `json:"video,omitempty"`
	Summary     *Summary        `json:"summary,omitempty"`
}

// SessionSummary is the listing view computed from the metadata chunk alone.
type SessionSummary struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Status          SessionStatus `json:"status"`
	Category        string        `json:"category,omitempty"`
	StartTime       time.Time     `json:"startTime"`
	EndTime         time.Time     `json:"endTime,omitempty"`
	ScreenshotCount int           `json:"screenshotCount"`
	AudioCount      int           `json:"audioSegmentCount"`
	HasVideo        bool          `json:"hasVideo"`
	HasNotes        bool          `json:"hasNotes"`
	HasTranscript   bool          `json:"hasTranscript"`
}

// SummaryOf derives the listing view from a metadata chunk.
func SummaryOf(m SessionMetadata) SessionSummary {
	return SessionSummary{
		ID:              m.ID,
		Name:            m.Name,
		Status:          m.Status,
		Category:        m.Category,
		StartTime:       m.StartTime,
		EndTime:         m.EndTime,
		ScreenshotCount: m.ScreenshotCount,
		AudioCount:      m.AudioCount,
		HasVideo:        m.HasVideo,
		HasNotes:        m.HasNotes,
		HasTranscript:   m.HasTranscript,
	}
}

// AttachmentKind identifies what a producer is handing the engine.
type AttachmentKind string

const (
	AttachmentScreenshot AttachmentKind = "screenshot"
	AttachmentAudio      AttachmentKind = "audio"
	AttachmentVideo      AttachmentKind = "video"
)

// AttachmentRef is returned by the producer ingest path. Hash is the CAS
// content hash; RecordID is the id of the chunk record created for it.
type AttachmentRef struct {
	RecordID string `json:"recordId"`
	Hash     string `json:"hash"`
	Size     int    `json:"size"`
}
