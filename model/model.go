package model

import "time"

// ChunkStatus is the lifecycle state of an archive chunk.
type ChunkStatus string

const (
	StatusPending    ChunkStatus = "pending"
	StatusProcessing ChunkStatus = "processing"
	StatusCompleted  ChunkStatus = "completed"
	StatusFailed     ChunkStatus = "failed"
)

// Chunk is a contiguous, self-contained slice of an mbox archive,
// written as its own file and containing whole messages only.
type Chunk struct {
	ID           string      `json:"chunkId" db:"chunk_id"`
	ArchivePath  string      `json:"archivePath" db:"archive_path"`
	Path         string      `json:"path" db:"path"`
	Ordinal      int         `json:"ordinal" db:"ordinal"`
	SizeBytes    int64       `json:"sizeBytes" db:"size_bytes"`
	MessageCount int         `json:"messageCount" db:"message_count"`
	DateStart    *time.Time  `json:"dateStart" db:"date_start"`
	DateEnd      *time.Time  `json:"dateEnd" db:"date_end"`
	ContentHash  string      `json:"contentHash" db:"content_hash"`
	Labels       []string    `json:"labels" db:"-"`
	Status       ChunkStatus `json:"status" db:"status"`
	ResumeOffset int64       `json:"resumeOffset" db:"resume_offset"`
	ProcessedAt  *time.Time  `json:"processedAt" db:"processed_at"`
}

// ArchiveManifest describes how an archive was split and carries the
// hashes needed to verify byte-exact reconstructability.
type ArchiveManifest struct {
	OriginalFile      string    `json:"originalFile"`
	OriginalSizeBytes int64     `json:"originalSizeBytes"`
	OriginalHash      string    `json:"originalHash"`
	Chunks            []Chunk   `json:"chunks"`
	SplitTimestamp    time.Time `json:"splitTimestamp"`
}

// ProcessingLogEntry is one append-only audit record written on every
// chunk status transition.
type ProcessingLogEntry struct {
	ChunkID   string      `db:"chunk_id"`
	Status    ChunkStatus `db:"status"`
	Offset    *int64      `db:"offset"`
	Error     *string     `db:"error"`
	Timestamp time.Time   `db:"timestamp"`
}

// Address is a mail address with its optional display name. Email is
// always lower-cased; Name keeps the original casing.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Attachment carries attachment metadata only, never content.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Inline      bool   `json:"inline"`
}

// Message represents a single parsed email extracted from a chunk.
type Message struct {
	MessageID         string              `json:"messageId"`
	From              Address             `json:"from"`
	To                []Address           `json:"to,omitempty"`
	Cc                []Address           `json:"cc,omitempty"`
	Bcc               []Address           `json:"bcc,omitempty"`
	Subject           string              `json:"subject"`
	Date              time.Time           `json:"date"`
	References        []string            `json:"references,omitempty"`
	InReplyTo         string              `json:"inReplyTo,omitempty"`
	TransportThreadID string              `json:"transportThreadId,omitempty"`
	BodyText          string              `json:"bodyText,omitempty"`
	BodyHTML          string              `json:"bodyHtml,omitempty"`
	Attachments       []Attachment        `json:"attachments,omitempty"`
	Headers           map[string][]string `json:"-"`
	Size              int64               `json:"size"`
}

// Envelope wraps a message alongside an optional error encountered while
// decoding, so one malformed block never stops the stream. Bytes carries
// the raw block size whether or not parsing succeeded.
type Envelope struct {
	Message Message
	Bytes   int64
	Err     error
}

// Thread is a reconstructed conversation, messages sorted date-ascending.
type Thread struct {
	ThreadID     string    `json:"threadId"`
	Messages     []Message `json:"messages"`
	Participants []Address `json:"participants"`
	Subject      string    `json:"subject"`
	DateStart    time.Time `json:"dateStart"`
	DateEnd      time.Time `json:"dateEnd"`
	MessageCount int       `json:"messageCount"`
}

// Root returns the earliest message in the thread.
func (t Thread) Root() Message {
	return t.Messages[0]
}
