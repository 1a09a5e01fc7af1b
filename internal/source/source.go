// Package source defines the contract between the relay pipeline and the
// messaging platform it reads from. The pipeline only needs to connect,
// walk a channel's messages after a cutoff, look messages up by id, and
// download attached media to a local directory.
package source

import (
	"context"
	"strconv"
	"time"
)

// MediaKind classifies the media attached to a message.
type MediaKind string

const (
	MediaNone  MediaKind = ""
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
	MediaOther MediaKind = "other"
)

// MediaRef is the platform handle used to download a message's media.
type MediaRef struct {
	FileID   string
	FileName string
	MimeType string
}

// RawMessage is a read-only view of one channel message.
type RawMessage struct {
	ID              int64
	Channel         string
	Timestamp       time.Time
	Text            string
	HasMedia        bool
	MediaKind       MediaKind
	GroupID         string
	IsServiceAction bool
	Media           *MediaRef
}

// Grouped reports whether the message belongs to an album.
func (m RawMessage) Grouped() bool {
	return m.GroupID != ""
}

// MessageID returns the decimal id used as the dedup key.
func (m RawMessage) MessageID() string {
	return strconv.FormatInt(m.ID, 10)
}

// Source is the messaging-platform capability consumed by the pipeline.
type Source interface {
	// Connect authenticates and prepares the session. Errors are fatal for the run.
	Connect(ctx context.Context) error

	// IterMessages calls fn for up to limit messages in channel published at
	// or after since, in ascending id order. An error from fn stops iteration
	// and is returned.
	IterMessages(ctx context.Context, channel string, since time.Time, limit int, fn func(RawMessage) error) error

	// GetMessages returns the messages among ids that exist, in ids order.
	GetMessages(ctx context.Context, channel string, ids []int64) ([]RawMessage, error)

	// DownloadMedia saves msg's media into dir and returns the local path.
	DownloadMedia(ctx context.Context, msg RawMessage, dir string) (string, error)

	// Close releases the session.
	Close() error
}
