// Package record defines the JSON document POSTed to the downstream
// automation webhook for each relayed post.
package record

// MediaType is the downstream classification of a record.
type MediaType string

const (
	MediaText  MediaType = "text"
	MediaPhoto MediaType = "photo"
	MediaVideo MediaType = "video"
	MediaAlbum MediaType = "album"
)

// DateLayout is ISO-8601 with an explicit numeric offset (never "Z").
const DateLayout = "2006-01-02T15:04:05-07:00"

// DeliveryRecord is one relayed post. Records are built by the assemble
// package only; MediaURLs is never nil so it encodes as [] for text posts.
type DeliveryRecord struct {
	SourceChannel string    `json:"source_channel"`
	Brand         string    `json:"brand"`
	Content       string    `json:"content"`
	MediaURLs     []string  `json:"media_urls"`
	MediaType     MediaType `json:"media_type"`
	MessageID     string    `json:"message_id"`
	Date          string    `json:"date"`
}
