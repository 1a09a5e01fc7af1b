// Package assemble turns channel messages and their upload results into
// delivery records. Everything here is pure: uploads happen before, and
// delivery after, in the pipeline package.
package assemble

import (
	"strings"
	"time"

	"github.com/fpang/channel-relay/internal/album"
	"github.com/fpang/channel-relay/internal/dedup"
	"github.com/fpang/channel-relay/internal/media"
	"github.com/fpang/channel-relay/internal/record"
	"github.com/fpang/channel-relay/internal/source"
	"github.com/fpang/channel-relay/internal/target"
)

// Skip explains why a message produces no record. The zero value means the
// message should be assembled.
type Skip string

const (
	SkipNone          Skip = ""
	SkipServiceAction Skip = "service_action"
	SkipEmpty         Skip = "empty"
	SkipDuplicate     Skip = "duplicate"
	SkipGroupSeen     Skip = "group_seen"
)

// Classify applies the skip rules that need no upload: service actions,
// empty messages, already-delivered ids, and albums already handled.
// groupSeen may be nil when no album has been processed yet.
func Classify(msg source.RawMessage, idx dedup.Index, groupSeen func(string) bool) Skip {
	switch {
	case msg.IsServiceAction:
		return SkipServiceAction
	case strings.TrimSpace(msg.Text) == "" && !msg.HasMedia:
		return SkipEmpty
	case msg.Grouped() && groupSeen != nil && groupSeen(msg.GroupID):
		return SkipGroupSeen
	case idx.Contains(msg.MessageID()):
		return SkipDuplicate
	}
	return SkipNone
}

// Assembler builds records with timestamps normalized to one fixed zone.
type Assembler struct {
	loc *time.Location
}

// New creates an Assembler. A nil loc means UTC.
func New(loc *time.Location) *Assembler {
	if loc == nil {
		loc = time.UTC
	}
	return &Assembler{loc: loc}
}

// EventTime formats t in the assembler's zone with an explicit offset.
func (a *Assembler) EventTime(t time.Time) string {
	return t.In(a.loc).Format(record.DateLayout)
}

func (a *Assembler) base(t target.ChannelTarget, msg source.RawMessage) record.DeliveryRecord {
	return record.DeliveryRecord{
		SourceChannel: t.SourceID,
		Brand:         t.Category,
		MediaURLs:     []string{},
		MessageID:     msg.MessageID(),
		Date:          a.EventTime(msg.Timestamp),
	}
}

// Text builds the record for a message without media. Always valid.
func (a *Assembler) Text(t target.ChannelTarget, msg source.RawMessage) record.DeliveryRecord {
	rec := a.base(t, msg)
	rec.Content = msg.Text
	rec.MediaType = record.MediaText
	return rec
}

// Single builds the record for a message with one media item. It is valid
// only if the upload succeeded. Photos are typed photo; anything else is video.
func (a *Assembler) Single(t target.ChannelTarget, msg source.RawMessage, res media.UploadResult) (record.DeliveryRecord, bool) {
	if !res.OK() {
		return record.DeliveryRecord{}, false
	}
	rec := a.base(t, msg)
	rec.Content = msg.Text
	rec.MediaURLs = []string{res.PublicURL}
	rec.MediaType = record.MediaVideo
	if msg.MediaKind == source.MediaPhoto {
		rec.MediaType = record.MediaPhoto
	}
	return rec, true
}

// Album builds the record for a reconciled group. results must hold one
// successful upload per media member, in member order; anything else makes
// the album invalid. The record is keyed by the first member's id.
func (a *Assembler) Album(t target.ChannelTarget, g album.Group, results []media.UploadResult) (record.DeliveryRecord, bool) {
	if len(g.Members) == 0 {
		return record.DeliveryRecord{}, false
	}
	if len(results) != len(album.MediaMembers(g.Members)) {
		return record.DeliveryRecord{}, false
	}
	urls := make([]string, 0, len(results))
	for _, res := range results {
		if !res.OK() {
			return record.DeliveryRecord{}, false
		}
		urls = append(urls, res.PublicURL)
	}

	rec := a.base(t, g.Members[0])
	rec.Content = album.Text(g.Members)
	rec.MediaURLs = urls
	rec.MediaType = record.MediaAlbum
	return rec, true
}
