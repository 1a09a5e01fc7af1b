// Package album reconciles grouped channel messages into a single album.
//
// Platforms deliver an album as several messages sharing a group id. The
// first member seen during a scan triggers a lookup of its siblings; the
// group is then marked processed so later members are skipped.
package album

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/fpang/channel-relay/internal/source"
)

// DefaultWindow is how many ids after the trigger are searched for siblings.
// Albums hold at most 10 items, so the trigger plus 9 covers a full album.
const DefaultWindow = 9

// Fetcher looks messages up by id.
type Fetcher interface {
	GetMessages(ctx context.Context, channel string, ids []int64) ([]source.RawMessage, error)
}

// Group is a reconciled album, members in source order.
type Group struct {
	ID      string
	Members []source.RawMessage
}

// Reconciler resolves albums for one channel scan. It is not safe for
// concurrent use and must not be reused across runs.
type Reconciler struct {
	fetcher   Fetcher
	window    int
	processed map[string]struct{}
}

// NewReconciler creates a Reconciler. window <= 0 uses DefaultWindow.
func NewReconciler(fetcher Fetcher, window int) *Reconciler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Reconciler{
		fetcher:   fetcher,
		window:    window,
		processed: make(map[string]struct{}),
	}
}

// Seen reports whether groupID was already reconciled in this scan.
func (r *Reconciler) Seen(groupID string) bool {
	_, ok := r.processed[groupID]
	return ok
}

// MarkProcessed records groupID as handled without reconciling it.
func (r *Reconciler) MarkProcessed(groupID string) {
	r.processed[groupID] = struct{}{}
}

// Resolve returns the album that msg belongs to. Siblings are looked up in
// ids msg.ID..msg.ID+window. If the lookup fails or finds nothing, the album
// is msg alone. The group is marked processed in every case.
func (r *Reconciler) Resolve(ctx context.Context, msg source.RawMessage) Group {
	r.MarkProcessed(msg.GroupID)

	ids := make([]int64, 0, r.window+1)
	for id := msg.ID; id <= msg.ID+int64(r.window); id++ {
		ids = append(ids, id)
	}

	siblings, err := r.fetcher.GetMessages(ctx, msg.Channel, ids)
	if err != nil {
		log.Warn().
			Err(err).
			Str("channel", msg.Channel).
			Str("groupId", msg.GroupID).
			Int64("messageId", msg.ID).
			Msg("Album sibling lookup failed, using trigger message only")
		return Group{ID: msg.GroupID, Members: []source.RawMessage{msg}}
	}

	var members []source.RawMessage
	for _, m := range siblings {
		if m.GroupID == msg.GroupID {
			members = append(members, m)
		}
	}
	if len(members) == 0 {
		members = []source.RawMessage{msg}
	}

	log.Debug().
		Str("channel", msg.Channel).
		Str("groupId", msg.GroupID).
		Int("members", len(members)).
		Msg("Album reconciled")
	return Group{ID: msg.GroupID, Members: members}
}

// Text returns the longest non-blank text among members; the first wins ties.
// Albums often carry their caption on a member other than the first.
func Text(members []source.RawMessage) string {
	best, bestLen := "", 0
	for _, m := range members {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		if n := utf8.RuneCountInString(m.Text); n > bestLen {
			best, bestLen = m.Text, n
		}
	}
	return best
}

// MediaMembers returns the members that carry media.
func MediaMembers(members []source.RawMessage) []source.RawMessage {
	var out []source.RawMessage
	for _, m := range members {
		if m.HasMedia {
			out = append(out, m)
		}
	}
	return out
}
