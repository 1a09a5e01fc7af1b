// Package journal keeps channel posts received from a push-style source
// (the Telegram Bot API update queue) so that later runs can scan them
// again inside their lookback window.
//
// The source saves every page of updates before it confirms the page to
// the platform, so a post is never dropped upstream without being stored
// here first. Saving is an upsert keyed by (chat, message id); edits
// replace the earlier version. Stores expire posts after a retention
// period instead of tracking delivery, which the dedup store already does.
package journal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fpang/channel-relay/internal/source"
)

// DefaultRetention is how long a post stays in the journal.
const DefaultRetention = 72 * time.Hour

// Post is one journaled channel post.
type Post struct {
	Chat     string            `json:"chat"`
	Username string            `json:"username,omitempty"` // lower-cased, without "@"
	Message  source.RawMessage `json:"message"`
}

// Store persists posts across runs.
type Store interface {
	// Load returns every post still within retention, ordered by chat then id.
	Load(ctx context.Context) ([]Post, error)

	// Save upserts posts. It must not return until the posts are durable.
	Save(ctx context.Context, posts []Post) error
}

type postKey struct {
	chat string
	id   int64
}

// MemoryStore keeps posts for the life of the process. It is used when no
// durable store is configured and in tests.
type MemoryStore struct {
	mu        sync.Mutex
	posts     map[postKey]Post
	retention time.Duration
	now       func() time.Time
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore. retention <= 0 uses DefaultRetention.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{posts: make(map[postKey]Post), retention: retention, now: time.Now}
}

func (m *MemoryStore) Load(_ context.Context) ([]Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.retention)
	out := make([]Post, 0, len(m.posts))
	for k, p := range m.posts {
		if p.Message.Timestamp.Before(cutoff) {
			delete(m.posts, k)
			continue
		}
		out = append(out, p)
	}
	Sort(out)
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, posts []Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range posts {
		m.posts[postKey{p.Chat, p.Message.ID}] = p
	}
	return nil
}

// Sort orders posts by chat, then message id.
func Sort(posts []Post) {
	sort.Slice(posts, func(i, j int) bool {
		if posts[i].Chat != posts[j].Chat {
			return posts[i].Chat < posts[j].Chat
		}
		return posts[i].Message.ID < posts[j].Message.ID
	})
}
