// Package dedup tracks which channel messages have already been delivered
// downstream, scoped per (channel, category) pair.
//
// The Cache is best-effort by construction: a failed lookup yields an empty
// index and a failed write is only logged. A missed dedup produces a
// duplicate push, which the downstream webhook tolerates; it never stops a run.
package dedup

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTTL is how long delivered ids are retained by stores that expire records.
const DefaultTTL = 30 * 24 * time.Hour

// Index is the set of message ids already delivered for one (channel, category).
type Index map[string]struct{}

// Contains reports whether id was delivered.
func (i Index) Contains(id string) bool {
	_, ok := i[id]
	return ok
}

// Add marks id as delivered.
func (i Index) Add(id string) {
	i[id] = struct{}{}
}

// Entry is one delivered message.
type Entry struct {
	Channel     string
	Category    string
	MessageID   string
	DeliveredAt time.Time
}

// Store persists delivered message ids.
type Store interface {
	// Recent returns up to limit delivered ids for (channel, category), most recent first.
	Recent(ctx context.Context, channel, category string, limit int) ([]string, error)

	// Put records a delivered message. Repeated puts of the same id are idempotent.
	Put(ctx context.Context, entry Entry) error
}

// MinLimit is the smallest lookup bound for a run fetching fetchLimit
// messages per channel. Twice the fetch limit tolerates slow writers.
func MinLimit(fetchLimit int) int {
	return 2 * fetchLimit
}

// Cache loads and records delivered ids on top of a Store.
type Cache struct {
	store Store
	now   func() time.Time
}

// NewCache creates a Cache. A nil store behaves like NopStore.
func NewCache(store Store) *Cache {
	if store == nil {
		store = NopStore{}
	}
	return &Cache{store: store, now: time.Now}
}

// Load returns the delivered ids for (channel, category). Query failures are
// logged and produce an empty index.
func (c *Cache) Load(ctx context.Context, channel, category string, limit int) Index {
	idx := make(Index)
	ids, err := c.store.Recent(ctx, channel, category, limit)
	if err != nil {
		log.Error().
			Err(err).
			Str("channel", channel).
			Str("category", category).
			Msg("Dedup lookup failed, continuing without dedup")
		return idx
	}
	for _, id := range ids {
		idx.Add(id)
	}
	log.Debug().
		Str("channel", channel).
		Str("category", category).
		Int("count", len(idx)).
		Msg("Dedup index loaded")
	return idx
}

// Remember records a delivered message. Failures are logged only.
func (c *Cache) Remember(ctx context.Context, channel, category, messageID string) {
	err := c.store.Put(ctx, Entry{
		Channel:     channel,
		Category:    category,
		MessageID:   messageID,
		DeliveredAt: c.now(),
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("channel", channel).
			Str("category", category).
			Str("messageId", messageID).
			Msg("Failed to record delivery for dedup")
	}
}

// NopStore keeps nothing. Used when no dedup store is configured.
type NopStore struct{}

func (NopStore) Recent(context.Context, string, string, int) ([]string, error) { return nil, nil }

func (NopStore) Put(context.Context, Entry) error { return nil }
