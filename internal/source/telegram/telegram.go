// Package telegram implements source.Source on top of the Telegram Bot API.
//
// The bot must be an administrator of every configured channel so that it
// receives channel_post updates. The Bot API only hands out unconfirmed
// updates, and asking for the next page confirms the previous one. Connect
// therefore saves every page to a journal.Store before requesting the next,
// and serves IterMessages and GetMessages from the journal. A run re-scans
// everything the journal still holds, not only what arrived since the last
// run.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/fpang/channel-relay/internal/journal"
	"github.com/fpang/channel-relay/internal/source"
)

const (
	// updatesPageSize is the Bot API maximum for getUpdates.
	updatesPageSize = 100

	// downloadTimeout bounds a single media download.
	downloadTimeout = 2 * time.Minute
)

// allowedUpdates restricts getUpdates to channel traffic.
var allowedUpdates = []string{"channel_post", "edited_channel_post"}

// BotAPI is the subset of *tgbotapi.BotAPI used by Source.
type BotAPI interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	GetFileDirectURL(fileID string) (string, error)
}

// BotFactory authenticates and returns a bot client.
type BotFactory func(token, endpoint string) (BotAPI, error)

// DefaultBotFactory builds a real Bot API client. tgbotapi validates the
// token with getMe, so authentication errors surface here.
func DefaultBotFactory(token, endpoint string) (BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, err
	}
	log.Info().Str("username", bot.Self.UserName).Int64("id", bot.Self.ID).Msg("Telegram bot authenticated")
	return bot, nil
}

// Source reads channel posts received by a Telegram bot.
type Source struct {
	token      string
	endpoint   string
	newBot     BotFactory
	httpClient *http.Client

	journal journal.Store

	bot      BotAPI
	restored bool
	offset   int
	channels map[string]map[int64]source.RawMessage // chat id -> message id -> message
	aliases  map[string]string                      // lower-cased @username / id -> chat id
}

// Compile-time interface check.
var _ source.Source = (*Source)(nil)

// New creates a Source. endpoint may be empty for the public Bot API.
// A nil store keeps the journal in memory for the life of the process.
func New(token, endpoint string, store journal.Store) *Source {
	if store == nil {
		store = journal.NewMemoryStore(0)
	}
	s := &Source{
		token:      token,
		endpoint:   endpoint,
		newBot:     DefaultBotFactory,
		httpClient: &http.Client{Timeout: downloadTimeout},
		journal:    store,
	}
	s.reset()
	return s
}

// NewWithFactory creates a Source with a custom bot factory and HTTP client.
func NewWithFactory(token string, factory BotFactory, httpClient *http.Client, store journal.Store) *Source {
	s := New(token, "", store)
	s.newBot = factory
	if httpClient != nil {
		s.httpClient = httpClient
	}
	return s
}

func (s *Source) reset() {
	s.bot = nil
	s.restored = false
	s.offset = 0
	s.channels = make(map[string]map[int64]source.RawMessage)
	s.aliases = make(map[string]string)
}

// Connect authenticates the bot, restores the stored journal, and drains
// pending channel updates into it. A failed Connect can be retried: the
// journal and update offset carry over to the next attempt.
func (s *Source) Connect(ctx context.Context) error {
	if s.bot == nil {
		bot, err := s.newBot(s.token, s.endpoint)
		if err != nil {
			return fmt.Errorf("telegram auth: %w", err)
		}
		s.bot = bot
	}

	if !s.restored {
		posts, err := s.journal.Load(ctx)
		if err != nil {
			return fmt.Errorf("load telegram journal: %w", err)
		}
		for _, p := range posts {
			s.remember(p)
		}
		s.restored = true
		log.Debug().Int("posts", len(posts)).Msg("Telegram journal restored")
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cfg := tgbotapi.NewUpdate(s.offset)
		cfg.Limit = updatesPageSize
		cfg.Timeout = 0
		cfg.AllowedUpdates = allowedUpdates

		updates, err := s.bot.GetUpdates(cfg)
		if err != nil {
			return fmt.Errorf("telegram getUpdates offset=%d: %w", s.offset, err)
		}
		if len(updates) == 0 {
			break
		}

		next := s.offset
		page := make([]journal.Post, 0, len(updates))
		for _, u := range updates {
			if u.UpdateID >= next {
				next = u.UpdateID + 1
			}
			msg := u.ChannelPost
			if msg == nil {
				msg = u.EditedChannelPost
			}
			if msg == nil || msg.Chat == nil {
				continue
			}
			page = append(page, postOf(msg))
		}

		// The page is confirmed upstream by the next getUpdates call, so it
		// must be stored before the offset moves past it.
		if err := s.journal.Save(ctx, page); err != nil {
			return fmt.Errorf("save telegram journal offset=%d: %w", s.offset, err)
		}
		for _, p := range page {
			s.remember(p)
		}
		s.offset = next
		total += len(page)
	}

	log.Info().Int("updates", total).Int("channels", len(s.channels)).Msg("Telegram channel journal loaded")
	return nil
}

func postOf(msg *tgbotapi.Message) journal.Post {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	raw := convert(msg)
	raw.Channel = chatID
	return journal.Post{
		Chat:     chatID,
		Username: strings.ToLower(msg.Chat.UserName),
		Message:  raw,
	}
}

// remember indexes p, replacing an earlier version with the same id (edits).
func (s *Source) remember(p journal.Post) {
	if s.channels[p.Chat] == nil {
		s.channels[p.Chat] = make(map[int64]source.RawMessage)
	}
	s.aliases[p.Chat] = p.Chat
	if p.Username != "" {
		s.aliases[p.Username] = p.Chat
		s.aliases["@"+p.Username] = p.Chat
	}
	s.channels[p.Chat][p.Message.ID] = p.Message
}

func (s *Source) lookup(channel string) map[int64]source.RawMessage {
	chatID, ok := s.aliases[strings.ToLower(strings.TrimSpace(channel))]
	if !ok {
		return nil
	}
	return s.channels[chatID]
}

// IterMessages walks the journal for channel in ascending id order.
func (s *Source) IterMessages(ctx context.Context, channel string, since time.Time, limit int, fn func(source.RawMessage) error) error {
	if s.bot == nil {
		return fmt.Errorf("telegram source not connected")
	}
	msgs := s.lookup(channel)
	if msgs == nil {
		log.Debug().Str("channel", channel).Msg("No journaled posts for channel")
		return nil
	}

	ids := make([]int64, 0, len(msgs))
	for id, m := range msgs {
		if !m.Timestamp.Before(since) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for i, id := range ids {
		if limit > 0 && i >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(msgs[id]); err != nil {
			return err
		}
	}
	return nil
}

// GetMessages returns journaled messages among ids.
func (s *Source) GetMessages(_ context.Context, channel string, ids []int64) ([]source.RawMessage, error) {
	if s.bot == nil {
		return nil, fmt.Errorf("telegram source not connected")
	}
	msgs := s.lookup(channel)
	var out []source.RawMessage
	for _, id := range ids {
		if m, ok := msgs[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// DownloadMedia fetches msg's file through the Bot API file endpoint.
// The local name is prefixed with the message id to keep album members apart.
func (s *Source) DownloadMedia(ctx context.Context, msg source.RawMessage, dir string) (string, error) {
	if s.bot == nil {
		return "", fmt.Errorf("telegram source not connected")
	}
	if msg.Media == nil || msg.Media.FileID == "" {
		return "", fmt.Errorf("message %d has no downloadable media", msg.ID)
	}

	fileURL, err := s.bot.GetFileDirectURL(msg.Media.FileID)
	if err != nil {
		return "", fmt.Errorf("resolve telegram file url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("download media status: %d", resp.StatusCode)
	}

	localPath := filepath.Join(dir, fmt.Sprintf("%d_%s", msg.ID, localName(msg.Media, fileURL)))
	f, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(localPath)
		return "", fmt.Errorf("write media: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(localPath)
		return "", fmt.Errorf("close media file: %w", err)
	}

	log.Debug().Int64("messageId", msg.ID).Str("path", localPath).Msg("Media downloaded")
	return localPath, nil
}

// Close drops the in-memory view. Stored posts stay in the journal store
// for the next Connect.
func (s *Source) Close() error {
	s.reset()
	return nil
}

// localName picks a file name: the original name if Telegram kept one,
// otherwise the last segment of the file URL (e.g. "file_12.jpg").
func localName(ref *source.MediaRef, fileURL string) string {
	if name := filepath.Base(strings.TrimSpace(ref.FileName)); name != "" && name != "." && name != "/" {
		return name
	}
	if u, err := url.Parse(fileURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}
	return ref.FileID
}
