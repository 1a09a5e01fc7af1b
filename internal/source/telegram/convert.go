package telegram

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/fpang/channel-relay/internal/source"
)

// convert maps a Bot API message to the pipeline's RawMessage.
// Caption text is used when the message has no body text.
func convert(msg *tgbotapi.Message) source.RawMessage {
	text := msg.Text
	if strings.TrimSpace(text) == "" {
		text = msg.Caption
	}

	raw := source.RawMessage{
		ID:              int64(msg.MessageID),
		Timestamp:       msg.Time(),
		Text:            text,
		GroupID:         msg.MediaGroupID,
		IsServiceAction: isServiceAction(msg),
	}

	kind, ref := mediaOf(msg)
	if ref != nil {
		raw.HasMedia = true
		raw.MediaKind = kind
		raw.Media = ref
	}
	return raw
}

func isServiceAction(msg *tgbotapi.Message) bool {
	return msg.NewChatTitle != "" ||
		len(msg.NewChatPhoto) > 0 ||
		msg.DeleteChatPhoto ||
		msg.ChannelChatCreated ||
		msg.PinnedMessage != nil ||
		msg.MigrateToChatID != 0 ||
		msg.MigrateFromChatID != 0
}

// mediaOf returns the kind and download handle of the message's media, if any.
func mediaOf(msg *tgbotapi.Message) (source.MediaKind, *source.MediaRef) {
	switch {
	case len(msg.Photo) > 0:
		photo := pickPhoto(msg.Photo)
		return source.MediaPhoto, &source.MediaRef{FileID: photo.FileID, MimeType: "image/jpeg"}
	case msg.Video != nil:
		return source.MediaVideo, &source.MediaRef{FileID: msg.Video.FileID, FileName: msg.Video.FileName, MimeType: msg.Video.MimeType}
	case msg.Animation != nil:
		return source.MediaVideo, &source.MediaRef{FileID: msg.Animation.FileID, FileName: msg.Animation.FileName, MimeType: msg.Animation.MimeType}
	case msg.Document != nil:
		return source.MediaOther, &source.MediaRef{FileID: msg.Document.FileID, FileName: msg.Document.FileName, MimeType: msg.Document.MimeType}
	case msg.Audio != nil:
		return source.MediaOther, &source.MediaRef{FileID: msg.Audio.FileID, FileName: msg.Audio.FileName, MimeType: msg.Audio.MimeType}
	case msg.Voice != nil:
		return source.MediaOther, &source.MediaRef{FileID: msg.Voice.FileID, MimeType: msg.Voice.MimeType}
	}
	return source.MediaNone, nil
}

// pickPhoto returns the largest rendition of a photo.
func pickPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := items[0]
	for _, item := range items[1:] {
		if item.FileSize > best.FileSize {
			best = item
			continue
		}
		if item.Width*item.Height > best.Width*best.Height {
			best = item
		}
	}
	return best
}
