package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/fpang/channel-relay/internal/album"
	"github.com/fpang/channel-relay/internal/alert"
	"github.com/fpang/channel-relay/internal/assemble"
	"github.com/fpang/channel-relay/internal/dedup"
	"github.com/fpang/channel-relay/internal/media"
	"github.com/fpang/channel-relay/internal/source"
	"github.com/fpang/channel-relay/internal/target"
)

// channelScan is the per-channel state of one scan.
type channelScan struct {
	r       *Runner
	target  target.ChannelTarget
	workDir string
	index   dedup.Index
	albums  *album.Reconciler
	out     ChannelOutcome
}

// scanChannel walks one channel's recent messages and assembles records.
// The outcome is returned even when the scan fails part way.
func (r *Runner) scanChannel(ctx context.Context, t target.ChannelTarget, workDir string) (ChannelOutcome, error) {
	s := &channelScan{
		r:       r,
		target:  t,
		workDir: workDir,
		index:   r.rc.Dedup.Load(ctx, t.SourceID, t.Category, dedup.MinLimit(r.rc.MaxMessages)),
		albums:  album.NewReconciler(r.rc.Source, r.rc.AlbumWindow),
		out:     ChannelOutcome{Target: t},
	}

	since := r.rc.Now().Add(-r.rc.Lookback)
	err := r.rc.Source.IterMessages(ctx, t.SourceID, since, r.rc.MaxMessages, func(msg source.RawMessage) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.out.Scanned++
		s.handle(ctx, msg)
		return nil
	})
	if err != nil {
		return s.out, &ScrapeError{Target: t, Err: err}
	}
	return s.out, nil
}

func (s *channelScan) handle(ctx context.Context, msg source.RawMessage) {
	skip := assemble.Classify(msg, s.index, s.albums.Seen)
	if skip != assemble.SkipNone {
		if skip == assemble.SkipDuplicate && msg.Grouped() {
			s.albums.MarkProcessed(msg.GroupID)
		}
		s.out.Skipped++
		log.Debug().
			Str("channel", s.target.SourceID).
			Int64("messageId", msg.ID).
			Str("reason", string(skip)).
			Msg("Message skipped")
		return
	}

	switch {
	case msg.Grouped():
		s.handleAlbum(ctx, msg)
	case msg.HasMedia:
		s.handleSingle(ctx, msg)
	default:
		s.out.Records = append(s.out.Records, s.r.rc.Assembler.Text(s.target, msg))
	}
}

func (s *channelScan) handleSingle(ctx context.Context, msg source.RawMessage) {
	res := s.upload(ctx, msg)
	rec, ok := s.r.rc.Assembler.Single(s.target, msg, res)
	if !ok {
		s.out.UploadFailures++
		s.r.rc.Alerter.Alert(ctx,
			fmt.Sprintf("Media upload failed for message %d in %s (%s); the post was not relayed",
				msg.ID, s.target.SourceID, s.target.Category),
			alert.SeverityWarning)
		return
	}
	s.out.Records = append(s.out.Records, rec)
}

func (s *channelScan) handleAlbum(ctx context.Context, msg source.RawMessage) {
	g := s.albums.Resolve(ctx, msg)
	for _, m := range g.Members {
		if s.index.Contains(m.MessageID()) {
			s.out.Skipped++
			log.Debug().
				Str("channel", s.target.SourceID).
				Str("groupId", g.ID).
				Int64("memberId", m.ID).
				Msg("Album already delivered, skipping")
			return
		}
	}

	members := album.MediaMembers(g.Members)
	results := make([]media.UploadResult, 0, len(members))
	uploaded := make([]string, 0, len(members))
	for _, m := range members {
		res := s.upload(ctx, m)
		if !res.OK() {
			s.r.rc.Uploader.Rollback(ctx, uploaded)
			s.out.UploadFailures++
			s.r.rc.Alerter.Alert(ctx,
				fmt.Sprintf("Album upload failed at message %d in %s (%s); %d uploaded item(s) rolled back",
					m.ID, s.target.SourceID, s.target.Category, len(uploaded)),
				alert.SeverityWarning)
			return
		}
		results = append(results, res)
		uploaded = append(uploaded, res.StoragePath)
	}

	rec, ok := s.r.rc.Assembler.Album(s.target, g, results)
	if !ok {
		s.r.rc.Uploader.Rollback(ctx, uploaded)
		return
	}
	s.out.Records = append(s.out.Records, rec)
}

// upload downloads msg's media into the work dir, uploads it, and removes
// the local copy. A failed download counts as a failed upload.
func (s *channelScan) upload(ctx context.Context, msg source.RawMessage) media.UploadResult {
	path, err := s.r.rc.Source.DownloadMedia(ctx, msg, s.workDir)
	if err != nil {
		log.Error().
			Err(err).
			Str("channel", s.target.SourceID).
			Int64("messageId", msg.ID).
			Msg("Media download failed")
		return media.UploadResult{}
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn().Err(rmErr).Str("path", path).Msg("Failed to remove downloaded media")
		}
	}()
	return s.r.rc.Uploader.Upload(ctx, path, s.target.Category)
}
