// Package pipeline runs one relay pass: connect to the source, scan every
// configured channel, upload media, assemble records, and deliver them.
//
// All run state lives in a RunContext passed to the Runner. Channels and
// messages are processed sequentially on the caller's goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/channel-relay/internal/alert"
	"github.com/fpang/channel-relay/internal/assemble"
	"github.com/fpang/channel-relay/internal/dedup"
	"github.com/fpang/channel-relay/internal/delivery"
	"github.com/fpang/channel-relay/internal/media"
	"github.com/fpang/channel-relay/internal/metrics"
	"github.com/fpang/channel-relay/internal/record"
	"github.com/fpang/channel-relay/internal/retry"
	"github.com/fpang/channel-relay/internal/source"
	"github.com/fpang/channel-relay/internal/target"
)

// Run defaults.
const (
	DefaultLookback    = 65 * time.Minute
	DefaultMaxMessages = 50

	// Source connect retry used when RunContext.ConnectPolicy is unset.
	DefaultConnectAttempts = 3
	DefaultConnectBackoff  = 5 * time.Second
)

var (
	// ErrConnect means the source could not be reached or authenticated.
	ErrConnect = errors.New("source connect failed")
	// ErrPanic means the run panicked and was recovered.
	ErrPanic = errors.New("relay run panicked")
)

// ScrapeError reports a channel whose scan stopped early. Records assembled
// before the failure are kept.
type ScrapeError struct {
	Target target.ChannelTarget
	Err    error
}

func (e *ScrapeError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Target, e.Err)
}

func (e *ScrapeError) Unwrap() error { return e.Err }

// RunContext carries everything one run needs.
type RunContext struct {
	Targets    []target.ChannelTarget
	Source     source.Source
	Dedup      *dedup.Cache
	Uploader   *media.Uploader
	Assembler  *assemble.Assembler
	Dispatcher *delivery.Dispatcher
	Alerter    alert.Emitter

	Lookback      time.Duration
	MaxMessages   int
	AlbumWindow   int
	WorkDir       string // parent of the per-run temp dir; empty means os.TempDir
	ConnectPolicy retry.Policy

	// Metrics receives one EMF line per run. Nil disables metrics.
	Metrics io.Writer
	Now     func() time.Time
}

// ChannelOutcome is what one channel scan produced.
type ChannelOutcome struct {
	Target         target.ChannelTarget
	Scanned        int
	Skipped        int
	UploadFailures int
	Records        []record.DeliveryRecord
}

// Summary describes a finished run.
type Summary struct {
	RunID           string
	Channels        int
	ChannelFailures int
	Records         int
	UploadFailures  int
	Delivery        delivery.Summary
	Duration        time.Duration
}

// Runner executes runs against a RunContext.
type Runner struct {
	rc RunContext
}

// New validates rc and fills defaults.
func New(rc RunContext) (*Runner, error) {
	switch {
	case rc.Source == nil:
		return nil, errors.New("pipeline: source is required")
	case rc.Uploader == nil:
		return nil, errors.New("pipeline: uploader is required")
	case rc.Dispatcher == nil:
		return nil, errors.New("pipeline: dispatcher is required")
	}
	if rc.Dedup == nil {
		rc.Dedup = dedup.NewCache(nil)
	}
	if rc.Assembler == nil {
		rc.Assembler = assemble.New(time.UTC)
	}
	if rc.Alerter == nil {
		rc.Alerter = alert.Nop{}
	}
	if rc.Lookback <= 0 {
		rc.Lookback = DefaultLookback
	}
	if rc.MaxMessages <= 0 {
		rc.MaxMessages = DefaultMaxMessages
	}
	if rc.ConnectPolicy.MaxAttempts < 1 {
		rc.ConnectPolicy = retry.NewFixed(DefaultConnectAttempts, DefaultConnectBackoff)
	}
	if rc.Now == nil {
		rc.Now = time.Now
	}
	return &Runner{rc: rc}, nil
}

// Run performs one pass. It returns an error only when the run could not
// complete: a connect failure, a cancelled context, or a recovered panic.
// Per-channel and per-record failures are reported through Summary.
func (r *Runner) Run(ctx context.Context) (sum Summary, err error) {
	start := r.rc.Now()
	sum.RunID = uuid.NewString()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, p)
			log.Error().Str("runId", sum.RunID).Interface("panic", p).Msg("Relay run panicked")
			r.rc.Alerter.Alert(ctx, fmt.Sprintf("Relay run crashed: %v", p), alert.SeverityCritical)
		}
	}()

	log.Info().
		Str("runId", sum.RunID).
		Int("channels", len(r.rc.Targets)).
		Str("targets", target.Describe(r.rc.Targets)).
		Time("since", start.Add(-r.rc.Lookback)).
		Msg("Relay run started")

	workDir, err := os.MkdirTemp(r.rc.WorkDir, "relay-")
	if err != nil {
		return sum, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			log.Warn().Err(rmErr).Str("dir", workDir).Msg("Failed to remove work dir")
		}
	}()

	if err := r.connect(ctx); err != nil {
		log.Error().Err(err).Str("runId", sum.RunID).Msg("Source connect failed")
		r.rc.Alerter.Alert(ctx, fmt.Sprintf("Relay could not connect to the message source: %v", err), alert.SeverityCritical)
		return sum, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	defer func() {
		if cErr := r.rc.Source.Close(); cErr != nil {
			log.Warn().Err(cErr).Msg("Source close failed")
		}
	}()

	var records []record.DeliveryRecord
	for _, t := range r.rc.Targets {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return sum, fmt.Errorf("run cancelled: %w", ctxErr)
		}

		out, scanErr := r.scanChannel(ctx, t, workDir)
		sum.Channels++
		sum.UploadFailures += out.UploadFailures
		records = append(records, out.Records...)

		var se *ScrapeError
		if errors.As(scanErr, &se) {
			sum.ChannelFailures++
			log.Error().
				Err(se.Err).
				Str("channel", se.Target.SourceID).
				Str("category", se.Target.Category).
				Int("kept", len(out.Records)).
				Msg("Channel scan failed, continuing with next channel")
			continue
		}
		log.Info().
			Str("channel", t.SourceID).
			Str("category", t.Category).
			Int("scanned", out.Scanned).
			Int("skipped", out.Skipped).
			Int("records", len(out.Records)).
			Msg("Channel scanned")
	}

	sum.Records = len(records)
	sum.Delivery = r.rc.Dispatcher.Dispatch(ctx, records)
	sum.Duration = r.rc.Now().Sub(start)

	r.emitMetrics(sum)
	log.Info().
		Str("runId", sum.RunID).
		Int("records", sum.Records).
		Int("delivered", sum.Delivery.Success).
		Int("failed", sum.Delivery.Fail).
		Int("uploadFailures", sum.UploadFailures).
		Int("channelFailures", sum.ChannelFailures).
		Dur("duration", sum.Duration).
		Msg("Relay run complete")
	return sum, nil
}

func (r *Runner) connect(ctx context.Context) error {
	return r.rc.ConnectPolicy.Do(ctx, func(ctx context.Context, attempt int) error {
		err := r.rc.Source.Connect(ctx)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("Source connect attempt failed")
		}
		return err
	})
}

func (r *Runner) emitMetrics(sum Summary) {
	if r.rc.Metrics == nil {
		return
	}
	metrics.New(metrics.Namespace, r.rc.Metrics).
		Count("ChannelsScanned", sum.Channels).
		Count("ChannelFailures", sum.ChannelFailures).
		Count("RecordsAssembled", sum.Records).
		Count("RecordsDelivered", sum.Delivery.Success).
		Count("DeliveryFailures", sum.Delivery.Fail).
		Count("UploadFailures", sum.UploadFailures).
		Duration("RunDuration", sum.Duration).
		Property("runId", sum.RunID).
		Flush()
}
