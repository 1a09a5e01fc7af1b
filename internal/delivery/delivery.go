// Package delivery forwards assembled records to the downstream automation
// webhook.
//
// Records are sent one at a time with a fixed pause between requests. A
// failed request is counted and the batch moves on; nothing is retried
// within a run. Delivery is at-least-once across runs: a record whose
// delivery is not recorded in the dedup store will be sent again.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/fpang/channel-relay/internal/alert"
	"github.com/fpang/channel-relay/internal/record"
	"github.com/fpang/channel-relay/internal/retry"
)

// Defaults for Options.
const (
	DefaultTimeout = 15 * time.Second
	DefaultDelay   = time.Second
)

// maxErrorBody caps how much of a failed response is logged.
const maxErrorBody = 512

// Recorder is notified of each successful delivery.
type Recorder interface {
	Remember(ctx context.Context, channel, category, messageID string)
}

// Options configures a Dispatcher.
type Options struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
	Delay    time.Duration
	Gzip     bool
}

// Summary counts delivery outcomes. Success + Fail always equals the batch size.
type Summary struct {
	Success int
	Fail    int
	Failed  []string // message ids that failed
}

// Dispatcher POSTs records serially to the webhook.
type Dispatcher struct {
	httpClient *http.Client
	opts       Options
	alerter    alert.Emitter
	recorder   Recorder
	sleep      retry.SleepFunc
}

// New creates a Dispatcher. alerter and recorder may be nil.
func New(opts Options, alerter alert.Emitter, recorder Recorder) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if alerter == nil {
		alerter = alert.Nop{}
	}
	return &Dispatcher{
		httpClient: &http.Client{Timeout: opts.Timeout},
		opts:       opts,
		alerter:    alerter,
		recorder:   recorder,
		sleep:      retry.Sleep,
	}
}

// Dispatch sends every record, pausing between requests. If any failed, a
// single warning alert summarises the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, records []record.DeliveryRecord) Summary {
	var sum Summary
	if len(records) == 0 {
		log.Info().Msg("No new messages to deliver")
		return sum
	}

	log.Info().Int("count", len(records)).Str("endpoint", d.opts.Endpoint).Msg("Delivering records")
	for i, rec := range records {
		if i > 0 {
			_ = d.sleep(ctx, d.opts.Delay)
		}

		status, err := d.send(ctx, rec)
		if err != nil {
			sum.Fail++
			sum.Failed = append(sum.Failed, rec.MessageID)
			log.Error().
				Err(err).
				Str("messageId", rec.MessageID).
				Str("brand", rec.Brand).
				Msg("Delivery failed")
			continue
		}

		sum.Success++
		log.Info().
			Str("messageId", rec.MessageID).
			Str("brand", rec.Brand).
			Str("mediaType", string(rec.MediaType)).
			Int("status", status).
			Msg("Record delivered")
		if d.recorder != nil {
			d.recorder.Remember(ctx, rec.SourceChannel, rec.Brand, rec.MessageID)
		}
	}

	log.Info().Int("success", sum.Success).Int("fail", sum.Fail).Msg("Delivery batch complete")
	if sum.Fail > 0 {
		d.alerter.Alert(ctx,
			fmt.Sprintf("Webhook delivery failed for %d of %d records (message ids: %v)", sum.Fail, len(records), sum.Failed),
			alert.SeverityWarning)
	}
	return sum
}

// send POSTs one record and returns the HTTP status on success.
func (d *Dispatcher) send(ctx context.Context, rec record.DeliveryRecord) (int, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}
	if d.opts.Gzip {
		if body, err = compress(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if d.opts.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if d.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.opts.Token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, fmt.Errorf("webhook status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}
