package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// defaultTimeout bounds a single alert POST.
const defaultTimeout = 10 * time.Second

// Webhook POSTs alerts as JSON to an operator-facing endpoint.
type Webhook struct {
	httpClient *http.Client
	endpoint   string
	token      string
	loc        *time.Location
	now        func() time.Time
}

// NewWebhook creates a Webhook emitter. token is sent as a bearer token when set.
func NewWebhook(endpoint, token string, loc *time.Location) *Webhook {
	return &Webhook{
		httpClient: &http.Client{Timeout: defaultTimeout},
		endpoint:   endpoint,
		token:      token,
		loc:        loc,
		now:        time.Now,
	}
}

// Alert sends the alert, logging instead of returning any failure.
func (w *Webhook) Alert(ctx context.Context, message string, severity Severity) {
	if err := w.send(ctx, NewPayload(message, severity, w.now(), w.loc)); err != nil {
		log.Error().Err(err).Str("severity", string(severity)).Str("message", message).Msg("Failed to send alert")
		return
	}
	log.Info().Str("severity", string(severity)).Msg("Alert sent")
}

func (w *Webhook) send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("alert request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert endpoint status: %d", resp.StatusCode)
	}
	return nil
}
