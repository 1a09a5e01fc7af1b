// Package alert sends operator notifications about failed or degraded runs.
//
// Alerting is fire-and-forget: Emitter.Alert has no error return, and every
// implementation logs its own send failures locally. An alert that cannot be
// delivered must never fail the run that raised it.
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fpang/channel-relay/internal/record"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Fixed payload values that let the downstream flow route alerts apart from posts.
const (
	alertBrand     = "System_Alert"
	alertMessageID = "error_alert"
)

// Emitter sends a best-effort alert.
type Emitter interface {
	Alert(ctx context.Context, message string, severity Severity)
}

// Payload is the alert document, shaped like a delivery record so the same
// webhook can receive both.
type Payload struct {
	Brand     string `json:"brand"`
	Content   string `json:"content"`
	MessageID string `json:"message_id"`
	Date      string `json:"date"`
}

// NewPayload builds the alert document, prefixing content with the severity.
func NewPayload(message string, severity Severity, now time.Time, loc *time.Location) Payload {
	if loc == nil {
		loc = time.UTC
	}
	return Payload{
		Brand:     alertBrand,
		Content:   fmt.Sprintf("[%s] %s", strings.ToUpper(string(severity)), message),
		MessageID: alertMessageID,
		Date:      now.In(loc).Format(record.DateLayout),
	}
}

// Multi fans an alert out to every emitter.
type Multi []Emitter

func (m Multi) Alert(ctx context.Context, message string, severity Severity) {
	for _, e := range m {
		e.Alert(ctx, message, severity)
	}
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Alert(context.Context, string, Severity) {}

// Combine returns a single Emitter for the non-nil emitters given.
func Combine(emitters ...Emitter) Emitter {
	var out Multi
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	}
	return out
}
