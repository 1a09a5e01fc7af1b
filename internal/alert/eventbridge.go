package alert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

const (
	eventSource     = "channel-relay"
	eventDetailType = "RelayAlert"
)

// EventBridgeAPI is the subset of the EventBridge client used for alerts.
type EventBridgeAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridge publishes alerts onto an event bus so rules can route them
// (SNS, chat integrations, paging).
type EventBridge struct {
	client EventBridgeAPI
	bus    string
	loc    *time.Location
	now    func() time.Time
}

// NewEventBridge creates an EventBridge emitter for the named bus.
func NewEventBridge(client EventBridgeAPI, bus string, loc *time.Location) *EventBridge {
	return &EventBridge{client: client, bus: bus, loc: loc, now: time.Now}
}

// Alert publishes the alert, logging instead of returning any failure.
func (e *EventBridge) Alert(ctx context.Context, message string, severity Severity) {
	detail, err := json.Marshal(NewPayload(message, severity, e.now(), e.loc))
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal alert event")
		return
	}

	result, err := e.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{
			{
				EventBusName: aws.String(e.bus),
				Source:       aws.String(eventSource),
				DetailType:   aws.String(eventDetailType),
				Detail:       aws.String(string(detail)),
			},
		},
	})
	if err != nil {
		log.Error().Err(err).Str("bus", e.bus).Msg("EventBridge PutEvents failed for alert")
		return
	}
	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil || entry.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(entry.ErrorCode)).
					Str("errorMessage", aws.ToString(entry.ErrorMessage)).
					Msg("EventBridge alert entry failed")
			}
		}
		return
	}
	log.Debug().Str("bus", e.bus).Str("severity", string(severity)).Msg("Alert published to EventBridge")
}
