// Package pulse exposes an outbox.Bus implementation that publishes
// survey lifecycle events to goa.design/pulse streams. Services build a
// Redis client, pass it to the Pulse client, and hand the resulting bus
// to the outbox relay. Downstream consumers (dashboards, exporters)
// read the per-survey streams through Subscriber.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"canvass.dev/canvass/features/stream/pulse/clients/pulse"
	"canvass.dev/canvass/runtime/outbox"
)

type (
	// BusOptions configures the Pulse bus.
	BusOptions struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from an event.
		// Defaults to `survey/<SurveyID>`.
		StreamID func(outbox.Event) (string, error)
		// MarshalEnvelope overrides envelope serialization (primarily for
		// tests).
		MarshalEnvelope func(envelope) ([]byte, error)
	}

	// Bus publishes outbox events into Pulse streams. Thread-safe for
	// concurrent Publish operations.
	Bus struct {
		client pulse.Client
		opts   busOptions
	}

	busOptions struct {
		streamID        func(outbox.Event) (string, error)
		marshalEnvelope func(envelope) ([]byte, error)
	}

	// envelope wraps outbox events for transmission over Pulse streams.
	envelope struct {
		// Type identifies the event kind (e.g., "session.completed").
		Type string `json:"type"`
		// EventID is the outbox event ID, usable for deduplication.
		EventID string `json:"event_id"`
		// TenantID scopes the event to a tenant.
		TenantID string `json:"tenant_id"`
		// SurveyID identifies the survey the event belongs to.
		SurveyID string `json:"survey_id,omitempty"`
		// SessionID links the event to a respondent session, if any.
		SessionID string `json:"session_id,omitempty"`
		// Timestamp records when the event was committed (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data, if any.
		Payload json.RawMessage `json:"payload,omitempty"`
	}
)

// NewBus constructs a Pulse-backed event bus. The Client field in opts
// is required; StreamID and MarshalEnvelope default to the built-in
// implementations.
func NewBus(opts BusOptions) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := busOptions{
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshal,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Bus{
		client: opts.Client,
		opts:   cfg,
	}, nil
}

// Publish sends the event to its derived Pulse stream. It wraps the
// event in an envelope, marshals it to JSON, and appends it via the
// Pulse client.
func (b *Bus) Publish(ctx context.Context, ev outbox.Event) error {
	streamID, err := b.opts.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := b.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := envelope{
		Type:      string(ev.Type),
		EventID:   ev.ID,
		TenantID:  ev.TenantID,
		SurveyID:  ev.SurveyID,
		SessionID: ev.SessionID,
		Timestamp: ev.CreatedAt.UTC(),
		Payload:   ev.Payload,
	}
	payload, err := b.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the bus.
func (b *Bus) Close(ctx context.Context) error {
	return b.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's
// survey. Events without a survey are routed to a per-tenant stream.
func defaultStreamID(ev outbox.Event) (string, error) {
	if ev.SurveyID != "" {
		return fmt.Sprintf("survey/%s", ev.SurveyID), nil
	}
	if ev.TenantID != "" {
		return fmt.Sprintf("tenant/%s", ev.TenantID), nil
	}
	return "", errors.New("outbox event missing survey and tenant id")
}

func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
