package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "canvass.dev/canvass/features/stream/pulse/clients/pulse"
	"canvass.dev/canvass/runtime/outbox"
)

type (
	// EnvelopeDecoder converts raw payloads read from Pulse back into
	// outbox events. Custom decoders handle non-standard envelope
	// formats.
	EnvelopeDecoder func([]byte) (outbox.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "canvass_subscriber".
		SinkName string
		// Buffer specifies the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes event payloads. Defaults to the built-in
		// JSON envelope decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes per-survey Pulse streams and emits outbox
	// events. It wraps a Pulse sink (consumer group) and decodes
	// incoming envelopes.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber. The Client field
// in opts is required; the remaining fields default per their
// documentation.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "canvass_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a Pulse sink on the given stream ID and returns
// channels for events and errors. A goroutine consumes from the sink,
// decodes envelopes, and emits the events in arrival order. The
// returned cancel function stops consumption, closes the sink, and
// closes both channels.
//
// Usage:
//
//	events, errs, cancel, err := sub.Subscribe(ctx, "survey/s1")
//	defer cancel()
//	for evt := range events {
//	    // process event
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan outbox.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan outbox.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads from the sink channel, decodes envelopes, and emits
// events, acking each one after successful emission. Closes both
// channels when ctx is canceled or the sink channel closes. Sends
// errors on errs if decoding or acking fails, then returns.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- outbox.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the default JSON envelope and rebuilds
// the outbox event it carries.
func decodeEnvelope(payload []byte) (outbox.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		ID:        env.EventID,
		Type:      outbox.EventType(env.Type),
		TenantID:  env.TenantID,
		SurveyID:  env.SurveyID,
		SessionID: env.SessionID,
		Payload:   env.Payload,
		CreatedAt: env.Timestamp,
	}, nil
}
