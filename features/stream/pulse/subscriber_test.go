package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"canvass.dev/canvass/runtime/outbox"
)

func TestSubscribeEmitsEvents(t *testing.T) {
	sink := &fakeSink{ch: make(chan *streaming.Event, 1)}
	str := &fakeStream{sink: sink}
	cli := &fakeClient{stream: str}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 2})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "survey/s1")
	require.NoError(t, err)
	defer cancel()
	require.Equal(t, "survey/s1", cli.gotName)
	require.Equal(t, "canvass_subscriber", sink.name)

	payload, _ := json.Marshal(envelope{
		Type:      string(outbox.EventSessionCompleted),
		EventID:   "ev-1",
		TenantID:  "t1",
		SurveyID:  "s1",
		SessionID: "sess-1",
		Timestamp: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		Payload:   json.RawMessage(`{"pages":3}`),
	})
	sink.ch <- &streaming.Event{ID: "1-0", Payload: payload}
	close(sink.ch)

	ev := <-events
	require.Equal(t, outbox.EventSessionCompleted, ev.Type)
	require.Equal(t, "ev-1", ev.ID)
	require.Equal(t, "sess-1", ev.SessionID)
	require.JSONEq(t, `{"pages":3}`, string(ev.Payload))
	require.Empty(t, errs)
	require.Equal(t, []string{"1-0"}, sink.acked)
}

func TestSubscribeDecoderError(t *testing.T) {
	sink := &fakeSink{ch: make(chan *streaming.Event, 1)}
	cli := &fakeClient{stream: &fakeStream{sink: sink}}

	sub, err := NewSubscriber(SubscriberOptions{
		Client: cli,
		Decoder: func([]byte) (outbox.Event, error) {
			return outbox.Event{}, errors.New("decode error")
		},
	})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "survey/s1")
	require.NoError(t, err)
	defer cancel()
	sink.ch <- &streaming.Event{Payload: []byte("{}")}
	close(sink.ch)

	require.Empty(t, events)
	require.EqualError(t, <-errs, "pulse decode payload: decode error")
}

func TestSubscribeCustomSinkName(t *testing.T) {
	sink := &fakeSink{ch: make(chan *streaming.Event)}
	cli := &fakeClient{stream: &fakeStream{sink: sink}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, SinkName: "dashboard"})
	require.NoError(t, err)

	_, _, cancel, err := sub.Subscribe(context.Background(), "survey/s1")
	require.NoError(t, err)
	defer cancel()
	require.Equal(t, "dashboard", sink.name)
}
