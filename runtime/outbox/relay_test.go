package outbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu     sync.Mutex
	events []Event
}

func (s *fakeStore) Unpublished(_ context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.PublishedAt == nil {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) MarkPublished(_ context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == eventID {
			s.events[i].PublishedAt = &at
			return nil
		}
	}
	return fmt.Errorf("event %s not found", eventID)
}

type fakeBus struct {
	mu        sync.Mutex
	published []Event
	failOn    string
}

func (b *fakeBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOn == ev.ID {
		return fmt.Errorf("bus down")
	}
	b.published = append(b.published, ev)
	return nil
}

func (b *fakeBus) ids() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.published))
	for i, ev := range b.published {
		out[i] = ev.ID
	}
	return out
}

type fakeCache struct {
	mu       sync.Mutex
	recorded []Event
}

func (c *fakeCache) Record(_ context.Context, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorded = append(c.recorded, ev)
}

func seedEvents(n int) []Event {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	out := make([]Event, n)
	for i := range out {
		out[i] = Event{
			ID:        fmt.Sprintf("ev-%d", i),
			Type:      EventSessionStarted,
			TenantID:  "t1",
			SessionID: "sess-1",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func TestDrainPublishesInCommitOrder(t *testing.T) {
	store := &fakeStore{events: seedEvents(3)}
	bus := &fakeBus{}
	cache := &fakeCache{}
	r, err := NewRelay(RelayOptions{Store: store, Bus: bus, Cache: cache})
	require.NoError(t, err)

	n, err := r.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []string{"ev-0", "ev-1", "ev-2"}, bus.ids())
	require.Len(t, cache.recorded, 3)

	// Nothing left.
	n, err = r.Drain(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDrainStopsAtPublishFailure(t *testing.T) {
	store := &fakeStore{events: seedEvents(3)}
	bus := &fakeBus{failOn: "ev-1"}
	r, err := NewRelay(RelayOptions{Store: store, Bus: bus})
	require.NoError(t, err)

	n, err := r.Drain(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"ev-0"}, bus.ids())

	// The failed event stays unpublished and is retried next drain.
	bus.failOn = ""
	n, err = r.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"ev-0", "ev-1", "ev-2"}, bus.ids())
}

func TestDrainAllowsFractionalPublishRate(t *testing.T) {
	// A rate below one publish per second truncates to a zero burst; the
	// limiter still needs to let single publishes through.
	store := &fakeStore{events: seedEvents(1)}
	bus := &fakeBus{}
	r, err := NewRelay(RelayOptions{Store: store, Bus: bus, PublishRate: 0.5})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := r.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"ev-0"}, bus.ids())
}

func TestStartStopLifecycle(t *testing.T) {
	store := &fakeStore{events: seedEvents(2)}
	bus := &fakeBus{}
	r, err := NewRelay(RelayOptions{
		Store: store, Bus: bus,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background()))
	require.Error(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(bus.ids()) == 2
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	// Stop is idempotent.
	r.Stop()
}
