package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"
)

type (
	// RelayOptions configures the relay.
	RelayOptions struct {
		// Store reads and marks outbox rows. Required.
		Store Store
		// Bus receives published events. Required.
		Bus Bus
		// Cache mirrors events into dashboard counters. Optional.
		Cache CacheRecorder
		// PollInterval is the idle sleep between empty polls. Defaults to
		// one second.
		PollInterval time.Duration
		// BatchSize bounds each poll. Defaults to 50.
		BatchSize int
		// PublishRate caps downstream publishes per second. Zero means
		// unlimited.
		PublishRate rate.Limit
		// Now overrides the clock (tests).
		Now func() time.Time
	}

	// Relay polls unpublished outbox rows in commit order and delivers
	// them to the bus. At-least-once: a crash between publish and mark
	// re-delivers on restart.
	Relay struct {
		store   Store
		bus     Bus
		cache   CacheRecorder
		poll    time.Duration
		batch   int
		limiter *rate.Limiter
		now     func() time.Time

		mu     sync.Mutex
		cancel context.CancelFunc
		done   chan struct{}
	}
)

// NewRelay builds a relay from options.
func NewRelay(opts RelayOptions) (*Relay, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 50
	}
	var limiter *rate.Limiter
	if opts.PublishRate > 0 {
		// Fractional rates truncate to a zero burst, which would block
		// Wait forever; a burst of one keeps the limiter usable.
		limiter = rate.NewLimiter(opts.PublishRate, max(1, int(opts.PublishRate)))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Relay{
		store:   opts.Store,
		bus:     opts.Bus,
		cache:   opts.Cache,
		poll:    poll,
		batch:   batch,
		limiter: limiter,
		now:     now,
	}, nil
}

// Start launches the poll loop. Returns an error if already running.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("relay already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
	return nil
}

// Stop halts the poll loop and waits for it to drain.
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Relay) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		n, err := r.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			log.Errorf(ctx, err, "outbox relay: drain failed")
		}
		if n > 0 {
			// More rows may be pending; poll again immediately.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain publishes one batch of unpublished events and returns how many
// it delivered. Exported so tests and shutdown paths can flush
// synchronously.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	events, err := r.store.Unpublished(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, ev := range events {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return published, err
			}
		}
		if err := r.bus.Publish(ctx, ev); err != nil {
			// Stop the batch to preserve per-session commit order.
			return published, fmt.Errorf("publish %s: %w", ev.ID, err)
		}
		if err := r.store.MarkPublished(ctx, ev.ID, r.now().UTC()); err != nil {
			return published, fmt.Errorf("mark %s: %w", ev.ID, err)
		}
		if r.cache != nil {
			r.cache.Record(ctx, ev)
		}
		published++
	}
	return published, nil
}
