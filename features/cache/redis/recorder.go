// Package redis mirrors outbox event activity into short-TTL Redis
// counters backing live dashboards. Recording is best effort: failures
// are logged and dropped, never propagated to the relay.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"canvass.dev/canvass/runtime/outbox"
)

type (
	// Options configures the recorder.
	Options struct {
		// Redis is the connection counters are written to. Required.
		Redis *redis.Client
		// TTL bounds counter lifetime. Defaults to 24 hours.
		TTL time.Duration
		// Timeout bounds each Record call. Defaults to 2 seconds.
		Timeout time.Duration
		// Now returns the current time. Defaults to time.Now.
		Now func() time.Time
	}

	// Recorder implements outbox.CacheRecorder on Redis counters. Keys
	// are per survey, per event type, and per UTC day so dashboards can
	// show both running totals and daily activity.
	Recorder struct {
		cmds    commands
		ttl     time.Duration
		timeout time.Duration
		now     func() time.Time
	}

	// commands is the slice of go-redis the recorder uses. Tests
	// substitute fakes behind it.
	commands interface {
		Incr(ctx context.Context, key string) *redis.IntCmd
		Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	}
)

const (
	defaultTTL     = 24 * time.Hour
	defaultTimeout = 2 * time.Second
)

// NewRecorder constructs a Redis-backed dashboard recorder.
func NewRecorder(opts Options) (*Recorder, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return newRecorderWithCommands(opts.Redis, opts), nil
}

func newRecorderWithCommands(cmds commands, opts Options) *Recorder {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{cmds: cmds, ttl: ttl, timeout: timeout, now: now}
}

// Record bumps the counters for the event. Errors are logged and
// swallowed so the relay never blocks on the cache.
func (r *Recorder) Record(ctx context.Context, ev outbox.Event) {
	if ev.SurveyID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	day := r.now().UTC().Format("2006-01-02")
	keys := []string{
		fmt.Sprintf("canvass:stats:%s:%s", ev.SurveyID, ev.Type),
		fmt.Sprintf("canvass:stats:%s:%s:%s", ev.SurveyID, ev.Type, day),
	}
	for _, key := range keys {
		if err := r.cmds.Incr(ctx, key).Err(); err != nil {
			log.Errorf(ctx, err, "cache: incr %s", key)
			return
		}
		if err := r.cmds.Expire(ctx, key, r.ttl).Err(); err != nil {
			log.Errorf(ctx, err, "cache: expire %s", key)
			return
		}
	}
}
