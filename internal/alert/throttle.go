package alert

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Iron-Ham/mobu/internal/errors"
)

// ErrThrottled is returned when a message is dropped by a Throttled sink.
var ErrThrottled = errors.New("alert dropped by rate limit")

// Throttled wraps a Sink with a token-bucket limit so a monkey failing in a
// tight restart loop cannot flood the channel.
type Throttled struct {
	sink    Sink
	limiter *rate.Limiter
	dropped atomic.Int64
}

// NewThrottled allows perMinute messages per minute with the given burst.
// A perMinute of zero or less disables throttling.
func NewThrottled(sink Sink, perMinute, burst int) *Throttled {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{sink: sink, limiter: rate.NewLimiter(limit, burst)}
}

// Post forwards msg unless the rate limit is exhausted.
func (t *Throttled) Post(ctx context.Context, msg Message) error {
	if !t.limiter.Allow() {
		t.dropped.Add(1)
		return ErrThrottled
	}
	return t.sink.Post(ctx, msg)
}

// Dropped returns how many messages have been discarded.
func (t *Throttled) Dropped() int64 {
	return t.dropped.Load()
}
