package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/episodic/errors"
)

// ErrRateLimited is returned by Limiter.Allow when no start slot is free
var ErrRateLimited = errors.New("workflow start rate limit exceeded")

// Limiter caps how many generation workflows may start per minute across the
// dispatcher's workers. A limit of 0 disables throttling.
type Limiter struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	perMinute int
	timeNow   func() time.Time // Injectable for testing
}

// NewLimiter creates a rate limiter with real time
func NewLimiter(perMinute int) *Limiter {
	return NewLimiterWithClock(perMinute, time.Now)
}

// NewLimiterWithClock creates a rate limiter with injectable clock (for testing)
func NewLimiterWithClock(perMinute int, timeNow func() time.Time) *Limiter {
	l := &Limiter{timeNow: timeNow}
	l.SetLimit(perMinute)
	return l
}

// SetLimit changes the per-minute allowance; the bucket starts full
func (l *Limiter) SetLimit(perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.perMinute = perMinute
	if perMinute <= 0 {
		l.limiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	l.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
}

// Allow consumes a start slot or returns ErrRateLimited
func (l *Limiter) Allow() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	if l.limiter.AllowN(now, 1) {
		return nil
	}

	err := errors.Wrapf(ErrRateLimited, "limit %d starts per minute", l.perMinute)
	return errors.WithDetail(err, fmt.Sprintf("Tokens available: %.2f", l.limiter.TokensAt(now)))
}

// Wait blocks until a start slot is free or ctx is done
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	lim := l.limiter
	l.mu.Unlock()
	return lim.Wait(ctx)
}

// Stats returns the whole tokens left and the configured allowance
func (l *Limiter) Stats() (remaining int, perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.perMinute <= 0 {
		return 0, 0
	}
	tokens := l.limiter.TokensAt(l.timeNow())
	if tokens < 0 {
		tokens = 0
	}
	return int(tokens), l.perMinute
}
