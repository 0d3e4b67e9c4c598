package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Limiter throttles outbound calls to one venue. It combines a token bucket
// with tracking of the venue-reported request weight, when the venue sends one.
type Limiter struct {
	bucket *rate.Limiter

	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration

	log zerolog.Logger
}

// NewLimiter allows rps requests per second with the given burst.
func NewLimiter(rps float64, burst int) *Limiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		bucket:    rate.NewLimiter(rate.Limit(rps), burst),
		lastReset: time.Now(),
		log:       zerolog.Nop(),
	}
}

// WithWeightLimit enables header-based weight tracking.
func (l *Limiter) WithWeightLimit(limit int, resetInterval time.Duration) *Limiter {
	l.limit = limit
	l.resetInterval = resetInterval
	return l
}

// WithLogger sets the logger used for usage warnings.
func (l *Limiter) WithLogger(log zerolog.Logger) *Limiter {
	l.log = log
	return l
}

// Wait blocks until a request may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if l.ShouldDelay() {
		l.mu.RLock()
		remaining := l.resetInterval - time.Since(l.lastReset)
		l.mu.RUnlock()
		if remaining > 0 {
			t := time.NewTimer(remaining)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return l.bucket.Wait(ctx)
}

// UpdateFromHeader records the used weight reported by the venue.
func (l *Limiter) UpdateFromHeader(headerValue string) {
	if l == nil || l.limit <= 0 || headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastReset) >= l.resetInterval {
		l.usedWeight = 0
		l.lastReset = time.Now()
	}
	l.usedWeight = weight

	pct := float64(l.usedWeight) / float64(l.limit) * 100
	if pct >= 95 {
		l.log.Warn().Int("used", l.usedWeight).Int("limit", l.limit).Msg("rate limit critical")
	} else if pct >= 80 {
		l.log.Warn().Int("used", l.usedWeight).Int("limit", l.limit).Msg("rate limit warning")
	}
}

// Usage returns the current weight window.
func (l *Limiter) Usage() (used int, limit int, percentage float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.limit <= 0 || time.Since(l.lastReset) >= l.resetInterval {
		return 0, l.limit, 0
	}
	return l.usedWeight, l.limit, float64(l.usedWeight) / float64(l.limit) * 100
}

// ShouldDelay is true once 90% of the weight window is used.
func (l *Limiter) ShouldDelay() bool {
	_, _, pct := l.Usage()
	return pct >= 90
}
