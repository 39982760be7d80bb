package retry

import (
	"context"
	"math/rand"
	"time"
)

const (
	DefaultBaseTime time.Duration = time.Second
)

// Clock redeclares time functions so they can be overridden in tests.
type Clock struct {
	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
}

// BackoffHandler waits with jittered exponential backoff between attempts and limits the
// number of retries. The wait before retry n is drawn from [0, baseTime * 2^n), capped by
// maxWait when it is set.
type BackoffHandler struct {
	maxRetries uint
	baseTime   time.Duration
	maxWait    time.Duration

	retries uint

	Clock Clock
}

// NewBackoff creates a handler allowing maxRetries retries. A zero baseTime selects
// DefaultBaseTime; a zero maxWait leaves the wait uncapped.
func NewBackoff(maxRetries uint, baseTime, maxWait time.Duration) BackoffHandler {
	return BackoffHandler{
		maxRetries: maxRetries,
		baseTime:   baseTime,
		maxWait:    maxWait,
		Clock:      Clock{Now: time.Now, After: time.After},
	}
}

// MaxBackoffDuration is the longest the next Backoff call may wait. It returns false when no
// retry is left or ctx is done.
func (b BackoffHandler) MaxBackoffDuration(ctx context.Context) (time.Duration, bool) {
	select {
	case <-ctx.Done():
		return 0, false
	default:
	}
	if b.retries >= b.maxRetries {
		return 0, false
	}
	return b.cap(b.GetBaseTime() * (1 << (b.retries + 1))), true
}

// BackoffTimer returns a channel that fires when the backoff period expires, or nil once the
// retries are used up.
func (b *BackoffHandler) BackoffTimer() <-chan time.Time {
	if b.retries >= b.maxRetries {
		return nil
	}
	b.retries++
	maxTimeToWait := b.cap(b.GetBaseTime() * (1 << b.retries))
	timeToWait := time.Duration(rand.Int63n(maxTimeToWait.Nanoseconds())) // #nosec G404
	return b.Clock.After(timeToWait)
}

// Backoff waits before the next attempt. It returns false if the retries are used up or ctx
// is done first.
func (b *BackoffHandler) Backoff(ctx context.Context) bool {
	c := b.BackoffTimer()
	if c == nil {
		return false
	}
	select {
	case <-c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b BackoffHandler) GetBaseTime() time.Duration {
	if b.baseTime == 0 {
		return DefaultBaseTime
	}
	return b.baseTime
}

// Retries returns the number of retries consumed so far.
func (b *BackoffHandler) Retries() int {
	return int(b.retries) // #nosec G115
}

func (b *BackoffHandler) ReachedMaxRetries() bool {
	return b.retries >= b.maxRetries
}

// Reset gives back every retry, after a successful attempt.
func (b *BackoffHandler) Reset() {
	b.retries = 0
}

func (b BackoffHandler) cap(d time.Duration) time.Duration {
	if b.maxWait > 0 && d > b.maxWait {
		return b.maxWait
	}
	return d
}
