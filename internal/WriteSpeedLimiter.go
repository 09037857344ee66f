package internal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// minimumWriteSpeed is the lowest limit honoured; smaller positive limits are raised to it
const minimumWriteSpeed = 64 << 10

// WriteSpeedLimiter throttles block writes to a byte rate that can be changed while an install runs
type WriteSpeedLimiter struct {
	bytesPerSecond atomic.Int64

	mu        sync.Mutex
	startTime time.Time
	written   int64
}

// NewWriteSpeedLimiter creates a limiter; a limit of zero or less disables throttling
func NewWriteSpeedLimiter(bytesPerSecond int64) *WriteSpeedLimiter {
	l := &WriteSpeedLimiter{}
	l.SetLimit(bytesPerSecond)
	return l
}

// SetLimit changes the limit and restarts the measuring window
func (l *WriteSpeedLimiter) SetLimit(bytesPerSecond int64) {
	if bytesPerSecond > 0 {
		bytesPerSecond = max(int64(minimumWriteSpeed), bytesPerSecond)
	} else {
		bytesPerSecond = 0
	}
	l.bytesPerSecond.Store(bytesPerSecond)

	l.mu.Lock()
	l.startTime = time.Time{}
	l.written = 0
	l.mu.Unlock()
}

// Limit returns the effective limit in bytes per second, zero when unlimited
func (l *WriteSpeedLimiter) Limit() int64 {
	return l.bytesPerSecond.Load()
}

// Wait records n written bytes and sleeps until the rate is back under the limit.
// The sleep ends early with ctx's error when ctx is cancelled.
func (l *WriteSpeedLimiter) Wait(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	limit := l.bytesPerSecond.Load()
	if limit <= 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	if l.startTime.IsZero() {
		l.startTime = now
	}
	l.written += int64(n)
	wakeAt := l.startTime.Add(time.Duration(float64(l.written) / float64(limit) * float64(time.Second)))
	toSleep := wakeAt.Sub(now)
	if toSleep > time.Second {
		// Restart the window so a long pause does not turn into a burst afterwards
		l.startTime = wakeAt
		l.written = 0
	}
	l.mu.Unlock()

	if toSleep <= time.Millisecond {
		return nil
	}

	timer := time.NewTimer(toSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
