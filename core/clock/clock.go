// Package clock provides the timestamp source used when posts are authored.
package clock

import (
	"sync"
	"time"
)

// Clock returns UNIX epoch seconds. The zero value is not usable; use New.
type Clock struct {
	mu    sync.Mutex
	nowFn func() int64 // overridable for testing
}

// New creates a Clock that uses the system clock.
func New() *Clock {
	return &Clock{
		nowFn: func() int64 {
			return time.Now().Unix()
		},
	}
}

// Fixed creates a Clock that always reports t until SetCurrentTime is called.
func Fixed(t int64) *Clock {
	return &Clock{
		nowFn: func() int64 { return t },
	}
}

// Now returns the current UNIX epoch time in seconds.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowFn()
}

// SetCurrentTime rebases the clock on t. Subsequent calls to Now advance
// from t with wall-clock time.
func (c *Clock) SetCurrentTime(t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := time.Now()
	c.nowFn = func() int64 {
		return t + int64(time.Since(base).Seconds())
	}
}
