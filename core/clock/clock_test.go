package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// mockClock creates a Clock with a controllable time source.
func mockClock(initial int64) (*Clock, *atomic.Int64) {
	var t atomic.Int64
	t.Store(initial)
	c := &Clock{
		nowFn: func() int64 { return t.Load() },
	}
	return c, &t
}

func TestNow(t *testing.T) {
	c, now := mockClock(1000)
	assert.Equal(t, int64(1000), c.Now())
	now.Store(2000)
	assert.Equal(t, int64(2000), c.Now())
}

func TestNew_UsesSystemClock(t *testing.T) {
	c := New()
	before := time.Now().Unix()
	got := c.Now()
	after := time.Now().Unix()
	assert.GreaterOrEqual(t, got, before)
	assert.LessOrEqual(t, got, after)
}

func TestFixed(t *testing.T) {
	c := Fixed(42)
	assert.Equal(t, int64(42), c.Now())
	assert.Equal(t, int64(42), c.Now())
}

func TestSetCurrentTime(t *testing.T) {
	c := New()
	c.SetCurrentTime(500)
	got := c.Now()
	// At most a second can pass between the two calls.
	assert.GreaterOrEqual(t, got, int64(500))
	assert.LessOrEqual(t, got, int64(501))
}
