package linking

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// throttle is a fixed-window request counter per account.
type throttle struct {
	limit  int
	window time.Duration
	c      *gocache.Cache
}

func newThrottle(limit int, window time.Duration) *throttle {
	if limit <= 0 {
		return nil
	}
	if window <= 0 {
		window = CodeTTL
	}
	return &throttle{limit: limit, window: window, c: gocache.New(window, 2*window)}
}

// Allow counts one request for key and reports whether it fits the window.
func (t *throttle) Allow(key string) bool {
	if t == nil || key == "" {
		return true
	}
	if err := t.c.Add(key, 1, t.window); err == nil {
		return true
	}
	n, err := t.c.IncrementInt(key, 1)
	if err != nil {
		// expired between Add and Increment
		t.c.Set(key, 1, t.window)
		return true
	}
	return n <= t.limit
}
