package dispatch

import "time"

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	// DedupWindow is how long a delivered occurrence stays suppressed,
	// counted from its fire time.
	DedupWindow     time.Duration
	DedupMaxEntries int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 7 * 24 * time.Hour
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 5000
	}
	return c
}

type HistoryItem struct {
	At       time.Time
	Identity int64
	Key      string
	Error    string
}

// DeliveryEvent is the payload of delivery.* bus events.
type DeliveryEvent struct {
	Identity int64     `json:"identity"`
	Key      string    `json:"key,omitempty"`
	FireAt   time.Time `json:"fire_at,omitempty"`
	At       time.Time `json:"at"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}
