package storage

import (
	"context"
	"errors"
	"time"
)

// ErrCorrupt marks a persisted mapping that could not be decoded.
// Open degrades it to an empty mapping; it never reaches callers of Store.
var ErrCorrupt = errors.New("storage: corrupt mapping")

// Config configures storage.
//
// Driver values:
//   - "file": single JSON document plus dedup snapshot/journal (default)
//   - "sqlite": SQLite database file
//   - "redis": hash + TTL keys on a Redis server
//   - "memory"/"none": process memory only
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// LinkStore is the persisted ChatMapping.
type LinkStore interface {
	Get(ctx context.Context, identity int64) (accountID string, ok bool, err error)
	// Set upserts identity -> accountID.
	Set(ctx context.Context, identity int64, accountID string) error
	All(ctx context.Context) (map[int64]string, error)
}

// DedupStore remembers delivered notification keys until a deadline.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type Store interface {
	LinkStore
	DedupStore
	Close() error
}

func copyMapping(m map[int64]string) map[int64]string {
	out := make(map[int64]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
