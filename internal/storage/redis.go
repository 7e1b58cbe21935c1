package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "remindbot/pkg/logx"
)

const redisPingTimeout = 3 * time.Second

// redisStore keeps the mapping in the hash <prefix>:chat_links and each
// dedup key as <prefix>:dedup:<key> with a TTL.
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis_addr is required for redis driver")
	}
	var opts *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("redis url parse: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisStore(client, cfg.RedisPrefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "remindbot"
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) linksKey() string           { return s.prefix + ":chat_links" }
func (s *redisStore) dedupKey(key string) string { return s.prefix + ":dedup:" + key }

func (s *redisStore) Get(ctx context.Context, identity int64) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.linksKey(), strconv.FormatInt(identity, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, identity int64, accountID string) error {
	return s.client.HSet(ctx, s.linksKey(), strconv.FormatInt(identity, 10), accountID).Err()
}

func (s *redisStore) All(ctx context.Context) (map[int64]string, error) {
	raw, err := s.client.HGetAll(ctx, s.linksKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[int64]string, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			s.log.Warn("skipping malformed chat link", logx.String("field", k))
			continue
		}
		out[id] = v
	}
	return out, nil
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, s.dedupKey(key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	ms, err := s.client.Get(ctx, s.dedupKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *redisStore) Close() error { return s.client.Close() }
