package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "remindbot/pkg/logx"
)

// Runs only against a real server: REMINDBOT_TEST_REDIS=127.0.0.1:6379
func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("REMINDBOT_TEST_REDIS")
	if addr == "" {
		t.Skip("REMINDBOT_TEST_REDIS not set")
	}
	ctx := context.Background()
	prefix := "remindbot-test-" + uuid.NewString()

	st, err := Open(Config{Driver: "redis", RedisAddr: addr, RedisPrefix: prefix}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	rs := st.(*redisStore)
	defer rs.client.Del(ctx, rs.linksKey())

	require.NoError(t, st.Set(ctx, 5, "acc"))
	all, err := st.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{5: "acc"}, all)

	until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	require.NoError(t, st.PutDedup(ctx, "k", until))
	got, ok, err := st.GetDedup(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(until))
}
