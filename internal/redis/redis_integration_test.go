//go:build integration

package redis_test

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/WiLGYSeF/stalk-sub000/internal/itemids"
	redisstore "github.com/WiLGYSeF/stalk-sub000/internal/redis"
)

var testRedisAddr string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	ctr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	connStr, err := ctr.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("redis connection string: %v", err)
	}
	// ConnectionString returns "redis://host:port", go-redis wants host:port.
	testRedisAddr = strings.TrimPrefix(connStr, "redis://")
	return m.Run()
}

// newRedisClient flushes the database on cleanup so tests don't interfere.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client, err := redisstore.NewClient(context.Background(), testRedisAddr)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

// ── Rate limiter ─────────────────────────────────────────────────────────────

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 3, time.Second)
	ctx := context.Background()

	for range 3 {
		ok, err := limiter.Allow(ctx, "job:1")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "job:1")
	require.NoError(t, err)
	assert.False(t, ok, "4th task start should be rate-limited")

	ok, err = limiter.Allow(ctx, "job:2")
	require.NoError(t, err)
	assert.True(t, ok, "jobs have independent windows")
}

func TestRateLimiter_DeniedEventsDoNotCount(t *testing.T) {
	window := 300 * time.Millisecond
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 1, window)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "job:3")
	require.NoError(t, err)
	require.True(t, ok)
	for range 5 {
		ok, err = limiter.Allow(ctx, "job:3")
		require.NoError(t, err)
		require.False(t, ok)
	}

	time.Sleep(window + 50*time.Millisecond)
	ok, err = limiter.Allow(ctx, "job:3")
	require.NoError(t, err)
	assert.True(t, ok, "window resets once the allowed event expired")
}

// ── Leader election ──────────────────────────────────────────────────────────

func TestLeader_SingleOwner(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	a := redisstore.NewLeader(client, "archiver:leader", "a", time.Second, slog.Default())
	b := redisstore.NewLeader(client, "archiver:leader", "b", time.Second, slog.Default())

	assert.True(t, a.IsLeader(ctx))
	assert.False(t, b.IsLeader(ctx))
	assert.True(t, a.IsLeader(ctx), "owner renews")

	require.NoError(t, b.Resign(ctx))
	assert.False(t, b.IsLeader(ctx), "non-owner cannot resign for the owner")

	require.NoError(t, a.Resign(ctx))
	assert.True(t, b.IsLeader(ctx))
}

// ── Item id set ──────────────────────────────────────────────────────────────

func TestRedisItemIDSet_FlushAndReload(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	require.NoError(t, client.SAdd(ctx, "archive:ids", "seen").Err())

	set, err := itemids.Open(ctx, "redis://archive:ids", client)
	require.NoError(t, err)
	assert.True(t, set.Contains("seen"))
	assert.True(t, set.Add("new"))
	require.NoError(t, set.Flush(ctx))

	members, err := client.SMembers(ctx, "archive:ids").Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"seen", "new"}, members)
}
