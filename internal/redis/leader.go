package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

var resignScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Leader elects one instance through a redis key holding the owner's id.
type Leader struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
	logger     *slog.Logger
}

func NewLeader(client *redis.Client, key, instanceID string, ttl time.Duration, logger *slog.Logger) *Leader {
	return &Leader{client: client, key: key, instanceID: instanceID, ttl: ttl, logger: logger}
}

// IsLeader acquires the key with SETNX, or renews it when this instance
// already owns it. Errors count as not being the leader.
func (l *Leader) IsLeader(ctx context.Context) bool {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		l.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		l.logger.Info("acquired leadership",
			slog.String("key", l.key),
			slog.String("instance_id", l.instanceID),
		)
		return true
	}

	result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}

// Resign releases the key if this instance owns it.
func (l *Leader) Resign(ctx context.Context) error {
	err := resignScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
