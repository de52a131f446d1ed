package itemids

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSet mirrors a redis set. Members are loaded once with SMEMBERS and
// Flush writes pending ids with a single SADD.
type RedisSet struct {
	memberSet
	client *redis.Client
	key    string
}

func OpenRedis(ctx context.Context, client *redis.Client, key string) (*RedisSet, error) {
	members, err := client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load item ids %s: %w", key, err)
	}
	s := &RedisSet{client: client, key: key}
	for _, id := range members {
		s.load(id)
	}
	return s, nil
}

func (s *RedisSet) Flush(ctx context.Context) error {
	pending := s.takePending()
	if len(pending) == 0 {
		return nil
	}
	args := make([]any, len(pending))
	for i, id := range pending {
		args[i] = id
	}
	if err := s.client.SAdd(ctx, s.key, args...).Err(); err != nil {
		s.restorePending(pending)
		return fmt.Errorf("redis save item ids %s: %w", s.key, err)
	}
	return nil
}
