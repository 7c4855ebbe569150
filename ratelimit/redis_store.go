package ratelimit

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// checkAndIncrScript performs the read-compare-increment atomically on the
// redis side. It returns {count, incremented}.
var checkAndIncrScript = redis.NewScript(`
local c = tonumber(redis.call('GET', KEYS[1]) or '0')
if c >= tonumber(ARGV[1]) then
  return {c, 0}
end
c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {c, 1}
`)

// RedisStore implements CounterStore on a redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects a counter store to the given redis URL.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// CheckAndIncr implements CounterStore.
func (s *RedisStore) CheckAndIncr(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	res, err := checkAndIncrScript.Run(ctx, s.client, []string{key}, limit, ttl.Milliseconds()).Slice()
	if err != nil {
		return 0, false, errors.Wrap(err, "run counter script")
	}
	if len(res) != 2 {
		return 0, false, errors.Errorf("unexpected script reply of length %d", len(res))
	}
	count, ok := res[0].(int64)
	if !ok {
		return 0, false, errors.Errorf("unexpected count type %T", res[0])
	}
	incremented, ok := res[1].(int64)
	if !ok {
		return 0, false, errors.Errorf("unexpected flag type %T", res[1])
	}
	return count, incremented == 1, nil
}

// Decr implements CounterStore.
func (s *RedisStore) Decr(ctx context.Context, key string) error {
	return errors.Wrap(s.client.Decr(ctx, key).Err(), "decrement counter")
}

// Ping implements CounterStore.
func (s *RedisStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx).Err(), "redis ping")
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
