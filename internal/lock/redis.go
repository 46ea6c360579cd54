package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every process that talks to the same Redis.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ Locker = (*Redis)(nil)

// NewRedis wraps an existing client. If prefix is empty "ddf_sync:lock:" is used.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "ddf_sync:lock:"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// DialRedis connects from a URL such as redis://:pass@host:6379/0 and pings the
// server before returning.
func DialRedis(ctx context.Context, redisURL, prefix string) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedis(rdb, prefix), nil
}

func (r *Redis) key(name string) string { return r.prefix + name }

func (r *Redis) TryAcquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := newToken()

	ok, err := r.rdb.SetNX(ctx, r.key(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *Redis) Release(ctx context.Context, name, token string) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{r.key(name)}, token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
