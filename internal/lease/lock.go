// Package lease provides a best-effort Redis mutex. The dead-worker sweep
// uses it so that at most one worker runs the sweep at a time; correctness
// never depends on it, since every sweep mutation is a conditional update.
package lease

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Lock struct {
	rdb *redis.Client
	key string
}

func NewLock(rdb *redis.Client, key string) *Lock {
	return &Lock{rdb: rdb, key: "lock:" + key}
}

// Acquire takes the lock for holder if nobody else holds it. The TTL bounds
// how long a crashed holder can keep the lock.
func (l *Lock) Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, holder, ttl).Result()
}

// Release drops the lock only while holder still owns it.
func (l *Lock) Release(ctx context.Context, holder string) (bool, error) {
	script := `
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		else
			return 0
		end`
	cmd := l.rdb.Eval(ctx, script, []string{l.key}, holder)
	if err := cmd.Err(); err != nil {
		return false, err
	}
	n, _ := cmd.Int()
	return n == 1, nil
}
