package wakeup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const channel = "pulpcore:wakeup"

// Redis broadcasts wake signals over a pub/sub channel so workers on other
// hosts are woken too. A signal that arrives while no Wait is in progress
// stays buffered and wakes the next Wait immediately; the worker just
// re-scans once more, which is harmless.
type Redis struct {
	rdb *redis.Client
	sub *redis.PubSub
	ch  <-chan *redis.Message
}

func NewRedis(ctx context.Context, rdb *redis.Client) *Redis {
	sub := rdb.Subscribe(ctx, channel)
	return &Redis{rdb: rdb, sub: sub, ch: sub.Channel()}
}

func (r *Redis) NotifyAll(ctx context.Context) error {
	return r.rdb.Publish(ctx, channel, "wake").Err()
}

func (r *Redis) Wait(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	case <-r.ch:
		return nil
	}
}

func (r *Redis) Close() error {
	return r.sub.Close()
}

// Connect parses a redis URL, opens a client and verifies the connection.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}
