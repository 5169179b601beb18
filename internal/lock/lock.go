// Package lock provides a Redis-backed mutex for the build drain. The lock
// lives in Redis rather than process memory so multiple API instances do not
// double-drain the queue on overlapping scheduler ticks.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DrainLock is a single-holder lock with a TTL safety valve: if a holder
// dies mid-drain the lock expires instead of wedging the scheduler.
type DrainLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

func NewDrainLock(client *redis.Client, key string, ttl time.Duration) *DrainLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &DrainLock{
		client: client,
		key:    key,
		ttl:    ttl,
		token:  uuid.New().String(),
	}
}

// Acquire attempts to take the lock. Returns false if another holder has it.
func (l *DrainLock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

// Release frees the lock only if this instance still holds it, so a slow
// drain whose lock expired cannot release a successor's lock.
func (l *DrainLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
