// Package lock provides a redis-backed mutual exclusion lock used to
// serialize position operations per (user, symbol).
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// lockTTL bounds how long a crashed holder can block others
	lockTTL = 60 * time.Second

	// heartbeatInterval refreshes the TTL while the holder is alive
	heartbeatInterval = 15 * time.Second
)

// ErrNotAcquired is returned when the lock is held by someone else
var ErrNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the key only when it still holds our token, so an
// expired-and-reacquired lock is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL only while the key holds our token
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker is the lock capability consumed by the position coordinator
type Locker interface {
	// Acquire takes the named lock or fails fast with ErrNotAcquired.
	// The returned release function is idempotent.
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// RedisLocker implements Locker over a shared redis client
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker wraps an existing redis client
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire sets lock:<name> with NX PX and starts a heartbeat that keeps the
// TTL alive until release.
func (l *RedisLocker) Acquire(ctx context.Context, name string) (func(), error) {
	key := "lock:" + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	go l.heartbeat(hbCtx, key, token)

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		cancel()

		relCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := releaseScript.Run(relCtx, l.client, []string{key}, token).Err(); err != nil {
			log.Warn().Err(err).Str("lock", name).Msg("Lock release failed")
		}
	}
	return release, nil
}

func (l *RedisLocker) heartbeat(ctx context.Context, key, token string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := refreshScript.Run(ctx, l.client, []string{key}, token, lockTTL.Milliseconds()).Err()
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Str("key", key).Msg("Lock heartbeat failed")
			}
		}
	}
}
