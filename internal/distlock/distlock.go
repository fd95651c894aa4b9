// Package distlock provides a Redis-backed mutual-exclusion lock so that
// multiple kerneld replicas sharing one Postgres database do not duplicate
// the job-lease reclaim sweep (spec §4.2 "a lease may be stolen back after
// timeout"); the subscription sync tick does not take it. With no Redis
// address configured, every acquire succeeds locally: a single-replica
// deployment needs no coordination.
package distlock

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Lock coordinates a single named mutex across process instances.
type Lock struct {
	client *redis.Client

	mu     sync.Mutex
	tokens map[string]string
}

// New constructs a Lock backed by the Redis instance at addr. An empty addr
// disables coordination: TryAcquire always succeeds, matching a
// single-replica deployment that has no other instance to race against.
func New(addr string) *Lock {
	l := &Lock{tokens: make(map[string]string)}
	if addr == "" {
		return l
	}
	l.client = redis.NewClient(&redis.Options{Addr: addr})
	return l
}

// TryAcquire attempts to hold key for ttl, returning whether it was
// acquired. Call Release promptly once the guarded work completes; ttl is a
// safety net against a crashed holder, not the expected hold duration.
func (l *Lock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if l.client == nil {
		return true, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.mu.Lock()
		l.tokens[key] = token
		l.mu.Unlock()
	}
	return ok, nil
}

// releaseScript deletes key only if its value still matches the token this
// holder set, so a lock that already expired and was re-acquired by another
// holder is never released out from under it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Release drops key if this Lock still holds it. A no-op when Redis is
// unconfigured or the lock was never acquired.
func (l *Lock) Release(ctx context.Context, key string) error {
	if l.client == nil {
		return nil
	}
	l.mu.Lock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return l.client.Eval(ctx, releaseScript, []string{key}, token).Err()
}

// Close releases the underlying Redis connection, if any.
func (l *Lock) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}
