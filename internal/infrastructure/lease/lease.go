// Package lease keeps each account on one service instance using Redis keys
// that expire unless the owner renews them.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Conte777/connector-service/internal/domain/session/deps"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
)

const keyPrefix = "connector:lease:"

// renewScript extends the key only while this instance still owns it
const renewScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// releaseScript deletes the key only while this instance still owns it
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLease implements deps.SessionLease
type RedisLease struct {
	cli        redis.Cmdable
	instanceID string
	ttl        time.Duration
}

var _ deps.SessionLease = (*RedisLease)(nil)

// New creates a lease owned by instanceID
func New(cli redis.Cmdable, instanceID string, ttl time.Duration) *RedisLease {
	return &RedisLease{cli: cli, instanceID: instanceID, ttl: ttl}
}

func leaseKey(accountKey string) string {
	return keyPrefix + accountKey
}

// Acquire takes the lease, or keeps it when this instance already holds it
func (l *RedisLease) Acquire(ctx context.Context, accountKey string) (bool, error) {
	key := leaseKey(accountKey)

	ok, err := l.cli.SetNX(ctx, key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	if ok {
		return true, nil
	}

	owner, err := l.cli.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return l.cli.SetNX(ctx, key, l.instanceID, l.ttl).Result()
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if owner != l.instanceID {
		return false, nil
	}

	return true, l.Renew(ctx, accountKey)
}

// Renew extends a held lease; it fails once another instance took over
func (l *RedisLease) Renew(ctx context.Context, accountKey string) error {
	key := leaseKey(accountKey)

	n, err := l.cli.Eval(ctx, renewScript, []string{key}, l.instanceID, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: lease on %s was lost", sessionerrors.ErrLeaseHeld, accountKey)
	}
	return nil
}

// Release frees a lease held by this instance. Foreign leases are left alone.
func (l *RedisLease) Release(ctx context.Context, accountKey string) error {
	key := leaseKey(accountKey)

	if err := l.cli.Eval(ctx, releaseScript, []string{key}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
