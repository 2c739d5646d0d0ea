package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// lockNamespace prefixes every lock key this service writes.
const lockNamespace = "genbroker:lock:"

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrLockBusy          = errors.New("lock_busy")
	ErrLockNotConfigured = errors.New("lock_not_configured")
	ErrInvalidLock       = errors.New("invalid_lock")
)

// Locker hands out redis leases (SET NX plus a token-checked release) under
// the service namespace. A nil Locker means redis is not configured.
type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

func (l *Lease) Key() string {
	if l == nil {
		return ""
	}
	return l.key
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.locker == nil || l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""
	return l.locker.script.Run(ctx, l.locker.client, []string{l.key}, token).Err()
}

// LockKey maps a lock name such as "account:acc-1" into the namespace.
func LockKey(name string) string {
	return lockNamespace + strings.TrimSpace(name)
}

// TryAcquire makes a single attempt. It returns ErrLockBusy when another
// holder owns the lease.
func (l *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockNotConfigured
	}
	if strings.TrimSpace(name) == "" || ttl <= 0 {
		return nil, ErrInvalidLock
	}

	key := LockKey(name)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockBusy
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Acquire retries TryAcquire with backoff until wait elapses. Redis errors
// end the wait immediately; only contention is retried.
func (l *Locker) Acquire(ctx context.Context, name string, ttl, wait time.Duration) (*Lease, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond

	return backoff.Retry(ctx, func() (*Lease, error) {
		lease, err := l.TryAcquire(ctx, name, ttl)
		if err != nil && !errors.Is(err, ErrLockBusy) {
			return nil, backoff.Permanent(err)
		}
		return lease, err
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(wait))
}
