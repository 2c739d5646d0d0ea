package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestLockKeyUsesNamespace(t *testing.T) {
	if got := LockKey(" account:acc-1 "); got != "genbroker:lock:account:acc-1" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := LockKey(accountLockName("acc-1")); got != "genbroker:lock:account:acc-1" {
		t.Fatalf("account lock key %q", got)
	}
}

func TestNilLockerIsNotConfigured(t *testing.T) {
	var locker *Locker
	if NewLocker(nil) != nil {
		t.Fatalf("expected nil locker without redis")
	}
	if _, err := locker.TryAcquire(context.Background(), "sweeper:x", time.Second); !errors.Is(err, ErrLockNotConfigured) {
		t.Fatalf("expected ErrLockNotConfigured, got %v", err)
	}

	start := time.Now()
	_, err := locker.Acquire(context.Background(), "sweeper:x", time.Second, 2*time.Second)
	if !errors.Is(err, ErrLockNotConfigured) {
		t.Fatalf("expected ErrLockNotConfigured, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("configuration errors must not be retried")
	}
}

func TestTryAcquireValidatesBeforeCallingRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	locker := NewLocker(client)

	if _, err := locker.TryAcquire(context.Background(), " ", time.Second); !errors.Is(err, ErrInvalidLock) {
		t.Fatalf("expected ErrInvalidLock for blank name, got %v", err)
	}
	if _, err := locker.TryAcquire(context.Background(), "account:a", 0); !errors.Is(err, ErrInvalidLock) {
		t.Fatalf("expected ErrInvalidLock for zero ttl, got %v", err)
	}
}

func TestNilLeaseReleaseIsNoop(t *testing.T) {
	var lease *Lease
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if lease.Key() != "" {
		t.Fatalf("expected empty key")
	}
}
