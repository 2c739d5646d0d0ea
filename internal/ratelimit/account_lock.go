package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/genbroker/internal/config"
	creditdomain "github.com/smallbiznis/genbroker/internal/credit/domain"
	"go.uber.org/zap"
)

// AccountLocker serializes ledger mutations for one account across instances.
type AccountLocker struct {
	locker *Locker
	log    *zap.Logger
	ttl    time.Duration
	wait   time.Duration
}

// NewAccountLocker returns nil unless redis is configured and distributed
// account locks are enabled.
func NewAccountLocker(client *redis.Client, cfg config.Config, log *zap.Logger) creditdomain.AccountLocker {
	if client == nil || !cfg.RateLimit.DistributedAccountLocks {
		return nil
	}
	ttl := time.Duration(cfg.RateLimit.AccountLockTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	wait := time.Duration(cfg.RateLimit.AccountLockWaitMillis) * time.Millisecond
	if wait <= 0 {
		wait = 3 * time.Second
	}
	return &AccountLocker{
		locker: NewLocker(client),
		log:    log.Named("ratelimit.account_lock"),
		ttl:    ttl,
		wait:   wait,
	}
}

func accountLockName(accountID string) string {
	return "account:" + strings.TrimSpace(accountID)
}

func (a *AccountLocker) LockAccount(ctx context.Context, accountID string) (func(), error) {
	lease, err := a.locker.Acquire(ctx, accountLockName(accountID), a.ttl, a.wait)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			return nil, creditdomain.ErrAccountBusy
		}
		return nil, fmt.Errorf("acquire account lock: %w", err)
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			a.log.Warn("failed to release account lock", zap.String("account_id", accountID), zap.Error(err))
		}
	}, nil
}
