package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/genbroker/internal/config"
)

const keySubmitAccount = "generation:submit:account:%s"

// SubmitLimiter caps generation submissions per account.
type SubmitLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewSubmitLimiter returns a disabled limiter when rate limiting or redis is off.
func NewSubmitLimiter(client *redis.Client, cfg config.Config) *SubmitLimiter {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || client == nil || limitCfg.SubmitAccountRate <= 0 || limitCfg.SubmitAccountBurst <= 0 {
		return &SubmitLimiter{}
	}
	return &SubmitLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.SubmitAccountRate,
		burst:  limitCfg.SubmitAccountBurst,
	}
}

func (l *SubmitLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *SubmitLimiter) AllowAccount(ctx context.Context, accountID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keySubmitAccount, strings.TrimSpace(accountID)), l.rate, l.burst)
}
