// Package ratelimit provides a Redis-backed daily token budget for LLM
// generation. The limiter is an injected handle owned by the caller; there is
// no package-level state.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBudgetExceeded is returned when the organization has used up its daily
// generation budget.
var ErrBudgetExceeded = errors.New("generation budget exceeded")

type Limiter struct {
	client *redis.Client
	budget int
	prefix string
}

// New creates a limiter allowing budget generations per organization per UTC
// day. A budget of zero disables limiting.
func New(client *redis.Client, budget int) *Limiter {
	return &Limiter{
		client: client,
		budget: budget,
		prefix: "llmbudget:",
	}
}

func (l *Limiter) key(orgID string, now time.Time) string {
	return l.prefix + orgID + ":" + now.UTC().Format("2006-01-02")
}

// Allow consumes one unit of the organization's budget. The counter key
// expires at the end of the UTC day.
func (l *Limiter) Allow(ctx context.Context, orgID string) error {
	if l == nil || l.client == nil || l.budget <= 0 {
		return nil
	}

	now := time.Now()
	key := l.key(orgID, now)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("increment budget counter: %w", err)
	}
	if count == 1 {
		endOfDay := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		if err := l.client.ExpireAt(ctx, key, endOfDay).Err(); err != nil {
			return fmt.Errorf("expire budget counter: %w", err)
		}
	}
	if count > int64(l.budget) {
		return ErrBudgetExceeded
	}
	return nil
}

// Remaining reports how much budget is left today, for response headers.
func (l *Limiter) Remaining(ctx context.Context, orgID string) (int, error) {
	if l == nil || l.client == nil || l.budget <= 0 {
		return 0, nil
	}
	count, err := l.client.Get(ctx, l.key(orgID, time.Now())).Int()
	if err == redis.Nil {
		return l.budget, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read budget counter: %w", err)
	}
	remaining := l.budget - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
