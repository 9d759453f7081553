package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is a best-effort distributed lock over SET NX, used as leader
// election for the periodic scans: with multiple broker processes, only the
// one that wins the SET runs the scan this round. The TTL releases the lock
// if the holder dies; no explicit unlock is needed because the scans are
// idempotent and the lock only suppresses duplicate work.
type Lock struct {
	client *redis.Client
	holder string
}

// NewLock creates a locker backed by the given client.
func NewLock(client *redis.Client) *Lock {
	return &Lock{
		client: client,
		holder: uuid.NewString(),
	}
}

// TryLock acquires the named lock for the TTL, returning false without error
// when another holder has it.
func (l *Lock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, l.holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return ok, nil
}
