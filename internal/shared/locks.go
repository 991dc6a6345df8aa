package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TransactionLockKey builds redis keys for payment transaction critical sections.
func TransactionLockKey(transactionID string) string {
	return fmt.Sprintf("payments:tx:%s:lock", transactionID)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short lived Redis locks.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
}

// NewLocker constructs a Locker. ttl bounds how long a crashed holder blocks others.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, ttl: ttl, poll: 50 * time.Millisecond}
}

// Acquire takes the lock once, returning ErrLockNotAcquired when it is held.
func (l *Locker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	if l == nil || l.client == nil {
		return func(context.Context) error { return nil }, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}

// AcquireWait polls until the lock is taken, wait elapses or ctx is done.
func (l *Locker) AcquireWait(ctx context.Context, key string, wait time.Duration) (func(context.Context) error, error) {
	deadline := time.Now().Add(wait)
	for {
		release, err := l.Acquire(ctx, key)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) || time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}
