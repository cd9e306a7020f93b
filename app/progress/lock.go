package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultLockTTL = 360 * time.Second

// ErrLockNotHeld is returned by callers that lost or never acquired the lock
var ErrLockNotHeld = errors.New("job lock not held")

// Lock is a TTL-based mutual exclusion keyed by job id. Only the owner whose
// token is stored may release or extend it.
type Lock struct {
	rdb redis.UniversalClient
}

func NewLock(rdb redis.UniversalClient) *Lock {
	return &Lock{rdb: rdb}
}

func lockKey(jobID int64) string {
	return fmt.Sprintf("job:{%d}:lock", jobID)
}

// Acquire sets the lock if absent. It returns false without error when another
// owner holds it.
func (l *Lock) Acquire(ctx context.Context, jobID int64, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	ok, err := l.rdb.SetNX(ctx, lockKey(jobID), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for job %d: %w", jobID, err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Release deletes the lock only if token still owns it. A late release after
// the lock expired and was taken by someone else is a no-op.
func (l *Lock) Release(ctx context.Context, jobID int64, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{lockKey(jobID)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release lock for job %d: %w", jobID, err)
	}
	return n == 1, nil
}

// Refresh extends the lock's TTL if token still owns it
func (l *Lock) Refresh(ctx context.Context, jobID int64, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	n, err := refreshScript.Run(ctx, l.rdb, []string{lockKey(jobID)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock for job %d: %w", jobID, err)
	}
	return n == 1, nil
}

// Owner returns the token currently holding the lock, or "" when free
func (l *Lock) Owner(ctx context.Context, jobID int64) (string, error) {
	owner, err := l.rdb.Get(ctx, lockKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lock for job %d: %w", jobID, err)
	}
	return owner, nil
}
