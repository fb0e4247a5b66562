package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// acquireLockScript takes the lock when it is free and refreshes it when the
// caller already owns it. It returns the holder's lock id, or nil on contention.
var acquireLockScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'id', ARGV[2])
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  return ARGV[2]
end
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  return redis.call('HGET', KEYS[1], 'id')
end
return false
`)

var releaseLockScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendLockScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// AcquireLock atomically takes a TTL lock on resource for owner
func (s *StateStorage) AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (*domain.Lock, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock ttl must be positive")
	}

	lockID := uuid.New().String()
	id, err := acquireLockScript.Run(ctx, s.client, []string{getLockKey(resource)},
		owner, lockID, ttl.Milliseconds()).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.logger.Debug("lock held by another owner",
				zap.String("resource", resource),
				zap.String("owner", owner))
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return &domain.Lock{
		ID:        id,
		Resource:  resource,
		Owner:     owner,
		ExpiresAt: time.Now().Add(ttl),
	}, true, nil
}

// ReleaseLock deletes the lock if lockID still identifies the holder
func (s *StateStorage) ReleaseLock(ctx context.Context, resource, lockID string) (bool, error) {
	released, err := releaseLockScript.Run(ctx, s.client, []string{getLockKey(resource)}, lockID).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	return released == 1, nil
}

// ExtendLock resets the TTL of a held lock
func (s *StateStorage) ExtendLock(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock ttl must be positive")
	}
	extended, err := extendLockScript.Run(ctx, s.client, []string{getLockKey(resource)}, lockID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to extend lock: %w", err)
	}
	return extended == 1, nil
}
