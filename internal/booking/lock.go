package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/coaching-platform/pkg/logging"
)

// ErrLockHeld is returned when the coach's lock stayed held for the whole wait.
var ErrLockHeld = errors.New("booking: coach lock held")

const (
	minLockBackoff = 20 * time.Millisecond
	maxLockBackoff = 250 * time.Millisecond
)

// releaseScript deletes the lock only while it still carries the owner's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// CoachLock serializes booking attempts per coach across instances. Attempts
// queue behind the current holder for at most the lock TTL.
type CoachLock struct {
	redis  redis.Cmdable
	ttl    time.Duration
	wait   time.Duration
	logger *logging.Logger
}

// NewCoachLock creates a Redis-backed per-coach lock. A nil client disables locking.
func NewCoachLock(client redis.Cmdable, ttl time.Duration, logger *logging.Logger) *CoachLock {
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CoachLock{redis: client, ttl: ttl, wait: ttl, logger: logger}
}

func lockKey(coachULID string) string {
	return fmt.Sprintf("booking:lock:%s", coachULID)
}

// Acquire blocks until it holds the coach's lock, ctx is done, or the wait
// bound passes; the last two return ErrLockHeld. The returned release func is
// always non-nil and safe to call more than once.
func (l *CoachLock) Acquire(ctx context.Context, coachULID string) (func(), error) {
	noop := func() {}
	if l == nil || l.redis == nil {
		return noop, nil
	}

	key := lockKey(coachULID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	backoff := minLockBackoff
	for {
		ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return noop, fmt.Errorf("%w: %w", ErrLockHeld, ctx.Err())
			}
			// Fail open; the ledger overlap check still runs.
			l.logger.Warn("booking lock unavailable", "coach_ulid", coachULID, "error", err)
			return noop, nil
		}
		if ok {
			break
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return noop, ErrLockHeld
		}
		timer := time.NewTimer(min(backoff, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return noop, fmt.Errorf("%w: %w", ErrLockHeld, ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, maxLockBackoff)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.redis, []string{key}, token).Err(); err != nil {
			l.logger.Warn("failed to release booking lock", "coach_ulid", coachULID, "error", err)
		}
	}, nil
}
