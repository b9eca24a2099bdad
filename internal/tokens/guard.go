package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/coaching-platform/pkg/logging"
)

// ErrRefreshLoop is returned when a coach's credential was refreshed too many
// times within the cooldown window.
var ErrRefreshLoop = errors.New("tokens: refresh loop detected")

// RefreshGuard counts refresh attempts per coach in Redis so that repeated
// rapid refreshes short-circuit across every instance.
type RefreshGuard struct {
	redis       redis.Cmdable
	window      time.Duration
	maxAttempts int
	logger      *logging.Logger
}

func NewRefreshGuard(client redis.Cmdable, window time.Duration, maxAttempts int, logger *logging.Logger) *RefreshGuard {
	if logger == nil {
		logger = logging.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RefreshGuard{redis: client, window: window, maxAttempts: maxAttempts, logger: logger}
}

func guardKey(coachULID string) string {
	return fmt.Sprintf("tokens:refresh:%s", coachULID)
}

// Allow records a refresh attempt and returns ErrRefreshLoop once the coach
// exceeds maxAttempts inside the window.
func (g *RefreshGuard) Allow(ctx context.Context, coachULID string) error {
	if g == nil || g.redis == nil {
		return nil
	}
	key := guardKey(coachULID)
	count, err := g.redis.Incr(ctx, key).Result()
	if err != nil {
		// Fail open.
		g.logger.Warn("refresh guard unavailable", "error", err, "coach_ulid", coachULID)
		return nil
	}
	if count == 1 {
		g.redis.Expire(ctx, key, g.window)
	}
	if int(count) > g.maxAttempts {
		g.logger.Warn("credential refresh loop detected",
			"coach_ulid", coachULID,
			"attempts", count,
			"max", g.maxAttempts,
		)
		return ErrRefreshLoop
	}
	return nil
}

