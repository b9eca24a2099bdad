package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/coaching-platform/internal/apperr"
	"github.com/wolfman30/coaching-platform/pkg/logging"
)

// Cooldown rejects a repeat request from the same caller to the same route
// within window. State lives in Redis as a self-expiring key, so it is shared
// across instances and safe to lose.
func Cooldown(client redis.Cmdable, window time.Duration, logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		if client == nil || window <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := cooldownKey(r)
			ok, err := client.SetNX(r.Context(), key, 1, window).Result()
			if err != nil {
				// Fail open: the cooldown is an optimization only.
				logger.Warn("cooldown check failed", "error", err, "key", key)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Round(time.Second).Seconds())))
				apperr.WriteJSON(w, apperr.RateLimited("please wait before retrying"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func cooldownKey(r *http.Request) string {
	caller := r.RemoteAddr
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		caller = xri
	}
	if userID, ok := UserIDFromContext(r.Context()); ok {
		caller = "user:" + userID
	}
	route := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			route = pattern
		}
	}
	return fmt.Sprintf("cooldown:%s:%s %s", caller, r.Method, route)
}
