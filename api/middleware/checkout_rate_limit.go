package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/talentbase/talentbase-backend/api/responses"
	"github.com/talentbase/talentbase-backend/pkg/config"
	pkgerrors "github.com/talentbase/talentbase-backend/pkg/errors"
	"github.com/talentbase/talentbase-backend/pkg/logger"
)

// RateLimiterStore is the counter backend, usually redis.
type RateLimiterStore interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// CheckoutRateLimitPolicy throttles checkout session creation per user and
// per client IP. Every session creates a real object at the payment provider,
// so the limits are deliberately tight.
type CheckoutRateLimitPolicy struct {
	window    time.Duration
	userLimit int
	ipLimit   int
}

func NewCheckoutRateLimitPolicy(cfg config.RateLimitConfig) CheckoutRateLimitPolicy {
	return CheckoutRateLimitPolicy{
		window:    cfg.CheckoutWindow,
		userLimit: cfg.CheckoutUserLimit,
		ipLimit:   cfg.CheckoutIPLimit,
	}
}

func (p CheckoutRateLimitPolicy) enabled() bool {
	return p.window > 0 && (p.userLimit > 0 || p.ipLimit > 0)
}

// CheckoutRateLimit enforces the policy. It must run after Auth so the user
// id is present on the context.
func CheckoutRateLimit(policy CheckoutRateLimitPolicy, store RateLimiterStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || store == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if policy.userLimit > 0 {
				if userID := UserIDFromContext(ctx); userID != "" {
					scope := fmt.Sprintf("checkout:user:%s", userID)
					allowed, count, err := store.FixedWindowAllow(ctx, scope, int64(policy.userLimit), policy.window)
					if err != nil {
						responses.WriteError(ctx, nil, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
						return
					}
					if !allowed {
						respondRateLimited(ctx, logg, w, "user", userID, count, policy.userLimit, policy.window)
						return
					}
				}
			}

			if policy.ipLimit > 0 {
				if ip := clientIP(r); ip != "" {
					scope := fmt.Sprintf("checkout:ip:%s", ip)
					allowed, count, err := store.FixedWindowAllow(ctx, scope, int64(policy.ipLimit), policy.window)
					if err != nil {
						responses.WriteError(ctx, nil, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
						return
					}
					if !allowed {
						respondRateLimited(ctx, logg, w, "ip", ip, count, policy.ipLimit, policy.window)
						return
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func respondRateLimited(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, scope, subject string, count int64, limit int, window time.Duration) {
	if logg != nil {
		logCtx := logg.WithFields(ctx, map[string]any{
			"scope":          scope,
			"subject":        subject,
			"attempts":       count,
			"limit":          limit,
			"window_seconds": int(window.Seconds()),
		})
		logg.Warn(logCtx, "checkout.rate_limit.blocked")
	}
	responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("X-Forwarded-For"); header != "" {
		for _, part := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return ip
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
