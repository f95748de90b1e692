package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/miniapp-entitlements/internal/config"
	"github.com/miniapp-entitlements/internal/errors"
	"github.com/miniapp-entitlements/internal/logging"
	"github.com/miniapp-entitlements/internal/service"
	"github.com/miniapp-entitlements/internal/types"
	"golang.org/x/time/rate"
)

// tierCacheTTL bounds how long a wallet keeps its old request rate after changing tier
const tierCacheTTL = time.Minute

// TierResolver resolves a wallet's current tier
type TierResolver interface {
	Reconcile(ctx context.Context, address string) (*service.ReconcileResult, error)
}

type limiterEntry struct {
	limiter    *rate.Limiter
	tier       types.Tier
	resolvedAt time.Time
}

// RateLimiter keeps one token bucket per wallet, sized by the wallet's tier
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limits  map[types.Tier]rate.Limit

	// Burst size (number of requests that can be made in a burst)
	burstSize int
	now       func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*limiterEntry),
		limits: map[types.Tier]rate.Limit{
			types.TierFree:    rate.Limit(cfg.FreeTier),
			types.TierPremium: rate.Limit(cfg.PremiumTier),
			types.TierPro:     rate.Limit(cfg.ProTier),
		},
		burstSize: 10,
		now:       time.Now,
	}
}

func (rl *RateLimiter) limitFor(tier types.Tier) rate.Limit {
	if l, ok := rl.limits[tier]; ok {
		return l
	}
	return rl.limits[types.TierFree]
}

// stale reports whether key has no entry or its tier is due for a refresh
func (rl *RateLimiter) stale(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	e, ok := rl.entries[key]
	return !ok || rl.now().Sub(e.resolvedAt) > tierCacheTTL
}

// allow spends one token from key's bucket, resizing it when the tier changed
func (rl *RateLimiter) allow(key string, tier types.Tier, resolved bool) (bool, *limiterEntry) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[key]
	if !ok {
		e = &limiterEntry{
			limiter:    rate.NewLimiter(rl.limitFor(tier), rl.burstSize),
			tier:       tier,
			resolvedAt: rl.now(),
		}
		rl.entries[key] = e
	} else if resolved {
		if e.tier != tier {
			e.limiter.SetLimit(rl.limitFor(tier))
			e.tier = tier
		}
		e.resolvedAt = rl.now()
	}

	return e.limiter.Allow(), e
}

// RateLimitMiddleware enforces per-wallet request rates. Must run after authentication.
func RateLimitMiddleware(rl *RateLimiter, resolver TierResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := WalletFromContext(r.Context())
			if !ok {
				key = r.RemoteAddr
			}

			tier, resolved := types.TierFree, false
			if ok && resolver != nil && rl.stale(key) {
				res, err := resolver.Reconcile(r.Context(), key)
				if err != nil {
					logging.FromContext(r.Context()).WithError(err).Warn("tier lookup failed, applying free tier rate")
				} else {
					tier, resolved = res.Tier, true
				}
			}

			allowed, entry := rl.allow(key, tier, resolved)
			if !allowed {
				respondError(w, r, errors.NewRateLimitError(entry.tier))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
