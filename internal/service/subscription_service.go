package service

import (
	"context"
	"fmt"
	"time"

	"github.com/miniapp-entitlements/internal/config"
	"github.com/miniapp-entitlements/internal/logging"
	"github.com/miniapp-entitlements/internal/metrics"
	"github.com/miniapp-entitlements/internal/models"
	"github.com/miniapp-entitlements/internal/types"
)

// Expiry triggers, used as the metrics label
const (
	expiryLazy  = "lazy"
	expirySweep = "sweep"
	expiryAdmin = "admin"
)

// SubscriptionService is the lifecycle manager. It decides a wallet's effective tier,
// expiring lapsed subscriptions the moment they are observed.
type SubscriptionService struct {
	users   UserRepository
	subs    SubscriptionRepository
	billing config.BillingConfig
	now     Clock
}

// NewSubscriptionService creates a new subscription service. A nil clock means time.Now.
func NewSubscriptionService(users UserRepository, subs SubscriptionRepository, billing config.BillingConfig, clock Clock) *SubscriptionService {
	if clock == nil {
		clock = time.Now
	}
	return &SubscriptionService{
		users:   users,
		subs:    subs,
		billing: billing,
		now:     clock,
	}
}

// ReconcileResult is the effective entitlement of a wallet at the time of the call
type ReconcileResult struct {
	Tier         types.Tier           `json:"tier"`
	Subscription *models.Subscription `json:"subscription"`
}

// Reconcile returns the wallet's effective tier and live subscription.
// Every tier-gated decision must go through here first.
func (s *SubscriptionService) Reconcile(ctx context.Context, address string) (*ReconcileResult, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx).WithField("wallet", address)

	sub, err := s.subs.GetActiveByAddress(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to load active subscription: %w", err)
	}

	if sub == nil {
		user, err := s.users.GetByAddress(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("failed to load user: %w", err)
		}
		if user != nil && user.Tier != types.TierFree {
			logger.WithField("stored_tier", user.Tier).Warn("paid tier without active subscription, downgrading")
			if err := s.users.UpdateTier(ctx, address, types.TierFree); err != nil {
				return nil, fmt.Errorf("failed to downgrade user: %w", err)
			}
		}
		return &ReconcileResult{Tier: types.TierFree}, nil
	}

	if sub.IsExpiredAt(s.now()) {
		if _, err := s.expire(ctx, sub.ID, expiryLazy); err != nil {
			return nil, err
		}
		// the cascade already ran unless another caller won the race; make sure either way
		if err := s.users.UpdateTier(ctx, address, types.TierFree); err != nil && !types.HasCode(err, types.CodeUserNotFound) {
			return nil, fmt.Errorf("failed to downgrade user: %w", err)
		}
		logger.WithFields(map[string]interface{}{
			"subscription_id": sub.ID,
			"expired_at":      sub.ExpiresAt,
		}).Info("subscription lapsed")
		return &ReconcileResult{Tier: types.TierFree}, nil
	}

	user, err := s.users.GetByAddress(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil || user.Tier != sub.Tier {
		logger.WithField("subscription_tier", sub.Tier).Warn("user tier out of sync with live subscription, healing")
		if user == nil {
			if _, err := s.users.Create(ctx, address, models.UserInfo{}); err != nil {
				return nil, fmt.Errorf("failed to create user: %w", err)
			}
		}
		if err := s.users.UpdateTier(ctx, address, sub.Tier); err != nil {
			return nil, fmt.Errorf("failed to heal user tier: %w", err)
		}
	}

	return &ReconcileResult{Tier: sub.Tier, Subscription: sub}, nil
}

// Subscribe grants tier to the wallet for the configured billing period
func (s *SubscriptionService) Subscribe(ctx context.Context, address string, tier types.Tier, txHash string) (*models.Subscription, error) {
	duration, ok := s.billing.Duration(tier)
	if !ok {
		return nil, types.NewInvalidTierError(string(tier), types.PaidTiers)
	}

	sub, err := s.subs.Create(ctx, address, tier, txHash, duration)
	if err != nil {
		return nil, err
	}

	metrics.SubscriptionsCreated.WithLabelValues(string(tier)).Inc()
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"wallet":          sub.WalletAddress,
		"subscription_id": sub.ID,
		"tier":            tier,
		"expires_at":      sub.ExpiresAt,
	}).Info("subscription created")

	return sub, nil
}

// Expire ends an active subscription on operator request. Returns (nil, nil) if it was not active.
func (s *SubscriptionService) Expire(ctx context.Context, id string) (*models.Subscription, error) {
	return s.expire(ctx, id, expiryAdmin)
}

func (s *SubscriptionService) expire(ctx context.Context, id, trigger string) (*models.Subscription, error) {
	sub, err := s.subs.Expire(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to expire subscription %s: %w", id, err)
	}
	if sub != nil {
		metrics.SubscriptionsExpired.WithLabelValues(trigger).Inc()
	}
	return sub, nil
}

// Expiring lists active subscriptions ending between today and daysAhead days from now
func (s *SubscriptionService) Expiring(ctx context.Context, daysAhead int) ([]*models.Subscription, error) {
	return s.subs.GetExpiring(ctx, daysAhead)
}

// History lists the wallet's subscriptions, newest first
func (s *SubscriptionService) History(ctx context.Context, address string, limit int) ([]*models.Subscription, error) {
	return s.subs.ListByAddress(ctx, address, clampLimit(limit))
}
