package service

import (
	"context"
	"time"

	"github.com/miniapp-entitlements/internal/models"
	"github.com/miniapp-entitlements/internal/types"
	"github.com/shopspring/decimal"
)

// Repository interfaces for dependency injection

// Clock returns the current instant. Services never call time.Now directly.
type Clock func() time.Time

// UserRepository interface for user data operations
type UserRepository interface {
	GetByAddress(ctx context.Context, address string) (*models.User, error)
	Create(ctx context.Context, address string, info models.UserInfo) (*models.User, error)
	UpdateTier(ctx context.Context, address string, tier types.Tier) error
	UpdateNotificationDetails(ctx context.Context, address string, token, url *string) error
}

// SubscriptionRepository interface for subscription data operations
type SubscriptionRepository interface {
	Create(ctx context.Context, address string, tier types.Tier, txHash string, duration time.Duration) (*models.Subscription, error)
	GetActiveByAddress(ctx context.Context, address string) (*models.Subscription, error)
	GetByID(ctx context.Context, id string) (*models.Subscription, error)
	GetByTxHash(ctx context.Context, txHash string) (*models.Subscription, error)
	ListByAddress(ctx context.Context, address string, limit int) ([]*models.Subscription, error)
	GetExpiring(ctx context.Context, daysAhead int) ([]*models.Subscription, error)
	ListOverdue(ctx context.Context, limit int) ([]*models.Subscription, error)
	MarkReminderSent(ctx context.Context, id string, kind types.ReminderKind) error
	Expire(ctx context.Context, id string) (*models.Subscription, error)
}

// PaymentRepository interface for payment data operations
type PaymentRepository interface {
	Record(ctx context.Context, address, txHash string, amount decimal.Decimal, tier types.Tier) (*models.Payment, error)
	GetByTxHash(ctx context.Context, txHash string) (*models.Payment, error)
	ListByAddress(ctx context.Context, address string, limit int) ([]*models.Payment, error)
}

// UsageCounter keeps today's metered call counts. Implemented on Postgres and on Redis.
type UsageCounter interface {
	Used(ctx context.Context, address string, category types.UsageCategory) (int, error)
	Increment(ctx context.Context, address string, category types.UsageCategory) (int, error)
	Rollback(ctx context.Context, address string, category types.UsageCategory) (int, error)
}

// EchoRepository interface for echo data operations
type EchoRepository interface {
	Create(ctx context.Context, echo *models.Echo) error
	ListByAddress(ctx context.Context, address string, limit int) ([]*models.Echo, error)
}

// NFTRepository interface for NFT data operations
type NFTRepository interface {
	Create(ctx context.Context, nft *models.NFT) error
	ListByAddress(ctx context.Context, address string, limit int) ([]*models.NFT, error)
}
