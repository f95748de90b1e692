package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/miniapp-entitlements/internal/models"
	"github.com/miniapp-entitlements/internal/types"
)

const subscriptionColumns = `id, user_id, wallet_address, tier, status, created_at, expires_at,
	next_billing_date, auto_renew, reminder_3d_sent_at, reminder_1d_sent_at, tx_hash`

// SubscriptionRepository handles subscription persistence and the user tier cascade
type SubscriptionRepository struct {
	db  *PostgresDB
	now func() time.Time
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *PostgresDB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db, now: time.Now}
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.WalletAddress,
		&sub.Tier,
		&sub.Status,
		&sub.CreatedAt,
		&sub.ExpiresAt,
		&sub.NextBillingDate,
		&sub.AutoRenew,
		&sub.Reminder3DSentAt,
		&sub.Reminder1DSentAt,
		&sub.TxHash,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]*models.Subscription, error) {
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}

	return subs, nil
}

// Create records a paid subscription that expires duration from now and sets the
// user's tier to match. The user row is created if this is the wallet's first contact.
func (r *SubscriptionRepository) Create(ctx context.Context, address string, tier types.Tier, txHash string, duration time.Duration) (*models.Subscription, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if !tier.Paid() {
		return nil, types.NewInvalidTierError(string(tier), types.PaidTiers)
	}
	txHash, err = types.NormalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, fmt.Errorf("subscription duration must be positive, got %s", duration)
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	expiresAt := now.Add(duration)

	var sub *models.Subscription
	err = pgx.BeginFunc(ctx, r.db.Pool(), func(tx pgx.Tx) error {
		var userID string
		upsertUser := `
			INSERT INTO users (id, address, tier, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4)
			ON CONFLICT (address) DO UPDATE SET tier = EXCLUDED.tier, updated_at = EXCLUDED.updated_at
			RETURNING id
		`
		if err := tx.QueryRow(ctx, upsertUser, uuid.New().String(), address, tier, now).Scan(&userID); err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}

		insert := `
			INSERT INTO subscriptions (id, user_id, wallet_address, tier, status, created_at,
				expires_at, next_billing_date, auto_renew, tx_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7, FALSE, $8)
			RETURNING ` + subscriptionColumns

		created, err := scanSubscription(tx.QueryRow(ctx, insert,
			uuid.New().String(),
			userID,
			address,
			tier,
			types.StatusActive,
			now,
			expiresAt,
			txHash,
		))
		if err != nil {
			return fmt.Errorf("failed to insert subscription: %w", err)
		}
		sub = created
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	return sub, nil
}

// GetActiveByAddress returns the newest active subscription for the wallet, or (nil, nil).
// Expiry is not evaluated here.
func (r *SubscriptionRepository) GetActiveByAddress(ctx context.Context, address string) (*models.Subscription, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE wallet_address = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	sub, err := scanSubscription(r.db.Pool().QueryRow(ctx, query, address, types.StatusActive))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}

	return sub, nil
}

// GetByID returns the subscription with the given id, or (nil, nil)
func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*models.Subscription, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscription(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return sub, nil
}

// GetByTxHash returns the subscription created from a payment transaction, or (nil, nil)
func (r *SubscriptionRepository) GetByTxHash(ctx context.Context, txHash string) (*models.Subscription, error) {
	txHash, err := types.NormalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE tx_hash = $1 ORDER BY created_at ASC LIMIT 1`

	sub, err := scanSubscription(r.db.Pool().QueryRow(ctx, query, txHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription by tx hash: %w", err)
	}

	return sub, nil
}

// ListByAddress returns the wallet's subscription history, newest first
func (r *SubscriptionRepository) ListByAddress(ctx context.Context, address string, limit int) ([]*models.Subscription, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE wallet_address = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, address, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// GetExpiring returns active subscriptions expiring between the start of the current
// UTC day and the end of the UTC day daysAhead days later.
func (r *SubscriptionRepository) GetExpiring(ctx context.Context, daysAhead int) ([]*models.Subscription, error) {
	if daysAhead < 0 {
		return nil, fmt.Errorf("daysAhead must not be negative, got %d", daysAhead)
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	from, until := ExpiringWindow(r.now(), daysAhead)
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = $1 AND expires_at >= $2 AND expires_at < $3
		ORDER BY expires_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, types.StatusActive, from, until)
	if err != nil {
		return nil, fmt.Errorf("failed to get expiring subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// ExpiringWindow returns the half-open range [from, until) covering the current UTC day
// through the end of the UTC day daysAhead days later.
func ExpiringWindow(now time.Time, daysAhead int) (from, until time.Time) {
	from = models.UsageDay(now)
	until = from.AddDate(0, 0, daysAhead+1)
	return from, until
}

// ListOverdue returns active subscriptions whose expiry has already passed
func (r *SubscriptionRepository) ListOverdue(ctx context.Context, limit int) ([]*models.Subscription, error) {
	if err := r.db.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, types.StatusActive, r.now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// MarkReminderSent records delivery of a renewal reminder. The first timestamp wins.
func (r *SubscriptionRepository) MarkReminderSent(ctx context.Context, id string, kind types.ReminderKind) error {
	var column string
	switch kind {
	case types.Reminder3Day:
		column = "reminder_3d_sent_at"
	case types.Reminder1Day:
		column = "reminder_1d_sent_at"
	default:
		return fmt.Errorf("invalid reminder kind: %q", kind)
	}
	if _, err := uuid.Parse(id); err != nil {
		return subscriptionNotFound(id)
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE subscriptions SET %[1]s = COALESCE(%[1]s, $2) WHERE id = $1`, column)

	result, err := r.db.Pool().Exec(ctx, query, id, r.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark reminder sent: %w", err)
	}

	if result.RowsAffected() == 0 {
		return subscriptionNotFound(id)
	}

	return nil
}

// Expire moves an active subscription to expired and drops its wallet to the free tier.
// Returns (nil, nil) if the subscription does not exist or was already expired.
func (r *SubscriptionRepository) Expire(ctx context.Context, id string) (*models.Subscription, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	var sub *models.Subscription
	err := pgx.BeginFunc(ctx, r.db.Pool(), func(tx pgx.Tx) error {
		update := `
			UPDATE subscriptions SET status = $2
			WHERE id = $1 AND status = $3
			RETURNING ` + subscriptionColumns

		expired, err := scanSubscription(tx.QueryRow(ctx, update, id, types.StatusExpired, types.StatusActive))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to expire subscription: %w", err)
		}

		downgrade := `UPDATE users SET tier = $2, updated_at = $3 WHERE address = $1`
		if _, err := tx.Exec(ctx, downgrade, expired.WalletAddress, types.TierFree, r.now().UTC()); err != nil {
			return fmt.Errorf("failed to downgrade user tier: %w", err)
		}

		sub = expired
		return nil
	})
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func subscriptionNotFound(id string) error {
	return &types.ServiceError{
		Code:    types.CodeSubscriptionNotFound,
		Message: fmt.Sprintf("subscription not found: %s", id),
		Details: map[string]interface{}{"id": id},
	}
}
