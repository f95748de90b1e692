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

// rowScanner is satisfied by pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, address, fid, email, tier, notification_token, notification_url, created_at, updated_at`

// UserRepository handles user data persistence
type UserRepository struct {
	db  *PostgresDB
	now func() time.Time
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *PostgresDB) *UserRepository {
	return &UserRepository{db: db, now: time.Now}
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	err := row.Scan(
		&user.ID,
		&user.Address,
		&user.FID,
		&user.Email,
		&user.Tier,
		&user.NotificationToken,
		&user.NotificationURL,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByAddress retrieves a user by wallet address. Returns (nil, nil) when absent.
func (r *UserRepository) GetByAddress(ctx context.Context, address string) (*models.User, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE address = $1`

	user, err := scanUser(r.db.Pool().QueryRow(ctx, query, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// Create inserts the user on first contact and returns the stored row.
// Calling it again for a known address leaves the existing row untouched.
func (r *UserRepository) Create(ctx context.Context, address string, info models.UserInfo) (*models.User, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	query := `
		INSERT INTO users (id, address, fid, email, tier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (address) DO NOTHING
	`

	if _, err := r.db.Pool().Exec(ctx, query,
		uuid.New().String(),
		address,
		info.FID,
		info.Email,
		types.TierFree,
		now,
	); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	user, err := r.GetByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %s vanished after insert", address)
	}
	return user, nil
}

// UpdateTier sets the user's entitlement tier
func (r *UserRepository) UpdateTier(ctx context.Context, address string, tier types.Tier) error {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return err
	}
	if !tier.Valid() {
		return types.NewInvalidTierError(string(tier), types.AllTiers)
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return err
	}

	query := `UPDATE users SET tier = $2, updated_at = $3 WHERE address = $1`

	result, err := r.db.Pool().Exec(ctx, query, address, tier, r.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update user tier: %w", err)
	}

	if result.RowsAffected() == 0 {
		return userNotFound(address)
	}

	return nil
}

// UpdateNotificationDetails stores the push notification token and URL for the user.
// Nil values clear them.
func (r *UserRepository) UpdateNotificationDetails(ctx context.Context, address string, token, url *string) error {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return err
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return err
	}

	query := `
		UPDATE users
		SET notification_token = $2, notification_url = $3, updated_at = $4
		WHERE address = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, address, token, url, r.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update notification details: %w", err)
	}

	if result.RowsAffected() == 0 {
		return userNotFound(address)
	}

	return nil
}

func userNotFound(address string) error {
	return &types.ServiceError{
		Code:    types.CodeUserNotFound,
		Message: fmt.Sprintf("user not found: %s", address),
		Details: map[string]interface{}{"address": address},
	}
}
