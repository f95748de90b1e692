package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/miniapp-entitlements/internal/models"
	"github.com/miniapp-entitlements/internal/types"
)

// UsageRepository keeps per-day metered call counters in Postgres.
// Counters are keyed by the current UTC day and never go below zero.
type UsageRepository struct {
	db  *PostgresDB
	now func() time.Time
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *PostgresDB) *UsageRepository {
	return &UsageRepository{db: db, now: time.Now}
}

func validateUsageKey(address string, category types.UsageCategory) (string, types.UsageCategory, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return "", "", err
	}
	category, err = types.ParseUsageCategory(string(category))
	if err != nil {
		return "", "", err
	}
	return address, category, nil
}

// Used returns today's call count, 0 when no row exists
func (r *UsageRepository) Used(ctx context.Context, address string, category types.UsageCategory) (int, error) {
	address, category, err := validateUsageKey(address, category)
	if err != nil {
		return 0, err
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	query := `SELECT calls FROM api_usage WHERE address = $1 AND category = $2 AND usage_date = $3`

	var calls int
	err = r.db.Pool().QueryRow(ctx, query, address, category, models.UsageDay(r.now())).Scan(&calls)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get api usage: %w", err)
	}

	return calls, nil
}

// Increment adds one call to today's counter and returns the new value
func (r *UsageRepository) Increment(ctx context.Context, address string, category types.UsageCategory) (int, error) {
	address, category, err := validateUsageKey(address, category)
	if err != nil {
		return 0, err
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	now := r.now().UTC()
	query := `
		INSERT INTO api_usage (address, category, usage_date, calls, updated_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (address, category, usage_date)
		DO UPDATE SET calls = api_usage.calls + 1, updated_at = EXCLUDED.updated_at
		RETURNING calls
	`

	var calls int
	if err := r.db.Pool().QueryRow(ctx, query, address, category, models.UsageDay(now), now).Scan(&calls); err != nil {
		return 0, fmt.Errorf("failed to increment api usage: %w", err)
	}

	return calls, nil
}

// Rollback removes one call from today's counter, clamping at zero, and returns the new value
func (r *UsageRepository) Rollback(ctx context.Context, address string, category types.UsageCategory) (int, error) {
	address, category, err := validateUsageKey(address, category)
	if err != nil {
		return 0, err
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	now := r.now().UTC()
	query := `
		UPDATE api_usage
		SET calls = GREATEST(calls - 1, 0), updated_at = $4
		WHERE address = $1 AND category = $2 AND usage_date = $3
		RETURNING calls
	`

	var calls int
	err = r.db.Pool().QueryRow(ctx, query, address, category, models.UsageDay(now), now).Scan(&calls)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to roll back api usage: %w", err)
	}

	return calls, nil
}
