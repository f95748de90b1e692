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
	"github.com/shopspring/decimal"
)

// numeric is read as text so decimal keeps full precision
const paymentColumns = `id, wallet_address, tx_hash, amount_usdc::text, tier, confirmed_at`

// PaymentRepository stores confirmed USDC payments. Rows are never updated.
type PaymentRepository struct {
	db  *PostgresDB
	now func() time.Time
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db *PostgresDB) *PaymentRepository {
	return &PaymentRepository{db: db, now: time.Now}
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var payment models.Payment
	var amount string
	err := row.Scan(
		&payment.ID,
		&payment.WalletAddress,
		&payment.TxHash,
		&amount,
		&payment.Tier,
		&payment.ConfirmedAt,
	)
	if err != nil {
		return nil, err
	}

	payment.AmountUSDC, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount %q: %w", amount, err)
	}
	return &payment, nil
}

// Record appends a confirmed payment. Duplicate tx hashes are not rejected here.
func (r *PaymentRepository) Record(ctx context.Context, address, txHash string, amount decimal.Decimal, tier types.Tier) (*models.Payment, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	txHash, err = types.NormalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, &types.ServiceError{
			Code:    types.CodeInvalidAmount,
			Message: fmt.Sprintf("payment amount must be positive, got %s", amount),
			Details: map[string]interface{}{"amount": amount.String()},
		}
	}
	if !tier.Paid() {
		return nil, types.NewInvalidTierError(string(tier), types.PaidTiers)
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO payments (id, wallet_address, tx_hash, amount_usdc, tier, confirmed_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
		RETURNING ` + paymentColumns

	payment, err := scanPayment(r.db.Pool().QueryRow(ctx, query,
		uuid.New().String(),
		address,
		txHash,
		amount.String(),
		tier,
		r.now().UTC(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	return payment, nil
}

// GetByTxHash returns the first payment recorded for a transaction, or (nil, nil)
func (r *PaymentRepository) GetByTxHash(ctx context.Context, txHash string) (*models.Payment, error) {
	txHash, err := types.NormalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE tx_hash = $1
		ORDER BY confirmed_at ASC
		LIMIT 1
	`

	payment, err := scanPayment(r.db.Pool().QueryRow(ctx, query, txHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	return payment, nil
}

// ListByAddress returns the wallet's payments, newest first
func (r *PaymentRepository) ListByAddress(ctx context.Context, address string, limit int) ([]*models.Payment, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE wallet_address = $1
		ORDER BY confirmed_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, address, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, payment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payments: %w", err)
	}

	return payments, nil
}
