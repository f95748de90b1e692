package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/miniapp-entitlements/internal/config"
	"github.com/miniapp-entitlements/internal/errors"
	"github.com/miniapp-entitlements/internal/logging"
	"github.com/miniapp-entitlements/internal/metrics"
	"github.com/miniapp-entitlements/internal/models"
	"github.com/miniapp-entitlements/internal/types"
	"github.com/shopspring/decimal"
)

// Transfer is a token transfer observed on chain
type Transfer struct {
	TxHash      string          `json:"txHash"`
	Token       string          `json:"token"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	BlockNumber uint64          `json:"blockNumber"`
}

// PaymentVerifier confirms that a transaction paid the treasury
type PaymentVerifier interface {
	// Verify returns the transfer to the treasury carried by txHash
	Verify(ctx context.Context, txHash string) (*Transfer, error)
}

// PaymentService links verified payments to subscriptions
type PaymentService struct {
	payments      PaymentRepository
	subscriptions SubscriptionRepository
	lifecycle     *SubscriptionService
	verifier      PaymentVerifier
	billing       config.BillingConfig
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	payments PaymentRepository,
	subscriptions SubscriptionRepository,
	lifecycle *SubscriptionService,
	verifier PaymentVerifier,
	billing config.BillingConfig,
) *PaymentService {
	return &PaymentService{
		payments:      payments,
		subscriptions: subscriptions,
		lifecycle:     lifecycle,
		verifier:      verifier,
		billing:       billing,
	}
}

// ConfirmPaymentResult is the payment and the subscription it bought
type ConfirmPaymentResult struct {
	Payment      *models.Payment      `json:"payment"`
	Subscription *models.Subscription `json:"subscription"`
}

// ConfirmPayment verifies txHash on chain and grants tier to address.
// A transaction can only ever buy one subscription.
func (s *PaymentService) ConfirmPayment(ctx context.Context, address string, tier types.Tier, txHash string) (*ConfirmPaymentResult, error) {
	result, err := s.confirm(ctx, address, tier, txHash)
	metrics.PaymentVerifications.WithLabelValues(verificationResult(err)).Inc()
	return result, err
}

func (s *PaymentService) confirm(ctx context.Context, address string, tier types.Tier, txHash string) (*ConfirmPaymentResult, error) {
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
	price, _ := s.billing.Price(tier)

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"wallet":  address,
		"tier":    tier,
		"tx_hash": txHash,
	})

	existing, err := s.payments.GetByTxHash(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("failed to check payment: %w", err)
	}
	if existing != nil {
		return s.resume(ctx, existing, address, tier)
	}

	if s.billing.Treasury == "" {
		return nil, errors.NewServiceUnavailableError("payments (treasury address not configured)")
	}

	transfer, err := s.verifier.Verify(ctx, txHash)
	if err != nil {
		logger.WithError(err).Warn("payment verification failed")
		return nil, err
	}

	if mismatch := s.checkTransfer(transfer, address, price); mismatch != nil {
		logger.WithField("reason", mismatch.Message).Warn("payment rejected")
		return nil, mismatch
	}

	payment, err := s.payments.Record(ctx, address, txHash, transfer.Amount, tier)
	if err != nil {
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	sub, err := s.lifecycle.Subscribe(ctx, address, tier, txHash)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	logger.WithField("amount", transfer.Amount.String()).Info("payment confirmed")
	return &ConfirmPaymentResult{Payment: payment, Subscription: sub}, nil
}

// resume finishes a confirmation that recorded the payment but never created the
// subscription. A fully processed transaction is a duplicate.
func (s *PaymentService) resume(ctx context.Context, payment *models.Payment, address string, tier types.Tier) (*ConfirmPaymentResult, error) {
	sub, err := s.subscriptions.GetByTxHash(ctx, payment.TxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription: %w", err)
	}
	if sub != nil || payment.WalletAddress != address || payment.Tier != tier {
		return nil, &types.ServiceError{
			Code:    types.CodeDuplicatePayment,
			Message: fmt.Sprintf("transaction %s was already used for a payment", payment.TxHash),
			Details: map[string]interface{}{"txHash": payment.TxHash},
		}
	}

	logging.FromContext(ctx).WithField("tx_hash", payment.TxHash).Warn("resuming payment without subscription")
	sub, err = s.lifecycle.Subscribe(ctx, address, tier, payment.TxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return &ConfirmPaymentResult{Payment: payment, Subscription: sub}, nil
}

func (s *PaymentService) checkTransfer(t *Transfer, address string, price decimal.Decimal) *types.ServiceError {
	var reason string
	switch {
	case !strings.EqualFold(t.From, address):
		reason = "transfer was not sent by the subscribing wallet"
	case !strings.EqualFold(t.To, s.billing.Treasury):
		reason = "transfer was not sent to the treasury"
	case t.Amount.LessThan(price):
		reason = fmt.Sprintf("transfer of %s USDC is below the price of %s USDC", t.Amount, price)
	default:
		return nil
	}

	return &types.ServiceError{
		Code:    types.CodePaymentMismatch,
		Message: reason,
		Details: map[string]interface{}{
			"txHash": t.TxHash,
			"from":   t.From,
			"to":     t.To,
			"amount": t.Amount.String(),
			"price":  price.String(),
		},
	}
}

// History lists the wallet's payments, newest first
func (s *PaymentService) History(ctx context.Context, address string, limit int) ([]*models.Payment, error) {
	return s.payments.ListByAddress(ctx, address, clampLimit(limit))
}

func verificationResult(err error) string {
	switch {
	case err == nil:
		return "confirmed"
	case types.HasCode(err, types.CodeDuplicatePayment):
		return "duplicate"
	case types.HasCode(err, types.CodePaymentMismatch):
		return "mismatch"
	case errors.IsUserError(err):
		return "invalid"
	default:
		return "error"
	}
}
