package models

import (
	"time"

	"github.com/miniapp-entitlements/internal/types"
	"github.com/shopspring/decimal"
)

// Payment is an append-only record of a confirmed USDC transfer
type Payment struct {
	ID            string          `json:"id" db:"id"`
	WalletAddress string          `json:"walletAddress" db:"wallet_address"`
	TxHash        string          `json:"txHash" db:"tx_hash"`
	AmountUSDC    decimal.Decimal `json:"amountUsdc" db:"amount_usdc"`
	Tier          types.Tier      `json:"tier" db:"tier"`
	ConfirmedAt   time.Time       `json:"confirmedAt" db:"confirmed_at"`
}
