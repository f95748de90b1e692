package models

import (
	"time"

	"github.com/miniapp-entitlements/internal/types"
)

// Subscription is one paid entitlement period
type Subscription struct {
	ID               string                   `json:"id" db:"id"`
	UserID           string                   `json:"userId" db:"user_id"`
	WalletAddress    string                   `json:"walletAddress" db:"wallet_address"`
	Tier             types.Tier               `json:"tier" db:"tier"`
	Status           types.SubscriptionStatus `json:"status" db:"status"`
	CreatedAt        time.Time                `json:"createdAt" db:"created_at"`
	ExpiresAt        time.Time                `json:"expiresAt" db:"expires_at"`
	NextBillingDate  time.Time                `json:"nextBillingDate" db:"next_billing_date"`
	AutoRenew        bool                     `json:"autoRenew" db:"auto_renew"`
	Reminder3DSentAt *time.Time               `json:"reminder3dSentAt,omitempty" db:"reminder_3d_sent_at"`
	Reminder1DSentAt *time.Time               `json:"reminder1dSentAt,omitempty" db:"reminder_1d_sent_at"`
	TxHash           string                   `json:"txHash" db:"tx_hash"`
}

// IsExpiredAt reports whether the subscription has lapsed at the given instant
func (s *Subscription) IsExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ReminderSent reports whether the reminder of the given kind was already delivered
func (s *Subscription) ReminderSent(kind types.ReminderKind) bool {
	switch kind {
	case types.Reminder3Day:
		return s.Reminder3DSentAt != nil
	case types.Reminder1Day:
		return s.Reminder1DSentAt != nil
	}
	return false
}
