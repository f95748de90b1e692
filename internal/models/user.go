// Package models provides data models for the entitlement store.
package models

import (
	"time"

	"github.com/miniapp-entitlements/internal/types"
)

// User is a wallet-keyed account. The lower-cased address is the only external key.
type User struct {
	ID                string     `json:"id" db:"id"`
	Address           string     `json:"address" db:"address"`
	FID               *int64     `json:"fid,omitempty" db:"fid"`
	Email             *string    `json:"email,omitempty" db:"email"`
	Tier              types.Tier `json:"tier" db:"tier"`
	NotificationToken *string    `json:"-" db:"notification_token"`
	NotificationURL   *string    `json:"-" db:"notification_url"`
	CreatedAt         time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time  `json:"updatedAt" db:"updated_at"`
}

// UserInfo carries the optional attributes supplied on first contact
type UserInfo struct {
	FID   *int64
	Email *string
}

// CanNotify reports whether push notification details are stored for the user
func (u *User) CanNotify() bool {
	return u.NotificationToken != nil && *u.NotificationToken != "" &&
		u.NotificationURL != nil && *u.NotificationURL != ""
}
