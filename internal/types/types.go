// Package types provides common type definitions for the entitlement service.
package types

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Tier represents the entitlement level of a wallet
type Tier string

const (
	// TierFree is the default tier with metered quotas
	TierFree Tier = "free"
	// TierPremium is the first paid tier
	TierPremium Tier = "premium"
	// TierPro is the top paid tier
	TierPro Tier = "pro"
)

// AllTiers lists every valid tier in ascending order
var AllTiers = []Tier{TierFree, TierPremium, TierPro}

// PaidTiers lists the tiers that can be purchased
var PaidTiers = []Tier{TierPremium, TierPro}

// Valid reports whether t is one of free, premium or pro
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPremium, TierPro:
		return true
	}
	return false
}

// Paid reports whether t can be bought with a subscription
func (t Tier) Paid() bool {
	return t == TierPremium || t == TierPro
}

// ParseTier converts a string into a Tier, rejecting anything outside the closed set
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", NewInvalidTierError(s, AllTiers)
	}
	return t, nil
}

// ParsePaidTier converts a string into a purchasable Tier
func ParsePaidTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Paid() {
		return "", NewInvalidTierError(s, PaidTiers)
	}
	return t, nil
}

// SubscriptionStatus represents the lifecycle state of a subscription
type SubscriptionStatus string

const (
	// StatusActive means the subscription currently grants its tier
	StatusActive SubscriptionStatus = "active"
	// StatusExpired is terminal
	StatusExpired SubscriptionStatus = "expired"
)

// ReminderKind identifies which renewal reminder was sent
type ReminderKind string

const (
	// Reminder3Day is sent three days before expiry
	Reminder3Day ReminderKind = "3d"
	// Reminder1Day is sent one day before expiry
	Reminder1Day ReminderKind = "1d"
)

// Days returns the look-ahead window for the reminder
func (k ReminderKind) Days() int {
	switch k {
	case Reminder3Day:
		return 3
	case Reminder1Day:
		return 1
	default:
		return 0
	}
}

// ParseReminderKind converts a string into a ReminderKind
func ParseReminderKind(s string) (ReminderKind, error) {
	switch k := ReminderKind(s); k {
	case Reminder3Day, Reminder1Day:
		return k, nil
	}
	return "", fmt.Errorf("invalid reminder kind: %q", s)
}

// UsageCategory names a metered endpoint family
type UsageCategory string

const (
	// CategoryTrending covers trending-feed lookups
	CategoryTrending UsageCategory = "trending"
	// CategoryAIAnalysis covers AI sentiment analysis calls
	CategoryAIAnalysis UsageCategory = "ai_analysis"
)

var categoryPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// ParseUsageCategory validates a category name
func ParseUsageCategory(s string) (UsageCategory, error) {
	if !categoryPattern.MatchString(s) {
		return "", &ServiceError{
			Code:    "INVALID_CATEGORY",
			Message: fmt.Sprintf("invalid usage category: %q", s),
		}
	}
	return UsageCategory(s), nil
}

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// NormalizeAddress validates an EVM account address and returns it lower-cased
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		return "", NewInvalidAddressError(address)
	}
	if !common.IsHexAddress(address) {
		return "", NewInvalidAddressError(address)
	}
	return strings.ToLower(address), nil
}

// NormalizeTxHash validates a 32-byte transaction hash and returns it lower-cased
func NormalizeTxHash(hash string) (string, error) {
	hash = strings.TrimSpace(hash)
	if !txHashPattern.MatchString(hash) {
		return "", &ServiceError{
			Code:    CodeInvalidTxHash,
			Message: fmt.Sprintf("invalid transaction hash: %q", hash),
			Details: map[string]interface{}{"txHash": hash},
		}
	}
	return strings.ToLower(hash), nil
}

// Error codes shared across packages
const (
	CodeInvalidAddress       = "INVALID_ADDRESS"
	CodeInvalidTier          = "INVALID_TIER"
	CodeInvalidTxHash        = "INVALID_TX_HASH"
	CodeInvalidAmount        = "INVALID_AMOUNT"
	CodeQuotaExceeded        = "QUOTA_EXCEEDED"
	CodeDuplicatePayment     = "DUPLICATE_PAYMENT"
	CodePaymentMismatch      = "PAYMENT_MISMATCH"
	CodeUserNotFound         = "USER_NOT_FOUND"
	CodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// ErrorCode returns the ServiceError code carried by err, or "" if none
func ErrorCode(err error) string {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Code
	}
	return ""
}

// HasCode reports whether err carries the given ServiceError code
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// NewInvalidAddressError creates an INVALID_ADDRESS error
func NewInvalidAddressError(address string) *ServiceError {
	return &ServiceError{
		Code:    CodeInvalidAddress,
		Message: fmt.Sprintf("invalid address format: %q", address),
		Details: map[string]interface{}{"address": address},
	}
}

// NewInvalidTierError creates an INVALID_TIER error listing the allowed values
func NewInvalidTierError(tier string, allowed []Tier) *ServiceError {
	names := make([]string, len(allowed))
	for i, t := range allowed {
		names[i] = string(t)
	}
	return &ServiceError{
		Code:    CodeInvalidTier,
		Message: fmt.Sprintf("invalid tier: %q (must be one of %s)", tier, strings.Join(names, ", ")),
		Details: map[string]interface{}{
			"tier":          tier,
			"allowed_tiers": names,
		},
	}
}

// QuotaExceededError is returned by the usage gate when a wallet has spent its daily budget.
// It carries enough detail for callers to render upgrade messaging.
type QuotaExceededError struct {
	Tier     Tier
	Category UsageCategory
	Limit    int
	Used     int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily %s quota exceeded for %s tier (%d/%d)", e.Category, e.Tier, e.Used, e.Limit)
}

// ServiceError converts the quota error to the wire representation
func (e *QuotaExceededError) ServiceError() *ServiceError {
	return &ServiceError{
		Code:    CodeQuotaExceeded,
		Message: e.Error(),
		Details: map[string]interface{}{
			"tier":     e.Tier,
			"category": e.Category,
			"limit":    e.Limit,
			"used":     e.Used,
		},
	}
}
