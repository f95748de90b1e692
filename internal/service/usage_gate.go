package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/miniapp-entitlements/internal/config"
	"github.com/miniapp-entitlements/internal/logging"
	"github.com/miniapp-entitlements/internal/metrics"
	"github.com/miniapp-entitlements/internal/types"
)

// ErrProviderQuota is returned by metered work when the upstream provider refused the
// call for quota reasons. The gate refunds the caller's counter for these.
var ErrProviderQuota = errors.New("upstream provider quota exhausted")

// ProviderStatusError reports a non-success HTTP status from an upstream provider
type ProviderStatusError struct {
	Provider   string
	StatusCode int
}

func (e *ProviderStatusError) Error() string {
	return fmt.Sprintf("upstream %s responded %d", e.Provider, e.StatusCode)
}

// IsProviderQuotaError reports whether err means the upstream spent its own quota
// (HTTP 402 or 429, or ErrProviderQuota), in which case the user is not charged.
func IsProviderQuotaError(err error) bool {
	if errors.Is(err, ErrProviderQuota) {
		return true
	}
	var statusErr *ProviderStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusPaymentRequired ||
			statusErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// Reconciler resolves a wallet's effective tier
type Reconciler interface {
	Reconcile(ctx context.Context, address string) (*ReconcileResult, error)
}

// UsageGate enforces per-tier daily quotas on metered categories
type UsageGate struct {
	reconciler Reconciler
	counter    UsageCounter
	quotas     config.QuotaTable
}

// NewUsageGate creates a new usage gate
func NewUsageGate(reconciler Reconciler, counter UsageCounter, quotas config.QuotaTable) *UsageGate {
	return &UsageGate{
		reconciler: reconciler,
		counter:    counter,
		quotas:     quotas,
	}
}

// Decision is the outcome of a quota check
type Decision struct {
	Tier      types.Tier          `json:"tier"`
	Category  types.UsageCategory `json:"category"`
	Limit     int                 `json:"limit"`
	Used      int                 `json:"used"`
	Metered   bool                `json:"metered"`
	Unlimited bool                `json:"unlimited"`
}

// Check reports whether the wallet may make one more call in category without counting it.
// A spent quota returns *types.QuotaExceededError.
func (g *UsageGate) Check(ctx context.Context, address string, category types.UsageCategory) (*Decision, error) {
	category, err := types.ParseUsageCategory(string(category))
	if err != nil {
		return nil, err
	}

	res, err := g.reconciler.Reconcile(ctx, address)
	if err != nil {
		return nil, err
	}

	limit, metered := g.quotas.Limit(category, res.Tier)
	decision := &Decision{
		Tier:      res.Tier,
		Category:  category,
		Limit:     limit,
		Metered:   metered,
		Unlimited: limit == config.Unlimited,
	}
	if !metered {
		return decision, nil
	}

	used, err := g.counter.Used(ctx, address, category)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}
	decision.Used = used

	if !decision.Unlimited && used >= limit {
		return nil, g.reject(ctx, address, decision)
	}

	return decision, nil
}

func (g *UsageGate) reject(ctx context.Context, address string, d *Decision) error {
	metrics.QuotaRejections.WithLabelValues(string(d.Category), string(d.Tier)).Inc()
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"wallet":   address,
		"category": d.Category,
		"tier":     d.Tier,
		"limit":    d.Limit,
		"used":     d.Used,
	}).Info("daily quota exceeded")

	return &types.QuotaExceededError{
		Tier:     d.Tier,
		Category: d.Category,
		Limit:    d.Limit,
		Used:     d.Used,
	}
}

// Admission is one counted call. Refund gives it back.
type Admission struct {
	Decision

	gate     *UsageGate
	address  string
	counted  bool
	refunded bool
}

// Admit checks the quota and counts one call before the work runs.
// The counter is re-checked after incrementing so concurrent callers cannot overshoot the limit.
func (g *UsageGate) Admit(ctx context.Context, address string, category types.UsageCategory) (*Admission, error) {
	decision, err := g.Check(ctx, address, category)
	if err != nil {
		return nil, err
	}

	adm := &Admission{Decision: *decision, gate: g, address: address}
	if !decision.Metered {
		return adm, nil
	}

	calls, err := g.counter.Increment(ctx, address, decision.Category)
	if err != nil {
		return nil, fmt.Errorf("failed to count usage: %w", err)
	}
	adm.counted = true
	adm.Used = calls
	metrics.UsageIncrements.WithLabelValues(string(decision.Category)).Inc()

	if !decision.Unlimited && calls > decision.Limit {
		_ = adm.Refund(ctx)
		over := adm.Decision
		over.Used = decision.Limit
		return nil, g.reject(ctx, address, &over)
	}

	return adm, nil
}

// Refund rolls back the counted call. Calling it more than once is a no-op.
func (a *Admission) Refund(ctx context.Context) error {
	if !a.counted || a.refunded {
		return nil
	}

	calls, err := a.gate.counter.Rollback(ctx, a.address, a.Category)
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("wallet", a.address).Error("failed to refund usage")
		return fmt.Errorf("failed to refund usage: %w", err)
	}
	a.refunded = true
	a.Used = calls
	metrics.UsageRollbacks.WithLabelValues(string(a.Category)).Inc()
	return nil
}

// Run admits one call, runs fn and refunds the call if fn failed because the
// upstream provider ran out of quota. fn's error is returned unchanged.
func (g *UsageGate) Run(ctx context.Context, address string, category types.UsageCategory, fn func(ctx context.Context) error) error {
	adm, err := g.Admit(ctx, address, category)
	if err != nil {
		return err
	}

	err = fn(ctx)
	if err != nil && IsProviderQuotaError(err) {
		_ = adm.Refund(ctx) // logged inside; fn's error matters more
	}
	return err
}

// CategoryUsage is today's consumption in one category. Remaining is -1 when unlimited.
type CategoryUsage struct {
	Category  types.UsageCategory `json:"category"`
	Used      int                 `json:"used"`
	Limit     int                 `json:"limit"`
	Remaining int                 `json:"remaining"`
}

// UsageReport is a wallet's consumption across all metered categories for today
type UsageReport struct {
	Address    string          `json:"address"`
	Tier       types.Tier      `json:"tier"`
	Categories []CategoryUsage `json:"categories"`
}

// Usage reports today's consumption for every metered category
func (g *UsageGate) Usage(ctx context.Context, address string) (*UsageReport, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	res, err := g.reconciler.Reconcile(ctx, address)
	if err != nil {
		return nil, err
	}

	categories := g.quotas.Categories()
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	report := &UsageReport{Address: address, Tier: res.Tier}
	for _, category := range categories {
		used, err := g.counter.Used(ctx, address, category)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s usage: %w", category, err)
		}

		limit, _ := g.quotas.Limit(category, res.Tier)
		remaining := config.Unlimited
		if limit != config.Unlimited {
			remaining = limit - used
			if remaining < 0 {
				remaining = 0
			}
		}

		report.Categories = append(report.Categories, CategoryUsage{
			Category:  category,
			Used:      used,
			Limit:     limit,
			Remaining: remaining,
		})
	}

	return report, nil
}
