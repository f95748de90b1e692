package service

import (
	"context"
	"fmt"
	"time"

	"github.com/miniapp-entitlements/internal/logging"
	"github.com/miniapp-entitlements/internal/metrics"
	"github.com/miniapp-entitlements/internal/models"
	"github.com/miniapp-entitlements/internal/types"
)

// Notification is a push message for a single mini-app user
type Notification struct {
	ID        string
	Token     string
	URL       string
	Title     string
	Body      string
	TargetURL string
}

// Notifier delivers push notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// DefaultOverdueBatch caps how many lapsed subscriptions one sweep expires
const DefaultOverdueBatch = 500

// ReminderSweeper is the periodic job: it sends renewal reminders and expires
// lapsed subscriptions ahead of their owners' next request.
type ReminderSweeper struct {
	users        UserRepository
	subs         SubscriptionRepository
	lifecycle    *SubscriptionService
	notifier     Notifier
	appURL       string
	overdueBatch int
}

// NewReminderSweeper creates a sweeper. A nil notifier disables reminders but keeps expiry.
func NewReminderSweeper(users UserRepository, subs SubscriptionRepository, lifecycle *SubscriptionService, notifier Notifier, appURL string) *ReminderSweeper {
	return &ReminderSweeper{
		users:        users,
		subs:         subs,
		lifecycle:    lifecycle,
		notifier:     notifier,
		appURL:       appURL,
		overdueBatch: DefaultOverdueBatch,
	}
}

// SweepReport summarizes one run
type SweepReport struct {
	RemindersSent    int           `json:"remindersSent"`
	RemindersSkipped int           `json:"remindersSkipped"`
	RemindersFailed  int           `json:"remindersFailed"`
	Expired          int           `json:"expired"`
	Duration         time.Duration `json:"duration"`
}

// Run performs one sweep. Individual delivery failures are counted, not returned.
func (w *ReminderSweeper) Run(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	logger := logging.FromContext(ctx).WithField("job", "reminder_sweep")
	report := &SweepReport{}

	if w.notifier != nil {
		// 1-day first so a subscription inside both windows gets only the more urgent reminder
		covered := make(map[string]bool)
		for _, kind := range []types.ReminderKind{types.Reminder1Day, types.Reminder3Day} {
			if err := w.remind(ctx, kind, covered, report); err != nil {
				return report, err
			}
		}
	}

	if err := w.expireOverdue(ctx, report); err != nil {
		return report, err
	}

	report.Duration = time.Since(start)
	logger.WithFields(map[string]interface{}{
		"sent":     report.RemindersSent,
		"skipped":  report.RemindersSkipped,
		"failed":   report.RemindersFailed,
		"expired":  report.Expired,
		"duration": report.Duration.String(),
	}).Info("sweep finished")

	return report, nil
}

func (w *ReminderSweeper) remind(ctx context.Context, kind types.ReminderKind, covered map[string]bool, report *SweepReport) error {
	subs, err := w.subs.GetExpiring(ctx, kind.Days())
	if err != nil {
		return fmt.Errorf("failed to list subscriptions expiring within %d days: %w", kind.Days(), err)
	}

	now := w.lifecycle.now()
	for _, sub := range subs {
		if sub.IsExpiredAt(now) {
			continue
		}
		if covered[sub.ID] || sub.ReminderSent(kind) || sub.ReminderSent(types.Reminder1Day) {
			covered[sub.ID] = true
			continue
		}
		covered[sub.ID] = true

		result := w.deliver(ctx, sub, kind)
		metrics.RemindersSent.WithLabelValues(string(kind), result).Inc()
		switch result {
		case "sent":
			report.RemindersSent++
		case "skipped":
			report.RemindersSkipped++
		default:
			report.RemindersFailed++
		}
	}

	return nil
}

func (w *ReminderSweeper) deliver(ctx context.Context, sub *models.Subscription, kind types.ReminderKind) string {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"wallet":          sub.WalletAddress,
		"subscription_id": sub.ID,
		"kind":            kind,
	})

	user, err := w.users.GetByAddress(ctx, sub.WalletAddress)
	if err != nil {
		logger.WithError(err).Error("failed to load user for reminder")
		return "failed"
	}
	if user == nil || !user.CanNotify() {
		return "skipped"
	}

	err = w.notifier.Notify(ctx, Notification{
		ID:        fmt.Sprintf("renewal-%s-%s", kind, sub.ID),
		Token:     *user.NotificationToken,
		URL:       *user.NotificationURL,
		Title:     reminderTitle(sub.Tier, kind),
		Body:      fmt.Sprintf("Renew before %s to keep your %s features.", sub.ExpiresAt.UTC().Format("Jan 2"), sub.Tier),
		TargetURL: w.appURL,
	})
	if err != nil {
		logger.WithError(err).Warn("failed to send renewal reminder")
		return "failed"
	}

	if err := w.subs.MarkReminderSent(ctx, sub.ID, kind); err != nil {
		logger.WithError(err).Error("reminder sent but not recorded")
		return "failed"
	}

	logger.Info("renewal reminder sent")
	return "sent"
}

func reminderTitle(tier types.Tier, kind types.ReminderKind) string {
	if kind.Days() == 1 {
		return fmt.Sprintf("Your %s plan expires tomorrow", tier)
	}
	return fmt.Sprintf("Your %s plan expires in %d days", tier, kind.Days())
}

func (w *ReminderSweeper) expireOverdue(ctx context.Context, report *SweepReport) error {
	overdue, err := w.subs.ListOverdue(ctx, w.overdueBatch)
	if err != nil {
		return fmt.Errorf("failed to list overdue subscriptions: %w", err)
	}

	for _, sub := range overdue {
		expired, err := w.lifecycle.expire(ctx, sub.ID, expirySweep)
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("subscription_id", sub.ID).Error("failed to expire subscription")
			continue
		}
		if expired != nil {
			report.Expired++
		}
	}

	return nil
}
