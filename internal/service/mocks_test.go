package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miniapp-entitlements/internal/config"
	"github.com/miniapp-entitlements/internal/models"
	"github.com/miniapp-entitlements/internal/types"
	"github.com/shopspring/decimal"
)

// fakeClock is a settable clock shared by the fakes and the services under test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memStore is an in-memory entitlement store with the same semantics as the Postgres repositories
type memStore struct {
	mu       sync.Mutex
	clock    *fakeClock
	users    map[string]*models.User
	subs     []*models.Subscription
	payments []*models.Payment
	usage    map[string]int
	seq      int

	failIncrement error
	failUsed      error
	reminderMarks []string
}

func newMemStore(clock *fakeClock) *memStore {
	return &memStore{
		clock: clock,
		users: make(map[string]*models.User),
		usage: make(map[string]int),
	}
}

func (m *memStore) nextID() string {
	m.seq++
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", m.seq)
}

// users

type memUsers struct{ *memStore }

func (m memUsers) GetByAddress(_ context.Context, address string) (*models.User, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[address]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m memUsers) Create(ctx context.Context, address string, info models.UserInfo) (*models.User, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if _, ok := m.users[address]; !ok {
		now := m.clock.Now()
		m.users[address] = &models.User{
			ID:        m.nextID(),
			Address:   address,
			FID:       info.FID,
			Email:     info.Email,
			Tier:      types.TierFree,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	m.mu.Unlock()
	return m.GetByAddress(ctx, address)
}

func (m memUsers) UpdateTier(_ context.Context, address string, tier types.Tier) error {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return err
	}
	if !tier.Valid() {
		return types.NewInvalidTierError(string(tier), types.AllTiers)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[address]
	if !ok {
		return &types.ServiceError{Code: types.CodeUserNotFound, Message: "user not found"}
	}
	u.Tier = tier
	return nil
}

func (m memUsers) UpdateNotificationDetails(_ context.Context, address string, token, url *string) error {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[address]
	if !ok {
		return &types.ServiceError{Code: types.CodeUserNotFound, Message: "user not found"}
	}
	u.NotificationToken, u.NotificationURL = token, url
	return nil
}

// subscriptions

type memSubs struct{ *memStore }

func (m memSubs) Create(_ context.Context, address string, tier types.Tier, txHash string, duration time.Duration) (*models.Subscription, error) {
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

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	u, ok := m.users[address]
	if !ok {
		u = &models.User{ID: m.nextID(), Address: address, CreatedAt: now}
		m.users[address] = u
	}
	u.Tier = tier

	sub := &models.Subscription{
		ID:              m.nextID(),
		UserID:          u.ID,
		WalletAddress:   address,
		Tier:            tier,
		Status:          types.StatusActive,
		CreatedAt:       now,
		ExpiresAt:       now.Add(duration),
		NextBillingDate: now.Add(duration),
		TxHash:          txHash,
	}
	m.subs = append(m.subs, sub)
	cp := *sub
	return &cp, nil
}

func (m memSubs) GetActiveByAddress(_ context.Context, address string) (*models.Subscription, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *models.Subscription
	for _, s := range m.subs {
		if s.WalletAddress == address && s.Status == types.StatusActive {
			if newest == nil || !s.CreatedAt.Before(newest.CreatedAt) {
				newest = s
			}
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (m memSubs) find(pred func(*models.Subscription) bool) *models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if pred(s) {
			cp := *s
			return &cp
		}
	}
	return nil
}

func (m memSubs) GetByID(_ context.Context, id string) (*models.Subscription, error) {
	return m.find(func(s *models.Subscription) bool { return s.ID == id }), nil
}

func (m memSubs) GetByTxHash(_ context.Context, txHash string) (*models.Subscription, error) {
	txHash = strings.ToLower(txHash)
	return m.find(func(s *models.Subscription) bool { return s.TxHash == txHash }), nil
}

func (m memSubs) filter(pred func(*models.Subscription) bool) []*models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Subscription
	for _, s := range m.subs {
		if pred(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

func (m memSubs) ListByAddress(_ context.Context, address string, limit int) ([]*models.Subscription, error) {
	address = strings.ToLower(address)
	out := m.filter(func(s *models.Subscription) bool { return s.WalletAddress == address })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memSubs) GetExpiring(_ context.Context, daysAhead int) ([]*models.Subscription, error) {
	from := models.UsageDay(m.clock.Now())
	until := from.AddDate(0, 0, daysAhead+1)
	return m.filter(func(s *models.Subscription) bool {
		return s.Status == types.StatusActive && !s.ExpiresAt.Before(from) && s.ExpiresAt.Before(until)
	}), nil
}

func (m memSubs) ListOverdue(_ context.Context, limit int) ([]*models.Subscription, error) {
	now := m.clock.Now()
	out := m.filter(func(s *models.Subscription) bool {
		return s.Status == types.StatusActive && s.ExpiresAt.Before(now)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memSubs) MarkReminderSent(_ context.Context, id string, kind types.ReminderKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for _, s := range m.subs {
		if s.ID != id {
			continue
		}
		m.reminderMarks = append(m.reminderMarks, id+":"+string(kind))
		switch kind {
		case types.Reminder3Day:
			if s.Reminder3DSentAt == nil {
				s.Reminder3DSentAt = &now
			}
		case types.Reminder1Day:
			if s.Reminder1DSentAt == nil {
				s.Reminder1DSentAt = &now
			}
		}
		return nil
	}
	return &types.ServiceError{Code: types.CodeSubscriptionNotFound, Message: "subscription not found"}
}

func (m memSubs) Expire(_ context.Context, id string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.ID == id && s.Status == types.StatusActive {
			s.Status = types.StatusExpired
			if u, ok := m.users[s.WalletAddress]; ok {
				u.Tier = types.TierFree
			}
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

// payments

type memPayments struct{ *memStore }

func (m memPayments) Record(_ context.Context, address, txHash string, amount decimal.Decimal, tier types.Tier) (*models.Payment, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	txHash, err = types.NormalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, &types.ServiceError{Code: types.CodeInvalidAmount, Message: "amount must be positive"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &models.Payment{
		ID:            m.nextID(),
		WalletAddress: address,
		TxHash:        txHash,
		AmountUSDC:    amount,
		Tier:          tier,
		ConfirmedAt:   m.clock.Now(),
	}
	m.payments = append(m.payments, p)
	return p, nil
}

func (m memPayments) GetByTxHash(_ context.Context, txHash string) (*models.Payment, error) {
	txHash = strings.ToLower(txHash)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.TxHash == txHash {
			return p, nil
		}
	}
	return nil, nil
}

func (m memPayments) ListByAddress(_ context.Context, address string, limit int) ([]*models.Payment, error) {
	address = strings.ToLower(address)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, p := range m.payments {
		if p.WalletAddress == address {
			out = append(out, p)
		}
	}
	return out, nil
}

// usage

type memUsage struct{ *memStore }

func (m memUsage) key(address string, category types.UsageCategory) string {
	return fmt.Sprintf("%s:%s:%s", strings.ToLower(address), category, models.UsageDay(m.clock.Now()).Format("2006-01-02"))
}

func (m memUsage) Used(_ context.Context, address string, category types.UsageCategory) (int, error) {
	if m.failUsed != nil {
		return 0, m.failUsed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[m.key(address, category)], nil
}

func (m memUsage) Increment(_ context.Context, address string, category types.UsageCategory) (int, error) {
	if m.failIncrement != nil {
		return 0, m.failIncrement
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(address, category)
	m.usage[k]++
	return m.usage[k], nil
}

func (m memUsage) Rollback(_ context.Context, address string, category types.UsageCategory) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(address, category)
	if m.usage[k] > 0 {
		m.usage[k]--
	}
	return m.usage[k], nil
}

// verifier and notifier

type mockVerifier struct {
	transfers map[string]*Transfer
	err       error
	calls     int
}

func (m *mockVerifier) Verify(_ context.Context, txHash string) (*Transfer, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if t, ok := m.transfers[strings.ToLower(txHash)]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("transaction %s not found", txHash)
}

type mockNotifier struct {
	sent []Notification
	err  error
}

func (m *mockNotifier) Notify(_ context.Context, n Notification) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, n)
	return nil
}

const (
	testWallet   = "0x1111111111111111111111111111111111111111"
	testTreasury = "0x2222222222222222222222222222222222222222"
)

func testTxHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func testBilling() config.BillingConfig {
	return config.BillingConfig{
		PremiumDuration: 30 * 24 * time.Hour,
		ProDuration:     30 * 24 * time.Hour,
		PremiumPrice:    decimal.NewFromInt(5),
		ProPrice:        decimal.NewFromInt(15),
		Treasury:        testTreasury,
	}
}

func testQuotas() config.QuotaTable {
	return config.QuotaTable{
		types.CategoryTrending: {
			types.TierFree:    10,
			types.TierPremium: config.Unlimited,
			types.TierPro:     config.Unlimited,
		},
		types.CategoryAIAnalysis: {
			types.TierFree:    5,
			types.TierPremium: 100,
			types.TierPro:     config.Unlimited,
		},
	}
}

// fixture wires every service onto one memStore
type fixture struct {
	clock     *fakeClock
	store     *memStore
	users     memUsers
	subs      memSubs
	payments  memPayments
	usage     memUsage
	lifecycle *SubscriptionService
	gate      *UsageGate
	payment   *PaymentService
	verifier  *mockVerifier
	notifier  *mockNotifier
	sweeper   *ReminderSweeper
	userSvc   *UserService
}

func newFixture() *fixture {
	clock := newFakeClock(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC))
	store := newMemStore(clock)

	f := &fixture{
		clock:    clock,
		store:    store,
		users:    memUsers{store},
		subs:     memSubs{store},
		payments: memPayments{store},
		usage:    memUsage{store},
		verifier: &mockVerifier{transfers: make(map[string]*Transfer)},
		notifier: &mockNotifier{},
	}

	billing := testBilling()
	f.lifecycle = NewSubscriptionService(f.users, f.subs, billing, clock.Now)
	f.gate = NewUsageGate(f.lifecycle, f.usage, testQuotas())
	f.payment = NewPaymentService(f.payments, f.subs, f.lifecycle, f.verifier, billing)
	f.sweeper = NewReminderSweeper(f.users, f.subs, f.lifecycle, f.notifier, "https://miniapp.example")
	f.userSvc = NewUserService(f.users, f.lifecycle)

	return f
}
