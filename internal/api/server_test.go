package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/miniapp-entitlements/internal/config"
	"github.com/miniapp-entitlements/internal/logging"
	"github.com/miniapp-entitlements/internal/models"
	"github.com/miniapp-entitlements/internal/service"
	"github.com/miniapp-entitlements/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWallet  = "0x1111111111111111111111111111111111111111"
	otherWallet = "0x3333333333333333333333333333333333333333"
	adminWallet = "0x9999999999999999999999999999999999999999"
	testTxHash  = "0x00000000000000000000000000000000000000000000000000000000000000aa"
)

// Mock services for testing

type mockLifecycle struct {
	tier       types.Tier
	sub        *models.Subscription
	err        error
	expired    *models.Subscription
	expiring   []*models.Subscription
	reconciles int
}

func (m *mockLifecycle) Reconcile(_ context.Context, address string) (*service.ReconcileResult, error) {
	m.reconciles++
	if m.err != nil {
		return nil, m.err
	}
	tier := m.tier
	if tier == "" {
		tier = types.TierFree
	}
	return &service.ReconcileResult{Tier: tier, Subscription: m.sub}, nil
}

func (m *mockLifecycle) Expire(_ context.Context, id string) (*models.Subscription, error) {
	return m.expired, nil
}

func (m *mockLifecycle) Expiring(_ context.Context, daysAhead int) ([]*models.Subscription, error) {
	return m.expiring, nil
}

func (m *mockLifecycle) History(_ context.Context, address string, limit int) ([]*models.Subscription, error) {
	return nil, nil
}

type mockPayments struct {
	confirmFunc func(ctx context.Context, address string, tier types.Tier, txHash string) (*service.ConfirmPaymentResult, error)
}

func (m *mockPayments) ConfirmPayment(ctx context.Context, address string, tier types.Tier, txHash string) (*service.ConfirmPaymentResult, error) {
	if m.confirmFunc != nil {
		return m.confirmFunc(ctx, address, tier, txHash)
	}
	return &service.ConfirmPaymentResult{
		Payment:      &models.Payment{WalletAddress: address, TxHash: txHash, Tier: tier},
		Subscription: &models.Subscription{WalletAddress: address, Tier: tier, Status: types.StatusActive},
	}, nil
}

func (m *mockPayments) History(_ context.Context, address string, limit int) ([]*models.Payment, error) {
	return []*models.Payment{}, nil
}

type mockUsers struct {
	registered []string
}

func (m *mockUsers) Register(_ context.Context, address string, info models.UserInfo) (*models.User, error) {
	m.registered = append(m.registered, address)
	return &models.User{Address: address, FID: info.FID, Tier: types.TierFree}, nil
}

func (m *mockUsers) Profile(_ context.Context, address string) (*service.UserProfile, error) {
	return nil, &types.ServiceError{Code: types.CodeUserNotFound, Message: "user not found"}
}

func (m *mockUsers) UpdateNotifications(_ context.Context, address, token, notificationURL string) error {
	return nil
}

type mockActivity struct{}

func (mockActivity) RecordEcho(_ context.Context, echo *models.Echo) (*models.Echo, error) {
	echo.ID = "echo-1"
	return echo, nil
}

func (mockActivity) Echoes(_ context.Context, address string, limit int) ([]*models.Echo, error) {
	return []*models.Echo{}, nil
}

func (mockActivity) RecordNFT(_ context.Context, nft *models.NFT) (*models.NFT, error) {
	nft.ID = "nft-1"
	return nft, nil
}

func (mockActivity) NFTs(_ context.Context, address string, limit int) ([]*models.NFT, error) {
	return []*models.NFT{}, nil
}

type mockHealth struct{ err error }

func (m mockHealth) Ping(context.Context) error { return m.err }

// memCounter is a daily usage counter for one day
type memCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func newMemCounter() *memCounter { return &memCounter{calls: make(map[string]int)} }

func (c *memCounter) key(address string, category types.UsageCategory) string {
	return address + "|" + string(category)
}

func (c *memCounter) Used(_ context.Context, address string, category types.UsageCategory) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[c.key(address, category)], nil
}

func (c *memCounter) Increment(_ context.Context, address string, category types.UsageCategory) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[c.key(address, category)]++
	return c.calls[c.key(address, category)], nil
}

func (c *memCounter) Rollback(_ context.Context, address string, category types.UsageCategory) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := c.key(address, category)
	if c.calls[k] > 0 {
		c.calls[k]--
	}
	return c.calls[k], nil
}

type testEnv struct {
	server    *Server
	lifecycle *mockLifecycle
	payments  *mockPayments
	users     *mockUsers
	counter   *memCounter
	upstream  *httptest.Server
	status    int
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()

	env := &testEnv{
		lifecycle: &mockLifecycle{},
		payments:  &mockPayments{},
		users:     &mockUsers{},
		counter:   newMemCounter(),
		status:    http.StatusOK,
	}
	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		w.Header().Set("X-Upstream-Wallet", r.Header.Get(WalletHeader))
		w.Header().Set("X-Upstream-Auth", r.Header.Get("Authorization"))
		w.WriteHeader(env.status)
		_, _ = io.WriteString(w, `{"items":[]}`)
	}))
	t.Cleanup(env.upstream.Close)

	quotas := config.QuotaTable{
		types.CategoryTrending:   {types.TierFree: 2, types.TierPremium: config.Unlimited, types.TierPro: config.Unlimited},
		types.CategoryAIAnalysis: {types.TierFree: 1},
	}
	gate := service.NewUsageGate(env.lifecycle, env.counter, quotas)

	cfg := &ServerConfig{
		Host:           "127.0.0.1",
		Port:           "0",
		AllowedOrigins: []string{"https://miniapp.example"},
		JWTSecret:      secret,
		AdminWallets:   []string{adminWallet},
		RateLimit:      config.RateLimitConfig{FreeTier: 100, PremiumTier: 100, ProTier: 100},
		Upstreams: map[types.UsageCategory]string{
			types.CategoryTrending: env.upstream.URL + "/v1",
		},
	}

	logger := logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, io.Discard)
	server, err := NewServer(cfg, Services{
		Lifecycle: env.lifecycle,
		Payments:  env.payments,
		Usage:     gate,
		Users:     env.users,
		Activity:  mockActivity{},
		Health:    mockHealth{},
	}, logger)
	require.NoError(t, err)
	env.server = server
	return env
}

func (e *testEnv) do(t *testing.T, method, path, wallet string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if wallet != "" {
		req.Header.Set(WalletHeader, wallet)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Error.Code
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	env.server.services.Health = mockHealth{err: errors.New("db down")}
	w = env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuth_HeaderModeRequiresWallet(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodGet, "/api/subscriptions/"+testWallet, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))

	w = env.do(t, http.MethodGet, "/api/subscriptions/"+testWallet, "not-a-wallet", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_OtherWalletForbidden(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodGet, "/api/subscriptions/"+testWallet, otherWallet, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// admins may look at any wallet
	w = env.do(t, http.MethodGet, "/api/subscriptions/"+testWallet, adminWallet, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_JWT(t *testing.T) {
	env := newTestEnv(t, "test-secret")

	token, err := env.server.auth.IssueToken(testWallet, 42, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/subscriptions/"+testWallet, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// the dev header is ignored once a secret is configured
	w = env.do(t, http.MethodGet, "/api/subscriptions/"+testWallet, testWallet, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := NewAuthenticator("other-secret", "", nil).IssueToken(testWallet, 42, time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/subscriptions/"+testWallet, nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := env.server.auth.IssueToken(testWallet, 42, -time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/subscriptions/"+testWallet, nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetSubscription(t *testing.T) {
	env := newTestEnv(t, "")
	env.lifecycle.tier = types.TierPremium
	env.lifecycle.sub = &models.Subscription{
		ID:        "sub-1",
		Tier:      types.TierPremium,
		Status:    types.StatusActive,
		ExpiresAt: time.Now().Add(36 * time.Hour),
	}

	w := env.do(t, http.MethodGet, "/api/subscriptions/"+testWallet, testWallet, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp SubscriptionStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, types.TierPremium, resp.Tier)
	assert.True(t, resp.Active)
	assert.Equal(t, 2, resp.DaysRemaining)
}

func TestConfirmPayment(t *testing.T) {
	env := newTestEnv(t, "")

	body := map[string]string{"address": testWallet, "tier": "pro", "txHash": testTxHash}
	w := env.do(t, http.MethodPost, "/api/subscriptions", testWallet, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var result service.ConfirmPaymentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, types.TierPro, result.Subscription.Tier)
}

func TestConfirmPayment_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       interface{}
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{"free tier", map[string]string{"address": testWallet, "tier": "free", "txHash": testTxHash}, nil, http.StatusBadRequest, types.CodeInvalidTier},
		{"bad hash", map[string]string{"address": testWallet, "tier": "pro", "txHash": "0x12"}, nil, http.StatusBadRequest, types.CodeInvalidTxHash},
		{"bad address", map[string]string{"address": "0x12", "tier": "pro", "txHash": testTxHash}, nil, http.StatusBadRequest, types.CodeInvalidAddress},
		{"unknown field", map[string]string{"address": testWallet, "tier": "pro", "txHash": testTxHash, "coupon": "x"}, nil, http.StatusBadRequest, "INVALID_PARAMETER"},
		{"duplicate", map[string]string{"address": testWallet, "tier": "pro", "txHash": testTxHash}, &types.ServiceError{Code: types.CodeDuplicatePayment}, http.StatusConflict, types.CodeDuplicatePayment},
		{"mismatch", map[string]string{"address": testWallet, "tier": "pro", "txHash": testTxHash}, &types.ServiceError{Code: types.CodePaymentMismatch}, http.StatusUnprocessableEntity, types.CodePaymentMismatch},
		{"internal", map[string]string{"address": testWallet, "tier": "pro", "txHash": testTxHash}, fmt.Errorf("db: %w", errors.New("conn refused")), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			env.payments.confirmFunc = func(context.Context, string, types.Tier, string) (*service.ConfirmPaymentResult, error) {
				return nil, tt.serviceErr
			}

			w := env.do(t, http.MethodPost, "/api/subscriptions", testWallet, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, w))
			assert.NotContains(t, w.Body.String(), "conn refused")
		})
	}
}

func TestRegisterUser(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodPost, "/api/users", testWallet, map[string]interface{}{"address": testWallet, "fid": 7})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{testWallet}, env.users.registered)

	w = env.do(t, http.MethodPost, "/api/users", testWallet, map[string]interface{}{"address": testWallet, "fid": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/users/"+testWallet, testWallet, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestActivityEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodPost, "/api/echoes", testWallet, map[string]string{"address": testWallet, "castHash": "0xcast"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodPost, "/api/nfts", testWallet, map[string]string{
		"address":         testWallet,
		"tokenId":         "12",
		"contractAddress": otherWallet,
		"txHash":          testTxHash,
	})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/nfts/"+testWallet+"?limit=5", testWallet, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	env.lifecycle.expiring = []*models.Subscription{{ID: "sub-1"}}

	w := env.do(t, http.MethodGet, "/api/admin/subscriptions/expiring?days=3", testWallet, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/api/admin/subscriptions/expiring?days=3", adminWallet, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/admin/subscriptions/expiring?days=-1", adminWallet, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/admin/subscriptions/sub-1/expire", adminWallet, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	env.lifecycle.expired = &models.Subscription{ID: "sub-1", Status: types.StatusExpired}
	w = env.do(t, http.MethodPost, "/api/admin/subscriptions/sub-1/expire", adminWallet, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetered_ChargesAndProxies(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodGet, "/api/metered/trending/feed?page=2", testWallet, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "/v1/feed", w.Header().Get("X-Upstream-Path"))
	assert.Equal(t, testWallet, w.Header().Get("X-Upstream-Wallet"))
	assert.Empty(t, w.Header().Get("X-Upstream-Auth"))
	assert.Equal(t, "2", w.Header().Get("X-Usage-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-Usage-Used"))

	used, _ := env.counter.Used(context.Background(), testWallet, types.CategoryTrending)
	assert.Equal(t, 1, used)
}

func TestMetered_QuotaExhausted(t *testing.T) {
	env := newTestEnv(t, "")

	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodGet, "/api/metered/trending/feed", testWallet, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := env.do(t, http.MethodGet, "/api/metered/trending/feed", testWallet, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, types.CodeQuotaExceeded, errorCode(t, w))
	assert.Empty(t, w.Header().Get("X-Upstream-Path"), "rejected calls never reach the upstream")

	used, _ := env.counter.Used(context.Background(), testWallet, types.CategoryTrending)
	assert.Equal(t, 2, used)
}

func TestMetered_UpstreamQuotaRefunds(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusPaymentRequired} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			env := newTestEnv(t, "")
			env.status = status

			w := env.do(t, http.MethodGet, "/api/metered/trending/feed", testWallet, nil)
			assert.Equal(t, status, w.Code)

			used, _ := env.counter.Used(context.Background(), testWallet, types.CategoryTrending)
			assert.Zero(t, used)
		})
	}
}

func TestMetered_UpstreamFailureIsCharged(t *testing.T) {
	env := newTestEnv(t, "")
	env.status = http.StatusInternalServerError

	w := env.do(t, http.MethodGet, "/api/metered/trending/feed", testWallet, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	used, _ := env.counter.Used(context.Background(), testWallet, types.CategoryTrending)
	assert.Equal(t, 1, used)
}

func TestMetered_UnconfiguredCategoryIsNotRouted(t *testing.T) {
	env := newTestEnv(t, "")
	w := env.do(t, http.MethodGet, "/api/metered/ai_analysis/run", testWallet, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNewServer_RejectsBadUpstream(t *testing.T) {
	_, err := NewServer(&ServerConfig{
		Upstreams: map[types.UsageCategory]string{types.CategoryTrending: "not a url"},
	}, Services{Lifecycle: &mockLifecycle{}}, nil)
	assert.Error(t, err)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodOptions, "/api/subscriptions", nil)
	req.Header.Set("Origin", "https://miniapp.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	assert.Less(t, w.Code, 300)
	assert.Equal(t, "https://miniapp.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, w))
}
