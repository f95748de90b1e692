package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/miniapp-entitlements/internal/circuitbreaker"
	"github.com/miniapp-entitlements/internal/metrics"
	"github.com/miniapp-entitlements/internal/retry"
	"github.com/miniapp-entitlements/internal/service"
)

// Field limits enforced by Farcaster notification servers
const (
	maxNotificationIDLen    = 128
	maxNotificationTitleLen = 32
	maxNotificationBodyLen  = 128
)

const pushTarget = "farcaster-notify"

// ErrInvalidToken means the notification server no longer accepts the user's token
var ErrInvalidToken = stderrors.New("notification token rejected")

// errRateLimited marks a delivery the server asked us to retry later
var errRateLimited = stderrors.New("notification rate limited")

type pushRequest struct {
	NotificationID string   `json:"notificationId"`
	Title          string   `json:"title"`
	Body           string   `json:"body"`
	TargetURL      string   `json:"targetUrl"`
	Tokens         []string `json:"tokens"`
}

type pushResponse struct {
	Result struct {
		SuccessfulTokens  []string `json:"successfulTokens"`
		InvalidTokens     []string `json:"invalidTokens"`
		RateLimitedTokens []string `json:"rateLimitedTokens"`
	} `json:"result"`
}

// PushNotifier delivers mini-app notifications to the URL each client registered
type PushNotifier struct {
	client  *http.Client
	retry   *retry.Config
	breaker *circuitbreaker.CircuitBreaker
}

// NewPushNotifier creates a notifier with the given per-request timeout
func NewPushNotifier(timeout time.Duration) *PushNotifier {
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = 3
	retryCfg.Retryable = func(err error) bool {
		return !stderrors.Is(err, ErrInvalidToken) && !stderrors.Is(err, circuitbreaker.ErrCircuitOpen)
	}

	breakerCfg := circuitbreaker.DefaultConfig(pushTarget)
	breakerCfg.Ignore = func(err error) bool { return stderrors.Is(err, ErrInvalidToken) }

	return &PushNotifier{
		client:  &http.Client{Timeout: timeout},
		retry:   retryCfg,
		breaker: circuitbreaker.NewCircuitBreaker(breakerCfg),
	}
}

// Notify implements service.Notifier
func (p *PushNotifier) Notify(ctx context.Context, n service.Notification) error {
	payload, err := json.Marshal(pushRequest{
		NotificationID: clip(n.ID, maxNotificationIDLen),
		Title:          clip(n.Title, maxNotificationTitleLen),
		Body:           clip(n.Body, maxNotificationBodyLen),
		TargetURL:      n.TargetURL,
		Tokens:         []string{n.Token},
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	start := time.Now()
	err = retry.Do(ctx, p.retry, func(ctx context.Context, attempt int) error {
		return p.breaker.Execute(ctx, func(ctx context.Context) error {
			return p.post(ctx, n.URL, n.Token, payload)
		})
	})

	status := "ok"
	switch {
	case stderrors.Is(err, ErrInvalidToken):
		status = "invalid_token"
	case err != nil:
		status = "error"
	}
	metrics.OracleRequestDuration.WithLabelValues(pushTarget, status).Observe(time.Since(start).Seconds())

	return err
}

func (p *PushNotifier) post(ctx context.Context, url, token string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return errRateLimited
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("HTTP error: %d - %s", resp.StatusCode, string(body))
	}

	var out pushResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	for _, t := range out.Result.InvalidTokens {
		if t == token {
			return ErrInvalidToken
		}
	}
	for _, t := range out.Result.RateLimitedTokens {
		if t == token {
			return errRateLimited
		}
	}
	return nil
}

// clip truncates s to n runes
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
