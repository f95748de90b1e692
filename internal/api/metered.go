package api

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/miniapp-entitlements/internal/errors"
	"github.com/miniapp-entitlements/internal/logging"
	"github.com/miniapp-entitlements/internal/service"
	"github.com/miniapp-entitlements/internal/types"
)

// MeteredMiddleware charges one call in category before next runs. When next answers
// 402 or 429 (the upstream ran out of its own quota) the call is refunded.
func MeteredMiddleware(gate UsageGateInterface, category types.UsageCategory) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wallet, ok := WalletFromContext(r.Context())
			if !ok {
				respondError(w, r, errors.NewUnauthorizedError("wallet required for metered endpoints"))
				return
			}

			adm, err := gate.Admit(r.Context(), wallet, category)
			if err != nil {
				respondError(w, r, err)
				return
			}

			if adm.Metered && !adm.Unlimited {
				w.Header().Set("X-Usage-Limit", strconv.Itoa(adm.Limit))
				w.Header().Set("X-Usage-Used", strconv.Itoa(adm.Used))
			}

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			statusErr := &service.ProviderStatusError{Provider: string(category), StatusCode: wrapped.statusCode}
			if service.IsProviderQuotaError(statusErr) {
				logging.FromContext(r.Context()).WithField("upstream_status", wrapped.statusCode).Info("upstream quota exhausted, refunding call")
				_ = adm.Refund(r.Context())
			}
		})
	}
}

// NewUpstreamProxy forwards requests under prefix to target with the prefix stripped.
// Caller credentials are not forwarded; the wallet is passed in the wallet header.
func NewUpstreamProxy(name string, target *url.URL, prefix string) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, prefix)
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
			pr.SetXForwarded()

			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
			pr.Out.Header.Del(WalletHeader)
			if wallet, ok := WalletFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(WalletHeader, wallet)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logging.FromContext(r.Context()).WithError(err).WithField("upstream", name).Error("upstream request failed")
			respondError(w, r, errors.NewProviderError(name, err))
		},
	}
}
