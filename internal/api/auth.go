package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/miniapp-entitlements/internal/errors"
	"github.com/miniapp-entitlements/internal/logging"
	"github.com/miniapp-entitlements/internal/types"
)

// WalletHeader carries the caller's wallet when no JWT secret is configured
const WalletHeader = "X-Wallet-Address"

// Claims represents JWT claims. Address is the authenticated wallet.
type Claims struct {
	Address string `json:"address"`
	FID     int64  `json:"fid,omitempty"`
	jwt.RegisteredClaims
}

type walletKey struct{}

// WalletFromContext returns the authenticated wallet, if any
func WalletFromContext(ctx context.Context) (string, bool) {
	w, ok := ctx.Value(walletKey{}).(string)
	return w, ok && w != ""
}

// Authenticator validates bearer tokens signed with a shared HMAC secret
type Authenticator struct {
	secret []byte
	issuer string
	admins map[string]bool
}

// NewAuthenticator creates an authenticator. An empty secret trusts the wallet header,
// which is only suitable for local development.
func NewAuthenticator(secret, issuer string, adminWallets []string) *Authenticator {
	admins := make(map[string]bool, len(adminWallets))
	for _, a := range adminWallets {
		admins[strings.ToLower(a)] = true
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, admins: admins}
}

// IssueToken signs a token for wallet valid for ttl
func (a *Authenticator) IssueToken(wallet string, fid int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Address: strings.ToLower(wallet),
		FID:     fid,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.ToLower(wallet),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware attaches the caller's wallet to the request context
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		wallet, err := a.authenticate(r)
		if err != nil {
			logging.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Warn("authentication failed")
			respondError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), walletKey{}, wallet)
		ctx = logging.WithLogger(ctx, logging.FromContext(ctx).WithField("wallet", wallet))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		wallet, err := types.NormalizeAddress(r.Header.Get(WalletHeader))
		if err != nil {
			return "", errors.NewUnauthorizedError("missing or invalid " + WalletHeader + " header")
		}
		return wallet, nil
	}

	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.NewUnauthorizedError("missing bearer token")
	}

	claims, err := a.parse(parts[1])
	if err != nil {
		return "", err
	}
	return claims.Address, nil
}

func (a *Authenticator) parse(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.NewUnauthorizedError("invalid token")
	}

	address, err := types.NormalizeAddress(claims.Address)
	if err != nil {
		return nil, errors.NewUnauthorizedError("token carries no valid wallet address")
	}
	claims.Address = address
	return claims, nil
}

// RequireAdmin rejects callers whose wallet is not on the admin list
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallet, _ := WalletFromContext(r.Context())
		if !a.admins[wallet] {
			respondError(w, r, errors.NewForbiddenError("admin wallet required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSelf rejects requests for another wallet's data. Admins may read any wallet.
func (a *Authenticator) requireSelf(r *http.Request, address string) (string, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return "", err
	}
	wallet, _ := WalletFromContext(r.Context())
	if wallet != address && !a.admins[wallet] {
		return "", errors.NewForbiddenError("wallet mismatch")
	}
	return address, nil
}
