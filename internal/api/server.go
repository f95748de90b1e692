// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/miniapp-entitlements/internal/config"
	"github.com/miniapp-entitlements/internal/logging"
	"github.com/miniapp-entitlements/internal/models"
	"github.com/miniapp-entitlements/internal/service"
	"github.com/miniapp-entitlements/internal/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service interfaces for dependency injection and testing

// LifecycleService resolves and manages subscriptions
type LifecycleService interface {
	Reconcile(ctx context.Context, address string) (*service.ReconcileResult, error)
	Expire(ctx context.Context, id string) (*models.Subscription, error)
	Expiring(ctx context.Context, daysAhead int) ([]*models.Subscription, error)
	History(ctx context.Context, address string, limit int) ([]*models.Subscription, error)
}

// PaymentServiceInterface confirms on-chain payments
type PaymentServiceInterface interface {
	ConfirmPayment(ctx context.Context, address string, tier types.Tier, txHash string) (*service.ConfirmPaymentResult, error)
	History(ctx context.Context, address string, limit int) ([]*models.Payment, error)
}

// UsageGateInterface meters calls against daily quotas
type UsageGateInterface interface {
	Admit(ctx context.Context, address string, category types.UsageCategory) (*service.Admission, error)
	Usage(ctx context.Context, address string) (*service.UsageReport, error)
}

// UserServiceInterface manages wallet accounts
type UserServiceInterface interface {
	Register(ctx context.Context, address string, info models.UserInfo) (*models.User, error)
	Profile(ctx context.Context, address string) (*service.UserProfile, error)
	UpdateNotifications(ctx context.Context, address, token, notificationURL string) error
}

// ActivityServiceInterface records echoes and NFTs
type ActivityServiceInterface interface {
	RecordEcho(ctx context.Context, echo *models.Echo) (*models.Echo, error)
	Echoes(ctx context.Context, address string, limit int) ([]*models.Echo, error)
	RecordNFT(ctx context.Context, nft *models.NFT) (*models.NFT, error)
	NFTs(ctx context.Context, address string, limit int) ([]*models.NFT, error)
}

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Services bundles everything the handlers call
type Services struct {
	Lifecycle LifecycleService
	Payments  PaymentServiceInterface
	Usage     UsageGateInterface
	Users     UserServiceInterface
	Activity  ActivityServiceInterface
	Health    HealthChecker
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	JWTSecret    string
	JWTIssuer    string
	AdminWallets []string

	RateLimit config.RateLimitConfig

	// Upstreams maps a metered category to the base URL it is proxied to
	Upstreams map[types.UsageCategory]string
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	services   Services
	config     *ServerConfig
	logger     *logging.Logger
	auth       *Authenticator
}

// NewServer creates a new API server instance.
func NewServer(cfg *ServerConfig, services Services, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	s := &Server{
		router:   mux.NewRouter(),
		services: services,
		config:   cfg,
		logger:   logger,
		auth:     NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.AdminWallets),
	}

	if err := s.setupRouter(); err != nil {
		return nil, err
	}
	return s, nil
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() error {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(MetricsMiddleware)

	if err := s.setupRoutes(); err != nil {
		return err
	}

	// CORS wraps the router so preflight requests are answered before route matching
	s.handler = RecoveryMiddleware(CORSMiddleware(s.config.AllowedOrigins)(s.router))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	return nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() error {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.auth.Middleware)
	api.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimit), s.services.Lifecycle))

	// User endpoints
	api.HandleFunc("/users", s.handleRegisterUser).Methods(http.MethodPost)
	api.HandleFunc("/users/{address}", s.handleGetUser).Methods(http.MethodGet)
	api.HandleFunc("/users/{address}/notifications", s.handleUpdateNotifications).Methods(http.MethodPut)

	// Subscription and payment endpoints
	api.HandleFunc("/subscriptions/{address}", s.handleGetSubscription).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions", s.handleConfirmPayment).Methods(http.MethodPost)
	api.HandleFunc("/payments/{address}", s.handleGetPayments).Methods(http.MethodGet)
	api.HandleFunc("/usage/{address}", s.handleGetUsage).Methods(http.MethodGet)

	// Activity endpoints
	api.HandleFunc("/echoes", s.handleCreateEcho).Methods(http.MethodPost)
	api.HandleFunc("/echoes/{address}", s.handleGetEchoes).Methods(http.MethodGet)
	api.HandleFunc("/nfts", s.handleCreateNFT).Methods(http.MethodPost)
	api.HandleFunc("/nfts/{address}", s.handleGetNFTs).Methods(http.MethodGet)

	// Admin endpoints
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.auth.RequireAdmin)
	admin.HandleFunc("/subscriptions/expiring", s.handleGetExpiring).Methods(http.MethodGet)
	admin.HandleFunc("/subscriptions/{id}/expire", s.handleExpireSubscription).Methods(http.MethodPost)

	// Metered upstreams
	for category, raw := range s.config.Upstreams {
		if raw == "" {
			continue
		}
		target, err := url.Parse(raw)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return fmt.Errorf("invalid upstream URL for %s: %q", category, raw)
		}
		prefix := "/api/metered/" + string(category)
		handler := MeteredMiddleware(s.services.Usage, category)(NewUpstreamProxy(string(category), target, prefix))
		api.PathPrefix("/metered/" + string(category)).Handler(handler)
	}

	return nil
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if s.services.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.services.Health.Ping(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	respondJSON(w, code, map[string]string{
		"status":  status,
		"service": "miniapp-entitlements",
	})
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
