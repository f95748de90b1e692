package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/miniapp-entitlements/internal/errors"
	"github.com/miniapp-entitlements/internal/models"
	"github.com/miniapp-entitlements/internal/service"
	"github.com/miniapp-entitlements/internal/types"
)

// SubscriptionStatusResponse is the reconciled entitlement of a wallet
type SubscriptionStatusResponse struct {
	Address       string               `json:"address"`
	Tier          types.Tier           `json:"tier"`
	Active        bool                 `json:"active"`
	Subscription  *models.Subscription `json:"subscription,omitempty"`
	DaysRemaining int                  `json:"daysRemaining"`
}

// handleGetSubscription handles GET /api/subscriptions/{address}
func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	address, ok := s.walletParam(w, r)
	if !ok {
		return
	}

	res, err := s.services.Lifecycle.Reconcile(r.Context(), address)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, statusResponse(address, res, time.Now()))
}

func statusResponse(address string, res *service.ReconcileResult, now time.Time) *SubscriptionStatusResponse {
	resp := &SubscriptionStatusResponse{Address: address, Tier: res.Tier, Subscription: res.Subscription}
	if res.Subscription != nil {
		resp.Active = true
		left := res.Subscription.ExpiresAt.Sub(now)
		resp.DaysRemaining = int((left + 24*time.Hour - 1) / (24 * time.Hour))
	}
	return resp
}

// handleConfirmPayment handles POST /api/subscriptions
func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req ConfirmPaymentRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	address, err := s.auth.requireSelf(r, req.Address)
	if err != nil {
		respondError(w, r, err)
		return
	}

	result, err := s.services.Payments.ConfirmPayment(r.Context(), address, types.Tier(req.Tier), req.TxHash)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, result)
}

// handleGetPayments handles GET /api/payments/{address}
func (s *Server) handleGetPayments(w http.ResponseWriter, r *http.Request) {
	address, ok := s.walletParam(w, r)
	if !ok {
		return
	}

	payments, err := s.services.Payments.History(r.Context(), address, queryInt(r, "limit", 0))
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"payments": payments})
}

// handleGetUsage handles GET /api/usage/{address}
func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	address, ok := s.walletParam(w, r)
	if !ok {
		return
	}

	report, err := s.services.Usage.Usage(r.Context(), address)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// handleGetExpiring handles GET /api/admin/subscriptions/expiring?days=N
func (s *Server) handleGetExpiring(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 3)
	if days < 0 || days > 365 {
		respondError(w, r, errors.NewInvalidParameterError("days", "must be between 0 and 365"))
		return
	}

	subs, err := s.services.Lifecycle.Expiring(r.Context(), days)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"days":          days,
		"subscriptions": subs,
	})
}

// handleExpireSubscription handles POST /api/admin/subscriptions/{id}/expire
func (s *Server) handleExpireSubscription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sub, err := s.services.Lifecycle.Expire(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if sub == nil {
		respondError(w, r, &types.ServiceError{
			Code:    types.CodeSubscriptionNotFound,
			Message: "no active subscription with id " + id,
		})
		return
	}

	respondJSON(w, http.StatusOK, sub)
}
