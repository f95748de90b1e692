package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/miniapp-entitlements/internal/errors"
	"github.com/miniapp-entitlements/internal/models"
)

// handleRegisterUser handles POST /api/users
func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	address, err := s.auth.requireSelf(r, req.Address)
	if err != nil {
		respondError(w, r, err)
		return
	}

	user, err := s.services.Users.Register(r.Context(), address, models.UserInfo{FID: req.FID, Email: req.Email})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, user)
}

// handleGetUser handles GET /api/users/{address}
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	address, ok := s.walletParam(w, r)
	if !ok {
		return
	}

	profile, err := s.services.Users.Profile(r.Context(), address)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, profile)
}

// handleUpdateNotifications handles PUT /api/users/{address}/notifications
func (s *Server) handleUpdateNotifications(w http.ResponseWriter, r *http.Request) {
	address, ok := s.walletParam(w, r)
	if !ok {
		return
	}

	var req NotificationDetailsRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	if err := s.services.Users.UpdateNotifications(r.Context(), address, req.Token, req.URL); err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"enabled": req.Token != ""})
}

// walletParam resolves the {address} path variable, restricted to the caller's own wallet
func (s *Server) walletParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw, ok := mux.Vars(r)["address"]
	if !ok {
		respondError(w, r, errors.NewInvalidParameterError("address", "required"))
		return "", false
	}
	address, err := s.auth.requireSelf(r, raw)
	if err != nil {
		respondError(w, r, err)
		return "", false
	}
	return address, true
}
