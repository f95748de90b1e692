package api

import (
	"net/http"

	"github.com/miniapp-entitlements/internal/models"
)

// handleCreateEcho handles POST /api/echoes
func (s *Server) handleCreateEcho(w http.ResponseWriter, r *http.Request) {
	var req CreateEchoRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	address, err := s.auth.requireSelf(r, req.Address)
	if err != nil {
		respondError(w, r, err)
		return
	}

	echo, err := s.services.Activity.RecordEcho(r.Context(), &models.Echo{
		UserAddress: address,
		CastHash:    req.CastHash,
		Content:     req.Content,
		Sentiment:   req.Sentiment,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, echo)
}

// handleGetEchoes handles GET /api/echoes/{address}
func (s *Server) handleGetEchoes(w http.ResponseWriter, r *http.Request) {
	address, ok := s.walletParam(w, r)
	if !ok {
		return
	}

	echoes, err := s.services.Activity.Echoes(r.Context(), address, queryInt(r, "limit", 0))
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"echoes": echoes})
}

// handleCreateNFT handles POST /api/nfts
func (s *Server) handleCreateNFT(w http.ResponseWriter, r *http.Request) {
	var req CreateNFTRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	address, err := s.auth.requireSelf(r, req.Address)
	if err != nil {
		respondError(w, r, err)
		return
	}

	nft, err := s.services.Activity.RecordNFT(r.Context(), &models.NFT{
		UserAddress:     address,
		TokenID:         req.TokenID,
		ContractAddress: req.ContractAddress,
		TxHash:          req.TxHash,
		MetadataURI:     req.MetadataURI,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, nft)
}

// handleGetNFTs handles GET /api/nfts/{address}
func (s *Server) handleGetNFTs(w http.ResponseWriter, r *http.Request) {
	address, ok := s.walletParam(w, r)
	if !ok {
		return
	}

	nfts, err := s.services.Activity.NFTs(r.Context(), address, queryInt(r, "limit", 0))
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"nfts": nfts})
}
