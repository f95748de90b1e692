package service

import (
	"context"

	"github.com/miniapp-entitlements/internal/models"
)

// DefaultListLimit is used when callers do not ask for a page size
const DefaultListLimit = 50

// ActivityService records echoes and minted NFTs
type ActivityService struct {
	echoes EchoRepository
	nfts   NFTRepository
}

// NewActivityService creates a new activity service
func NewActivityService(echoes EchoRepository, nfts NFTRepository) *ActivityService {
	return &ActivityService{echoes: echoes, nfts: nfts}
}

// RecordEcho stores an echoed cast
func (s *ActivityService) RecordEcho(ctx context.Context, echo *models.Echo) (*models.Echo, error) {
	if err := s.echoes.Create(ctx, echo); err != nil {
		return nil, err
	}
	return echo, nil
}

// Echoes lists the wallet's echoes, newest first
func (s *ActivityService) Echoes(ctx context.Context, address string, limit int) ([]*models.Echo, error) {
	return s.echoes.ListByAddress(ctx, address, clampLimit(limit))
}

// RecordNFT stores a minted NFT
func (s *ActivityService) RecordNFT(ctx context.Context, nft *models.NFT) (*models.NFT, error) {
	if err := s.nfts.Create(ctx, nft); err != nil {
		return nil, err
	}
	return nft, nil
}

// NFTs lists the wallet's NFTs, newest first
func (s *ActivityService) NFTs(ctx context.Context, address string, limit int) ([]*models.NFT, error) {
	return s.nfts.ListByAddress(ctx, address, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > 500 {
		return 500
	}
	return limit
}
