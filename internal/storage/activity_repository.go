package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/miniapp-entitlements/internal/models"
	"github.com/miniapp-entitlements/internal/types"
)

// EchoRepository stores echoed casts
type EchoRepository struct {
	db  *PostgresDB
	now func() time.Time
}

// NewEchoRepository creates a new echo repository
func NewEchoRepository(db *PostgresDB) *EchoRepository {
	return &EchoRepository{db: db, now: time.Now}
}

// Create appends an echo and fills in its id and timestamp
func (r *EchoRepository) Create(ctx context.Context, echo *models.Echo) error {
	address, err := types.NormalizeAddress(echo.UserAddress)
	if err != nil {
		return err
	}
	if strings.TrimSpace(echo.CastHash) == "" {
		return invalidParameter("castHash", "is required")
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return err
	}

	echo.ID = uuid.New().String()
	echo.UserAddress = address
	echo.CreatedAt = r.now().UTC()

	query := `
		INSERT INTO echoes (id, user_address, cast_hash, content, sentiment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if _, err := r.db.Pool().Exec(ctx, query,
		echo.ID,
		echo.UserAddress,
		echo.CastHash,
		echo.Content,
		echo.Sentiment,
		echo.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to create echo: %w", err)
	}

	return nil
}

// ListByAddress returns the wallet's echoes, newest first
func (r *EchoRepository) ListByAddress(ctx context.Context, address string, limit int) ([]*models.Echo, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT id, user_address, cast_hash, content, sentiment, created_at
		FROM echoes
		WHERE user_address = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, address, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list echoes: %w", err)
	}
	defer rows.Close()

	var echoes []*models.Echo
	for rows.Next() {
		var echo models.Echo
		if err := rows.Scan(
			&echo.ID,
			&echo.UserAddress,
			&echo.CastHash,
			&echo.Content,
			&echo.Sentiment,
			&echo.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan echo: %w", err)
		}
		echoes = append(echoes, &echo)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating echoes: %w", err)
	}

	return echoes, nil
}

// NFTRepository stores minted collectibles
type NFTRepository struct {
	db  *PostgresDB
	now func() time.Time
}

// NewNFTRepository creates a new NFT repository
func NewNFTRepository(db *PostgresDB) *NFTRepository {
	return &NFTRepository{db: db, now: time.Now}
}

// Create appends an NFT record and fills in its id and timestamp
func (r *NFTRepository) Create(ctx context.Context, nft *models.NFT) error {
	address, err := types.NormalizeAddress(nft.UserAddress)
	if err != nil {
		return err
	}
	contract, err := types.NormalizeAddress(nft.ContractAddress)
	if err != nil {
		return err
	}
	txHash, err := types.NormalizeTxHash(nft.TxHash)
	if err != nil {
		return err
	}
	if strings.TrimSpace(nft.TokenID) == "" {
		return invalidParameter("tokenId", "is required")
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return err
	}

	nft.ID = uuid.New().String()
	nft.UserAddress = address
	nft.ContractAddress = contract
	nft.TxHash = txHash
	nft.CreatedAt = r.now().UTC()

	query := `
		INSERT INTO nfts (id, user_address, token_id, contract_address, tx_hash, metadata_uri, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	if _, err := r.db.Pool().Exec(ctx, query,
		nft.ID,
		nft.UserAddress,
		nft.TokenID,
		nft.ContractAddress,
		nft.TxHash,
		nft.MetadataURI,
		nft.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to create nft: %w", err)
	}

	return nil
}

// ListByAddress returns the wallet's NFTs, newest first
func (r *NFTRepository) ListByAddress(ctx context.Context, address string, limit int) ([]*models.NFT, error) {
	address, err := types.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if err := r.db.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT id, user_address, token_id, contract_address, tx_hash, metadata_uri, created_at
		FROM nfts
		WHERE user_address = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, address, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list nfts: %w", err)
	}
	defer rows.Close()

	var nfts []*models.NFT
	for rows.Next() {
		var nft models.NFT
		if err := rows.Scan(
			&nft.ID,
			&nft.UserAddress,
			&nft.TokenID,
			&nft.ContractAddress,
			&nft.TxHash,
			&nft.MetadataURI,
			&nft.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan nft: %w", err)
		}
		nfts = append(nfts, &nft)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nfts: %w", err)
	}

	return nfts, nil
}

func invalidParameter(param, reason string) error {
	return &types.ServiceError{
		Code:    "INVALID_PARAMETER",
		Message: fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{"parameter": param, "reason": reason},
	}
}
