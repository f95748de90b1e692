package models

import "time"

// Echo records a cast a user echoed from the mini app
type Echo struct {
	ID          string    `json:"id" db:"id"`
	UserAddress string    `json:"userAddress" db:"user_address"`
	CastHash    string    `json:"castHash" db:"cast_hash"`
	Content     string    `json:"content,omitempty" db:"content"`
	Sentiment   *string   `json:"sentiment,omitempty" db:"sentiment"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// NFT records a collectible minted for a user
type NFT struct {
	ID              string    `json:"id" db:"id"`
	UserAddress     string    `json:"userAddress" db:"user_address"`
	TokenID         string    `json:"tokenId" db:"token_id"`
	ContractAddress string    `json:"contractAddress" db:"contract_address"`
	TxHash          string    `json:"txHash" db:"tx_hash"`
	MetadataURI     string    `json:"metadataUri,omitempty" db:"metadata_uri"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
}
