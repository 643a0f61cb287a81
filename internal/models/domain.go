package models

import "time"

// DomainRecord is the canonical application state for one registered domain
type DomainRecord struct {
	DomainName             string    `json:"domain_name" db:"domain_name"`
	VerifiedOwnerAddress   string    `json:"verified_owner_address" db:"verified_owner_address"`
	AssociatedTokenAddress *string   `json:"associated_token_address,omitempty" db:"associated_token_address"`
	NFTTokenID             *string   `json:"nft_token_id,omitempty" db:"nft_token_id"`
	ChainID                uint64    `json:"chain_id" db:"chain_id"`
	ExpirationTimestamp    time.Time `json:"expiration_timestamp" db:"expiration_timestamp"`
	CreatedAt              time.Time `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time `json:"updated_at" db:"updated_at"`
}
