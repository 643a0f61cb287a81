package models

import "time"

// Watermark is the last block fully scanned by a polling watcher
type Watermark struct {
	ChainID            uint64    `json:"chain_id" db:"chain_id"`
	ContractID         string    `json:"contract_id" db:"contract_id"`
	LastProcessedBlock uint64    `json:"last_processed_block" db:"last_processed_block"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}
