package models

import (
	"time"
)

// EventKind distinguishes the two pending event collections
type EventKind string

const (
	KindRegistration    EventKind = "registration"
	KindOwnershipUpdate EventKind = "ownership_update"
)

// Valid reports whether k names a known pending event collection
func (k EventKind) Valid() bool {
	return k == KindRegistration || k == KindOwnershipUpdate
}

// PendingEvent is a durable note that a primary on-chain event was observed
// but not yet reconciled. SourceTxHash is unique per kind.
type PendingEvent struct {
	ID                int64      `json:"id" db:"id"`
	Kind              EventKind  `json:"kind" db:"-"`
	DomainName        string     `json:"domain_name" db:"domain_name"`
	RequesterAddress  string     `json:"requester_address" db:"requester_address"`
	FeeAmount         string     `json:"fee_amount" db:"fee_amount"`
	SourceTxHash      string     `json:"source_tx_hash" db:"source_tx_hash"`
	SourceBlockNumber uint64     `json:"source_block_number" db:"source_block_number"`
	ReceivedAt        time.Time  `json:"received_at" db:"received_at"`
	Processed         bool       `json:"processed" db:"processed"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	ProcessingError   *string    `json:"processing_error,omitempty" db:"processing_error"`
}

// PendingCounts summarises one pending collection
type PendingCounts struct {
	Unprocessed int64 `json:"unprocessed"`
	Succeeded   int64 `json:"succeeded"`
	Failed      int64 `json:"failed"`
}
