package transaction

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is the canonical, validated form of a single financial
// transaction. Monetary fields use decimal.Decimal so that aggregation
// never goes through binary floating point; shopspring encodes decimals
// as JSON strings, which keeps the serialized form precision-safe too.
//
// A Transaction is created once by the Normalizer and never mutated.
type Transaction struct {
	ID              string          `json:"transaction_id"`
	Processor       string          `json:"processor_name"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
	CounterpartyID  string          `json:"counterparty_id"`
	OccurredAt      time.Time       `json:"occurred_at"`
	ReferenceNumber string          `json:"reference_number"`
	Fee             decimal.Decimal `json:"fee"`
}

// RawRecord is a transaction-like record as received from an upstream
// feed, before validation and type coercion. Monetary values arrive as
// strings to avoid any float round-trip between the wire and the
// decimal domain.
type RawRecord struct {
	TransactionID   string    `json:"transaction_id" validate:"required"`
	ProcessorName   string    `json:"processor_name" validate:"required"`
	Amount          string    `json:"amount" validate:"required"`
	Currency        string    `json:"currency" validate:"required,len=3,uppercase"`
	Status          string    `json:"status" validate:"required"`
	CounterpartyID  string    `json:"counterparty_id" validate:"required"`
	OccurredAt      time.Time `json:"occurred_at" validate:"required"`
	ReferenceNumber string    `json:"reference_number"`
	Fee             string    `json:"fee"`
}
