package models

import "github.com/shopspring/decimal"

// TransferStatus is the rail-side state of a payout
type TransferStatus string

const (
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
	TransferPending   TransferStatus = "pending"
)

// TransferRequest is one payout submitted to the settlement rail.
// IdempotencyKey is the withdrawal request id.
type TransferRequest struct {
	IdempotencyKey string
	Destination    string
	Amount         decimal.Decimal
}

// TransferResult is what the rail reports for a payout
type TransferResult struct {
	Ref    string
	Status TransferStatus
	Detail string
}
