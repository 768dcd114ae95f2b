package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	KindEarned       TransactionKind = "earned"
	KindWithdrawal   TransactionKind = "withdrawal"
	KindMerge        TransactionKind = "merge"
	KindManualCredit TransactionKind = "manual-credit"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionRejected  TransactionStatus = "rejected"
	TransactionFailed    TransactionStatus = "failed"
)

type LockTier string

const (
	Tier1 LockTier = "tier1"
	Tier2 LockTier = "tier2"
)

type LockStatus string

const (
	LockActive   LockStatus = "active"
	LockMatured  LockStatus = "matured"
	LockUpgraded LockStatus = "upgraded"
)

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationFinalized ReservationStatus = "finalized"
	ReservationReleased  ReservationStatus = "released"
)

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// CreditBucket selects which portfolio fields a credit lands in
type CreditBucket string

const (
	BucketAvailable       CreditBucket = "available"
	BucketTotalEarnedOnly CreditBucket = "totalEarnedOnly"
)

// User represents a user in the system
type User struct {
	Id              string    `db:"id"`
	Name            string    `db:"name"`
	Email           string    `db:"email"`
	Destination     string    `db:"destination"`
	LinkedAccountId string    `db:"linked_account_id"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// Portfolio is the per-user balance row. Combined fields include the last
// external snapshot recorded in the External* fields.
type Portfolio struct {
	UserId              string          `db:"user_id"`
	Available           decimal.Decimal `db:"available"`
	Pending             decimal.Decimal `db:"pending"`
	LockedTier1         decimal.Decimal `db:"locked_tier1"`
	LockedTier2         decimal.Decimal `db:"locked_tier2"`
	TotalEarned         decimal.Decimal `db:"total_earned"`
	ExternalAvailable   decimal.Decimal `db:"external_available"`
	ExternalLockedTier2 decimal.Decimal `db:"external_locked_tier2"`
	ExternalTotalEarned decimal.Decimal `db:"external_total_earned"`
	LastMergeAt         *time.Time      `db:"last_merge_at"`
	Version             int64           `db:"version"`
	UpdatedAt           time.Time       `db:"updated_at"`
}

// Transaction represents immutable ledger history
type Transaction struct {
	Id          string            `db:"id"`
	UserId      string            `db:"user_id"`
	Kind        TransactionKind   `db:"kind"`
	Amount      decimal.Decimal   `db:"amount"`
	ExternalRef string            `db:"external_ref"`
	Source      string            `db:"source"`
	Status      TransactionStatus `db:"status"`
	Reason      string            `db:"reason"`
	Reference   string            `db:"reference"`
	CreatedAt   time.Time         `db:"created_at"`
}

// Lock is a time-locked credit bucket
type Lock struct {
	Id            string          `db:"id"`
	UserId        string          `db:"user_id"`
	Amount        decimal.Decimal `db:"amount"`
	Tier          LockTier        `db:"tier"`
	CreatedAt     time.Time       `db:"created_at"`
	MaturesAt     time.Time       `db:"matures_at"`
	Upgradeable   bool            `db:"upgradeable"`
	Status        LockStatus      `db:"status"`
	TransactionId string          `db:"transaction_id"`
}

// IsMatured reports whether the lock has reached its maturity date at now
func (l Lock) IsMatured(now time.Time) bool {
	return !now.Before(l.MaturesAt)
}

// EffectiveStatus derives the read-time status; a stored active or upgraded
// lock past its maturity date reads as matured.
func (l Lock) EffectiveStatus(now time.Time) LockStatus {
	if l.Status != LockMatured && l.IsMatured(now) {
		return LockMatured
	}
	return l.Status
}

// TrackingMapping binds a tracking token to a (user, partner) pair. Write-once.
type TrackingMapping struct {
	Token           string    `db:"token"`
	UserId          string    `db:"user_id"`
	PartnerId       string    `db:"partner_id"`
	UserFragment    string    `db:"user_fragment"`
	PartnerFragment string    `db:"partner_fragment"`
	CreatedAt       time.Time `db:"created_at"`
}

// Reservation holds funds moved from available to pending
type Reservation struct {
	Id        string            `db:"id"`
	UserId    string            `db:"user_id"`
	Amount    decimal.Decimal   `db:"amount"`
	Status    ReservationStatus `db:"status"`
	CreatedAt time.Time         `db:"created_at"`
	UpdatedAt time.Time         `db:"updated_at"`
}

// WithdrawalRequest tracks one payout to an external destination
type WithdrawalRequest struct {
	Id            string           `db:"id"`
	UserId        string           `db:"user_id"`
	Destination   string           `db:"destination"`
	Amount        decimal.Decimal  `db:"amount"`
	NetAmount     decimal.Decimal  `db:"net_amount"`
	Status        WithdrawalStatus `db:"status"`
	SettlementRef string           `db:"settlement_ref"`
	FailureReason string           `db:"failure_reason"`
	CreatedAt     time.Time        `db:"created_at"`
	ProcessedAt   *time.Time       `db:"processed_at"`
}

// ExternalSnapshot is a balance reported by the external partner ledger
type ExternalSnapshot struct {
	Available   decimal.Decimal
	LockedTier2 decimal.Decimal
	Total       decimal.Decimal
}
