package store

import (
	"context"
	"time"

	"reward-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

// LockSpec describes a lock to create alongside a credit
type LockSpec struct {
	Tier        models.LockTier
	MaturesAt   time.Time
	Upgradeable bool
}

// CreditParams describes one atomic credit: portfolio delta, optional lock and
// the transaction row, applied together or not at all.
type CreditParams struct {
	UserId      string
	Amount      decimal.Decimal
	Bucket      models.CreditBucket
	Kind        models.TransactionKind
	ExternalRef string
	Source      string
	Reference   string
	Lock        *LockSpec
	CreatedAt   time.Time
}

// RecordParams describes an audit-only transaction row with no balance effect
type RecordParams struct {
	UserId      string
	Kind        models.TransactionKind
	Amount      decimal.Decimal
	ExternalRef string
	Source      string
	Status      models.TransactionStatus
	Reason      string
	Reference   string
	CreatedAt   time.Time
}

// MutateParams describes a serialized read-modify-write of one portfolio row.
// Mutate receives the freshly read row; Audit, when set, is inserted in the
// same database transaction.
type MutateParams struct {
	UserId string
	Mutate func(p *models.Portfolio) error
	Audit  *RecordParams
}

// CreateWithdrawalParams reserves funds and records a pending request atomically
type CreateWithdrawalParams struct {
	Id          string
	UserId      string
	Destination string
	Amount      decimal.Decimal
	NetAmount   decimal.Decimal
	CreatedAt   time.Time
}

type UserStore interface {
	GetUsers(ctx context.Context) ([]models.User, error)
	GetUserById(ctx context.Context, userId string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, userId, name, email string) (*models.User, error)
	SetDestination(ctx context.Context, userId, destination string) error
	LinkExternalAccount(ctx context.Context, userId, linkedAccountId string) error
	GetLinkedUsers(ctx context.Context) ([]models.User, error)
}

type MappingStore interface {
	CreateMapping(ctx context.Context, mapping models.TrackingMapping) error
	LookupMapping(ctx context.Context, token string) (*models.TrackingMapping, error)
	LookupMappingsByFragments(ctx context.Context, userFragment, partnerFragment string) ([]models.TrackingMapping, error)
	LookupMappingsByUser(ctx context.Context, userId string) ([]models.TrackingMapping, error)
}

type LedgerStore interface {
	GetPortfolio(ctx context.Context, userId string) (*models.Portfolio, error)
	Credit(ctx context.Context, params CreditParams) (*models.Transaction, error)
	RecordTransaction(ctx context.Context, params RecordParams) (*models.Transaction, error)
	MutatePortfolio(ctx context.Context, params MutateParams) (*models.Portfolio, error)
	FindTransactionByExternalRef(ctx context.Context, externalRef string) (*models.Transaction, error)
	FindFailedByReference(ctx context.Context, reference, reason string) (*models.Transaction, error)
	GetTransactionHistory(ctx context.Context, userId string, limit, offset int) ([]models.Transaction, error)
	Reserve(ctx context.Context, userId string, amount decimal.Decimal, ref string) (*models.Reservation, error)
	ReleaseReservation(ctx context.Context, ref string) error
	FinalizeReservation(ctx context.Context, ref string) error
}

type LockStore interface {
	GetLock(ctx context.Context, lockId string) (*models.Lock, error)
	GetLocks(ctx context.Context, userId string) ([]models.Lock, error)
	UpgradeLock(ctx context.Context, lockId string, tier2Window time.Duration, now time.Time) (*models.Lock, error)
	ReleaseMaturedLocks(ctx context.Context, userId string, now time.Time) (decimal.Decimal, error)
}

type WithdrawalStore interface {
	CreateWithdrawal(ctx context.Context, params CreateWithdrawalParams) (*models.WithdrawalRequest, error)
	GetWithdrawal(ctx context.Context, id string) (*models.WithdrawalRequest, error)
	MarkWithdrawalProcessing(ctx context.Context, id string) error
	CompleteWithdrawal(ctx context.Context, id, settlementRef string) (*models.WithdrawalRequest, error)
	FailWithdrawal(ctx context.Context, id, reason string) (*models.WithdrawalRequest, error)
	ListWithdrawalsByStatus(ctx context.Context, statuses ...models.WithdrawalStatus) ([]models.WithdrawalRequest, error)
}

type CursorStore interface {
	GetHighWaterMark(ctx context.Context, source string) (time.Time, error)
	AdvanceHighWaterMark(ctx context.Context, source string, mark time.Time) error
}

// Store is everything the SQLite backend provides.
type Store interface {
	UserStore
	MappingStore
	LedgerStore
	LockStore
	WithdrawalStore
	CursorStore
	Close()
}
