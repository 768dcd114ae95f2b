package vesting

import (
	"context"
	"fmt"
	"time"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/partners"
	"reward-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultTier1Window = 90 * 24 * time.Hour
	DefaultTier2Window = 360 * 24 * time.Hour
)

// Policy holds the maturity window of each tier
type Policy struct {
	Tier1Window time.Duration
	Tier2Window time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Tier1Window: DefaultTier1Window, Tier2Window: DefaultTier2Window}
}

func NewPolicy(cfg models.VestingConfig) Policy {
	policy := DefaultPolicy()
	if cfg.Tier1Window > 0 {
		policy.Tier1Window = cfg.Tier1Window
	}
	if cfg.Tier2Window > 0 {
		policy.Tier2Window = cfg.Tier2Window
	}
	return policy
}

// Spec describes a new lock of the given tier created at createdAt. Only
// tier-1 locks are upgradeable.
func (p Policy) Spec(tier models.LockTier, createdAt time.Time) (*store.LockSpec, error) {
	switch tier {
	case models.Tier1:
		return &store.LockSpec{Tier: tier, MaturesAt: createdAt.Add(p.Tier1Window), Upgradeable: true}, nil
	case models.Tier2:
		return &store.LockSpec{Tier: tier, MaturesAt: createdAt.Add(p.Tier2Window), Upgradeable: false}, nil
	default:
		return nil, fmt.Errorf("%w: unknown lock tier %q", store.ErrValidation, tier)
	}
}

// Crediter applies atomic credits to the ledger
type Crediter interface {
	Apply(ctx context.Context, params store.CreditParams) (*models.Transaction, error)
}

type Manager struct {
	ledger Crediter
	locks  store.LockStore
	policy Policy
	now    func() time.Time
}

func NewManager(ledger Crediter, locks store.LockStore, policy Policy) *Manager {
	return &Manager{ledger: ledger, locks: locks, policy: policy, now: time.Now}
}

// WithClock overrides the clock used for lock creation and maturity.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) Policy() Policy {
	return m.policy
}

// CreateLock credits amount into a new lock of the given tier
func (m *Manager) CreateLock(ctx context.Context, userId string, amount decimal.Decimal, tier models.LockTier) (*models.Transaction, error) {
	return m.CreditLocked(ctx, store.CreditParams{
		UserId: userId,
		Amount: amount,
		Kind:   models.KindManualCredit,
	}, tier)
}

// CreditLocked applies a credit whose amount lands in a new lock; the lock,
// the portfolio delta and the transaction row commit together
func (m *Manager) CreditLocked(ctx context.Context, params store.CreditParams, tier models.LockTier) (*models.Transaction, error) {
	if params.CreatedAt.IsZero() {
		params.CreatedAt = m.now().UTC()
	}
	spec, err := m.policy.Spec(tier, params.CreatedAt)
	if err != nil {
		return nil, err
	}
	params.Lock = spec
	return m.ledger.Apply(ctx, params)
}

// Credit routes a credit according to a partner lock policy. LockNone
// credits available directly.
func (m *Manager) Credit(ctx context.Context, params store.CreditParams, policy partners.LockPolicy) (*models.Transaction, error) {
	switch policy {
	case partners.LockNone:
		params.Lock = nil
		params.Bucket = models.BucketAvailable
		return m.ledger.Apply(ctx, params)
	case partners.LockTier2:
		return m.CreditLocked(ctx, params, models.Tier2)
	case partners.LockTier1, "":
		return m.CreditLocked(ctx, params, models.Tier1)
	default:
		return nil, fmt.Errorf("%w: unknown lock policy %q", store.ErrValidation, policy)
	}
}

// Upgrade moves a tier-1 lock to tier 2. Maturity is recomputed from the
// lock's creation time.
func (m *Manager) Upgrade(ctx context.Context, lockId string) (*models.Lock, error) {
	lock, err := m.locks.UpgradeLock(ctx, lockId, m.policy.Tier2Window, m.now().UTC())
	if err != nil {
		zap.L().Warn("Lock upgrade refused", zap.String("lock_id", lockId), zap.Error(err))
		return nil, err
	}
	return lock, nil
}

// Locks returns a user's locks with their read-time status
func (m *Manager) Locks(ctx context.Context, userId string) ([]models.LockView, error) {
	locks, err := m.locks.GetLocks(ctx, userId)
	if err != nil {
		return nil, err
	}

	now := m.now()
	views := make([]models.LockView, 0, len(locks))
	for _, lock := range locks {
		views = append(views, View(lock, now))
	}
	return views, nil
}

// MaturedLocked sums locks that are matured at now but not yet folded into available
func MaturedLocked(locks []models.Lock, now time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, lock := range locks {
		if lock.Status != models.LockMatured && lock.IsMatured(now) {
			total = total.Add(lock.Amount)
		}
	}
	return total
}

func View(lock models.Lock, now time.Time) models.LockView {
	status := lock.EffectiveStatus(now)
	return models.LockView{
		Id:          lock.Id,
		Amount:      lock.Amount,
		Tier:        lock.Tier,
		Status:      status,
		Upgradeable: lock.Upgradeable && status == models.LockActive,
		CreatedAt:   lock.CreatedAt,
		MaturesAt:   lock.MaturesAt,
	}
}
