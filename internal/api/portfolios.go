package api

import (
	"context"
	"fmt"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"
	"reward-ledger-go/internal/vesting"
)

// GetPortfolio returns the balances and locks of a user. Matured locks that
// have not yet been folded into available are reported separately and
// counted as spendable.
func (s *LedgerService) GetPortfolio(ctx context.Context, userId string) (*models.PortfolioView, error) {
	if userId == "" {
		return nil, fmt.Errorf("%w: user_id is required", store.ErrValidation)
	}
	if _, err := s.store.GetUserById(ctx, userId); err != nil {
		return nil, err
	}

	portfolio, err := s.store.GetPortfolio(ctx, userId)
	if err != nil {
		return nil, err
	}
	locks, err := s.store.GetLocks(ctx, userId)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	matured := vesting.MaturedLocked(locks, now)
	views := make([]models.LockView, 0, len(locks))
	for _, lock := range locks {
		views = append(views, vesting.View(lock, now))
	}

	return &models.PortfolioView{
		UserId:        userId,
		Available:     portfolio.Available,
		Pending:       portfolio.Pending,
		LockedTier1:   portfolio.LockedTier1,
		LockedTier2:   portfolio.LockedTier2,
		TotalEarned:   portfolio.TotalEarned,
		MaturedLocked: matured,
		Spendable:     portfolio.Available.Add(matured),
		LastMergeAt:   portfolio.LastMergeAt,
		Locks:         views,
	}, nil
}

// UpgradeLock moves a tier-1 lock to tier 2
func (s *LedgerService) UpgradeLock(ctx context.Context, lockId string) (*models.LockView, error) {
	if lockId == "" {
		return nil, fmt.Errorf("%w: lock id is required", store.ErrValidation)
	}
	lock, err := s.locks.Upgrade(ctx, lockId)
	if err != nil {
		return nil, err
	}
	view := vesting.View(*lock, s.now().UTC())
	return &view, nil
}
