package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (s *Service) GetLock(ctx context.Context, lockId string) (*models.Lock, error) {
	lock, err := scanLock(s.db.QueryRowContext(ctx, queryGetLock, lockId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrLockNotFound, lockId)
		}
		return nil, fmt.Errorf("failed to query lock: %w", err)
	}
	return lock, nil
}

func (s *Service) GetLocks(ctx context.Context, userId string) ([]models.Lock, error) {
	rows, err := s.db.QueryContext(ctx, queryGetLocksByUser, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to query locks: %w", err)
	}
	defer closeRows(rows)
	return collectLocks(rows)
}

// UpgradeLock moves an active, upgradeable tier-1 lock to tier 2. The new
// maturity is measured from the lock's creation. One-way.
func (s *Service) UpgradeLock(ctx context.Context, lockId string, tier2Window time.Duration, now time.Time) (*models.Lock, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	lock, err := scanLock(tx.QueryRowContext(ctx, queryGetLock, lockId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrLockNotFound, lockId)
		}
		return nil, fmt.Errorf("failed to query lock: %w", err)
	}

	now = now.UTC()
	if lock.Tier != models.Tier1 || !lock.Upgradeable || lock.EffectiveStatus(now) != models.LockActive {
		return nil, fmt.Errorf("%w: lock %s is %s %s", store.ErrNotUpgradeable, lockId, lock.Tier, lock.EffectiveStatus(now))
	}

	maturesAt := lock.CreatedAt.Add(tier2Window).UTC()
	result, err := tx.ExecContext(ctx, queryUpgradeLock, maturesAt, now, lockId)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade lock: %w", err)
	}
	if rowsAffected, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	} else if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: lock %s changed concurrently", store.ErrNotUpgradeable, lockId)
	}

	portfolio, err := s.getPortfolioTx(ctx, tx, lock.UserId)
	if err != nil {
		return nil, err
	}
	version := portfolio.Version
	portfolio.LockedTier1 = portfolio.LockedTier1.Sub(lock.Amount)
	portfolio.LockedTier2 = portfolio.LockedTier2.Add(lock.Amount)
	if err := s.savePortfolioTx(ctx, tx, portfolio, version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	lock.Tier = models.Tier2
	lock.Status = models.LockUpgraded
	lock.Upgradeable = false
	lock.MaturesAt = maturesAt

	zap.L().Info("Lock upgraded",
		zap.String("lock_id", lockId),
		zap.String("user_id", lock.UserId),
		zap.String("amount", lock.Amount.String()),
		zap.Time("matures_at", maturesAt))
	return lock, nil
}

// ReleaseMaturedLocks folds every lock matured at now into available and
// returns the amount released
func (s *Service) ReleaseMaturedLocks(ctx context.Context, userId string, now time.Time) (decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	rows, err := tx.QueryContext(ctx, queryGetUnreleasedLocksByUser, userId)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query locks: %w", err)
	}
	locks, err := collectLocks(rows)
	closeRows(rows)
	if err != nil {
		return decimal.Zero, err
	}

	var matured []models.Lock
	for _, lock := range locks {
		if lock.IsMatured(now) {
			matured = append(matured, lock)
		}
	}
	if len(matured) == 0 {
		return decimal.Zero, nil
	}

	portfolio, err := s.getPortfolioTx(ctx, tx, userId)
	if err != nil {
		return decimal.Zero, err
	}
	version := portfolio.Version

	released := decimal.Zero
	updatedAt := s.timestamp()
	for _, lock := range matured {
		if _, err := tx.ExecContext(ctx, queryMarkLockMatured, updatedAt, lock.Id); err != nil {
			return decimal.Zero, fmt.Errorf("failed to mark lock matured: %w", err)
		}
		if lock.Tier == models.Tier1 {
			portfolio.LockedTier1 = portfolio.LockedTier1.Sub(lock.Amount)
		} else {
			portfolio.LockedTier2 = portfolio.LockedTier2.Sub(lock.Amount)
		}
		portfolio.Available = portfolio.Available.Add(lock.Amount)
		released = released.Add(lock.Amount)

		if err := addJournalEntries(ctx, tx, lock.Id, updatedAt,
			debit(accountUserLocked, userId, lock.Amount),
			credit(accountUserAvailable, userId, lock.Amount)); err != nil {
			return decimal.Zero, err
		}
	}

	if err := s.savePortfolioTx(ctx, tx, portfolio, version); err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Matured locks released",
		zap.String("user_id", userId),
		zap.Int("count", len(matured)),
		zap.String("amount", released.String()))
	return released, nil
}

func collectLocks(rows *sql.Rows) ([]models.Lock, error) {
	var locks []models.Lock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		locks = append(locks, *lock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lock rows: %w", err)
	}
	return locks, nil
}

func scanLock(row rowScanner) (*models.Lock, error) {
	var lock models.Lock
	var tier, status string
	err := row.Scan(&lock.Id, &lock.UserId, &lock.Amount, &tier, &lock.CreatedAt, &lock.MaturesAt,
		&lock.Upgradeable, &status, &lock.TransactionId)
	if err != nil {
		return nil, err
	}
	lock.Tier = models.LockTier(tier)
	lock.Status = models.LockStatus(status)
	lock.CreatedAt = lock.CreatedAt.UTC()
	lock.MaturesAt = lock.MaturesAt.UTC()
	return &lock, nil
}
