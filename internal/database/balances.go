package database

import (
	"context"
	"fmt"

	"reward-ledger-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GetPortfolio returns the portfolio row for a user; a user that has never
// been credited reads as all zeros
func (s *Service) GetPortfolio(ctx context.Context, userId string) (*models.Portfolio, error) {
	zap.L().Debug("Getting portfolio", zap.String("user_id", userId))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	portfolio, err := s.getPortfolioTx(ctx, tx, userId)
	if err != nil {
		zap.L().Error("Failed to get portfolio", zap.String("user_id", userId), zap.Error(err))
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return portfolio, nil
}

// ReconcilePortfolio verifies that the portfolio row matches the sum of its
// journal entries
func (s *Service) ReconcilePortfolio(ctx context.Context, userId string) error {
	zap.L().Info("Reconciling portfolio", zap.String("user_id", userId))

	portfolio, err := s.GetPortfolio(ctx, userId)
	if err != nil {
		return fmt.Errorf("failed to get current portfolio: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryGetJournalLinesByAccount, userId)
	if err != nil {
		return fmt.Errorf("failed to query journal entries: %w", err)
	}
	defer closeRows(rows)

	calculated := map[string]decimal.Decimal{}
	for rows.Next() {
		var accountType string
		var debitAmount, creditAmount decimal.Decimal
		if err := rows.Scan(&accountType, &debitAmount, &creditAmount); err != nil {
			return fmt.Errorf("failed to scan journal entry: %w", err)
		}
		calculated[accountType] = calculated[accountType].Add(creditAmount).Sub(debitAmount)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating journal rows: %w", err)
	}

	checks := []struct {
		account string
		current decimal.Decimal
	}{
		{accountUserAvailable, portfolio.Available},
		{accountUserPending, portfolio.Pending},
		{accountUserLocked, portfolio.LockedTier1.Add(portfolio.LockedTier2)},
	}
	for _, check := range checks {
		if !check.current.Equal(calculated[check.account]) {
			zap.L().Error("Portfolio reconciliation failed",
				zap.String("user_id", userId),
				zap.String("account", check.account),
				zap.String("current", check.current.String()),
				zap.String("calculated", calculated[check.account].String()),
				zap.String("difference", check.current.Sub(calculated[check.account]).String()))
			return fmt.Errorf("%s mismatch: current=%s, calculated=%s",
				check.account, check.current, calculated[check.account])
		}
	}

	zap.L().Info("Portfolio reconciliation successful",
		zap.String("user_id", userId),
		zap.String("available", portfolio.Available.String()),
		zap.String("pending", portfolio.Pending.String()))
	return nil
}
