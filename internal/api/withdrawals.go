package api

import (
	"context"
	"errors"
	"fmt"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"
	"reward-ledger-go/internal/withdrawal"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RequestWithdrawal submits a withdrawal. A request whose rail outcome is
// not yet known is returned together with an error wrapping ErrUnknownOutcome.
func (s *LedgerService) RequestWithdrawal(ctx context.Context, userId, destination string, amount decimal.Decimal) (*models.WithdrawalView, error) {
	if s.withdrawals == nil {
		return nil, fmt.Errorf("%w: withdrawals are not configured", store.ErrExternalUnavailable)
	}

	request, err := s.withdrawals.RequestWithdrawal(ctx, userId, destination, amount)
	if err != nil {
		if request != nil && errors.Is(err, store.ErrUnknownOutcome) {
			view := withdrawal.View(request)
			return &view, err
		}
		zap.L().Warn("Withdrawal request refused",
			zap.String("user_id", userId),
			zap.String("amount", amount.String()),
			zap.Error(err))
		return nil, err
	}

	view := withdrawal.View(request)
	return &view, nil
}

// GetWithdrawal reads one withdrawal request
func (s *LedgerService) GetWithdrawal(ctx context.Context, id string) (*models.WithdrawalView, error) {
	if s.withdrawals == nil {
		return nil, fmt.Errorf("%w: withdrawals are not configured", store.ErrExternalUnavailable)
	}
	request, err := s.withdrawals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := withdrawal.View(request)
	return &view, nil
}
