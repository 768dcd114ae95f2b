package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"go.uber.org/zap"
)

// CreateWithdrawal reserves the gross amount and records a pending request in
// one database transaction. The reservation shares the request's id.
func (s *Service) CreateWithdrawal(ctx context.Context, params store.CreateWithdrawalParams) (*models.WithdrawalRequest, error) {
	if params.Id == "" || params.UserId == "" || params.Destination == "" {
		return nil, fmt.Errorf("%w: id, user and destination are required", store.ErrValidation)
	}
	if params.CreatedAt.IsZero() {
		params.CreatedAt = s.timestamp()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := s.reserveTx(ctx, tx, params.UserId, params.Amount, params.Id); err != nil {
		return nil, err
	}

	createdAt := params.CreatedAt.UTC()
	_, err = tx.ExecContext(ctx, queryInsertWithdrawal,
		params.Id, params.UserId, params.Destination, params.Amount.String(), params.NetAmount.String(),
		createdAt, s.timestamp())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: withdrawal %s already exists", store.ErrConflict, params.Id)
		}
		return nil, fmt.Errorf("failed to insert withdrawal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Withdrawal request created",
		zap.String("withdrawal_id", params.Id),
		zap.String("user_id", params.UserId),
		zap.String("amount", params.Amount.String()),
		zap.String("net_amount", params.NetAmount.String()))

	return &models.WithdrawalRequest{
		Id:          params.Id,
		UserId:      params.UserId,
		Destination: params.Destination,
		Amount:      params.Amount,
		NetAmount:   params.NetAmount,
		Status:      models.WithdrawalPending,
		CreatedAt:   createdAt,
	}, nil
}

func (s *Service) GetWithdrawal(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
	return getWithdrawal(ctx, s.db, id)
}

// MarkWithdrawalProcessing moves a pending request to processing before the
// rail is called
func (s *Service) MarkWithdrawalProcessing(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, queryMarkWithdrawalProcessing, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("failed to mark withdrawal processing: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		withdrawal, err := s.GetWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if withdrawal.Status == models.WithdrawalProcessing {
			return nil
		}
		return fmt.Errorf("%w: withdrawal %s is %s", store.ErrConflict, id, withdrawal.Status)
	}
	return nil
}

// CompleteWithdrawal finalizes the reservation and records the settlement.
// Completing an already completed request returns it unchanged.
func (s *Service) CompleteWithdrawal(ctx context.Context, id, settlementRef string) (*models.WithdrawalRequest, error) {
	return s.settleWithdrawal(ctx, id, models.WithdrawalCompleted, settlementRef, "")
}

// FailWithdrawal releases the reservation and records the failure reason
func (s *Service) FailWithdrawal(ctx context.Context, id, reason string) (*models.WithdrawalRequest, error) {
	return s.settleWithdrawal(ctx, id, models.WithdrawalFailed, "", reason)
}

func (s *Service) settleWithdrawal(ctx context.Context, id string, status models.WithdrawalStatus, settlementRef, reason string) (*models.WithdrawalRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	withdrawal, err := getWithdrawal(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if withdrawal.Status == status {
		return withdrawal, nil
	}
	if withdrawal.Status != models.WithdrawalPending && withdrawal.Status != models.WithdrawalProcessing {
		return nil, fmt.Errorf("%w: withdrawal %s is already %s", store.ErrConflict, id, withdrawal.Status)
	}

	reservationStatus := models.ReservationFinalized
	transactionStatus := models.TransactionCompleted
	if status == models.WithdrawalFailed {
		reservationStatus = models.ReservationReleased
		transactionStatus = models.TransactionFailed
	}

	if err := s.settleReservationTx(ctx, tx, id, reservationStatus); err != nil {
		return nil, err
	}

	now := s.timestamp()
	result, err := tx.ExecContext(ctx, querySettleWithdrawal, string(status), settlementRef, reason, now, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update withdrawal: %w", err)
	}
	if rowsAffected, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	} else if rowsAffected == 0 {
		return nil, fmt.Errorf("withdrawal update failed - %w", store.ErrConcurrentModification)
	}

	if _, err := s.insertTransactionTx(ctx, tx, store.RecordParams{
		UserId:    withdrawal.UserId,
		Kind:      models.KindWithdrawal,
		Amount:    withdrawal.Amount.Neg(),
		Source:    settlementRef,
		Status:    transactionStatus,
		Reason:    reason,
		Reference: id,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	withdrawal.Status = status
	withdrawal.SettlementRef = settlementRef
	withdrawal.FailureReason = reason
	withdrawal.ProcessedAt = &now

	zap.L().Info("Withdrawal settled",
		zap.String("withdrawal_id", id),
		zap.String("status", string(status)),
		zap.String("settlement_ref", settlementRef),
		zap.String("reason", reason))
	return withdrawal, nil
}

// ListWithdrawalsByStatus returns requests in any of the given states, oldest first
func (s *Service) ListWithdrawalsByStatus(ctx context.Context, statuses ...models.WithdrawalStatus) ([]models.WithdrawalRequest, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}
	query := fmt.Sprintf(`SELECT %s FROM withdrawals WHERE status IN (%s) ORDER BY created_at`,
		withdrawalColumns, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawals: %w", err)
	}
	defer closeRows(rows)

	var withdrawals []models.WithdrawalRequest
	for rows.Next() {
		withdrawal, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
		}
		withdrawals = append(withdrawals, *withdrawal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating withdrawal rows: %w", err)
	}
	return withdrawals, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getWithdrawal(ctx context.Context, q queryRower, id string) (*models.WithdrawalRequest, error) {
	withdrawal, err := scanWithdrawal(q.QueryRowContext(ctx, queryGetWithdrawal, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrWithdrawalNotFound, id)
		}
		return nil, fmt.Errorf("failed to query withdrawal: %w", err)
	}
	return withdrawal, nil
}

func scanWithdrawal(row rowScanner) (*models.WithdrawalRequest, error) {
	var withdrawal models.WithdrawalRequest
	var status string
	var processedAt sql.NullTime
	err := row.Scan(&withdrawal.Id, &withdrawal.UserId, &withdrawal.Destination, &withdrawal.Amount,
		&withdrawal.NetAmount, &status, &withdrawal.SettlementRef, &withdrawal.FailureReason,
		&withdrawal.CreatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	withdrawal.Status = models.WithdrawalStatus(status)
	withdrawal.CreatedAt = withdrawal.CreatedAt.UTC()
	withdrawal.ProcessedAt = utcPtr(processedAt)
	return &withdrawal, nil
}
