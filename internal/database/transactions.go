package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Credit atomically applies a positive credit to a portfolio and records the
// transaction, and the lock when one is requested.
func (s *Service) Credit(ctx context.Context, params store.CreditParams) (*models.Transaction, error) {
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", store.ErrNegativeAmount, params.Amount)
	}
	if params.UserId == "" {
		return nil, fmt.Errorf("%w: user id is required", store.ErrValidation)
	}
	if params.Lock == nil && params.Bucket != models.BucketAvailable && params.Bucket != models.BucketTotalEarnedOnly {
		return nil, fmt.Errorf("%w: unknown credit bucket %q", store.ErrValidation, params.Bucket)
	}
	if params.Kind == "" {
		params.Kind = models.KindEarned
	}
	if params.CreatedAt.IsZero() {
		params.CreatedAt = s.timestamp()
	}

	zap.L().Info("Processing credit",
		zap.String("user_id", params.UserId),
		zap.String("kind", string(params.Kind)),
		zap.String("amount", params.Amount.String()),
		zap.String("bucket", string(params.Bucket)),
		zap.Bool("locked", params.Lock != nil),
		zap.String("external_ref", params.ExternalRef))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	// The write lock is held from BEGIN, so this check cannot race another credit
	if params.ExternalRef != "" {
		existing, err := findTransactionTx(ctx, tx, params.ExternalRef)
		if err == nil {
			zap.L().Warn("Duplicate external reference detected, skipping",
				zap.String("external_ref", params.ExternalRef),
				zap.String("existing_transaction_id", existing.Id))
			return nil, fmt.Errorf("%w: %s", store.ErrDuplicateTransaction, params.ExternalRef)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	portfolio, err := s.getPortfolioTx(ctx, tx, params.UserId)
	if err != nil {
		return nil, err
	}
	version := portfolio.Version

	transaction, err := s.insertTransactionTx(ctx, tx, store.RecordParams{
		UserId:      params.UserId,
		Kind:        params.Kind,
		Amount:      params.Amount,
		ExternalRef: params.ExternalRef,
		Source:      params.Source,
		Status:      models.TransactionCompleted,
		Reference:   params.Reference,
		CreatedAt:   params.CreatedAt,
	})
	if err != nil {
		return nil, err
	}

	target := accountUserAvailable
	portfolio.TotalEarned = portfolio.TotalEarned.Add(params.Amount)
	switch {
	case params.Lock != nil:
		target = accountUserLocked
		switch params.Lock.Tier {
		case models.Tier1:
			portfolio.LockedTier1 = portfolio.LockedTier1.Add(params.Amount)
		case models.Tier2:
			portfolio.LockedTier2 = portfolio.LockedTier2.Add(params.Amount)
		default:
			return nil, fmt.Errorf("%w: unknown lock tier %q", store.ErrValidation, params.Lock.Tier)
		}
		_, err = tx.ExecContext(ctx, queryInsertLock,
			uuid.New().String(), params.UserId, params.Amount.String(), string(params.Lock.Tier),
			params.CreatedAt.UTC(), params.Lock.MaturesAt.UTC(), params.Lock.Upgradeable,
			string(models.LockActive), transaction.Id, s.timestamp())
		if err != nil {
			return nil, fmt.Errorf("failed to insert lock: %w", err)
		}
	case params.Bucket == models.BucketAvailable:
		portfolio.Available = portfolio.Available.Add(params.Amount)
	default:
		target = accountUserEarned
	}

	if err := addJournalEntries(ctx, tx, transaction.Id, params.CreatedAt.UTC(),
		debit(accountRewardsExpense, platformAccountId, params.Amount),
		credit(target, params.UserId, params.Amount)); err != nil {
		return nil, err
	}

	if err := s.savePortfolioTx(ctx, tx, portfolio, version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Credit processed successfully",
		zap.String("transaction_id", transaction.Id),
		zap.String("user_id", params.UserId),
		zap.String("available", portfolio.Available.String()),
		zap.String("locked_tier1", portfolio.LockedTier1.String()),
		zap.String("locked_tier2", portfolio.LockedTier2.String()),
		zap.String("total_earned", portfolio.TotalEarned.String()))

	return transaction, nil
}

// RecordTransaction inserts an audit row with no balance effect
func (s *Service) RecordTransaction(ctx context.Context, params store.RecordParams) (*models.Transaction, error) {
	if params.CreatedAt.IsZero() {
		params.CreatedAt = s.timestamp()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	transaction, err := s.insertTransactionTx(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Debug("Transaction recorded",
		zap.String("transaction_id", transaction.Id),
		zap.String("kind", string(transaction.Kind)),
		zap.String("status", string(transaction.Status)),
		zap.String("reason", transaction.Reason))
	return transaction, nil
}

// MutatePortfolio runs a serialized read-modify-write on one portfolio row.
// Balance movements are journaled against the partner ledger account.
func (s *Service) MutatePortfolio(ctx context.Context, params store.MutateParams) (*models.Portfolio, error) {
	if params.Mutate == nil {
		return nil, fmt.Errorf("%w: mutate function is required", store.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	portfolio, err := s.getPortfolioTx(ctx, tx, params.UserId)
	if err != nil {
		return nil, err
	}
	before := *portfolio

	if err := params.Mutate(portfolio); err != nil {
		return nil, err
	}
	// Identity and version are not the caller's to change
	portfolio.UserId = before.UserId
	portfolio.Version = before.Version

	if params.Audit != nil {
		audit := *params.Audit
		audit.UserId = params.UserId
		if audit.CreatedAt.IsZero() {
			audit.CreatedAt = s.timestamp()
		}
		transaction, err := s.insertTransactionTx(ctx, tx, audit)
		if err != nil {
			return nil, err
		}

		var lines []journalLine
		lines = appendMovement(lines, accountUserAvailable, params.UserId, portfolio.Available.Sub(before.Available))
		lines = appendMovement(lines, accountUserLocked, params.UserId,
			portfolio.LockedTier1.Add(portfolio.LockedTier2).Sub(before.LockedTier1).Sub(before.LockedTier2))
		if len(lines) > 0 {
			if err := addJournalEntries(ctx, tx, transaction.Id, audit.CreatedAt.UTC(), lines...); err != nil {
				return nil, err
			}
		}
	}

	if err := s.savePortfolioTx(ctx, tx, portfolio, before.Version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	portfolio.Version = before.Version + 1
	return portfolio, nil
}

// appendMovement pairs a user balance delta with the partner ledger account
func appendMovement(lines []journalLine, accountType, userId string, delta decimal.Decimal) []journalLine {
	switch {
	case delta.IsPositive():
		return append(lines, debit(accountPartnerLedger, platformAccountId, delta), credit(accountType, userId, delta))
	case delta.IsNegative():
		return append(lines, debit(accountType, userId, delta.Neg()), credit(accountPartnerLedger, platformAccountId, delta.Neg()))
	}
	return lines
}

func (s *Service) FindTransactionByExternalRef(ctx context.Context, externalRef string) (*models.Transaction, error) {
	transaction, err := scanTransaction(s.db.QueryRowContext(ctx, queryGetTransactionByExternalRef, externalRef))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: transaction with external reference %s", store.ErrNotFound, externalRef)
		}
		return nil, fmt.Errorf("failed to query transaction by external reference: %w", err)
	}
	return transaction, nil
}

// FindFailedByReference returns the most recent failed row recorded for a
// reference with the given reason
func (s *Service) FindFailedByReference(ctx context.Context, reference, reason string) (*models.Transaction, error) {
	transaction, err := scanTransaction(s.db.QueryRowContext(ctx, queryGetFailedByReference, reference, reason))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: failed transaction for reference %s", store.ErrNotFound, reference)
		}
		return nil, fmt.Errorf("failed to query failed transaction: %w", err)
	}
	return transaction, nil
}

// GetTransactionHistory returns paginated transaction history for a user
func (s *Service) GetTransactionHistory(ctx context.Context, userId string, limit, offset int) ([]models.Transaction, error) {
	zap.L().Debug("Getting transaction history",
		zap.String("user_id", userId),
		zap.Int("limit", limit),
		zap.Int("offset", offset))

	rows, err := s.db.QueryContext(ctx, queryGetTransactionHistory, userId, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction history: %w", err)
	}
	defer closeRows(rows)

	var transactions []models.Transaction
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, *transaction)
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during transaction row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}

	return transactions, nil
}

// Reserve moves funds from available to pending under the given reference
func (s *Service) Reserve(ctx context.Context, userId string, amount decimal.Decimal, ref string) (*models.Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	reservation, err := s.reserveTx(ctx, tx, userId, amount, ref)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return reservation, nil
}

// ReleaseReservation returns held funds to available. Releasing an already
// released reservation is a no-op.
func (s *Service) ReleaseReservation(ctx context.Context, ref string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	if err := s.settleReservationTx(ctx, tx, ref, models.ReservationReleased); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FinalizeReservation removes held funds from the portfolio for good
func (s *Service) FinalizeReservation(ctx context.Context, ref string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	if err := s.settleReservationTx(ctx, tx, ref, models.ReservationFinalized); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Service) reserveTx(ctx context.Context, tx *sql.Tx, userId string, amount decimal.Decimal, ref string) (*models.Reservation, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", store.ErrNegativeAmount, amount)
	}
	if ref == "" {
		ref = uuid.New().String()
	}

	portfolio, err := s.getPortfolioTx(ctx, tx, userId)
	if err != nil {
		return nil, err
	}
	version := portfolio.Version

	if portfolio.Available.LessThan(amount) {
		return nil, fmt.Errorf("%w: available %s, requested %s", store.ErrInsufficientFunds, portfolio.Available, amount)
	}
	portfolio.Available = portfolio.Available.Sub(amount)
	portfolio.Pending = portfolio.Pending.Add(amount)

	now := s.timestamp()
	if _, err := tx.ExecContext(ctx, queryInsertReservation, ref, userId, amount.String(), now, now); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: reservation %s already exists", store.ErrConflict, ref)
		}
		return nil, fmt.Errorf("failed to insert reservation: %w", err)
	}

	if err := addJournalEntries(ctx, tx, ref, now,
		debit(accountUserAvailable, userId, amount),
		credit(accountUserPending, userId, amount)); err != nil {
		return nil, err
	}

	if err := s.savePortfolioTx(ctx, tx, portfolio, version); err != nil {
		return nil, err
	}

	zap.L().Info("Funds reserved",
		zap.String("reservation_id", ref),
		zap.String("user_id", userId),
		zap.String("amount", amount.String()),
		zap.String("available", portfolio.Available.String()),
		zap.String("pending", portfolio.Pending.String()))

	return &models.Reservation{
		Id:        ref,
		UserId:    userId,
		Amount:    amount,
		Status:    models.ReservationHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *Service) settleReservationTx(ctx context.Context, tx *sql.Tx, ref string, status models.ReservationStatus) error {
	reservation, err := scanReservation(tx.QueryRowContext(ctx, queryGetReservation, ref))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", store.ErrReservationNotFound, ref)
		}
		return fmt.Errorf("failed to get reservation: %w", err)
	}

	if reservation.Status == status {
		return nil
	}
	if reservation.Status != models.ReservationHeld {
		return fmt.Errorf("%w: reservation %s is already %s", store.ErrConflict, ref, reservation.Status)
	}

	portfolio, err := s.getPortfolioTx(ctx, tx, reservation.UserId)
	if err != nil {
		return err
	}
	version := portfolio.Version

	portfolio.Pending = portfolio.Pending.Sub(reservation.Amount)
	target := accountSettlementClear
	if status == models.ReservationReleased {
		portfolio.Available = portfolio.Available.Add(reservation.Amount)
		target = accountUserAvailable
	}

	now := s.timestamp()
	result, err := tx.ExecContext(ctx, querySettleReservation, string(status), now, ref)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	if rowsAffected, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if rowsAffected == 0 {
		return fmt.Errorf("reservation update failed - %w", store.ErrConcurrentModification)
	}

	journalId := fmt.Sprintf("%s:%s", ref, status)
	if err := addJournalEntries(ctx, tx, journalId, now,
		debit(accountUserPending, reservation.UserId, reservation.Amount),
		credit(target, reservation.UserId, reservation.Amount)); err != nil {
		return err
	}

	if err := s.savePortfolioTx(ctx, tx, portfolio, version); err != nil {
		return err
	}

	zap.L().Info("Reservation settled",
		zap.String("reservation_id", ref),
		zap.String("status", string(status)),
		zap.String("amount", reservation.Amount.String()))
	return nil
}

// getPortfolioTx reads the portfolio row inside tx, creating a zero row on
// first touch
func (s *Service) getPortfolioTx(ctx context.Context, tx *sql.Tx, userId string) (*models.Portfolio, error) {
	if _, err := tx.ExecContext(ctx, queryEnsurePortfolio, userId, s.timestamp()); err != nil {
		return nil, fmt.Errorf("failed to create portfolio: %w", err)
	}
	portfolio, err := scanPortfolio(tx.QueryRowContext(ctx, queryGetPortfolio, userId))
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}
	return portfolio, nil
}

// savePortfolioTx writes p back, guarded by the version it was read at
func (s *Service) savePortfolioTx(ctx context.Context, tx *sql.Tx, p *models.Portfolio, version int64) error {
	if err := checkPortfolio(p); err != nil {
		return err
	}

	var lastMerge any
	if p.LastMergeAt != nil {
		lastMerge = p.LastMergeAt.UTC()
	}
	p.UpdatedAt = s.timestamp()

	result, err := tx.ExecContext(ctx, queryUpdatePortfolio,
		p.Available.String(), p.Pending.String(), p.LockedTier1.String(), p.LockedTier2.String(),
		p.TotalEarned.String(), p.ExternalAvailable.String(), p.ExternalLockedTier2.String(),
		p.ExternalTotalEarned.String(), lastMerge, p.UpdatedAt, p.UserId, version)
	if err != nil {
		return fmt.Errorf("failed to update portfolio: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("portfolio update failed - %w", store.ErrConcurrentModification)
	}
	return nil
}

// checkPortfolio rejects any state with a negative balance field
func checkPortfolio(p *models.Portfolio) error {
	if p.Available.IsNegative() {
		return fmt.Errorf("%w: available would be %s", store.ErrInsufficientFunds, p.Available)
	}
	fields := []struct {
		name  string
		value decimal.Decimal
	}{
		{"pending", p.Pending},
		{"locked_tier1", p.LockedTier1},
		{"locked_tier2", p.LockedTier2},
		{"total_earned", p.TotalEarned},
		{"external_available", p.ExternalAvailable},
		{"external_locked_tier2", p.ExternalLockedTier2},
		{"external_total_earned", p.ExternalTotalEarned},
	}
	for _, field := range fields {
		if field.value.IsNegative() {
			return fmt.Errorf("%w: %s would be %s", store.ErrNegativeBalance, field.name, field.value)
		}
	}
	return nil
}

func (s *Service) insertTransactionTx(ctx context.Context, tx *sql.Tx, params store.RecordParams) (*models.Transaction, error) {
	if params.Status == "" {
		params.Status = models.TransactionCompleted
	}
	if params.CreatedAt.IsZero() {
		params.CreatedAt = s.timestamp()
	}

	var externalRef any
	if params.ExternalRef != "" {
		externalRef = params.ExternalRef
	}

	transaction := &models.Transaction{
		Id:          uuid.New().String(),
		UserId:      params.UserId,
		Kind:        params.Kind,
		Amount:      params.Amount,
		ExternalRef: params.ExternalRef,
		Source:      params.Source,
		Status:      params.Status,
		Reason:      params.Reason,
		Reference:   params.Reference,
		CreatedAt:   params.CreatedAt.UTC(),
	}

	_, err := tx.ExecContext(ctx, queryInsertTransaction,
		transaction.Id, transaction.UserId, string(transaction.Kind), transaction.Amount.String(),
		externalRef, transaction.Source, string(transaction.Status), transaction.Reason,
		transaction.Reference, transaction.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrDuplicateTransaction, params.ExternalRef)
		}
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return transaction, nil
}

func findTransactionTx(ctx context.Context, tx *sql.Tx, externalRef string) (*models.Transaction, error) {
	transaction, err := scanTransaction(tx.QueryRowContext(ctx, queryGetTransactionByExternalRef, externalRef))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: transaction with external reference %s", store.ErrNotFound, externalRef)
		}
		return nil, fmt.Errorf("failed to check for duplicate transaction: %w", err)
	}
	return transaction, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var transaction models.Transaction
	var kind, status string
	err := row.Scan(&transaction.Id, &transaction.UserId, &kind, &transaction.Amount,
		&transaction.ExternalRef, &transaction.Source, &status, &transaction.Reason,
		&transaction.Reference, &transaction.CreatedAt)
	if err != nil {
		return nil, err
	}
	transaction.Kind = models.TransactionKind(kind)
	transaction.Status = models.TransactionStatus(status)
	return &transaction, nil
}

func scanPortfolio(row rowScanner) (*models.Portfolio, error) {
	var p models.Portfolio
	var lastMerge sql.NullTime
	err := row.Scan(&p.UserId, &p.Available, &p.Pending, &p.LockedTier1, &p.LockedTier2, &p.TotalEarned,
		&p.ExternalAvailable, &p.ExternalLockedTier2, &p.ExternalTotalEarned, &lastMerge, &p.Version, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.LastMergeAt = utcPtr(lastMerge)
	return &p, nil
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var reservation models.Reservation
	var status string
	err := row.Scan(&reservation.Id, &reservation.UserId, &reservation.Amount, &status,
		&reservation.CreatedAt, &reservation.UpdatedAt)
	if err != nil {
		return nil, err
	}
	reservation.Status = models.ReservationStatus(status)
	return &reservation, nil
}

// utcPtr normalizes an optional timestamp read from SQLite
func utcPtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	at := t.Time.UTC()
	return &at
}
