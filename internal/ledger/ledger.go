/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ledger

import (
	"context"
	"fmt"
	"time"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is the persistence the ledger mutates through
type Store interface {
	store.LedgerStore
	ReleaseMaturedLocks(ctx context.Context, userId string, now time.Time) (decimal.Decimal, error)
}

// Ledger is the single writer of portfolio balances. Every mutation is a
// delta applied by the store inside one serialized database transaction.
type Ledger struct {
	store Store
	now   func() time.Time
}

func New(s Store) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

// WithClock overrides the clock used for maturity checks.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) Now() time.Time {
	return l.now().UTC()
}

// Credit adds a positive amount to the chosen bucket
func (l *Ledger) Credit(ctx context.Context, userId string, amount decimal.Decimal, bucket models.CreditBucket) (*models.Transaction, error) {
	return l.Apply(ctx, store.CreditParams{
		UserId: userId,
		Amount: amount,
		Bucket: bucket,
		Kind:   models.KindManualCredit,
	})
}

// Apply performs one atomic credit described by params
func (l *Ledger) Apply(ctx context.Context, params store.CreditParams) (*models.Transaction, error) {
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", store.ErrNegativeAmount, params.Amount)
	}
	if params.UserId == "" {
		return nil, fmt.Errorf("%w: user id is required", store.ErrValidation)
	}
	if params.Lock == nil && params.Bucket == "" {
		params.Bucket = models.BucketAvailable
	}
	if params.CreatedAt.IsZero() {
		params.CreatedAt = l.Now()
	}
	return l.store.Credit(ctx, params)
}

// Reserve moves amount from available to pending. Matured locks are folded
// into available first so they count towards the reservation.
func (l *Ledger) Reserve(ctx context.Context, userId string, amount decimal.Decimal) (*models.Reservation, error) {
	return l.ReserveWithRef(ctx, userId, amount, uuid.New().String())
}

func (l *Ledger) ReserveWithRef(ctx context.Context, userId string, amount decimal.Decimal, ref string) (*models.Reservation, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", store.ErrNegativeAmount, amount)
	}
	if _, err := l.ReleaseMatured(ctx, userId); err != nil {
		return nil, err
	}
	return l.store.Reserve(ctx, userId, amount, ref)
}

func (l *Ledger) ReleaseReservation(ctx context.Context, ref string) error {
	return l.store.ReleaseReservation(ctx, ref)
}

func (l *Ledger) FinalizeReservation(ctx context.Context, ref string) error {
	return l.store.FinalizeReservation(ctx, ref)
}

// ReleaseMatured folds every lock that has reached maturity into available
func (l *Ledger) ReleaseMatured(ctx context.Context, userId string) (decimal.Decimal, error) {
	released, err := l.store.ReleaseMaturedLocks(ctx, userId, l.Now())
	if err != nil {
		zap.L().Error("Failed to release matured locks", zap.String("user_id", userId), zap.Error(err))
		return decimal.Zero, fmt.Errorf("failed to release matured locks: %w", err)
	}
	return released, nil
}

func (l *Ledger) Portfolio(ctx context.Context, userId string) (*models.Portfolio, error) {
	return l.store.GetPortfolio(ctx, userId)
}

// Mutate runs a serialized read-modify-write of a portfolio row
func (l *Ledger) Mutate(ctx context.Context, params store.MutateParams) (*models.Portfolio, error) {
	return l.store.MutatePortfolio(ctx, params)
}

func (l *Ledger) History(ctx context.Context, userId string, limit, offset int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetTransactionHistory(ctx, userId, limit, offset)
}
