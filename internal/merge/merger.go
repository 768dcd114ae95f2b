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

// Package merge folds balances reported by the external partner ledger into
// local portfolios. Combined fields are stored as sums, so each run first
// subtracts the previously recorded external contribution and then adds the
// new one.
package merge

import (
	"context"
	"fmt"
	"time"

	"reward-ledger-go/internal/metrics"
	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PartnerLedger reports a linked account's balance on the external ledger
type PartnerLedger interface {
	Snapshot(ctx context.Context, linkedAccountId string) (*models.ExternalSnapshot, error)
}

// Mutator serializes a read-modify-write of one portfolio
type Mutator interface {
	Mutate(ctx context.Context, params store.MutateParams) (*models.Portfolio, error)
}

// Accounts lists the users with a linked external account
type Accounts interface {
	GetLinkedUsers(ctx context.Context) ([]models.User, error)
	GetUserById(ctx context.Context, userId string) (*models.User, error)
}

type Config struct {
	Ledger   Mutator
	Partner  PartnerLedger
	Accounts Accounts
	Source   string
	Metrics  *metrics.LedgerMetrics
}

type Merger struct {
	ledger   Mutator
	partner  PartnerLedger
	accounts Accounts
	source   string
	metrics  *metrics.LedgerMetrics
	now      func() time.Time
}

func NewMerger(cfg Config) *Merger {
	if cfg.Source == "" {
		cfg.Source = "partner-ledger"
	}
	return &Merger{
		ledger:   cfg.Ledger,
		partner:  cfg.Partner,
		accounts: cfg.Accounts,
		source:   cfg.Source,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
}

func (m *Merger) WithClock(now func() time.Time) *Merger {
	m.now = now
	return m
}

// Summary reports one MergeAll run
type Summary struct {
	Merged  int
	Skipped int
	Failed  int
}

// Recombine strips the previous external contribution from the combined
// fields, floors the local remainder at zero and adds the new snapshot.
func Recombine(p *models.Portfolio, snapshot models.ExternalSnapshot, at time.Time) {
	localAvailable := decimal.Max(decimal.Zero, p.Available.Sub(p.ExternalAvailable))
	localLockedTier2 := decimal.Max(decimal.Zero, p.LockedTier2.Sub(p.ExternalLockedTier2))
	localTotal := decimal.Max(decimal.Zero, p.TotalEarned.Sub(p.ExternalTotalEarned))

	p.Available = localAvailable.Add(snapshot.Available)
	p.LockedTier2 = localLockedTier2.Add(snapshot.LockedTier2)
	p.TotalEarned = localTotal.Add(snapshot.Total)

	p.ExternalAvailable = snapshot.Available
	p.ExternalLockedTier2 = snapshot.LockedTier2
	p.ExternalTotalEarned = snapshot.Total

	mergedAt := at.UTC()
	p.LastMergeAt = &mergedAt
}

func validateSnapshot(snapshot *models.ExternalSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("%w: empty snapshot", store.ErrValidation)
	}
	if snapshot.Available.IsNegative() || snapshot.LockedTier2.IsNegative() || snapshot.Total.IsNegative() {
		return fmt.Errorf("%w: snapshot has negative balances", store.ErrValidation)
	}
	if snapshot.Available.Add(snapshot.LockedTier2).GreaterThan(snapshot.Total) {
		return fmt.Errorf("%w: snapshot available %s plus locked %s exceeds total %s", store.ErrValidation,
			snapshot.Available, snapshot.LockedTier2, snapshot.Total)
	}
	return nil
}

// MergeUser runs one merge for a user with a linked external account
func (m *Merger) MergeUser(ctx context.Context, user models.User) (*models.Portfolio, error) {
	if user.LinkedAccountId == "" {
		return nil, fmt.Errorf("%w: user %s has no linked external account", store.ErrValidation, user.Id)
	}

	snapshot, err := m.partner.Snapshot(ctx, user.LinkedAccountId)
	if err != nil {
		m.metrics.ObserveMerge("unavailable")
		return nil, fmt.Errorf("failed to fetch external snapshot: %w", err)
	}
	if err := validateSnapshot(snapshot); err != nil {
		m.metrics.ObserveMerge("invalid")
		return nil, err
	}

	mergedAt := m.now().UTC()
	portfolio, err := m.ledger.Mutate(ctx, store.MutateParams{
		UserId: user.Id,
		Mutate: func(p *models.Portfolio) error {
			Recombine(p, *snapshot, mergedAt)
			return nil
		},
		Audit: &store.RecordParams{
			Kind:      models.KindMerge,
			Amount:    snapshot.Total,
			Source:    m.source,
			Status:    models.TransactionCompleted,
			Reference: user.LinkedAccountId,
			CreatedAt: mergedAt,
		},
	})
	if err != nil {
		m.metrics.ObserveMerge("failed")
		return nil, fmt.Errorf("failed to persist merge: %w", err)
	}

	m.metrics.ObserveMerge("ok")
	zap.L().Info("Merged external balance",
		zap.String("user_id", user.Id),
		zap.String("linked_account_id", user.LinkedAccountId),
		zap.String("external_available", snapshot.Available.String()),
		zap.String("external_locked_tier2", snapshot.LockedTier2.String()),
		zap.String("external_total", snapshot.Total.String()),
		zap.String("available", portfolio.Available.String()))
	return portfolio, nil
}

// MergeUserById looks the user up and merges on demand
func (m *Merger) MergeUserById(ctx context.Context, userId string) (*models.Portfolio, error) {
	user, err := m.accounts.GetUserById(ctx, userId)
	if err != nil {
		return nil, err
	}
	return m.MergeUser(ctx, *user)
}

// MergeAll merges every linked user. A failure for one user does not stop
// the run; the error count is returned in the summary.
func (m *Merger) MergeAll(ctx context.Context) (Summary, error) {
	users, err := m.accounts.GetLinkedUsers(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list linked users: %w", err)
	}

	var summary Summary
	for _, user := range users {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if user.LinkedAccountId == "" {
			summary.Skipped++
			continue
		}
		if _, err := m.MergeUser(ctx, user); err != nil {
			summary.Failed++
			zap.L().Error("Failed to merge external balance",
				zap.String("user_id", user.Id),
				zap.String("linked_account_id", user.LinkedAccountId),
				zap.Error(err))
			continue
		}
		summary.Merged++
	}

	zap.L().Info("Merge run complete",
		zap.Int("merged", summary.Merged),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
	return summary, nil
}
