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

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reward-ledger-go/internal/metrics"
	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/partners"
	"reward-ledger-go/internal/store"
	"reward-ledger-go/internal/tracking"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReasonUnmatched marks audit rows for events no user could be resolved for
const ReasonUnmatched = "unmatched"

const reasonRejected = "rejected by network"

// Store is the persistence the reconciler reads and audits through
type Store interface {
	store.MappingStore
	FindTransactionByExternalRef(ctx context.Context, externalRef string) (*models.Transaction, error)
	FindFailedByReference(ctx context.Context, reference, reason string) (*models.Transaction, error)
	RecordTransaction(ctx context.Context, params store.RecordParams) (*models.Transaction, error)
}

// Vesting applies a reward credit under a partner lock policy
type Vesting interface {
	Credit(ctx context.Context, params store.CreditParams, policy partners.LockPolicy) (*models.Transaction, error)
}

// PartnerConfig supplies reward rates and lock policy per partner
type PartnerConfig interface {
	Rate(partnerId string) decimal.Decimal
	LockPolicy(partnerId string) partners.LockPolicy
}

type Config struct {
	Store    Store
	Vesting  Vesting
	Partners PartnerConfig
	Metrics  *metrics.LedgerMetrics
}

// Service turns external purchase events into ledger credits exactly once,
// whatever path delivered them
type Service struct {
	store    Store
	vesting  Vesting
	partners PartnerConfig
	metrics  *metrics.LedgerMetrics
	now      func() time.Time
}

func NewService(cfg Config) *Service {
	return &Service{
		store:    cfg.Store,
		vesting:  cfg.Vesting,
		partners: cfg.Partners,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
}

// WithClock overrides the clock used for credit timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ProcessBatch reconciles events in order and reports one result per event
func (s *Service) ProcessBatch(ctx context.Context, events []models.ExternalPurchaseEvent) []models.ProcessResult {
	results := make([]models.ProcessResult, 0, len(events))
	for _, event := range events {
		results = append(results, s.Process(ctx, event))
	}
	return results
}

// Process reconciles one event: idempotency gate, status gate, identity
// resolution, reward computation and atomic credit
func (s *Service) Process(ctx context.Context, event models.ExternalPurchaseEvent) models.ProcessResult {
	return s.process(ctx, event, func(ctx context.Context) (*models.TrackingMapping, error) {
		return s.resolve(ctx, event.TrackingToken)
	})
}

// ProcessManual credits an event whose owner an operator has established.
// Identity resolution is skipped; the idempotency gate is not.
func (s *Service) ProcessManual(ctx context.Context, userId, partnerId string, event models.ExternalPurchaseEvent) models.ProcessResult {
	if event.Source == "" {
		event.Source = "manual"
	}
	return s.process(ctx, event, func(context.Context) (*models.TrackingMapping, error) {
		if userId == "" || partnerId == "" {
			return nil, fmt.Errorf("%w: user and partner are required", store.ErrValidation)
		}
		return &models.TrackingMapping{UserId: userId, PartnerId: partnerId}, nil
	})
}

type resolver func(ctx context.Context) (*models.TrackingMapping, error)

func (s *Service) process(ctx context.Context, event models.ExternalPurchaseEvent, resolve resolver) models.ProcessResult {
	result := s.reconcile(ctx, event, resolve)
	s.metrics.ObserveOutcome(event.Source, string(result.Outcome))

	fields := []zap.Field{
		zap.String("external_id", event.ExternalTransactionId),
		zap.String("source", event.Source),
		zap.String("outcome", string(result.Outcome)),
	}
	if dc := models.GetDeliveryContext(ctx); dc != nil {
		fields = append(fields, zap.String("delivery_path", dc.Path), zap.String("request_id", dc.RequestId))
	}
	switch result.Outcome {
	case models.OutcomeCredited:
		zap.L().Info("Purchase credited", append(fields,
			zap.String("user_id", result.UserId),
			zap.String("reward", result.Reward.String()))...)
	case models.OutcomeFailed, models.OutcomeInvalid:
		zap.L().Warn("Purchase not credited", fields...)
	default:
		zap.L().Debug("Purchase reconciled", fields...)
	}
	return result
}

func (s *Service) reconcile(ctx context.Context, event models.ExternalPurchaseEvent, resolve resolver) models.ProcessResult {
	result := models.ProcessResult{ExternalTransactionId: event.ExternalTransactionId, Reward: decimal.Zero}

	if err := validateEvent(event); err != nil {
		return fail(result, models.OutcomeInvalid, err)
	}

	// Idempotency gate
	existing, err := s.store.FindTransactionByExternalRef(ctx, event.ExternalTransactionId)
	if err == nil {
		result.Outcome = models.OutcomeAlreadyProcessed
		result.UserId = existing.UserId
		return result
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fail(result, models.OutcomeFailed, err)
	}

	// Status gate
	switch event.Status {
	case models.PurchasePending:
		result.Outcome = models.OutcomeIgnored
		return result
	case models.PurchaseRejected:
		return s.recordRejected(ctx, event, result)
	}

	mapping, err := resolve(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.recordUnmatched(ctx, event, result)
		}
		return fail(result, models.OutcomeFailed, err)
	}
	result.UserId = mapping.UserId

	rate := s.partners.Rate(mapping.PartnerId)
	reward := event.AmountSpent.Mul(rate)
	if !reward.IsPositive() {
		return fail(result, models.OutcomeInvalid,
			fmt.Errorf("%w: reward %s for partner %s", store.ErrNegativeAmount, reward, mapping.PartnerId))
	}

	_, err = s.vesting.Credit(ctx, store.CreditParams{
		UserId:      mapping.UserId,
		Amount:      reward,
		Kind:        models.KindEarned,
		ExternalRef: event.ExternalTransactionId,
		Source:      event.Source,
		Reference:   mapping.PartnerId,
		CreatedAt:   s.now().UTC(),
	}, s.partners.LockPolicy(mapping.PartnerId))
	if err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			result.Outcome = models.OutcomeAlreadyProcessed
			return result
		}
		return fail(result, models.OutcomeFailed, err)
	}

	result.Outcome = models.OutcomeCredited
	result.Reward = reward
	return result
}

// resolve finds the authoritative mapping for a token. A decoded token is a
// hint only: the exact token is tried first, then the fragments, which must
// point at a single (user, partner) pair.
func (s *Service) resolve(ctx context.Context, token string) (*models.TrackingMapping, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: event carries no tracking token", store.ErrMappingNotFound)
	}

	fragments, decodeErr := tracking.Decode(token)
	if decodeErr != nil {
		zap.L().Debug("Tracking token did not decode, falling back to raw lookup",
			zap.String("token", token),
			zap.Error(decodeErr))
		return s.store.LookupMapping(ctx, token)
	}

	mapping, err := s.store.LookupMapping(ctx, tracking.Normalize(token))
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return mapping, err
	}

	candidates, err := s.store.LookupMappingsByFragments(ctx, fragments.User, fragments.Partner)
	if err != nil {
		return nil, err
	}

	var match *models.TrackingMapping
	for i := range candidates {
		candidate := candidates[i]
		if match == nil {
			match = &candidate
			continue
		}
		if candidate.UserId != match.UserId || candidate.PartnerId != match.PartnerId {
			zap.L().Warn("Tracking token fragments are ambiguous",
				zap.String("token", token),
				zap.Int("candidates", len(candidates)))
			return nil, fmt.Errorf("%w: fragments of %s match several users", store.ErrMappingNotFound, token)
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrMappingNotFound, token)
	}
	return match, nil
}

func (s *Service) recordRejected(ctx context.Context, event models.ExternalPurchaseEvent, result models.ProcessResult) models.ProcessResult {
	_, err := s.store.RecordTransaction(ctx, store.RecordParams{
		Kind:        models.KindEarned,
		Amount:      decimal.Zero,
		ExternalRef: event.ExternalTransactionId,
		Source:      event.Source,
		Status:      models.TransactionRejected,
		Reason:      reasonRejected,
		Reference:   event.PartnerRef,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			result.Outcome = models.OutcomeAlreadyProcessed
			return result
		}
		return fail(result, models.OutcomeFailed, err)
	}
	result.Outcome = models.OutcomeRejected
	return result
}

// recordUnmatched audits an event no user could be resolved for. No credit is
// issued, and the row carries no external ref so a later delivery can still
// be credited once the mapping exists.
func (s *Service) recordUnmatched(ctx context.Context, event models.ExternalPurchaseEvent, result models.ProcessResult) models.ProcessResult {
	result.Outcome = models.OutcomeUnmatched

	_, err := s.store.FindFailedByReference(ctx, event.ExternalTransactionId, ReasonUnmatched)
	if err == nil {
		return result
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fail(result, models.OutcomeFailed, err)
	}

	zap.L().Warn("Purchase could not be matched to a user",
		zap.String("external_id", event.ExternalTransactionId),
		zap.String("partner_ref", event.PartnerRef),
		zap.String("token", event.TrackingToken),
		zap.String("amount_spent", event.AmountSpent.String()))

	_, err = s.store.RecordTransaction(ctx, store.RecordParams{
		Kind:      models.KindEarned,
		Amount:    event.AmountSpent,
		Source:    event.Source,
		Status:    models.TransactionFailed,
		Reason:    ReasonUnmatched,
		Reference: event.ExternalTransactionId,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return fail(result, models.OutcomeFailed, err)
	}
	return result
}

func validateEvent(event models.ExternalPurchaseEvent) error {
	if event.ExternalTransactionId == "" {
		return fmt.Errorf("%w: external transaction id is required", store.ErrValidation)
	}
	switch event.Status {
	case models.PurchaseCompleted, models.PurchasePending, models.PurchaseRejected:
	default:
		return fmt.Errorf("%w: unknown status %q", store.ErrValidation, event.Status)
	}
	if event.AmountSpent.IsNegative() {
		return fmt.Errorf("%w: amount spent %s", store.ErrNegativeAmount, event.AmountSpent)
	}
	if event.Status == models.PurchaseCompleted && !event.AmountSpent.IsPositive() {
		return fmt.Errorf("%w: completed purchase with zero amount", store.ErrNegativeAmount)
	}
	return nil
}

func fail(result models.ProcessResult, outcome models.Outcome, err error) models.ProcessResult {
	zap.L().Error("Failed to reconcile purchase",
		zap.String("external_id", result.ExternalTransactionId),
		zap.String("outcome", string(outcome)),
		zap.Error(err))
	result.Outcome = outcome
	result.Retryable = outcome == models.OutcomeFailed && store.IsRetryable(err)
	result.Error = store.UserMessage(err)
	return result
}

// AnyRetryable reports whether the caller should redeliver the batch
func AnyRetryable(results []models.ProcessResult) bool {
	for _, result := range results {
		if result.Retryable {
			return true
		}
	}
	return false
}
