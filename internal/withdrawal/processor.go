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

package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"reward-ledger-go/internal/metrics"
	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var destinationPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9:._-]{5,127}$`)

// Rail is the external settlement rail. Transfer must be idempotent on
// IdempotencyKey, and Lookup must find a transfer by the same key.
type Rail interface {
	Transfer(ctx context.Context, req models.TransferRequest) (*models.TransferResult, error)
	Lookup(ctx context.Context, idempotencyKey string) (*models.TransferResult, error)
}

// LiquidityChecker is implemented by rails that can report their own balance
type LiquidityChecker interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
}

// MaturityReleaser folds matured locks into available before funds are reserved
type MaturityReleaser interface {
	ReleaseMatured(ctx context.Context, userId string) (decimal.Decimal, error)
}

type Config struct {
	Store       store.WithdrawalStore
	Users       store.UserStore
	Ledger      MaturityReleaser
	Rail        Rail
	Metrics     *metrics.LedgerMetrics
	Fee         decimal.Decimal
	RailTimeout time.Duration
	StaleAfter  time.Duration
}

// Processor moves ledger credit out through the settlement rail. Funds are
// reserved before any external call and are only released once the rail has
// definitively not paid.
type Processor struct {
	store       store.WithdrawalStore
	users       store.UserStore
	ledger      MaturityReleaser
	rail        Rail
	metrics     *metrics.LedgerMetrics
	fee         decimal.Decimal
	railTimeout time.Duration
	staleAfter  time.Duration
	now         func() time.Time
}

func NewProcessor(cfg Config) *Processor {
	if cfg.RailTimeout <= 0 {
		cfg.RailTimeout = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * cfg.RailTimeout
	}
	return &Processor{
		store:       cfg.Store,
		users:       cfg.Users,
		ledger:      cfg.Ledger,
		rail:        cfg.Rail,
		metrics:     cfg.Metrics,
		fee:         cfg.Fee,
		railTimeout: cfg.RailTimeout,
		staleAfter:  cfg.StaleAfter,
		now:         time.Now,
	}
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// ValidateDestination checks the shape of a payout destination
func ValidateDestination(destination string) error {
	if !destinationPattern.MatchString(destination) {
		return fmt.Errorf("%w: invalid destination", store.ErrValidation)
	}
	return nil
}

// RequestWithdrawal reserves amount, submits the payout and settles the
// request. A rail failure returns the failed request with a nil error; an
// undetermined rail outcome returns the processing request and an error
// wrapping ErrUnknownOutcome.
func (p *Processor) RequestWithdrawal(ctx context.Context, userId, destination string, amount decimal.Decimal) (*models.WithdrawalRequest, error) {
	if userId == "" {
		return nil, fmt.Errorf("%w: user id is required", store.ErrValidation)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: withdrawal amount %s", store.ErrNegativeAmount, amount)
	}
	netAmount := amount.Sub(p.fee)
	if !netAmount.IsPositive() {
		return nil, fmt.Errorf("%w: amount %s does not cover fee %s", store.ErrValidation, amount, p.fee)
	}

	destination, err := p.resolveDestination(ctx, userId, destination)
	if err != nil {
		return nil, err
	}

	if p.ledger != nil {
		if _, err := p.ledger.ReleaseMatured(ctx, userId); err != nil {
			return nil, fmt.Errorf("failed to release matured locks: %w", err)
		}
	}

	request, err := p.store.CreateWithdrawal(ctx, store.CreateWithdrawalParams{
		Id:          uuid.New().String(),
		UserId:      userId,
		Destination: destination,
		Amount:      amount,
		NetAmount:   netAmount,
		CreatedAt:   p.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			zap.L().Info("Withdrawal rejected, insufficient balance",
				zap.String("user_id", userId),
				zap.String("amount", amount.String()))
		}
		return nil, err
	}

	if err := p.store.MarkWithdrawalProcessing(ctx, request.Id); err != nil {
		zap.L().Error("Failed to mark withdrawal processing",
			zap.String("withdrawal_id", request.Id),
			zap.Error(err))
		return p.fail(ctx, request, err)
	}
	request.Status = models.WithdrawalProcessing

	if checker, ok := p.rail.(LiquidityChecker); ok {
		if err := p.checkLiquidity(ctx, checker, netAmount); err != nil {
			return p.fail(ctx, request, err)
		}
	}

	return p.submit(ctx, request)
}

func (p *Processor) resolveDestination(ctx context.Context, userId, destination string) (string, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" && p.users != nil {
		user, err := p.users.GetUserById(ctx, userId)
		if err != nil {
			return "", err
		}
		destination = user.Destination
	}
	if err := ValidateDestination(destination); err != nil {
		return "", err
	}
	return destination, nil
}

func (p *Processor) checkLiquidity(ctx context.Context, checker LiquidityChecker, netAmount decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, p.railTimeout)
	defer cancel()

	balance, err := checker.Balance(ctx)
	if err != nil {
		return fmt.Errorf("%w: liquidity check failed: %v", store.ErrExternalUnavailable, err)
	}
	if balance.LessThan(netAmount) {
		return fmt.Errorf("%w: rail balance %s below payout %s", store.ErrInsufficientFunds, balance, netAmount)
	}
	return nil
}

func (p *Processor) submit(ctx context.Context, request *models.WithdrawalRequest) (*models.WithdrawalRequest, error) {
	railCtx, cancel := context.WithTimeout(ctx, p.railTimeout)
	defer cancel()

	started := time.Now()
	result, err := p.rail.Transfer(railCtx, models.TransferRequest{
		IdempotencyKey: request.Id,
		Destination:    request.Destination,
		Amount:         request.NetAmount,
	})
	p.metrics.ObserveRailLatency("transfer", time.Since(started))

	if err != nil {
		if definitive(err) {
			return p.fail(ctx, request, err)
		}
		zap.L().Warn("Transfer outcome unknown, checking rail",
			zap.String("withdrawal_id", request.Id),
			zap.Error(err))
		return p.resolve(ctx, request, false)
	}
	return p.settle(ctx, request, result)
}

// definitive errors prove the rail did not move funds
func definitive(err error) bool {
	return errors.Is(err, store.ErrValidation) || errors.Is(err, store.ErrInsufficientFunds)
}

// resolve asks the rail what happened to a transfer whose outcome is unknown.
// A transfer the rail has no record of is only released once the request is
// stale; right after a timeout it may still be in flight.
func (p *Processor) resolve(ctx context.Context, request *models.WithdrawalRequest, releaseMissing bool) (*models.WithdrawalRequest, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, p.railTimeout)
	defer cancel()

	started := time.Now()
	result, err := p.rail.Lookup(lookupCtx, request.Id)
	p.metrics.ObserveRailLatency("lookup", time.Since(started))

	if err != nil {
		if errors.Is(err, store.ErrNotFound) && releaseMissing {
			return p.fail(ctx, request, fmt.Errorf("transfer %s never reached the rail: %w", request.Id, err))
		}
		p.metrics.ObserveWithdrawal("unknown")
		zap.L().Error("Transfer outcome still unknown, leaving withdrawal processing",
			zap.String("withdrawal_id", request.Id),
			zap.Error(err))
		return request, fmt.Errorf("%w: withdrawal %s", store.ErrUnknownOutcome, request.Id)
	}
	return p.settle(ctx, request, result)
}

func (p *Processor) settle(ctx context.Context, request *models.WithdrawalRequest, result *models.TransferResult) (*models.WithdrawalRequest, error) {
	switch result.Status {
	case models.TransferConfirmed:
		completed, err := p.store.CompleteWithdrawal(ctx, request.Id, result.Ref)
		if err != nil {
			zap.L().Error("Failed to record completed withdrawal",
				zap.String("withdrawal_id", request.Id),
				zap.String("settlement_ref", result.Ref),
				zap.Error(err))
			return request, fmt.Errorf("failed to complete withdrawal: %w", err)
		}
		p.metrics.ObserveWithdrawal(string(models.WithdrawalCompleted))
		return completed, nil

	case models.TransferFailed:
		return p.fail(ctx, request, fmt.Errorf("rail reported failure for %s: %s", result.Ref, result.Detail))

	default:
		p.metrics.ObserveWithdrawal("unknown")
		zap.L().Warn("Transfer still pending on rail",
			zap.String("withdrawal_id", request.Id),
			zap.String("settlement_ref", result.Ref))
		return request, fmt.Errorf("%w: withdrawal %s is pending on the rail", store.ErrUnknownOutcome, request.Id)
	}
}

// fail releases the reservation. Internal detail is logged; the stored
// reason is the fixed user-facing message.
func (p *Processor) fail(ctx context.Context, request *models.WithdrawalRequest, cause error) (*models.WithdrawalRequest, error) {
	zap.L().Error("Withdrawal failed, releasing reservation",
		zap.String("withdrawal_id", request.Id),
		zap.String("user_id", request.UserId),
		zap.String("amount", request.Amount.String()),
		zap.Error(cause))

	failed, err := p.store.FailWithdrawal(ctx, request.Id, store.MessageProcessingFailed)
	if err != nil {
		zap.L().Error("Failed to record failed withdrawal",
			zap.String("withdrawal_id", request.Id),
			zap.Error(err))
		return request, fmt.Errorf("failed to release withdrawal: %w", err)
	}
	p.metrics.ObserveWithdrawal(string(models.WithdrawalFailed))
	return failed, nil
}

// RecoverySummary reports one Recover run
type RecoverySummary struct {
	Completed  int
	Failed     int
	Unresolved int
}

// Recover settles requests left behind by a crash or an unknown outcome.
// Processing requests are resolved through the rail; pending requests older
// than the stale threshold were never submitted; they are moved to processing
// and then failed, releasing the reservation.
func (p *Processor) Recover(ctx context.Context) (RecoverySummary, error) {
	var summary RecoverySummary

	requests, err := p.store.ListWithdrawalsByStatus(ctx, models.WithdrawalPending, models.WithdrawalProcessing)
	if err != nil {
		return summary, fmt.Errorf("failed to list unsettled withdrawals: %w", err)
	}

	cutoff := p.now().UTC().Add(-p.staleAfter)
	for i := range requests {
		request := &requests[i]
		if request.CreatedAt.After(cutoff) {
			summary.Unresolved++
			continue
		}

		var settled *models.WithdrawalRequest
		var err error
		if request.Status == models.WithdrawalPending {
			settled, err = p.abandon(ctx, request)
		} else {
			settled, err = p.resolve(ctx, request, true)
		}

		switch {
		case err != nil:
			summary.Unresolved++
		case settled.Status == models.WithdrawalCompleted:
			summary.Completed++
		case settled.Status == models.WithdrawalFailed:
			summary.Failed++
		default:
			summary.Unresolved++
		}
	}

	zap.L().Info("Withdrawal recovery complete",
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("unresolved", summary.Unresolved))
	return summary, nil
}

// abandon fails a stale pending request through processing, the same
// pending -> processing -> failed path a submission takes.
func (p *Processor) abandon(ctx context.Context, request *models.WithdrawalRequest) (*models.WithdrawalRequest, error) {
	if err := p.store.MarkWithdrawalProcessing(ctx, request.Id); err != nil {
		zap.L().Warn("Failed to claim stale withdrawal",
			zap.String("withdrawal_id", request.Id),
			zap.Error(err))
		return nil, err
	}
	request.Status = models.WithdrawalProcessing
	return p.fail(ctx, request, errors.New("request was never submitted to the rail"))
}

// Get returns a request by id
func (p *Processor) Get(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
	return p.store.GetWithdrawal(ctx, id)
}

// View projects a request for collaborators
func View(request *models.WithdrawalRequest) models.WithdrawalView {
	return models.WithdrawalView{
		Id:            request.Id,
		UserId:        request.UserId,
		Destination:   request.Destination,
		Amount:        request.Amount,
		NetAmount:     request.NetAmount,
		Status:        request.Status,
		SettlementRef: request.SettlementRef,
		FailureReason: request.FailureReason,
		CreatedAt:     request.CreatedAt,
		ProcessedAt:   request.ProcessedAt,
	}
}
