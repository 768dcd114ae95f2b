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
	"fmt"
	"sync"
	"time"

	"reward-ledger-go/internal/metrics"
	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventSource is a network transaction feed that can be read from a point in time
type EventSource interface {
	Source() string
	FetchSince(ctx context.Context, since time.Time) ([]models.ExternalPurchaseEvent, error)
}

// Processor reconciles one event; *Service satisfies it
type Processor interface {
	Process(ctx context.Context, event models.ExternalPurchaseEvent) models.ProcessResult
}

// PollerConfig contains configuration for Poller
type PollerConfig struct {
	Network         EventSource
	Reconciler      Processor
	Cursors         store.CursorStore
	Metrics         *metrics.LedgerMetrics
	LookbackWindow  time.Duration
	PollingInterval time.Duration
	CleanupInterval time.Duration
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
	Quiet           bool
}

// Poller re-reads a network's transaction feed on a schedule. Over-reading is
// safe: the reconciler's idempotency gate drops anything already credited.
type Poller struct {
	network    EventSource
	reconciler Processor
	cursors    store.CursorStore
	metrics    *metrics.LedgerMetrics

	processedIds    map[string]time.Time
	mutex           sync.RWMutex
	lookbackWindow  time.Duration
	pollingInterval time.Duration
	cleanupInterval time.Duration
	minBackoff      time.Duration
	maxBackoff      time.Duration
	backoff         time.Duration
	quiet           bool
	now             func() time.Time

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

func NewPoller(cfg PollerConfig) *Poller {
	if cfg.LookbackWindow <= 0 {
		cfg.LookbackWindow = 6 * time.Hour
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 15 * time.Minute
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = cfg.PollingInterval
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 8 * cfg.MinBackoff
	}

	return &Poller{
		network:         cfg.Network,
		reconciler:      cfg.Reconciler,
		cursors:         cfg.Cursors,
		metrics:         cfg.Metrics,
		processedIds:    make(map[string]time.Time),
		lookbackWindow:  cfg.LookbackWindow,
		pollingInterval: cfg.PollingInterval,
		cleanupInterval: cfg.CleanupInterval,
		minBackoff:      cfg.MinBackoff,
		maxBackoff:      cfg.MaxBackoff,
		quiet:           cfg.Quiet,
		now:             time.Now,
		stopChan:        make(chan struct{}),
		doneChan:        make(chan struct{}),
	}
}

// WithClock overrides the clock used for the initial window and the id cache.
func (p *Poller) WithClock(now func() time.Time) *Poller {
	p.now = now
	return p
}

// Start begins polling in the background
func (p *Poller) Start(ctx context.Context) {
	zap.L().Info("Starting network poller",
		zap.String("source", p.network.Source()),
		zap.Duration("polling_interval", p.pollingInterval),
		zap.Duration("lookback_window", p.lookbackWindow))

	go p.pollLoop(ctx)
	go p.cleanupLoop(ctx)
}

// Stop gracefully stops the poller and waits for an in-flight run to finish
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		zap.L().Info("Stopping network poller", zap.String("source", p.network.Source()))
		close(p.stopChan)
	})
	<-p.doneChan
	zap.L().Info("Network poller stopped", zap.String("source", p.network.Source()))
}

// pollLoop runs one poll immediately, then waits either the polling interval
// or the current backoff between runs
func (p *Poller) pollLoop(ctx context.Context) {
	defer close(p.doneChan)

	for {
		wait := p.pollingInterval
		if err := p.PollOnce(ctx); err != nil {
			wait = p.nextBackoff()
			p.metrics.ObservePollFailure(p.network.Source())
			zap.L().Error("Network poll failed, backing off",
				zap.String("source", p.network.Source()),
				zap.Duration("retry_in", wait),
				zap.Error(err))
		} else {
			p.backoff = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-p.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// nextBackoff doubles the wait from min to max backoff
func (p *Poller) nextBackoff() time.Duration {
	if p.backoff == 0 {
		p.backoff = p.minBackoff
	} else {
		p.backoff *= 2
	}
	if p.backoff > p.maxBackoff {
		p.backoff = p.maxBackoff
	}
	return p.backoff
}

// ANSI color helpers for console output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// PollOnce reads the feed from the high-water mark minus the lookback overlap
// and reconciles every event not already seen. The mark only advances when
// every event was handled without a retryable failure, and never past the
// oldest event still pending at the network.
func (p *Poller) PollOnce(ctx context.Context) error {
	source := p.network.Source()

	mark, err := p.cursors.GetHighWaterMark(ctx, source)
	if err != nil {
		return fmt.Errorf("failed to read high water mark: %w", err)
	}
	since := mark.Add(-p.lookbackWindow)
	if mark.IsZero() {
		since = p.now().UTC().Add(-p.lookbackWindow)
	}

	p.printf("\n%s[%s] Polling %s (since %s)%s\n",
		colorCyan, p.now().Format("15:04:05"), source, since.Format(time.RFC3339), colorReset)

	events, err := p.network.FetchSince(ctx, since)
	if err != nil {
		p.printf("  %s✗ %s: %s%s\n", colorRed, source, err, colorReset)
		return fmt.Errorf("failed to fetch events: %w", err)
	}

	dc := &models.DeliveryContext{
		Source:     source,
		Path:       "poll",
		RequestId:  uuid.New().String(),
		ReceivedAt: p.now().UTC(),
	}
	pollCtx := models.WithDeliveryContext(ctx, dc)

	var retryable int
	var oldestOpen time.Time
	newest := mark
	for _, event := range events {
		if event.OccurredAt.After(newest) {
			newest = event.OccurredAt
		}
		if p.isProcessed(event.ExternalTransactionId) {
			continue
		}
		if event.Source == "" {
			event.Source = source
		}

		result := p.reconciler.Process(pollCtx, event)
		p.printResult(event, result)

		switch {
		case result.Retryable:
			retryable++
		case cacheable(result.Outcome):
			p.markProcessed(event.ExternalTransactionId)
		case result.Outcome == models.OutcomeIgnored:
			if oldestOpen.IsZero() || event.OccurredAt.Before(oldestOpen) {
				oldestOpen = event.OccurredAt
			}
		}
	}
	if !oldestOpen.IsZero() && oldestOpen.Before(newest) {
		newest = oldestOpen
	}

	if retryable > 0 {
		return fmt.Errorf("%w: %d events failed and will be re-read", store.ErrExternalUnavailable, retryable)
	}

	if err := p.cursors.AdvanceHighWaterMark(ctx, source, newest); err != nil {
		return fmt.Errorf("failed to advance high water mark: %w", err)
	}

	zap.L().Debug("Network poll complete",
		zap.String("source", source),
		zap.Int("events", len(events)),
		zap.Time("high_water_mark", newest))
	return nil
}

// cacheable outcomes are final; pending and unmatched events may change on a
// later read so they always go back through the reconciler
func cacheable(outcome models.Outcome) bool {
	switch outcome {
	case models.OutcomeCredited, models.OutcomeAlreadyProcessed, models.OutcomeRejected, models.OutcomeInvalid:
		return true
	default:
		return false
	}
}

func (p *Poller) printResult(event models.ExternalPurchaseEvent, result models.ProcessResult) {
	idShort := event.ExternalTransactionId
	if len(idShort) > 12 {
		idShort = idShort[:12] + "..."
	}

	switch result.Outcome {
	case models.OutcomeCredited:
		p.printf("  %s✓ %s %s spent %s -> +%s%s\n",
			colorGreen, idShort, event.Status, event.AmountSpent, result.Reward, colorReset)
	case models.OutcomeFailed, models.OutcomeInvalid:
		p.printf("  %s✗ %s %s | %s%s\n", colorRed, idShort, result.Outcome, result.Error, colorReset)
	case models.OutcomeUnmatched, models.OutcomeRejected:
		p.printf("  %s~ %s %s%s\n", colorYellow, idShort, result.Outcome, colorReset)
	default:
		p.printf("  %s· %s %s%s\n", colorGray, idShort, result.Outcome, colorReset)
	}
}

func (p *Poller) printf(format string, args ...any) {
	if p.quiet {
		return
	}
	fmt.Printf(format, args...)
}

// isProcessed checks if a final outcome was already seen for this id
func (p *Poller) isProcessed(id string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	_, exists := p.processedIds[id]
	return exists
}

func (p *Poller) markProcessed(id string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.processedIds[id] = p.now()
}

// cleanupLoop periodically drops ids that fell out of the lookback window
func (p *Poller) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.cleanupProcessed()
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) cleanupProcessed() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cutoff := p.now().Add(-2 * p.lookbackWindow)
	cleaned := 0

	for id, processedAt := range p.processedIds {
		if processedAt.Before(cutoff) {
			delete(p.processedIds, id)
			cleaned++
		}
	}

	if cleaned > 0 {
		zap.L().Debug("Cleaned up processed event ids",
			zap.Int("cleaned", cleaned),
			zap.Int("remaining", len(p.processedIds)))
	}
}
