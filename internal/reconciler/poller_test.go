package reconciler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"reward-ledger-go/internal/database"
	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	mu     sync.Mutex
	events []models.ExternalPurchaseEvent
	err    error
	since  []time.Time
}

func (f *fakeFeed) Source() string { return "generic" }

func (f *fakeFeed) FetchSince(_ context.Context, since time.Time) ([]models.ExternalPurchaseEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	return f.events, f.err
}

type scriptedProcessor struct {
	mu       sync.Mutex
	outcomes map[string]models.ProcessResult
	calls    map[string]int
}

func newScriptedProcessor() *scriptedProcessor {
	return &scriptedProcessor{outcomes: map[string]models.ProcessResult{}, calls: map[string]int{}}
}

func (p *scriptedProcessor) Process(ctx context.Context, event models.ExternalPurchaseEvent) models.ProcessResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[event.ExternalTransactionId]++
	if dc := models.GetDeliveryContext(ctx); dc == nil || dc.Path != "poll" {
		return models.ProcessResult{Outcome: models.OutcomeFailed}
	}
	if result, ok := p.outcomes[event.ExternalTransactionId]; ok {
		return result
	}
	return models.ProcessResult{ExternalTransactionId: event.ExternalTransactionId, Outcome: models.OutcomeCredited}
}

func newTestPoller(t *testing.T, feed EventSource, processor Processor, now time.Time) (*Poller, *database.Service) {
	t.Helper()
	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "poller.db"),
		MaxOpenConns: 2,
		PingTimeout:  time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	poller := NewPoller(PollerConfig{
		Network:         feed,
		Reconciler:      processor,
		Cursors:         db,
		LookbackWindow:  time.Hour,
		PollingInterval: 10 * time.Millisecond,
		MinBackoff:      time.Second,
		MaxBackoff:      4 * time.Second,
		Quiet:           true,
	}).WithClock(func() time.Time { return now })
	return poller, db
}

func TestPollOnceAdvancesHighWaterMarkAndSkipsFinalIds(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	feed := &fakeFeed{events: []models.ExternalPurchaseEvent{
		{ExternalTransactionId: "a", OccurredAt: now.Add(-30 * time.Minute)},
		{ExternalTransactionId: "b", OccurredAt: now.Add(-10 * time.Minute)},
	}}
	processor := newScriptedProcessor()
	processor.outcomes["b"] = models.ProcessResult{Outcome: models.OutcomeIgnored}
	poller, db := newTestPoller(t, feed, processor, now)
	ctx := context.Background()

	require.NoError(t, poller.PollOnce(ctx))
	mark, err := db.GetHighWaterMark(ctx, "generic")
	require.NoError(t, err)
	assert.True(t, mark.Equal(now.Add(-10*time.Minute)), "mark %s", mark)
	assert.True(t, feed.since[0].Equal(now.Add(-time.Hour)))

	require.NoError(t, poller.PollOnce(ctx))
	assert.True(t, feed.since[1].Equal(mark.Add(-time.Hour)))

	// a was credited and is cached; b is pending and must be re-read
	assert.Equal(t, 1, processor.calls["a"])
	assert.Equal(t, 2, processor.calls["b"])
}

func TestPollOnceHoldsMarkOnRetryableFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	feed := &fakeFeed{events: []models.ExternalPurchaseEvent{
		{ExternalTransactionId: "a", OccurredAt: now.Add(-time.Minute)},
	}}
	processor := newScriptedProcessor()
	processor.outcomes["a"] = models.ProcessResult{Outcome: models.OutcomeFailed, Retryable: true}
	poller, db := newTestPoller(t, feed, processor, now)
	ctx := context.Background()

	err := poller.PollOnce(ctx)
	assert.ErrorIs(t, err, store.ErrExternalUnavailable)

	mark, err := db.GetHighWaterMark(ctx, "generic")
	require.NoError(t, err)
	assert.True(t, mark.IsZero())
	assert.False(t, poller.isProcessed("a"))
}

func TestPollOnceFetchFailure(t *testing.T) {
	feed := &fakeFeed{err: errors.New("connection reset")}
	poller, _ := newTestPoller(t, feed, newScriptedProcessor(), time.Now())

	assert.Error(t, poller.PollOnce(context.Background()))
}

func TestNextBackoffDoublesToMax(t *testing.T) {
	poller, _ := newTestPoller(t, &fakeFeed{}, newScriptedProcessor(), time.Now())

	var waits []time.Duration
	for i := 0; i < 5; i++ {
		waits = append(waits, poller.nextBackoff())
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}, waits)
}

func TestCleanupProcessedDropsOldIds(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	poller, _ := newTestPoller(t, &fakeFeed{}, newScriptedProcessor(), now)

	poller.processedIds["old"] = now.Add(-3 * time.Hour)
	poller.processedIds["fresh"] = now.Add(-time.Minute)
	poller.cleanupProcessed()

	assert.False(t, poller.isProcessed("old"))
	assert.True(t, poller.isProcessed("fresh"))
}

func TestPollerStartStop(t *testing.T) {
	feed := &fakeFeed{}
	poller, _ := newTestPoller(t, feed, newScriptedProcessor(), time.Now())

	poller.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	poller.Stop()

	feed.mu.Lock()
	defer feed.mu.Unlock()
	assert.NotEmpty(t, feed.since)
}

// windowFeed honours since the way a real network API does
type windowFeed struct {
	mu     sync.Mutex
	events map[string]models.ExternalPurchaseEvent
}

func (f *windowFeed) Source() string { return "generic" }

func (f *windowFeed) FetchSince(_ context.Context, since time.Time) ([]models.ExternalPurchaseEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ExternalPurchaseEvent
	for _, e := range f.events {
		if !e.OccurredAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *windowFeed) put(e models.ExternalPurchaseEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[e.ExternalTransactionId] = e
}

type statusProcessor struct {
	mu       sync.Mutex
	credited []string
}

func (p *statusProcessor) Process(_ context.Context, event models.ExternalPurchaseEvent) models.ProcessResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event.Status == models.PurchasePending {
		return models.ProcessResult{ExternalTransactionId: event.ExternalTransactionId, Outcome: models.OutcomeIgnored}
	}
	p.credited = append(p.credited, event.ExternalTransactionId)
	return models.ProcessResult{ExternalTransactionId: event.ExternalTransactionId, Outcome: models.OutcomeCredited}
}

func TestPollOnceKeepsPendingEventInWindowUntilItCompletes(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	feed := &windowFeed{events: map[string]models.ExternalPurchaseEvent{}}
	processor := &statusProcessor{}
	poller, db := newTestPoller(t, feed, processor, start)
	poller.WithClock(func() time.Time { return now })
	ctx := context.Background()

	pending := models.ExternalPurchaseEvent{ExternalTransactionId: "p1", Status: models.PurchasePending, OccurredAt: start}
	feed.put(pending)
	require.NoError(t, poller.PollOnce(ctx))

	for i := 1; i <= 5; i++ {
		now = start.Add(time.Duration(i) * 2 * time.Hour)
		feed.put(models.ExternalPurchaseEvent{
			ExternalTransactionId: fmt.Sprintf("n%d", i),
			Status:                models.PurchaseCompleted,
			OccurredAt:            now,
		})
		require.NoError(t, poller.PollOnce(ctx))
	}

	mark, err := db.GetHighWaterMark(ctx, "generic")
	require.NoError(t, err)
	assert.True(t, mark.Equal(start), "mark %s passed the pending event", mark)

	pending.Status = models.PurchaseCompleted
	feed.put(pending)
	require.NoError(t, poller.PollOnce(ctx))

	assert.Contains(t, processor.credited, "p1")
	assert.Len(t, processor.credited, 6)

	// once nothing is open the mark catches up
	mark, err = db.GetHighWaterMark(ctx, "generic")
	require.NoError(t, err)
	assert.True(t, mark.Equal(start.Add(10*time.Hour)), "mark %s", mark)
}
