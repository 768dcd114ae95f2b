package reconciler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"reward-ledger-go/internal/database"
	"reward-ledger-go/internal/ledger"
	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/partners"
	"reward-ledger-go/internal/store"
	"reward-ledger-go/internal/tracking"
	"reward-ledger-go/internal/vesting"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPartners = `
default_rate: "1"
default_lock: tier1
partners:
  - id: coffee-co
    rate: "50"
    lock: tier1
  - id: books-inc
    rate: "10"
    lock: none
`

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	service *Service
	db      *database.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "reconciler.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		PingTimeout:  time.Second,
		BusyTimeout:  10 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	config, err := partners.Parse([]byte(testPartners))
	require.NoError(t, err)

	clock := func() time.Time { return testNow }
	manager := vesting.NewManager(ledger.New(db).WithClock(clock), db, vesting.DefaultPolicy()).WithClock(clock)
	service := NewService(Config{Store: db, Vesting: manager, Partners: config}).WithClock(clock)
	return &fixture{service: service, db: db}
}

func (f *fixture) mapToken(t *testing.T, userId, partnerId string) string {
	t.Helper()
	return f.mapTokenAt(t, userId, partnerId, testNow)
}

func (f *fixture) mapTokenAt(t *testing.T, userId, partnerId string, issuedAt time.Time) string {
	t.Helper()
	token, err := tracking.Encode(userId, partnerId, issuedAt)
	require.NoError(t, err)
	require.NoError(t, f.db.CreateMapping(context.Background(), models.TrackingMapping{
		Token:           token,
		UserId:          userId,
		PartnerId:       partnerId,
		UserFragment:    tracking.Fragment(userId),
		PartnerFragment: tracking.Fragment(partnerId),
	}))
	return token
}

func completed(id, token string, amount int64) models.ExternalPurchaseEvent {
	return models.ExternalPurchaseEvent{
		ExternalTransactionId: id,
		PartnerRef:            "coffee-co",
		TrackingToken:         token,
		AmountSpent:           decimal.NewFromInt(amount),
		Currency:              "USD",
		Status:                models.PurchaseCompleted,
		OccurredAt:            testNow.Add(-time.Hour),
		Source:                "generic",
	}
}

func TestProcessCreditsLockedRewardExactlyOnceUnderConcurrentDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.mapToken(t, "ab12cd", "coffee-co")

	_, err := f.db.Credit(ctx, store.CreditParams{UserId: "ab12cd", Amount: decimal.NewFromInt(500), Bucket: models.BucketAvailable})
	require.NoError(t, err)

	event := completed("txn-9", token, 20)

	var wg sync.WaitGroup
	results := make([]models.ProcessResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.service.Process(ctx, event)
		}(i)
	}
	wg.Wait()

	outcomes := map[models.Outcome]int{}
	for _, result := range results {
		outcomes[result.Outcome]++
	}
	assert.Equal(t, 1, outcomes[models.OutcomeCredited])
	assert.Equal(t, 1, outcomes[models.OutcomeAlreadyProcessed])

	portfolio, err := f.db.GetPortfolio(ctx, "ab12cd")
	require.NoError(t, err)
	assert.True(t, portfolio.LockedTier1.Equal(decimal.NewFromInt(1000)), "locked tier1 %s", portfolio.LockedTier1)
	assert.True(t, portfolio.Available.Equal(decimal.NewFromInt(500)), "available %s", portfolio.Available)
	assert.True(t, portfolio.TotalEarned.Equal(decimal.NewFromInt(1500)))

	history, err := f.db.GetTransactionHistory(ctx, "ab12cd", 10, 0)
	require.NoError(t, err)
	credited := 0
	for _, tx := range history {
		if tx.ExternalRef == "txn-9" {
			credited++
		}
	}
	assert.Equal(t, 1, credited)

	locks, err := f.db.GetLocks(ctx, "ab12cd")
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.True(t, testNow.Add(vesting.DefaultTier1Window).Equal(locks[0].MaturesAt))
	assert.True(t, locks[0].Upgradeable)
}

func TestProcessAvailablePolicyAndRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.mapToken(t, "user-books", "books-inc")

	first := f.service.Process(ctx, completed("b-1", token, 3))
	require.Equal(t, models.OutcomeCredited, first.Outcome)
	assert.True(t, first.Reward.Equal(decimal.NewFromInt(30)))

	second := f.service.Process(ctx, completed("b-1", token, 3))
	assert.Equal(t, models.OutcomeAlreadyProcessed, second.Outcome)
	assert.Equal(t, "user-books", second.UserId)

	portfolio, err := f.db.GetPortfolio(ctx, "user-books")
	require.NoError(t, err)
	assert.True(t, portfolio.Available.Equal(decimal.NewFromInt(30)))
	assert.True(t, portfolio.LockedTier1.IsZero())
}

func TestProcessUnmatchedRecordsOneFailedRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	event := completed("orphan-1", "tgn_zzzzzz_coffee_lx1", 12)
	for i := 0; i < 3; i++ {
		result := f.service.Process(ctx, event)
		assert.Equal(t, models.OutcomeUnmatched, result.Outcome)
		assert.False(t, result.Retryable)
	}

	row, err := f.db.FindFailedByReference(ctx, "orphan-1", ReasonUnmatched)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionFailed, row.Status)
	assert.Empty(t, row.ExternalRef)
	assert.True(t, row.Amount.Equal(decimal.NewFromInt(12)))

	_, err = f.db.FindTransactionByExternalRef(ctx, "orphan-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessCreditsOnceMappingAppearsAfterUnmatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := tracking.Encode("late-user", "coffee-co", testNow)
	require.NoError(t, err)
	event := completed("late-1", token, 2)

	assert.Equal(t, models.OutcomeUnmatched, f.service.Process(ctx, event).Outcome)

	require.NoError(t, f.db.CreateMapping(ctx, models.TrackingMapping{
		Token:           token,
		UserId:          "late-user",
		PartnerId:       "coffee-co",
		UserFragment:    tracking.Fragment("late-user"),
		PartnerFragment: tracking.Fragment("coffee-co"),
	}))

	result := f.service.Process(ctx, event)
	assert.Equal(t, models.OutcomeCredited, result.Outcome)
	assert.True(t, result.Reward.Equal(decimal.NewFromInt(100)))
}

func TestProcessPendingIsIgnoredThenCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.mapToken(t, "pending-user", "coffee-co")

	event := completed("p-1", token, 1)
	event.Status = models.PurchasePending
	assert.Equal(t, models.OutcomeIgnored, f.service.Process(ctx, event).Outcome)

	_, err := f.db.FindTransactionByExternalRef(ctx, "p-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	event.Status = models.PurchaseCompleted
	assert.Equal(t, models.OutcomeCredited, f.service.Process(ctx, event).Outcome)
}

func TestProcessRejectedRecordsAuditAndBlocksLaterCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.mapToken(t, "rej-user", "coffee-co")

	event := completed("r-1", token, 5)
	event.Status = models.PurchaseRejected
	assert.Equal(t, models.OutcomeRejected, f.service.Process(ctx, event).Outcome)
	assert.Equal(t, models.OutcomeAlreadyProcessed, f.service.Process(ctx, event).Outcome)

	row, err := f.db.FindTransactionByExternalRef(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionRejected, row.Status)
	assert.True(t, row.Amount.IsZero())

	event.Status = models.PurchaseCompleted
	assert.Equal(t, models.OutcomeAlreadyProcessed, f.service.Process(ctx, event).Outcome)

	portfolio, err := f.db.GetPortfolio(ctx, "rej-user")
	require.NoError(t, err)
	assert.True(t, portfolio.TotalEarned.IsZero())
}

func TestProcessInvalidEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		event models.ExternalPurchaseEvent
	}{
		{"missing id", completed("", "tgn_a_b_c", 1)},
		{"negative amount", completed("neg", "tgn_a_b_c", -1)},
		{"zero completed amount", completed("zero", "tgn_a_b_c", 0)},
		{"unknown status", func() models.ExternalPurchaseEvent {
			e := completed("weird", "tgn_a_b_c", 1)
			e.Status = "refunded-ish"
			return e
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.service.Process(ctx, tt.event)
			assert.Equal(t, models.OutcomeInvalid, result.Outcome)
			assert.False(t, result.Retryable)
			assert.Equal(t, store.MessageInvalidRequest, result.Error)
		})
	}
}

func TestResolveFallsBackToFragments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mapToken(t, "frag-user", "coffee-co")

	// Same user and partner, different issue time: fragments still match
	token, err := tracking.Encode("frag-user", "coffee-co", testNow.Add(time.Minute))
	require.NoError(t, err)

	mapping, err := f.service.resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "frag-user", mapping.UserId)
	assert.Equal(t, "coffee-co", mapping.PartnerId)
}

func TestResolveAmbiguousFragmentsAreUnmatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mapTokenAt(t, "abcdef-1", "coffee-co", testNow)
	f.mapTokenAt(t, "abcdef-2", "coffee-co", testNow.Add(time.Second))

	token, err := tracking.Encode("abcdef-9", "coffee-co", testNow.Add(time.Hour))
	require.NoError(t, err)

	_, err = f.service.resolve(ctx, token)
	assert.ErrorIs(t, err, store.ErrMappingNotFound)
}

func TestResolveRawTokenForUndecodableInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.db.CreateMapping(ctx, models.TrackingMapping{
		Token:     "legacy-click-42",
		UserId:    "legacy-user",
		PartnerId: "books-inc",
	}))

	mapping, err := f.service.resolve(ctx, "legacy-click-42")
	require.NoError(t, err)
	assert.Equal(t, "legacy-user", mapping.UserId)

	_, err = f.service.resolve(ctx, "")
	assert.ErrorIs(t, err, store.ErrMappingNotFound)
}

func TestProcessManualSkipsResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	event := completed("manual-1", "", 4)
	event.Source = ""
	result := f.service.ProcessManual(ctx, "op-user", "books-inc", event)
	require.Equal(t, models.OutcomeCredited, result.Outcome)

	row, err := f.db.FindTransactionByExternalRef(ctx, "manual-1")
	require.NoError(t, err)
	assert.Equal(t, "manual", row.Source)
	assert.Equal(t, "books-inc", row.Reference)

	again := f.service.ProcessManual(ctx, "op-user", "books-inc", event)
	assert.Equal(t, models.OutcomeAlreadyProcessed, again.Outcome)
}

type failingStore struct {
	Store
	err error
}

func (s failingStore) FindTransactionByExternalRef(context.Context, string) (*models.Transaction, error) {
	return nil, s.err
}

func TestProcessStoreOutageIsRetryable(t *testing.T) {
	f := newFixture(t)
	service := NewService(Config{
		Store:    failingStore{Store: f.db, err: errors.New("database is locked")},
		Vesting:  nil,
		Partners: f.service.partners,
	})

	result := service.Process(context.Background(), completed("x-1", "tgn_a_b_c", 1))
	assert.Equal(t, models.OutcomeFailed, result.Outcome)
	assert.True(t, result.Retryable)
	assert.Equal(t, store.MessageProcessingFailed, result.Error)
	assert.True(t, AnyRetryable([]models.ProcessResult{{}, result}))
	assert.False(t, AnyRetryable([]models.ProcessResult{{}}))
}
