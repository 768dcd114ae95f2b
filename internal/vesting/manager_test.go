package vesting

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"reward-ledger-go/internal/database"
	"reward-ledger-go/internal/ledger"
	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/partners"
	"reward-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCrediter struct {
	calls []store.CreditParams
}

func (r *recordingCrediter) Apply(_ context.Context, params store.CreditParams) (*models.Transaction, error) {
	r.calls = append(r.calls, params)
	return &models.Transaction{Id: "tx", UserId: params.UserId, Amount: params.Amount}, nil
}

func newTestManager(t *testing.T, now time.Time) (*Manager, *database.Service) {
	t.Helper()
	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "vesting.db"),
		MaxOpenConns: 2,
		PingTimeout:  time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	clock := func() time.Time { return now }
	manager := NewManager(ledger.New(db).WithClock(clock), db, DefaultPolicy()).WithClock(clock)
	return manager, db
}

func TestPolicySpec(t *testing.T) {
	policy := DefaultPolicy()
	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tier1, err := policy.Spec(models.Tier1, createdAt)
	require.NoError(t, err)
	assert.True(t, tier1.Upgradeable)
	assert.Equal(t, createdAt.Add(90*24*time.Hour), tier1.MaturesAt)

	tier2, err := policy.Spec(models.Tier2, createdAt)
	require.NoError(t, err)
	assert.False(t, tier2.Upgradeable)
	assert.Equal(t, createdAt.Add(360*24*time.Hour), tier2.MaturesAt)

	_, err = policy.Spec("tier3", createdAt)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestNewPolicyOverrides(t *testing.T) {
	policy := NewPolicy(models.VestingConfig{Tier1Window: time.Hour})
	assert.Equal(t, time.Hour, policy.Tier1Window)
	assert.Equal(t, DefaultTier2Window, policy.Tier2Window)
}

func TestCreditRoutesByPolicy(t *testing.T) {
	crediter := &recordingCrediter{}
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	manager := NewManager(crediter, nil, DefaultPolicy()).WithClock(func() time.Time { return now })
	ctx := context.Background()
	params := store.CreditParams{UserId: "user1", Amount: decimal.NewFromInt(10)}

	_, err := manager.Credit(ctx, params, partners.LockNone)
	require.NoError(t, err)
	_, err = manager.Credit(ctx, params, partners.LockTier1)
	require.NoError(t, err)
	_, err = manager.Credit(ctx, params, partners.LockTier2)
	require.NoError(t, err)
	_, err = manager.Credit(ctx, params, "bogus")
	assert.ErrorIs(t, err, store.ErrValidation)

	require.Len(t, crediter.calls, 3)
	assert.Nil(t, crediter.calls[0].Lock)
	assert.Equal(t, models.BucketAvailable, crediter.calls[0].Bucket)
	assert.Equal(t, models.Tier1, crediter.calls[1].Lock.Tier)
	assert.True(t, crediter.calls[1].Lock.Upgradeable)
	assert.Equal(t, models.Tier2, crediter.calls[2].Lock.Tier)
	assert.Equal(t, now.Add(DefaultTier2Window), crediter.calls[2].Lock.MaturesAt)
}

func TestUpgradeIsOneWay(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	manager, db := newTestManager(t, now)
	ctx := context.Background()

	_, err := manager.CreateLock(ctx, "user1", decimal.NewFromInt(100), models.Tier1)
	require.NoError(t, err)
	_, err = manager.CreateLock(ctx, "user1", decimal.NewFromInt(50), models.Tier2)
	require.NoError(t, err)

	locks, err := db.GetLocks(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, locks, 2)

	var tier1, tier2 models.Lock
	for _, lock := range locks {
		if lock.Tier == models.Tier1 {
			tier1 = lock
		} else {
			tier2 = lock
		}
	}

	_, err = manager.Upgrade(ctx, tier2.Id)
	assert.ErrorIs(t, err, store.ErrNotUpgradeable)

	upgraded, err := manager.Upgrade(ctx, tier1.Id)
	require.NoError(t, err)
	assert.Equal(t, models.Tier2, upgraded.Tier)
	assert.True(t, upgraded.MaturesAt.Equal(tier1.CreatedAt.Add(DefaultTier2Window)))

	_, err = manager.Upgrade(ctx, tier1.Id)
	assert.ErrorIs(t, err, store.ErrNotUpgradeable)

	portfolio, err := db.GetPortfolio(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, portfolio.LockedTier1.IsZero())
	assert.True(t, portfolio.LockedTier2.Equal(decimal.NewFromInt(150)))
}

func TestUpgradeJudgesMaturityWithManagerClock(t *testing.T) {
	// far enough in the past that the lock is matured by the wall clock
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	manager, db := newTestManager(t, now)
	ctx := context.Background()

	_, err := manager.CreateLock(ctx, "user1", decimal.NewFromInt(100), models.Tier1)
	require.NoError(t, err)
	_, err = manager.CreateLock(ctx, "user2", decimal.NewFromInt(40), models.Tier1)
	require.NoError(t, err)

	first, err := db.GetLocks(ctx, "user1")
	require.NoError(t, err)
	upgraded, err := manager.Upgrade(ctx, first[0].Id)
	require.NoError(t, err)
	assert.True(t, upgraded.MaturesAt.Equal(now.Add(DefaultTier2Window)))

	manager.WithClock(func() time.Time { return now.Add(DefaultTier1Window) })
	second, err := db.GetLocks(ctx, "user2")
	require.NoError(t, err)
	_, err = manager.Upgrade(ctx, second[0].Id)
	assert.ErrorIs(t, err, store.ErrNotUpgradeable)
}

func TestLocksDeriveMaturityAtReadTime(t *testing.T) {
	now := time.Now().UTC()
	manager, _ := newTestManager(t, now)
	ctx := context.Background()

	_, err := manager.CreateLock(ctx, "user1", decimal.NewFromInt(100), models.Tier1)
	require.NoError(t, err)

	views, err := manager.Locks(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, models.LockActive, views[0].Status)
	assert.True(t, views[0].Upgradeable)

	later := now.Add(DefaultTier1Window + time.Minute)
	manager.WithClock(func() time.Time { return later })
	views, err = manager.Locks(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, models.LockMatured, views[0].Status)
	assert.False(t, views[0].Upgradeable)
}

func TestMaturedLocked(t *testing.T) {
	now := time.Now()
	locks := []models.Lock{
		{Amount: decimal.NewFromInt(5), MaturesAt: now.Add(-time.Hour), Status: models.LockActive},
		{Amount: decimal.NewFromInt(7), MaturesAt: now.Add(time.Hour), Status: models.LockActive},
		{Amount: decimal.NewFromInt(9), MaturesAt: now.Add(-time.Hour), Status: models.LockMatured},
	}
	assert.True(t, MaturedLocked(locks, now).Equal(decimal.NewFromInt(5)))
}
