package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

func creditLocked(t *testing.T, service *Service, userId string, amount int64, tier models.LockTier, createdAt time.Time, window time.Duration) models.Lock {
	t.Helper()

	_, err := service.Credit(context.Background(), store.CreditParams{
		UserId:    userId,
		Amount:    decimal.NewFromInt(amount),
		Lock:      &store.LockSpec{Tier: tier, MaturesAt: createdAt.Add(window), Upgradeable: tier == models.Tier1},
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	locks, err := service.GetLocks(context.Background(), userId)
	if err != nil {
		t.Fatalf("GetLocks failed: %v", err)
	}
	return locks[len(locks)-1]
}

func TestUpgradeLock_OneWay(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	createdAt := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Second)
	lock := creditLocked(t, service, "user1", 500, models.Tier1, createdAt, 30*24*time.Hour)

	upgraded, err := service.UpgradeLock(ctx, lock.Id, 90*24*time.Hour, time.Now())
	if err != nil {
		t.Fatalf("UpgradeLock failed: %v", err)
	}
	if upgraded.Tier != models.Tier2 || upgraded.Status != models.LockUpgraded || upgraded.Upgradeable {
		t.Errorf("Unexpected upgraded lock %+v", upgraded)
	}
	if !upgraded.MaturesAt.Equal(createdAt.Add(90 * 24 * time.Hour)) {
		t.Errorf("Expected maturity measured from creation, got %v", upgraded.MaturesAt)
	}

	portfolio, _ := service.GetPortfolio(ctx, "user1")
	assertDecimal(t, "locked tier1", 0, portfolio.LockedTier1)
	assertDecimal(t, "locked tier2", 500, portfolio.LockedTier2)

	_, err = service.UpgradeLock(ctx, lock.Id, 90*24*time.Hour, time.Now())
	if !errors.Is(err, store.ErrNotUpgradeable) {
		t.Errorf("Expected not upgradeable on second upgrade, got: %v", err)
	}

	stored, err := service.GetLock(ctx, lock.Id)
	if err != nil {
		t.Fatalf("GetLock failed: %v", err)
	}
	if stored.Tier != models.Tier2 {
		t.Errorf("Expected stored tier2, got %s", stored.Tier)
	}
}

func TestUpgradeLock_MaturedIsRejected(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	createdAt := time.Now().UTC().Add(-48 * time.Hour)
	lock := creditLocked(t, service, "user1", 10, models.Tier1, createdAt, time.Hour)

	_, err := service.UpgradeLock(context.Background(), lock.Id, 90*24*time.Hour, time.Now())
	if !errors.Is(err, store.ErrNotUpgradeable) {
		t.Errorf("Expected not upgradeable for a matured lock, got: %v", err)
	}
}

func TestUpgradeLock_NotFound(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	_, err := service.UpgradeLock(context.Background(), "missing", time.Hour, time.Now())
	if !errors.Is(err, store.ErrLockNotFound) {
		t.Errorf("Expected lock not found, got: %v", err)
	}
}

func TestReleaseMaturedLocks(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()
	creditLocked(t, service, "user1", 100, models.Tier1, now.Add(-48*time.Hour), 24*time.Hour)
	creditLocked(t, service, "user1", 200, models.Tier2, now, 24*time.Hour)

	released, err := service.ReleaseMaturedLocks(ctx, "user1", now)
	if err != nil {
		t.Fatalf("ReleaseMaturedLocks failed: %v", err)
	}
	assertDecimal(t, "released", 100, released)

	portfolio, _ := service.GetPortfolio(ctx, "user1")
	assertDecimal(t, "available", 100, portfolio.Available)
	assertDecimal(t, "locked tier1", 0, portfolio.LockedTier1)
	assertDecimal(t, "locked tier2", 200, portfolio.LockedTier2)
	assertDecimal(t, "total earned", 300, portfolio.TotalEarned)

	released, err = service.ReleaseMaturedLocks(ctx, "user1", now)
	if err != nil {
		t.Fatalf("Second ReleaseMaturedLocks failed: %v", err)
	}
	assertDecimal(t, "released again", 0, released)

	if err := service.ReconcilePortfolio(ctx, "user1"); err != nil {
		t.Errorf("Reconciliation failed: %v", err)
	}
}
