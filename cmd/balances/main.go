package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"reward-ledger-go/internal/common"
	"reward-ledger-go/internal/config"
	"reward-ledger-go/internal/database"
	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/vesting"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type balanceStats struct {
	totalUsers        int
	usersWithBalances int
	totalLocks        int
}

func hasBalance(p *models.Portfolio) bool {
	return !p.Available.IsZero() || !p.Pending.IsZero() ||
		!p.LockedTier1.IsZero() || !p.LockedTier2.IsZero() || !p.TotalEarned.IsZero()
}

func printUserHeader(user models.User, portfolio *models.Portfolio) {
	fmt.Printf("\n┌─ User: %s (%s)\n", user.Name, user.Email)
	fmt.Printf("│  ID: %s (v%d, updated: %s)\n", user.Id, portfolio.Version, portfolio.UpdatedAt.Format("2006-01-02 15:04:05"))
	if portfolio.LastMergeAt != nil {
		fmt.Printf("│  Last merge: %s\n", portfolio.LastMergeAt.Format("2006-01-02 15:04:05"))
	}
}

func printPortfolio(p *models.Portfolio, matured decimal.Decimal) {
	prefix := common.BoxDetailPrefix(false)
	common.PrintAmount(prefix, "Available", p.Available, true)
	common.PrintAmount(prefix, "Pending", p.Pending, false)
	common.PrintAmount(prefix, "Locked tier 1", p.LockedTier1, false)
	common.PrintAmount(prefix, "Locked tier 2", p.LockedTier2, false)
	common.PrintAmount(prefix, "Matured locked", matured, false)
	common.PrintAmount(prefix, "Total earned", p.TotalEarned, true)
}

func printLocks(locks []models.Lock, now time.Time) {
	for i, lock := range locks {
		view := vesting.View(lock, now)
		fmt.Printf("%s lock %s: %s %s %s, matures %s\n",
			common.BoxPrefix(i == len(locks)-1),
			shortId(view.Id),
			view.Amount.StringFixed(2),
			view.Tier,
			view.Status,
			view.MaturesAt.Format("2006-01-02"))
	}
}

func shortId(id string) string {
	if len(id) > 8 {
		return id[:8] + "..."
	}
	return id
}

func processUser(ctx context.Context, user models.User, dbService *database.Service, now time.Time) (bool, int, error) {
	portfolio, err := dbService.GetPortfolio(ctx, user.Id)
	if err != nil {
		return false, 0, fmt.Errorf("failed to get portfolio: %w", err)
	}
	if !hasBalance(portfolio) {
		return false, 0, nil
	}

	locks, err := dbService.GetLocks(ctx, user.Id)
	if err != nil {
		return false, 0, fmt.Errorf("failed to get locks: %w", err)
	}

	printUserHeader(user, portfolio)
	printPortfolio(portfolio, vesting.MaturedLocked(locks, now))
	printLocks(locks, now)

	return true, len(locks), nil
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	emailFlag := flag.String("email", "", "Filter by specific user email (optional)")
	flag.Parse()

	logger.Info("Starting portfolio query")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Connecting to database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	users, err := common.SelectUsers(ctx, dbService, *emailFlag)
	if err != nil {
		logger.Fatal("Failed to select users", zap.Error(err))
	}

	common.PrintHeader("USER PORTFOLIO REPORT", common.DefaultWidth)

	now := time.Now().UTC()
	stats := balanceStats{}
	for _, user := range users {
		stats.totalUsers++
		shown, lockCount, err := processUser(ctx, user, dbService, now)
		if err != nil {
			logger.Error("Failed to process user",
				zap.String("user_id", user.Id),
				zap.String("user_name", user.Name),
				zap.Error(err))
			continue
		}
		if shown {
			stats.usersWithBalances++
			stats.totalLocks += lockCount
		}
	}

	summary := fmt.Sprintf("SUMMARY: %d users with balances (%d locks across %d users queried)",
		stats.usersWithBalances, stats.totalLocks, stats.totalUsers)
	common.PrintFooter(summary, common.DefaultWidth)

	logger.Info("Portfolio query completed",
		zap.Int("users_queried", stats.totalUsers),
		zap.Int("users_with_balances", stats.usersWithBalances),
		zap.Int("total_locks", stats.totalLocks))
}
