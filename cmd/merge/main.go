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

package main

import (
	"context"
	"flag"
	"fmt"

	"reward-ledger-go/internal/common"
	"reward-ledger-go/internal/config"
	"reward-ledger-go/internal/models"

	"go.uber.org/zap"
)

func printMerged(user *models.User, p *models.Portfolio) {
	fmt.Printf("\n┌─ User: %s (%s)\n", user.Name, user.Email)
	fmt.Printf("│  Linked account: %s\n", user.LinkedAccountId)
	prefix := common.BoxDetailPrefix(false)
	common.PrintAmount(prefix, "Available", p.Available, true)
	common.PrintAmount(prefix, "  external", p.ExternalAvailable, false)
	common.PrintAmount(prefix, "Locked tier 2", p.LockedTier2, false)
	common.PrintAmount(prefix, "  external", p.ExternalLockedTier2, false)
	common.PrintAmount(common.BoxPrefix(true), "Total earned", p.TotalEarned, true)
}

// releaseMatured moves every matured lock into available before merging
func releaseMatured(ctx context.Context, services *common.Services, users []models.User) {
	for _, user := range users {
		released, err := services.Ledger.ReleaseMatured(ctx, user.Id)
		if err != nil {
			zap.L().Error("Failed to release matured locks",
				zap.String("user_id", user.Id),
				zap.Error(err))
			continue
		}
		if released.IsPositive() {
			zap.L().Info("Released matured locks",
				zap.String("user_id", user.Id),
				zap.String("amount", released.String()))
		}
	}
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	userFlag := flag.String("user", "", "Merge a single user by id or email (default: every linked user)")
	releaseFlag := flag.Bool("release", false, "Release matured locks for every user before merging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if err := services.InitializeMerge(cfg); err != nil {
		zap.L().Fatal("Failed to initialize merge", zap.Error(err))
	}

	if *releaseFlag {
		users, err := services.DbService.GetUsers(ctx)
		if err != nil {
			zap.L().Fatal("Failed to read users from database", zap.Error(err))
		}
		releaseMatured(ctx, services, users)
	}

	if *userFlag != "" {
		user, err := common.ResolveUser(ctx, services.DbService, *userFlag)
		if err != nil {
			zap.L().Fatal("User not found", zap.String("user", *userFlag), zap.Error(err))
		}
		portfolio, err := services.Merger.MergeUser(ctx, *user)
		if err != nil {
			zap.L().Fatal("Merge failed", zap.String("user_id", user.Id), zap.Error(err))
		}
		common.PrintHeader("MERGED PORTFOLIO", common.DefaultWidth)
		printMerged(user, portfolio)
		common.PrintSeparator("=", common.DefaultWidth)
		return
	}

	summary, err := services.Merger.MergeAll(ctx)
	if err != nil {
		zap.L().Fatal("Merge run failed", zap.Error(err))
	}

	common.PrintFooter(fmt.Sprintf("MERGE: %d merged, %d skipped, %d failed",
		summary.Merged, summary.Skipped, summary.Failed), common.DefaultWidth)

	if summary.Failed > 0 {
		zap.L().Warn("Merge completed with some failures", zap.Int("failed", summary.Failed))
	}
}
