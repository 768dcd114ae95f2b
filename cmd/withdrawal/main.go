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
	"errors"
	"flag"
	"fmt"

	"reward-ledger-go/internal/common"
	"reward-ledger-go/internal/config"
	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"
	"reward-ledger-go/internal/vesting"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type withdrawalRequest struct {
	user        string
	amount      decimal.Decimal
	destination string
	recover     bool
}

func parseAndValidateFlags() (*withdrawalRequest, error) {
	userFlag := flag.String("user", "", "User id or email (required unless --recover)")
	amountFlag := flag.String("amount", "", "Points to withdraw, fee included (required unless --recover)")
	destinationFlag := flag.String("destination", "", "Payout address (defaults to the user's saved destination)")
	recoverFlag := flag.Bool("recover", false, "Settle withdrawals left pending or processing, then exit")
	flag.Parse()

	if *recoverFlag {
		return &withdrawalRequest{recover: true}, nil
	}

	if *userFlag == "" || *amountFlag == "" {
		return nil, fmt.Errorf("flags are required: --user, --amount")
	}

	amount, err := decimal.NewFromString(*amountFlag)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("amount must be greater than zero")
	}

	return &withdrawalRequest{
		user:        *userFlag,
		amount:      amount,
		destination: *destinationFlag,
	}, nil
}

func printWithdrawalSummary(user *models.User, portfolio *models.Portfolio, matured decimal.Decimal, req *withdrawalRequest) {
	common.PrintHeader("WITHDRAWAL REQUEST", common.DefaultWidth)
	fmt.Printf("User:              %s (%s)\n", user.Name, user.Email)
	common.PrintAmount("", "Available", portfolio.Available, true)
	common.PrintAmount("", "Matured locks", matured, false)
	common.PrintAmount("", "Pending", portfolio.Pending, false)
	common.PrintAmount("", "Requested", req.amount, true)
	destination := req.destination
	if destination == "" {
		destination = user.Destination + " (saved)"
	}
	fmt.Printf("Destination:       %s\n", destination)
	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Println()
}

func printResult(request *models.WithdrawalRequest) {
	view := common.BoxPrefix(false)
	fmt.Printf("%sRequest ID:   %s\n", view, request.Id)
	fmt.Printf("%sStatus:       %s\n", view, request.Status)
	fmt.Printf("%sNet amount:   %s\n", view, request.NetAmount.StringFixed(2))
	if request.SettlementRef != "" {
		fmt.Printf("%sSettlement:   %s\n", view, request.SettlementRef)
	}
	fmt.Printf("%sReason:       %s\n", common.BoxPrefix(true), orNone(request.FailureReason))
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	req, err := parseAndValidateFlags()
	if err != nil {
		zap.L().Fatal("Invalid flags", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	zap.L().Info("Initializing services")
	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if err := services.InitializeWithdrawals(cfg); err != nil {
		zap.L().Fatal("Failed to initialize withdrawals", zap.Error(err))
	}

	if req.recover {
		summary, err := services.Withdrawals.Recover(ctx)
		if err != nil {
			zap.L().Fatal("Recovery failed", zap.Error(err))
		}
		common.PrintFooter(fmt.Sprintf("RECOVERY: %d completed, %d failed, %d unresolved",
			summary.Completed, summary.Failed, summary.Unresolved), common.DefaultWidth)
		return
	}

	user, err := common.ResolveUser(ctx, services.DbService, req.user)
	if err != nil {
		zap.L().Fatal("User not found", zap.String("user", req.user), zap.Error(err))
	}

	portfolio, err := services.DbService.GetPortfolio(ctx, user.Id)
	if err != nil {
		zap.L().Fatal("Failed to read portfolio", zap.Error(err))
	}
	locks, err := services.DbService.GetLocks(ctx, user.Id)
	if err != nil {
		zap.L().Fatal("Failed to read locks", zap.Error(err))
	}
	matured := vesting.MaturedLocked(locks, services.Ledger.Now())

	printWithdrawalSummary(user, portfolio, matured, req)

	zap.L().Info("Submitting withdrawal",
		zap.String("user_id", user.Id),
		zap.String("amount", req.amount.String()))

	request, err := services.Withdrawals.RequestWithdrawal(ctx, user.Id, req.destination, req.amount)
	switch {
	case err == nil:
		if request.Status == models.WithdrawalCompleted {
			fmt.Println("Withdrawal completed")
		} else {
			fmt.Println("Withdrawal failed, balance restored")
		}
		printResult(request)

	case request != nil && errors.Is(err, store.ErrUnknownOutcome):
		fmt.Println("Withdrawal submitted but not yet confirmed; funds stay reserved")
		fmt.Println("Re-run with --recover later to settle it")
		printResult(request)

	case errors.Is(err, store.ErrInsufficientFunds):
		fmt.Printf("Insufficient balance for %s\n", req.amount.StringFixed(2))
		zap.L().Fatal("Withdrawal refused", zap.Error(err))

	default:
		zap.L().Fatal("Withdrawal failed", zap.Error(err))
	}

	zap.L().Info("Withdrawal finished",
		zap.String("request_id", request.Id),
		zap.String("status", string(request.Status)))
}
