package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"reward-ledger-go/internal/common"
	"reward-ledger-go/internal/config"
	"reward-ledger-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	userFlag := flag.String("user", "", "User id or email (required)")
	partnerFlag := flag.String("partner", "", "Partner the purchase was made at (required)")
	txFlag := flag.String("tx", "", "External transaction id from the network report (required)")
	amountFlag := flag.String("amount", "", "Amount spent (required)")
	currencyFlag := flag.String("currency", "USD", "Currency of the amount spent")
	flag.Parse()

	if *userFlag == "" || *partnerFlag == "" || *txFlag == "" || *amountFlag == "" {
		zap.L().Fatal("Flags are required: --user, --partner, --tx, --amount")
	}
	amount, err := decimal.NewFromString(*amountFlag)
	if err != nil {
		zap.L().Fatal("Invalid amount format", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	user, err := common.ResolveUser(ctx, services.DbService, *userFlag)
	if err != nil {
		zap.L().Fatal("User not found", zap.String("user", *userFlag), zap.Error(err))
	}

	result := services.Reconciler.ProcessManual(ctx, user.Id, *partnerFlag, models.ExternalPurchaseEvent{
		ExternalTransactionId: *txFlag,
		PartnerRef:            *partnerFlag,
		AmountSpent:           amount,
		Currency:              *currencyFlag,
		Status:                models.PurchaseCompleted,
		OccurredAt:            time.Now().UTC(),
	})

	common.PrintHeader("MANUAL CREDIT", common.DefaultWidth)
	fmt.Printf("User:        %s (%s)\n", user.Name, user.Email)
	fmt.Printf("Transaction: %s\n", result.ExternalTransactionId)
	fmt.Printf("Outcome:     %s\n", result.Outcome)
	common.PrintAmount("", "Reward", result.Reward, true)
	if result.Error != "" {
		fmt.Printf("Error:       %s\n", result.Error)
	}
	common.PrintSeparator("=", common.DefaultWidth)

	if result.Outcome != models.OutcomeCredited && result.Outcome != models.OutcomeAlreadyProcessed {
		zap.L().Fatal("Manual credit not applied",
			zap.String("outcome", string(result.Outcome)),
			zap.String("error", result.Error))
	}
}
