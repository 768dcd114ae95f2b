package main

import (
	"context"
	"flag"
	"fmt"

	"reward-ledger-go/internal/api"
	"reward-ledger-go/internal/common"
	"reward-ledger-go/internal/config"
	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/partners"
	"reward-ledger-go/internal/store"

	"go.uber.org/zap"
)

type reportStats struct {
	totalUsers        int
	totalMappings     int
	usersWithMappings int
}

func printUserHeader(user models.User, mappingCount int) {
	fmt.Printf("\n┌─ User: %s (%s)\n", user.Name, user.Email)
	fmt.Printf("│  ID: %s\n", user.Id)
	fmt.Printf("│  Tracking tokens: %d\n", mappingCount)
}

func printMapping(mapping models.TrackingMapping, isLast bool) {
	fmt.Printf("%s %-20s → %s\n", common.BoxPrefix(isLast), mapping.PartnerId, mapping.Token)
	fmt.Printf("%s   Issued: %s\n", common.BoxDetailPrefix(isLast), mapping.CreatedAt.Format("2006-01-02 15:04:05"))
}

func processUsersAndGenerateReport(ctx context.Context, users []models.User, mappings store.MappingStore, logger *zap.Logger) reportStats {
	stats := reportStats{}

	for _, user := range users {
		stats.totalUsers++

		userMappings, err := mappings.LookupMappingsByUser(ctx, user.Id)
		if err != nil {
			logger.Error("Failed to process user",
				zap.String("user_id", user.Id),
				zap.String("user_name", user.Name),
				zap.Error(err))
			continue
		}
		if len(userMappings) == 0 {
			continue
		}

		printUserHeader(user, len(userMappings))
		for i, m := range userMappings {
			printMapping(m, i == len(userMappings)-1)
		}
		stats.usersWithMappings++
		stats.totalMappings += len(userMappings)
	}

	return stats
}

func generate(ctx context.Context, service *api.LedgerService, user *models.User, partnerId string) {
	link, err := service.GenerateTrackingLink(ctx, user.Id, partnerId)
	if err != nil {
		zap.L().Fatal("Failed to generate tracking link", zap.Error(err))
	}

	common.PrintHeader("TRACKING LINK", common.WideWidth)
	fmt.Printf("User:    %s (%s)\n", user.Name, user.Email)
	fmt.Printf("Partner: %s\n", link.PartnerId)
	fmt.Printf("Token:   %s\n", link.Token)
	fmt.Printf("URL:     %s\n", link.URL)
	common.PrintSeparator("=", common.WideWidth)
}

func resolve(ctx context.Context, service *api.LedgerService, token string) {
	fragments, mapping, err := service.ResolveToken(ctx, token)

	common.PrintHeader("TOKEN RESOLUTION", common.WideWidth)
	fmt.Printf("Token:            %s\n", token)
	if fragments != nil {
		fmt.Printf("User fragment:    %s\n", fragments.User)
		fmt.Printf("Partner fragment: %s\n", fragments.Partner)
		if issued, ok := fragments.IssuedAt(); ok {
			fmt.Printf("Issued:           %s\n", issued.Format("2006-01-02 15:04:05.000"))
		}
	} else {
		fmt.Println("Format:           not decodable")
	}
	if err != nil {
		fmt.Printf("Mapping:          none (%v)\n", err)
	} else {
		fmt.Printf("Mapping:          user %s, partner %s\n", mapping.UserId, mapping.PartnerId)
	}
	common.PrintSeparator("=", common.WideWidth)
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	emailFlag := flag.String("email", "", "Filter by user email, or the user to issue a link for")
	partnerFlag := flag.String("partner", "", "Issue a new tracking link for --email at this partner")
	tokenFlag := flag.String("token", "", "Decode a token and show the mapping it resolves to")
	flag.Parse()

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

	partnerConfig, err := partners.Load(cfg.PartnersFile)
	if err != nil {
		logger.Fatal("Failed to load partners", zap.Error(err))
	}

	service := api.NewLedgerService(api.Config{
		Store: dbService,
		Links: partnerConfig,
	})

	switch {
	case *tokenFlag != "":
		resolve(ctx, service, *tokenFlag)
		return

	case *partnerFlag != "":
		if *emailFlag == "" {
			logger.Fatal("--partner requires --email")
		}
		user, err := common.ResolveUser(ctx, dbService, *emailFlag)
		if err != nil {
			logger.Fatal("User not found", zap.String("email", *emailFlag), zap.Error(err))
		}
		generate(ctx, service, user, *partnerFlag)
		return
	}

	users, err := common.SelectUsers(ctx, dbService, *emailFlag)
	if err != nil {
		logger.Fatal("Failed to select users", zap.Error(err))
	}

	common.PrintHeader("TRACKING TOKEN REPORT", common.WideWidth)
	stats := processUsersAndGenerateReport(ctx, users, dbService, logger)

	summary := fmt.Sprintf("SUMMARY: %d users with tokens (%d total tokens across %d users queried)",
		stats.usersWithMappings, stats.totalMappings, stats.totalUsers)
	common.PrintFooter(summary, common.WideWidth)

	logger.Info("Token query completed",
		zap.Int("users_queried", stats.totalUsers),
		zap.Int("users_with_tokens", stats.usersWithMappings),
		zap.Int("total_tokens", stats.totalMappings))
}
