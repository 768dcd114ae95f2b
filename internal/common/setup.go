package common

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"reward-ledger-go/internal/database"
	"reward-ledger-go/internal/formance"
	"reward-ledger-go/internal/ledger"
	"reward-ledger-go/internal/merge"
	"reward-ledger-go/internal/metrics"
	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/partners"
	"reward-ledger-go/internal/prime"
	"reward-ledger-go/internal/reconciler"
	"reward-ledger-go/internal/vesting"
	"reward-ledger-go/internal/withdrawal"

	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can also be set via shell export, docker, etc.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

// Services is the wired core: storage, ledger, vesting, partner policy and
// the reconciler. The rail-backed and partner-ledger-backed parts are added
// by InitializeWithdrawals and InitializeMerge.
type Services struct {
	DbService   *database.Service
	Ledger      *ledger.Ledger
	Vesting     *vesting.Manager
	Partners    *partners.Config
	Reconciler  *reconciler.Service
	Metrics     *metrics.LedgerMetrics
	Withdrawals *withdrawal.Processor
	Merger      *merge.Merger
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Loading partner configuration", zap.String("file", cfg.PartnersFile))
	partnerConfig, err := partners.Load(cfg.PartnersFile)
	if err != nil {
		dbService.Close()
		return nil, err
	}

	ledgerMetrics := metrics.Ledger()
	ledgerSvc := ledger.New(dbService)
	vestingMgr := vesting.NewManager(ledgerSvc, dbService, vesting.NewPolicy(cfg.Vesting))
	reconcilerSvc := reconciler.NewService(reconciler.Config{
		Store:    dbService,
		Vesting:  vestingMgr,
		Partners: partnerConfig,
		Metrics:  ledgerMetrics,
	})

	return &Services{
		DbService:  dbService,
		Ledger:     ledgerSvc,
		Vesting:    vestingMgr,
		Partners:   partnerConfig,
		Reconciler: reconcilerSvc,
		Metrics:    ledgerMetrics,
	}, nil
}

// InitializeWithdrawals wires the withdrawal processor to the Prime rail
func (cs *Services) InitializeWithdrawals(cfg *models.Config) error {
	zap.L().Info("Loading Prime API credentials")
	creds, err := loadPrimeCredentials()
	if err != nil {
		return err
	}

	rail, err := prime.NewRail(creds, prime.RailConfig{
		PortfolioId:   cfg.Prime.PortfolioId,
		WalletId:      cfg.Prime.WalletId,
		Symbol:        cfg.Prime.Symbol,
		UnitsPerAsset: cfg.Prime.UnitsPerAsset,
		PollInterval:  cfg.Prime.PollInterval,
		Lookback:      cfg.Withdrawal.RecoveryLookback,
	})
	if err != nil {
		return err
	}

	cs.Withdrawals = withdrawal.NewProcessor(withdrawal.Config{
		Store:       cs.DbService,
		Users:       cs.DbService,
		Ledger:      cs.Ledger,
		Rail:        rail,
		Metrics:     cs.Metrics,
		Fee:         cfg.Withdrawal.Fee,
		RailTimeout: cfg.Withdrawal.RailTimeout,
	})
	zap.L().Info("Withdrawal processor ready",
		zap.String("portfolio_id", cfg.Prime.PortfolioId),
		zap.String("wallet_id", cfg.Prime.WalletId),
		zap.String("fee", cfg.Withdrawal.Fee.String()))
	return nil
}

// InitializeMerge wires the dual-source merger to the Formance partner ledger
func (cs *Services) InitializeMerge(cfg *models.Config) error {
	partnerLedger, err := formance.NewService(cfg.Formance)
	if err != nil {
		return err
	}

	cs.Merger = merge.NewMerger(merge.Config{
		Ledger:   cs.Ledger,
		Partner:  partnerLedger,
		Accounts: cs.DbService,
		Metrics:  cs.Metrics,
	})
	return nil
}

// InitializeDatabaseOnly initializes just the database service
// Useful for read-only operations like querying balances
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	return database.NewService(ctx, cfg.Database)
}

func (cs *Services) Close() {
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func loadPrimeCredentials() (*credentials.Credentials, error) {
	accessKey := os.Getenv("PRIME_ACCESS_KEY")
	passphrase := os.Getenv("PRIME_PASSPHRASE")
	signingKey := os.Getenv("PRIME_SIGNING_KEY")

	if accessKey == "" || passphrase == "" || signingKey == "" {
		return nil, fmt.Errorf("missing required Prime API credentials: PRIME_ACCESS_KEY, PRIME_PASSPHRASE, PRIME_SIGNING_KEY")
	}

	return &credentials.Credentials{
		AccessKey:  accessKey,
		Passphrase: passphrase,
		SigningKey: signingKey,
	}, nil
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
