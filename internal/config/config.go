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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"reward-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

type durationSetting struct {
	key      string
	fallback time.Duration
	target   *time.Duration
}

func Load() (*models.Config, error) {
	cfg := &models.Config{
		Database: models.DatabaseConfig{
			Path:             getEnvString("DATABASE_PATH", "rewards.db"),
			MaxOpenConns:     getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvInt("DB_MAX_IDLE_CONNS", 5),
			CreateDummyUsers: getEnvBool("CREATE_DUMMY_USERS", false),
		},
		Listener: models.ListenerConfig{
			Source:        getEnvString("NETWORK_SOURCE", "generic"),
			NetworkURL:    getEnvString("NETWORK_URL", ""),
			NetworkAPIKey: getEnvString("NETWORK_API_KEY", ""),
			PageSize:      getEnvInt("NETWORK_PAGE_SIZE", 100),
		},
		Server: models.ServerConfig{
			ListenAddr: getEnvString("LISTEN_ADDR", ":8080"),
			APIToken:   getEnvString("API_TOKEN", ""),
			Burst:      getEnvInt("RATE_LIMIT_BURST", 20),
		},
		Merge: models.MergeConfig{
			Enabled: getEnvBool("MERGE_ENABLED", false),
		},
		Prime: models.PrimeConfig{
			PortfolioId: getEnvString("PRIME_PORTFOLIO_ID", ""),
			WalletId:    getEnvString("PRIME_WALLET_ID", ""),
			Symbol:      getEnvString("PRIME_SYMBOL", "USDC"),
		},
		Formance: models.FormanceConfig{
			StackURL:      getEnvString("FORMANCE_STACK_URL", ""),
			ClientID:      getEnvString("FORMANCE_CLIENT_ID", ""),
			ClientSecret:  getEnvString("FORMANCE_CLIENT_SECRET", ""),
			LedgerName:    getEnvString("FORMANCE_LEDGER", "partner-rewards"),
			AccountPrefix: getEnvString("FORMANCE_ACCOUNT_PREFIX", "rewards"),
			Asset:         getEnvString("FORMANCE_ASSET", "PTS/2"),
		},
		Queue: models.QueueConfig{
			URL:      getEnvString("QUEUE_URL", ""),
			Queue:    getEnvString("QUEUE_NAME", "purchase-events"),
			Prefetch: getEnvInt("QUEUE_PREFETCH", 10),
			Workers:  getEnvInt("QUEUE_WORKERS", 4),
		},
		PartnersFile: getEnvString("PARTNERS_FILE", "partners.yaml"),
	}

	durations := []durationSetting{
		{"DB_CONN_MAX_LIFETIME", 5 * time.Minute, &cfg.Database.ConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", 30 * time.Second, &cfg.Database.ConnMaxIdleTime},
		{"DB_PING_TIMEOUT", 5 * time.Second, &cfg.Database.PingTimeout},
		{"DB_BUSY_TIMEOUT", 5 * time.Second, &cfg.Database.BusyTimeout},
		{"LISTENER_LOOKBACK_WINDOW", 6 * time.Hour, &cfg.Listener.LookbackWindow},
		{"LISTENER_POLLING_INTERVAL", 5 * time.Minute, &cfg.Listener.PollingInterval},
		{"LISTENER_CLEANUP_INTERVAL", 15 * time.Minute, &cfg.Listener.CleanupInterval},
		{"LISTENER_MIN_BACKOFF", 30 * time.Second, &cfg.Listener.MinBackoff},
		{"LISTENER_MAX_BACKOFF", 30 * time.Minute, &cfg.Listener.MaxBackoff},
		{"NETWORK_REQUEST_TIMEOUT", 30 * time.Second, &cfg.Listener.RequestTimeout},
		{"SERVER_READ_TIMEOUT", 15 * time.Second, &cfg.Server.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", 60 * time.Second, &cfg.Server.WriteTimeout},
		{"VESTING_TIER1_WINDOW", 90 * 24 * time.Hour, &cfg.Vesting.Tier1Window},
		{"VESTING_TIER2_WINDOW", 360 * 24 * time.Hour, &cfg.Vesting.Tier2Window},
		{"MERGE_INTERVAL", time.Hour, &cfg.Merge.Interval},
		{"WITHDRAWAL_RAIL_TIMEOUT", 30 * time.Second, &cfg.Withdrawal.RailTimeout},
		{"WITHDRAWAL_RECOVERY_LOOKBACK", 72 * time.Hour, &cfg.Withdrawal.RecoveryLookback},
		{"PRIME_POLL_INTERVAL", 2 * time.Second, &cfg.Prime.PollInterval},
	}
	for _, d := range durations {
		value, err := getEnvDuration(d.key, d.fallback)
		if err != nil {
			return nil, err
		}
		*d.target = value
	}

	var err error
	if cfg.Server.RequestsPerMinute, err = getEnvFloat("RATE_LIMIT_RPM", 120); err != nil {
		return nil, err
	}
	if cfg.Withdrawal.Fee, err = getEnvDecimal("WITHDRAWAL_FEE", decimal.Zero); err != nil {
		return nil, err
	}
	if cfg.Withdrawal.Fee.IsNegative() {
		return nil, fmt.Errorf("WITHDRAWAL_FEE must not be negative: %s", cfg.Withdrawal.Fee)
	}
	if cfg.Prime.UnitsPerAsset, err = getEnvDecimal("PRIME_UNITS_PER_ASSET", decimal.NewFromInt(100)); err != nil {
		return nil, err
	}
	if !cfg.Prime.UnitsPerAsset.IsPositive() {
		return nil, fmt.Errorf("PRIME_UNITS_PER_ASSET must be positive: %s", cfg.Prime.UnitsPerAsset)
	}
	if cfg.Server.WebhookSecrets, err = parseSecrets(os.Getenv("WEBHOOK_SECRETS")); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseSecrets reads "source=secret,source2=secret2"
func parseSecrets(value string) (map[string]string, error) {
	secrets := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		source, secret, ok := strings.Cut(pair, "=")
		source, secret = strings.TrimSpace(source), strings.TrimSpace(secret)
		if !ok || source == "" || secret == "" {
			return nil, fmt.Errorf("invalid WEBHOOK_SECRETS entry %q, want source=secret", pair)
		}
		secrets[source] = secret
	}
	return secrets, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	if value := os.Getenv(key); value != "" {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid decimal for %s: %q (%w)", key, value, err)
		}
		return d, nil
	}
	return defaultValue, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number for %s: %q (%w)", key, value, err)
		}
		return f, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
