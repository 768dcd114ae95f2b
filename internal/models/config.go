package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Database     DatabaseConfig
	Listener     ListenerConfig
	Server       ServerConfig
	Vesting      VestingConfig
	Merge        MergeConfig
	Withdrawal   WithdrawalConfig
	Prime        PrimeConfig
	Formance     FormanceConfig
	Queue        QueueConfig
	PartnersFile string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path             string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	ConnMaxIdleTime  time.Duration
	PingTimeout      time.Duration
	BusyTimeout      time.Duration
	CreateDummyUsers bool
}

// ListenerConfig holds affiliate network polling settings
type ListenerConfig struct {
	Source          string
	NetworkURL      string
	NetworkAPIKey   string
	LookbackWindow  time.Duration
	PollingInterval time.Duration
	CleanupInterval time.Duration
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
	PageSize        int
	RequestTimeout  time.Duration
}

// ServerConfig holds the HTTP surface settings
type ServerConfig struct {
	ListenAddr        string
	APIToken          string
	WebhookSecrets    map[string]string
	RequestsPerMinute float64
	Burst             int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// VestingConfig holds the lock windows, measured from lock creation
type VestingConfig struct {
	Tier1Window time.Duration
	Tier2Window time.Duration
}

// MergeConfig holds the dual-source merge schedule
type MergeConfig struct {
	Enabled  bool
	Interval time.Duration
}

// WithdrawalConfig holds withdrawal processing settings
type WithdrawalConfig struct {
	Fee              decimal.Decimal
	RailTimeout      time.Duration
	RecoveryLookback time.Duration
}

// PrimeConfig identifies the wallet the settlement rail pays out from
type PrimeConfig struct {
	PortfolioId   string
	WalletId      string
	Symbol        string
	UnitsPerAsset decimal.Decimal
	PollInterval  time.Duration
}

// FormanceConfig identifies the external partner ledger
type FormanceConfig struct {
	StackURL      string
	ClientID      string
	ClientSecret  string
	LedgerName    string
	AccountPrefix string
	Asset         string
}

// QueueConfig holds the optional AMQP delivery path settings
type QueueConfig struct {
	URL      string
	Queue    string
	Prefetch int
	Workers  int
}
