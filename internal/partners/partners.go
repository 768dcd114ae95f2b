package partners

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

// LockPolicy selects how a partner's rewards vest
type LockPolicy string

const (
	LockTier1 LockPolicy = "tier1"
	LockTier2 LockPolicy = "tier2"
	LockNone  LockPolicy = "none"
)

const defaultLinkTemplate = "https://go.example.com/{partner}?sub1={token}"

type Partner struct {
	Id           string
	Name         string
	Rate         decimal.Decimal
	Lock         LockPolicy
	LinkTemplate string
}

// Config is the partner configuration store: reward rates, lock policy and
// link templates keyed by partner id
type Config struct {
	DefaultRate         decimal.Decimal
	DefaultLock         LockPolicy
	DefaultLinkTemplate string
	partners            map[string]Partner
}

type partnerEntry struct {
	Id           string `yaml:"id"`
	Name         string `yaml:"name"`
	Rate         string `yaml:"rate"`
	Lock         string `yaml:"lock"`
	LinkTemplate string `yaml:"link_template"`
}

type partnersFile struct {
	DefaultRate         string         `yaml:"default_rate"`
	DefaultLock         string         `yaml:"default_lock"`
	DefaultLinkTemplate string         `yaml:"default_link_template"`
	Partners            []partnerEntry `yaml:"partners"`
}

func Load(partnersFile string) (*Config, error) {
	var partnersPath string
	if filepath.IsAbs(partnersFile) {
		partnersPath = partnersFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		partnersPath = filepath.Join(wd, partnersFile)
	}

	data, err := os.ReadFile(partnersPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", partnersFile, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", partnersFile, err)
	}
	return config, nil
}

// Parse validates a partners document: ids unique, rates positive, lock policy known
func Parse(data []byte) (*Config, error) {
	var raw partnersFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	config := &Config{
		DefaultRate:         decimal.NewFromInt(1),
		DefaultLock:         LockTier1,
		DefaultLinkTemplate: defaultLinkTemplate,
		partners:            make(map[string]Partner, len(raw.Partners)),
	}

	if raw.DefaultRate != "" {
		rate, err := parseRate(raw.DefaultRate)
		if err != nil {
			return nil, fmt.Errorf("default_rate: %w", err)
		}
		config.DefaultRate = rate
	}
	if raw.DefaultLock != "" {
		lock, err := parseLock(raw.DefaultLock)
		if err != nil {
			return nil, fmt.Errorf("default_lock: %w", err)
		}
		config.DefaultLock = lock
	}
	if raw.DefaultLinkTemplate != "" {
		config.DefaultLinkTemplate = raw.DefaultLinkTemplate
	}

	for i, entry := range raw.Partners {
		if entry.Id == "" {
			return nil, fmt.Errorf("partner at index %d missing id", i)
		}
		if _, exists := config.partners[entry.Id]; exists {
			return nil, fmt.Errorf("partner %q defined more than once", entry.Id)
		}

		partner := Partner{
			Id:           entry.Id,
			Name:         entry.Name,
			Rate:         config.DefaultRate,
			Lock:         config.DefaultLock,
			LinkTemplate: config.DefaultLinkTemplate,
		}
		if entry.Rate != "" {
			rate, err := parseRate(entry.Rate)
			if err != nil {
				return nil, fmt.Errorf("partner %q rate: %w", entry.Id, err)
			}
			partner.Rate = rate
		}
		if entry.Lock != "" {
			lock, err := parseLock(entry.Lock)
			if err != nil {
				return nil, fmt.Errorf("partner %q lock: %w", entry.Id, err)
			}
			partner.Lock = lock
		}
		if entry.LinkTemplate != "" {
			partner.LinkTemplate = entry.LinkTemplate
		}
		config.partners[entry.Id] = partner
	}

	return config, nil
}

func parseRate(value string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid rate %q: %w", value, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("rate must be positive, got %s", rate)
	}
	return rate, nil
}

func parseLock(value string) (LockPolicy, error) {
	switch lock := LockPolicy(strings.ToLower(strings.TrimSpace(value))); lock {
	case LockTier1, LockTier2, LockNone:
		return lock, nil
	default:
		return "", fmt.Errorf("unknown lock policy %q", value)
	}
}

// Lookup returns the configured partner, if any
func (c *Config) Lookup(partnerId string) (Partner, bool) {
	partner, ok := c.partners[partnerId]
	return partner, ok
}

// Rate returns the reward per currency unit for a partner, falling back to
// the default rate for unconfigured partners
func (c *Config) Rate(partnerId string) decimal.Decimal {
	if partner, ok := c.partners[partnerId]; ok {
		return partner.Rate
	}
	return c.DefaultRate
}

func (c *Config) LockPolicy(partnerId string) LockPolicy {
	if partner, ok := c.partners[partnerId]; ok {
		return partner.Lock
	}
	return c.DefaultLock
}

// Link renders the shopping link for a partner carrying the tracking token
func (c *Config) Link(partnerId, token string) string {
	template := c.DefaultLinkTemplate
	if partner, ok := c.partners[partnerId]; ok {
		template = partner.LinkTemplate
	}
	return strings.NewReplacer("{partner}", partnerId, "{token}", token).Replace(template)
}

func (c *Config) Partners() []Partner {
	partners := make([]Partner, 0, len(c.partners))
	for _, partner := range c.partners {
		partners = append(partners, partner)
	}
	return partners
}
