package imagegate

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the top-level admission configuration.
type Config struct {
	Validation ValidationConfig `yaml:"validation"`
	Budget     BudgetConfig     `yaml:"budget"`
	Providers  []ProviderConfig `yaml:"providers"`
	Audit      AuditConfig      `yaml:"audit"`
}

// ValidationConfig configures prompt screening.
type ValidationConfig struct {
	MinLength    int     `yaml:"min_length"`
	MaxLength    int     `yaml:"max_length"`
	Strict       bool    `yaml:"strict"`
	PIIEnabled   bool    `yaml:"pii_enabled"`
	PIIThreshold float64 `yaml:"pii_threshold"`
	// PIIAction is one of block, warn, anonymize.
	PIIAction string `yaml:"pii_action"`
}

// BudgetConfig configures the budget ledger. Amounts are decimal strings.
type BudgetConfig struct {
	// Enforcement is the default mode for new budgets: hard, soft or warn.
	Enforcement           string `yaml:"enforcement"`
	AlertThresholdPercent int    `yaml:"alert_threshold_percent"`
	DefaultDepartmentAUD  string `yaml:"default_department_aud"`
	DefaultUserAUD        string `yaml:"default_user_aud"`
	MaxCostPerImageAUD    string `yaml:"max_cost_per_image_aud"`

	// Store selects the ledger backend: memory, redis or postgres.
	Store       string `yaml:"store"`
	RedisURL    string `yaml:"redis_url"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// RolloverSchedule is a six-field cron expression (seconds first) for the monthly rollover job.
	RolloverSchedule string `yaml:"rollover_schedule"`
}

// ProviderConfig configures a single provider adapter.
type ProviderConfig struct {
	Name string `yaml:"name"`
	// Type selects the adapter: dalle, azure_dalle, sdxl, firefly or mock.
	// Empty means it is inferred from Name.
	Type         string `yaml:"type"`
	Enabled      bool   `yaml:"enabled"`
	APIKey       string `yaml:"api_key"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	BaseURL      string `yaml:"base_url"`
	// Deployment is the Azure OpenAI deployment name for azure_dalle.
	Deployment  string        `yaml:"deployment"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	// RatePerMinute limits outbound calls; 0 means unlimited.
	RatePerMinute int    `yaml:"rate_per_minute"`
	CostStandard  string `yaml:"cost_standard"`
	CostHD        string `yaml:"cost_hd"`
}

// AuditConfig configures audit sinks.
type AuditConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
	Prometheus    bool   `yaml:"prometheus"`
}

// DefaultConfig returns the configuration used when a key is absent.
func DefaultConfig() Config {
	return Config{
		Validation: ValidationConfig{
			MinLength:    3,
			MaxLength:    2000,
			PIIEnabled:   true,
			PIIThreshold: 0.7,
			PIIAction:    "block",
		},
		Budget: BudgetConfig{
			Enforcement:           "hard",
			AlertThresholdPercent: 80,
			DefaultDepartmentAUD:  "5000.00",
			DefaultUserAUD:        "0",
			MaxCostPerImageAUD:    "0.50",
			Store:                 "memory",
			RolloverSchedule:      "0 5 0 1 * *",
		},
		Audit: AuditConfig{
			RetentionDays: 2555,
		},
	}
}

// LoadConfig reads and parses a YAML config file on top of DefaultConfig.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("imagegate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("imagegate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	v := c.Validation
	if v.MinLength < 0 || v.MaxLength <= 0 || v.MinLength > v.MaxLength {
		return fmt.Errorf("imagegate: config: validation: invalid length bounds [%d, %d]", v.MinLength, v.MaxLength)
	}
	if v.PIIThreshold < 0 || v.PIIThreshold > 1 {
		return fmt.Errorf("imagegate: config: validation: pii_threshold must be within [0, 1]")
	}
	switch v.PIIAction {
	case "block", "warn", "anonymize":
	default:
		return fmt.Errorf("imagegate: config: validation: invalid pii_action %q", v.PIIAction)
	}

	b := c.Budget
	switch b.Enforcement {
	case "hard", "soft", "warn":
	default:
		return fmt.Errorf("imagegate: config: budget: invalid enforcement %q", b.Enforcement)
	}
	if b.AlertThresholdPercent < 0 || b.AlertThresholdPercent > 100 {
		return fmt.Errorf("imagegate: config: budget: alert_threshold_percent must be within [0, 100]")
	}
	for key, val := range map[string]string{
		"default_department_aud": b.DefaultDepartmentAUD,
		"default_user_aud":       b.DefaultUserAUD,
		"max_cost_per_image_aud": b.MaxCostPerImageAUD,
	} {
		if _, err := nonNegativeMoney(val); err != nil {
			return fmt.Errorf("imagegate: config: budget: %s: %w", key, err)
		}
	}
	switch b.Store {
	case "memory":
	case "redis":
		if b.RedisURL == "" {
			return fmt.Errorf("imagegate: config: budget: redis_url is required for the redis store")
		}
	case "postgres":
		if b.PostgresDSN == "" {
			return fmt.Errorf("imagegate: config: budget: postgres_dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("imagegate: config: budget: invalid store %q", b.Store)
	}

	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("imagegate: config: providers[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("imagegate: config: duplicate provider %q", p.Name)
		}
		names[p.Name] = true

		switch p.Kind() {
		case "dalle", "sdxl", "firefly", "mock":
		case "azure_dalle":
			if p.BaseURL == "" || p.Deployment == "" {
				return fmt.Errorf("imagegate: config: providers[%d] (%s): azure_dalle needs base_url and deployment", i, p.Name)
			}
		default:
			return fmt.Errorf("imagegate: config: providers[%d] (%s): unknown type %q", i, p.Name, p.Type)
		}
		if p.Timeout < 0 || p.MaxAttempts < 0 || p.RatePerMinute < 0 {
			return fmt.Errorf("imagegate: config: providers[%d] (%s): negative limits", i, p.Name)
		}
		for key, val := range map[string]string{"cost_standard": p.CostStandard, "cost_hd": p.CostHD} {
			if val == "" {
				continue
			}
			if _, err := nonNegativeMoney(val); err != nil {
				return fmt.Errorf("imagegate: config: providers[%d] (%s): %s: %w", i, p.Name, key, err)
			}
		}
	}

	return nil
}

// Kind returns the adapter type, inferring it from well-known names.
func (p ProviderConfig) Kind() string {
	if p.Type != "" {
		return p.Type
	}
	switch p.Name {
	case "openai_dalle3":
		return "dalle"
	case "azure_openai_dalle3":
		return "azure_dalle"
	case "replicate_sdxl":
		return "sdxl"
	case "adobe_firefly":
		return "firefly"
	case "mock":
		return "mock"
	}
	return ""
}

// DepartmentDefault is the allocation given to lazily created department budgets.
func (b BudgetConfig) DepartmentDefault() decimal.Decimal { return mustNonNegative(b.DefaultDepartmentAUD) }

// UserDefault is the allocation given to lazily created user budgets (0 = unlimited).
func (b BudgetConfig) UserDefault() decimal.Decimal { return mustNonNegative(b.DefaultUserAUD) }

// MaxCostPerImage is the per-image safety cap.
func (b BudgetConfig) MaxCostPerImage() decimal.Decimal { return mustNonNegative(b.MaxCostPerImageAUD) }

func nonNegativeMoney(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := ParseMoney(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("must not be negative")
	}
	return d, nil
}

// mustNonNegative is only used on validated configs; malformed values read as zero.
func mustNonNegative(s string) decimal.Decimal {
	d, err := nonNegativeMoney(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
