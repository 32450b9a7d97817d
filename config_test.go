package imagegate_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ig "github.com/ineyio/imagegate"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "imagegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_DefaultsAndExpansion(t *testing.T) {
	t.Setenv("IMAGEGATE_OPENAI_KEY", "sk-test")
	path := writeFile(t, `
validation:
  pii_action: anonymize
budget:
  enforcement: soft
  max_cost_per_image_aud: "0.25"
providers:
  - name: openai_dalle3
    enabled: true
    api_key: ${IMAGEGATE_OPENAI_KEY}
    timeout: 45s
    rate_per_minute: 50
  - name: eu-dalle
    type: azure_dalle
    enabled: true
    base_url: https://eu.openai.azure.com
    deployment: dalle3
`)

	cfg, err := ig.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Validation.MinLength, "absent keys keep defaults")
	assert.Equal(t, 2000, cfg.Validation.MaxLength)
	assert.Equal(t, "anonymize", cfg.Validation.PIIAction)
	assert.Equal(t, "soft", cfg.Budget.Enforcement)
	assert.Equal(t, "0.25", cfg.Budget.MaxCostPerImage().StringFixed(2))
	assert.Equal(t, "5000.00", cfg.Budget.DepartmentDefault().StringFixed(2))
	assert.True(t, cfg.Budget.UserDefault().IsZero())
	assert.Equal(t, "memory", cfg.Budget.Store)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "sk-test", cfg.Providers[0].APIKey)
	assert.Equal(t, 45*time.Second, cfg.Providers[0].Timeout)
	assert.Equal(t, "dalle", cfg.Providers[0].Kind())
	assert.Equal(t, "azure_dalle", cfg.Providers[1].Kind())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := ig.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = ig.LoadConfig(writeFile(t, "validation: [unclosed"))
	assert.ErrorContains(t, err, "parse config")

	_, err = ig.LoadConfig(writeFile(t, "budget:\n  store: etcd\n"))
	assert.ErrorContains(t, err, `invalid store "etcd"`)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ig.Config)
		want   string
	}{
		{"length bounds", func(c *ig.Config) { c.Validation.MinLength = 50; c.Validation.MaxLength = 10 }, "invalid length bounds"},
		{"pii threshold", func(c *ig.Config) { c.Validation.PIIThreshold = 1.5 }, "pii_threshold"},
		{"pii action", func(c *ig.Config) { c.Validation.PIIAction = "redact" }, "invalid pii_action"},
		{"enforcement", func(c *ig.Config) { c.Budget.Enforcement = "strict" }, "invalid enforcement"},
		{"alert threshold", func(c *ig.Config) { c.Budget.AlertThresholdPercent = 120 }, "alert_threshold_percent"},
		{"negative money", func(c *ig.Config) { c.Budget.DefaultUserAUD = "-5" }, "default_user_aud"},
		{"bad money", func(c *ig.Config) { c.Budget.MaxCostPerImageAUD = "cheap" }, "max_cost_per_image_aud"},
		{"redis url", func(c *ig.Config) { c.Budget.Store = "redis" }, "redis_url"},
		{"postgres dsn", func(c *ig.Config) { c.Budget.Store = "postgres" }, "postgres_dsn"},
		{"provider name", func(c *ig.Config) { c.Providers = []ig.ProviderConfig{{Type: "mock"}} }, "name is required"},
		{"duplicate provider", func(c *ig.Config) {
			c.Providers = []ig.ProviderConfig{{Name: "mock"}, {Name: "mock"}}
		}, "duplicate provider"},
		{"unknown type", func(c *ig.Config) { c.Providers = []ig.ProviderConfig{{Name: "midjourney"}} }, "unknown type"},
		{"azure fields", func(c *ig.Config) {
			c.Providers = []ig.ProviderConfig{{Name: "azure_openai_dalle3"}}
		}, "needs base_url and deployment"},
		{"negative limits", func(c *ig.Config) {
			c.Providers = []ig.ProviderConfig{{Name: "mock", MaxAttempts: -1}}
		}, "negative limits"},
		{"provider cost", func(c *ig.Config) {
			c.Providers = []ig.ProviderConfig{{Name: "mock", CostHD: "-0.1"}}
		}, "cost_hd"},
	}

	require.NoError(t, ig.DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ig.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestProviderConfigKind(t *testing.T) {
	for name, want := range map[string]string{
		"openai_dalle3":       "dalle",
		"azure_openai_dalle3": "azure_dalle",
		"replicate_sdxl":      "sdxl",
		"adobe_firefly":       "firefly",
		"mock":                "mock",
		"custom":              "",
	} {
		assert.Equal(t, want, ig.ProviderConfig{Name: name}.Kind(), name)
	}
	assert.Equal(t, "sdxl", ig.ProviderConfig{Name: "openai_dalle3", Type: "sdxl"}.Kind(), "explicit type wins")
}
