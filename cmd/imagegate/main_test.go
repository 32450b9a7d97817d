package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/budget"
	"github.com/ineyio/imagegate/provider/dalle"
	"github.com/ineyio/imagegate/provider/firefly"
	"github.com/ineyio/imagegate/provider/sdxl"
)

const testConfig = `
validation:
  min_length: 3
  max_length: 500
budget:
  default_department_aud: "100.00"
providers:
  - name: premium
    type: mock
    enabled: true
    cost_standard: "0.08"
  - name: budget
    type: mock
    enabled: true
    cost_standard: "${IMAGEGATE_TEST_COST}"
  - name: disabled
    type: mock
    enabled: false
    cost_standard: "0.001"
audit:
  sqlite_path: %AUDIT%
  retention_days: 30
  prometheus: true
`

// writeConfig writes a config whose audit database lives in a temp dir.
func writeConfig(t *testing.T, cost string) string {
	t.Helper()
	t.Setenv("IMAGEGATE_TEST_COST", cost)
	dir := t.TempDir()
	body := strings.ReplaceAll(testConfig, "%AUDIT%", filepath.Join(dir, "audit.db"))
	path := filepath.Join(dir, "imagegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--env-file", "", "--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestEstimate(t *testing.T) {
	cfg := writeConfig(t, "0.02")

	out, err := run(t, "-c", cfg, "estimate", "--size", "1024x1024", "-n", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "premium")
	assert.Contains(t, out, "0.16")
	assert.Contains(t, out, "Selected: budget (0.04 AUD)")
	assert.NotContains(t, out, "disabled")

	out, err = run(t, "-c", cfg, "estimate", "--provider", "premium")
	require.NoError(t, err)
	assert.Contains(t, out, "Selected: premium (0.08 AUD)")

	out, err = run(t, "-c", cfg, "estimate", "--max-cost", "0.01")
	require.NoError(t, err)
	assert.Contains(t, out, imagegate.NoProviderReason)

	_, err = run(t, "-c", cfg, "estimate", "--size", "640x480")
	assert.ErrorIs(t, err, imagegate.ErrValidation)
}

func TestGenerate_RecordsAudit(t *testing.T) {
	cfg := writeConfig(t, "0.02")

	out, err := run(t, "-c", cfg, "generate",
		"-p", "a watercolor lighthouse at dusk",
		"--user", "u-1", "--department", "eng", "-n", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Provider:      budget")
	assert.Contains(t, out, "Cost:          0.04 AUD (0.02 per image)")
	assert.Equal(t, 2, strings.Count(out, "https://images.example.com/budget/"))

	out, err = run(t, "-c", cfg, "audit", "search", "--user", "u-1", "--kind", string(imagegate.EventGenerationSucceeded))
	require.NoError(t, err)
	assert.Contains(t, out, "generation_succeeded")
	assert.Contains(t, out, "cost=0.0400")

	out, err = run(t, "-c", cfg, "audit", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "provider_selected")
	assert.Contains(t, out, "generation_succeeded")

	out, err = run(t, "-c", cfg, "audit", "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 0 audit events.")
}

func TestGenerate_Rejections(t *testing.T) {
	cfg := writeConfig(t, "0.02")

	out, err := run(t, "-c", cfg, "generate", "-p", "portrait for jane.doe@example.com", "--user", "u-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, imagegate.ErrPIIDetected)
	assert.True(t, strings.HasPrefix(err.Error(), "pii_detected: "))
	assert.Contains(t, out, "Decision:      block")
	assert.NotContains(t, out, "jane.doe@example.com")

	_, err = run(t, "-c", cfg, "generate", "-p", "a quiet harbour at night")
	assert.ErrorIs(t, err, imagegate.ErrValidation, "user is required")

	_, err = run(t, "-c", cfg, "generate", "-p", "a quiet harbour at night", "--user", "u-1", "--max-cost", "abc")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	out, err := run(t, "validate", "a watercolor lighthouse at dusk")
	require.NoError(t, err)
	assert.Contains(t, out, "Decision:      allow")

	out, err = run(t, "validate", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, imagegate.ErrValidation)
	assert.Contains(t, out, "Decision:      block")
}

func TestBudgetCommands(t *testing.T) {
	cfg := writeConfig(t, "0.02")

	out, err := run(t, "-c", cfg, "budget", "show", "department", "eng")
	require.NoError(t, err)
	assert.Contains(t, out, "100.00")
	assert.Contains(t, out, "hard")

	out, err = run(t, "-c", cfg, "budget", "show", "user", "u-1")
	require.NoError(t, err)
	assert.Contains(t, out, "unlimited")

	out, err = run(t, "-c", cfg, "budget", "set", "department", "eng", "--amount", "300", "--mode", "soft", "--period", "2026-03")
	require.NoError(t, err)
	assert.Contains(t, out, "300.00")
	assert.Contains(t, out, "soft")
	assert.Contains(t, out, "2026-03")

	_, err = run(t, "-c", cfg, "budget", "set", "team", "eng", "--amount", "300")
	assert.Error(t, err)
	_, err = run(t, "-c", cfg, "budget", "set", "department", "eng", "--amount", "300", "--mode", "lenient")
	assert.Error(t, err)

	out, err = run(t, "-c", cfg, "budget", "overview", "--period", "2026-03")
	require.NoError(t, err)
	assert.Contains(t, out, "No budgets for 2026-03.")

	out, err = run(t, "-c", cfg, "budget", "rollover", "--from", "2026-02", "--to", "2026-03")
	require.NoError(t, err)
	assert.Contains(t, out, "Rolled 0 budgets from 2026-02 to 2026-03.")
}

func TestAudit_RequiresSQLite(t *testing.T) {
	_, err := run(t, "audit", "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit.sqlite_path")
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("IMAGEGATE_TEST_ENV_ONLY=0.03\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("IMAGEGATE_TEST_ENV_ONLY") })

	require.NoError(t, loadEnvFile(env))
	assert.Equal(t, "0.03", os.Getenv("IMAGEGATE_TEST_ENV_ONLY"))

	assert.NoError(t, loadEnvFile(filepath.Join(dir, "missing.env")))
	assert.NoError(t, loadEnvFile(""))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(&buf, "warn", true)
	require.NoError(t, err)
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = newLogger(&buf, "chatty", false)
	assert.Error(t, err)
}

func TestBuildProviders(t *testing.T) {
	cfgs := []imagegate.ProviderConfig{
		{Name: "openai_dalle3", Enabled: true, APIKey: "k", RatePerMinute: 50},
		{Name: "azure", Type: "azure_dalle", Enabled: true, APIKey: "k", BaseURL: "https://x.openai.azure.com", Deployment: "dalle3"},
		{Name: "replicate_sdxl", Enabled: true, APIKey: "k", Timeout: 30 * time.Second, CostStandard: "0.03"},
		{Name: "adobe_firefly", Enabled: true, ClientID: "id", ClientSecret: "secret", MaxAttempts: 1},
		{Name: "local", Type: "mock", Enabled: true},
		{Name: "off", Type: "mock"},
	}

	providers, limits, err := buildProviders(cfgs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	assert.Equal(t, []string{dalle.Name, "azure", sdxl.Name, firefly.Name, "local"}, names)

	req := imagegate.GenerationRequest{Size: imagegate.SizeSmall, Quality: imagegate.QualityStandard, NumImages: 1}
	assert.Equal(t, "0.08", providers[0].EstimateCost(req).StringFixed(2), "unset pricing keeps the default")
	assert.Equal(t, "0.03", providers[2].EstimateCost(req).StringFixed(2))

	require.Len(t, limits, 2)
	assert.Equal(t, 30*time.Second, limits[sdxl.Name].Timeout)
	assert.Equal(t, 3, limits[sdxl.Name].Retry.MaxAttempts)
	assert.Equal(t, 1, limits[firefly.Name].Retry.MaxAttempts)
	assert.Equal(t, 60*time.Second, limits[firefly.Name].Timeout)
}

func TestBuildProviders_ConfiguredNames(t *testing.T) {
	cfgs := []imagegate.ProviderConfig{
		{Name: "dalle-us", Type: "dalle", Enabled: true, APIKey: "k"},
		{Name: "dalle-eu", Type: "azure_dalle", Enabled: true, APIKey: "k", BaseURL: "https://eu.openai.azure.com", Deployment: "dalle3", MaxAttempts: 1},
		{Name: "sdxl-backup", Type: "sdxl", Enabled: true, APIKey: "k"},
	}

	providers, limits, err := buildProviders(cfgs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	router, err := imagegate.NewRouter(providers)
	require.NoError(t, err, "two DALL-E entries register side by side")
	assert.Equal(t, []string{"dalle-us", "dalle-eu", "sdxl-backup"}, router.Providers())
	assert.Equal(t, 1, limits["dalle-eu"].Retry.MaxAttempts)
}

func TestRolloverScheduler(t *testing.T) {
	_, err := newRolloverScheduler(context.Background(), nil, "not a schedule", slog.Default())
	assert.Error(t, err)

	ctx := context.Background()
	store := budget.NewMemoryStore()
	ledger := budget.NewLedger(store, budget.Defaults{Mode: budget.Hard, AlertThresholdPercent: 80})
	current := ledger.CurrentPeriod()
	subj := budget.DepartmentSubject("eng")

	_, err = ledger.SetAllocation(ctx, subj, current.Prev(), budget.Allocation{
		Amount:                imagegate.MustMoney("250"),
		Mode:                  budget.Soft,
		AlertThresholdPercent: 90,
	})
	require.NoError(t, err)

	c, err := newRolloverScheduler(ctx, ledger, "* * * * * *", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		b, err := store.Load(ctx, subj, current)
		return err == nil && b.Mode == budget.Soft && b.Allocated.Equal(imagegate.MustMoney("250"))
	}, 3*time.Second, 50*time.Millisecond)
}
