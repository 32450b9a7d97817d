package prom_test

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/audit/prom"
)

func record(s *prom.Sink, kind imagegate.EventKind, provider string, fields map[string]any) {
	e := imagegate.NewAuditEvent(context.Background(), kind, fields)
	e.Provider = provider
	s.Record(context.Background(), e)
}

func TestSink_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := prom.New("imagegate", reg)

	record(s, imagegate.EventProviderSelected, "replicate_sdxl", nil)
	record(s, imagegate.EventGenerationSucceeded, "replicate_sdxl", map[string]any{
		"cost":        "0.0400",
		"duration_ms": int64(2500),
	})
	record(s, imagegate.EventGenerationSucceeded, "replicate_sdxl", map[string]any{
		"cost":        "0.0200",
		"duration_ms": int64(1200),
	})
	record(s, imagegate.EventGenerationFailed, "", map[string]any{"reason": imagegate.NoProviderReason})
	record(s, imagegate.EventPIIDetected, "", map[string]any{"pii_types": []string{"email", "ssn"}})
	record(s, imagegate.EventBudgetExceeded, "", map[string]any{"level": "department", "blocked": true})
	record(s, imagegate.EventBudgetExceeded, "", map[string]any{"level": "user", "blocked": false})

	expected := `
# HELP imagegate_audit_events_total Total number of admission audit events
# TYPE imagegate_audit_events_total counter
imagegate_audit_events_total{kind="budget_exceeded",provider=""} 2
imagegate_audit_events_total{kind="generation_failed",provider=""} 1
imagegate_audit_events_total{kind="generation_succeeded",provider="replicate_sdxl"} 2
imagegate_audit_events_total{kind="pii_detected",provider=""} 1
imagegate_audit_events_total{kind="provider_selected",provider="replicate_sdxl"} 1
# HELP imagegate_budget_exceeded_total Budget exceedances by level and whether the request was blocked
# TYPE imagegate_budget_exceeded_total counter
imagegate_budget_exceeded_total{blocked="false",level="user"} 1
imagegate_budget_exceeded_total{blocked="true",level="department"} 1
# HELP imagegate_generation_cost_aud_total Total actual generation cost in AUD
# TYPE imagegate_generation_cost_aud_total counter
imagegate_generation_cost_aud_total{provider="replicate_sdxl"} 0.06
# HELP imagegate_pii_detections_total Prompts containing PII, by PII type
# TYPE imagegate_pii_detections_total counter
imagegate_pii_detections_total{pii_type="email"} 1
imagegate_pii_detections_total{pii_type="ssn"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"imagegate_audit_events_total",
		"imagegate_budget_exceeded_total",
		"imagegate_generation_cost_aud_total",
		"imagegate_pii_detections_total",
	))

	count, err := testutil.GatherAndCount(reg, "imagegate_generation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "failures without a provider are not timed")
}

func TestSink_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		prom.New("imagegate", prometheus.NewRegistry())
		prom.New("imagegate", prometheus.NewRegistry())
	})
}
