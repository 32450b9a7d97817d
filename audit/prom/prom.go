// Package prom exposes audit events as Prometheus metrics.
package prom

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/ineyio/imagegate"
)

// Sink turns audit events into counters and histograms.
type Sink struct {
	events             *prometheus.CounterVec
	generationCost     *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	piiDetections      *prometheus.CounterVec
	budgetExceeded     *prometheus.CounterVec
}

var _ imagegate.AuditSink = (*Sink)(nil)

// New registers the metrics under namespace with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func New(namespace string, reg prometheus.Registerer) *Sink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Sink{
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_events_total",
				Help:      "Total number of admission audit events",
			},
			[]string{"kind", "provider"},
		),
		generationCost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_cost_aud_total",
				Help:      "Total actual generation cost in AUD",
			},
			[]string{"provider"},
		),
		generationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Provider generation duration in seconds, retries included",
				Buckets:   []float64{1, 5, 10, 30, 60, 90, 180, 300},
			},
			[]string{"provider", "status"},
		),
		piiDetections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pii_detections_total",
				Help:      "Prompts containing PII, by PII type",
			},
			[]string{"pii_type"},
		),
		budgetExceeded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_exceeded_total",
				Help:      "Budget exceedances by level and whether the request was blocked",
			},
			[]string{"level", "blocked"},
		),
	}
}

func (s *Sink) Record(_ context.Context, e imagegate.AuditEvent) {
	s.events.WithLabelValues(string(e.Kind), e.Provider).Inc()

	switch e.Kind {
	case imagegate.EventGenerationSucceeded:
		if cost, ok := e.Fields["cost"].(string); ok {
			if d, err := decimal.NewFromString(cost); err == nil {
				s.generationCost.WithLabelValues(e.Provider).Add(d.InexactFloat64())
			}
		}
		s.observeDuration(e, "success")
	case imagegate.EventGenerationFailed:
		if e.Provider != "" {
			s.observeDuration(e, "failure")
		}
	case imagegate.EventPIIDetected:
		if types, ok := e.Fields["pii_types"].([]string); ok {
			for _, t := range types {
				s.piiDetections.WithLabelValues(t).Inc()
			}
		}
	case imagegate.EventBudgetExceeded:
		level, _ := e.Fields["level"].(string)
		blocked, _ := e.Fields["blocked"].(bool)
		s.budgetExceeded.WithLabelValues(level, strconv.FormatBool(blocked)).Inc()
	}
}

func (s *Sink) observeDuration(e imagegate.AuditEvent, status string) {
	ms, ok := e.Fields["duration_ms"].(int64)
	if !ok {
		return
	}
	s.generationDuration.WithLabelValues(e.Provider, status).Observe((time.Duration(ms) * time.Millisecond).Seconds())
}
