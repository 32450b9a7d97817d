package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/admission"
	"github.com/ineyio/imagegate/audit"
	auditprom "github.com/ineyio/imagegate/audit/prom"
	auditsqlite "github.com/ineyio/imagegate/audit/sqlite"
	"github.com/ineyio/imagegate/budget"
	budgetpg "github.com/ineyio/imagegate/budget/postgres"
	budgetredis "github.com/ineyio/imagegate/budget/redis"
	"github.com/ineyio/imagegate/pii"
	"github.com/ineyio/imagegate/provider/dalle"
	"github.com/ineyio/imagegate/provider/firefly"
	"github.com/ineyio/imagegate/provider/mock"
	"github.com/ineyio/imagegate/provider/sdxl"
	"github.com/ineyio/imagegate/validator"
)

// app is the wired admission stack. Components are built on demand so that
// commands only touch the backends they need.
type app struct {
	cfg    imagegate.Config
	logger *slog.Logger

	sink     imagegate.AuditSink
	auditDB  *auditsqlite.Sink
	registry *prometheus.Registry

	ledger    *budget.Ledger
	validator *validator.Validator
	router    *imagegate.Router
	pipeline  *admission.Pipeline

	closers []func() error
}

// open loads the config and wires the audit sinks.
func (g *globals) open() (*app, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := g.logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &app{cfg: cfg, logger: logger}
	if err := a.openAudit(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openAudit() error {
	sinks := []imagegate.AuditSink{audit.NewLogSink(a.logger)}

	if path := a.cfg.Audit.SQLitePath; path != "" {
		db, err := auditsqlite.Open(path,
			auditsqlite.WithRetention(time.Duration(a.cfg.Audit.RetentionDays)*24*time.Hour),
			auditsqlite.WithLogger(a.logger),
		)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		a.auditDB = db
		a.closers = append(a.closers, db.Close)
		sinks = append(sinks, db)
	}

	if a.cfg.Audit.Prometheus {
		a.registry = prometheus.NewRegistry()
		sinks = append(sinks, auditprom.New("imagegate", a.registry))
	}

	a.sink = audit.Multi(sinks...)
	return nil
}

// openLedger connects the configured budget store.
func (a *app) openLedger(ctx context.Context) error {
	if a.ledger != nil {
		return nil
	}

	var store budget.Store
	switch a.cfg.Budget.Store {
	case "redis":
		opts, err := goredis.ParseURL(a.cfg.Budget.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis_url: %w", err)
		}
		client := goredis.NewClient(opts)
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		store = budgetredis.New(client)
	case "postgres":
		pool, err := pgxpool.New(ctx, a.cfg.Budget.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		s := budgetpg.New(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			return err
		}
		store = s
	default:
		store = budget.NewMemoryStore()
	}

	a.ledger = budget.NewLedger(store, budget.DefaultsFromConfig(a.cfg.Budget),
		budget.WithAuditSink(a.sink),
		budget.WithLogger(a.logger),
	)
	return nil
}

func (a *app) buildValidator() *validator.Validator {
	if a.validator != nil {
		return a.validator
	}
	v := a.cfg.Validation
	a.validator = validator.New(validator.OptionsFromConfig(v),
		validator.WithPIIScanner(pii.New(
			pii.WithThreshold(v.PIIThreshold),
			pii.WithAuditSink(a.sink),
			pii.WithLogger(a.logger),
		)),
		validator.WithAuditSink(a.sink),
		validator.WithLogger(a.logger),
	)
	return a.validator
}

func (a *app) buildRouter() (*imagegate.Router, error) {
	if a.router != nil {
		return a.router, nil
	}

	providers, limits, err := buildProviders(a.cfg.Providers, a.logger)
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		return nil, errors.New("no enabled providers in config")
	}

	opts := []imagegate.Option{
		imagegate.WithAuditSink(a.sink),
		imagegate.WithLogger(a.logger),
	}
	for name, l := range limits {
		opts = append(opts, imagegate.WithLimits(name, l))
	}

	r, err := imagegate.NewRouter(providers, opts...)
	if err != nil {
		return nil, err
	}
	a.router = r
	return r, nil
}

// buildPipeline wires validator, ledger and router into the admission pipeline.
func (a *app) buildPipeline(ctx context.Context) (*admission.Pipeline, error) {
	if a.pipeline != nil {
		return a.pipeline, nil
	}
	if err := a.openLedger(ctx); err != nil {
		return nil, err
	}
	r, err := a.buildRouter()
	if err != nil {
		return nil, err
	}

	a.pipeline = admission.New(a.buildValidator(), a.ledger, r,
		admission.WithMaxCostPerImage(a.cfg.Budget.MaxCostPerImage()),
		admission.WithAnonymizedPrompts(a.cfg.Validation.PIIAction == string(validator.PIIAnonymize)),
		admission.WithLogger(a.logger),
	)
	return a.pipeline, nil
}

// Close releases every backend in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// buildProviders constructs the enabled adapters. The returned limits hold
// per-provider overrides of timeout and attempts taken from the config.
func buildProviders(cfgs []imagegate.ProviderConfig, logger *slog.Logger) ([]imagegate.Provider, map[string]imagegate.Limits, error) {
	var (
		providers []imagegate.Provider
		limits    = make(map[string]imagegate.Limits)
	)

	for _, pc := range cfgs {
		if !pc.Enabled {
			continue
		}
		standard, hd, err := pricing(pc)
		if err != nil {
			return nil, nil, err
		}

		var p imagegate.Provider
		switch pc.Kind() {
		case "dalle", "azure_dalle":
			opts := []dalle.Option{dalle.WithName(pc.Name), dalle.WithLogger(logger), dalle.WithPricing(standard, hd)}
			if pc.Kind() == "azure_dalle" {
				opts = append(opts, dalle.WithAzure(pc.BaseURL, pc.Deployment))
			} else if pc.BaseURL != "" {
				opts = append(opts, dalle.WithBaseURL(pc.BaseURL))
			}
			if pc.RatePerMinute > 0 {
				opts = append(opts, dalle.WithRateLimit(pc.RatePerMinute))
			}
			p = dalle.New(pc.APIKey, opts...)
		case "sdxl":
			opts := []sdxl.Option{sdxl.WithName(pc.Name), sdxl.WithLogger(logger), sdxl.WithPricing(standard, hd)}
			if pc.BaseURL != "" {
				opts = append(opts, sdxl.WithBaseURL(pc.BaseURL))
			}
			if pc.RatePerMinute > 0 {
				opts = append(opts, sdxl.WithRateLimit(pc.RatePerMinute))
			}
			p = sdxl.New(pc.APIKey, opts...)
		case "firefly":
			opts := []firefly.Option{firefly.WithName(pc.Name), firefly.WithLogger(logger), firefly.WithPricing(standard, hd)}
			if pc.BaseURL != "" {
				opts = append(opts, firefly.WithBaseURL(pc.BaseURL))
			}
			if pc.RatePerMinute > 0 {
				opts = append(opts, firefly.WithRateLimit(pc.RatePerMinute))
			}
			p = firefly.New(pc.ClientID, pc.ClientSecret, opts...)
		case "mock":
			opts := []mock.Option{mock.WithName(pc.Name)}
			if pc.CostStandard != "" {
				opts = append(opts, mock.WithCost(pc.CostStandard))
			}
			p = mock.New(opts...)
		default:
			return nil, nil, fmt.Errorf("provider %s: unknown type %q", pc.Name, pc.Type)
		}

		if pc.Timeout > 0 || pc.MaxAttempts > 0 {
			l := imagegate.DefaultLimits
			if lim, ok := p.(imagegate.Limiter); ok {
				l = lim.Limits()
			}
			if pc.Timeout > 0 {
				l.Timeout = pc.Timeout
			}
			if pc.MaxAttempts > 0 {
				l.Retry.MaxAttempts = pc.MaxAttempts
			}
			limits[p.Name()] = l
		}

		logger.Debug("provider registered", "provider", p.Name(), "type", pc.Kind())
		providers = append(providers, p)
	}
	return providers, limits, nil
}

func pricing(pc imagegate.ProviderConfig) (decimal.Decimal, decimal.Decimal, error) {
	standard, hd := decimal.Zero, decimal.Zero
	var err error
	if pc.CostStandard != "" {
		if standard, err = imagegate.ParseMoney(pc.CostStandard); err != nil {
			return standard, hd, fmt.Errorf("provider %s: cost_standard: %w", pc.Name, err)
		}
	}
	if pc.CostHD != "" {
		if hd, err = imagegate.ParseMoney(pc.CostHD); err != nil {
			return standard, hd, fmt.Errorf("provider %s: cost_hd: %w", pc.Name, err)
		}
	}
	return standard, hd, nil
}
