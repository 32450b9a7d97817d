package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/ineyio/imagegate/budget"
)

func newSchedulerCmd(g *globals) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the monthly budget rollover job until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openLedger(ctx); err != nil {
				return err
			}

			c, err := newRolloverScheduler(ctx, a.ledger, a.cfg.Budget.RolloverSchedule, a.logger)
			if err != nil {
				return err
			}

			var srv *http.Server
			if metricsAddr != "" {
				if a.registry == nil {
					return errors.New("--metrics-addr needs audit.prometheus enabled in the config")
				}
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
				srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics server failed", "error", err)
						stop()
					}
				}()
				a.logger.Info("metrics server started", "addr", metricsAddr)
			}

			c.Start()
			a.logger.Info("scheduler started", "rollover_schedule", a.cfg.Budget.RolloverSchedule)

			<-ctx.Done()
			<-c.Stop().Done()
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}
			a.logger.Info("scheduler stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

// newRolloverScheduler registers a job that opens the ledger's current period
// from the previous one. schedule has six fields, seconds first.
func newRolloverScheduler(ctx context.Context, ledger *budget.Ledger, schedule string, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds())

	var mu sync.Mutex
	_, err := c.AddFunc(schedule, func() {
		mu.Lock()
		defer mu.Unlock()

		to := ledger.CurrentPeriod()
		from := to.Prev()
		rolled, err := ledger.Rollover(ctx, from, to)
		if err != nil {
			logger.Error("scheduled rollover failed", "from", from.String(), "to", to.String(), "error", err)
			return
		}
		logger.Info("scheduled rollover done", "from", from.String(), "to", to.String(), "budgets", len(rolled))
	})
	if err != nil {
		return nil, fmt.Errorf("invalid rollover_schedule %q: %w", schedule, err)
	}
	return c, nil
}
