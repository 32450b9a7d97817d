package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/budget"
)

func newBudgetCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage department and user budgets",
		Long: "Manage department and user budgets.\n\n" +
			"With the memory store, changes only live as long as the process; " +
			"use the redis or postgres store to persist them.",
	}

	cmd.AddCommand(
		newBudgetSetCmd(g),
		newBudgetShowCmd(g),
		newBudgetOverviewCmd(g),
		newBudgetRolloverCmd(g),
	)
	return cmd
}

// periodOrCurrent parses s, or returns the ledger's current period when empty.
func periodOrCurrent(l *budget.Ledger, s string) (budget.Period, error) {
	if s == "" {
		return l.CurrentPeriod(), nil
	}
	return budget.ParsePeriod(s)
}

func subjectArgs(args []string) (budget.Subject, error) {
	return budget.ParseSubject(args[0] + ":" + args[1])
}

func newBudgetSetCmd(g *globals) *cobra.Command {
	var (
		amount    string
		mode      string
		threshold int
		period    string
	)

	cmd := &cobra.Command{
		Use:   "set LEVEL ID",
		Short: "Set the allocation of a department or user budget",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := subjectArgs(args)
			if err != nil {
				return err
			}
			amt, err := imagegate.ParseMoney(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}
			m, err := budget.ParseMode(mode)
			if err != nil {
				return err
			}

			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openLedger(cmd.Context()); err != nil {
				return err
			}

			p, err := periodOrCurrent(a.ledger, period)
			if err != nil {
				return err
			}
			b, err := a.ledger.SetAllocation(cmd.Context(), subject, p, budget.Allocation{
				Amount:                amt,
				Mode:                  m,
				AlertThresholdPercent: threshold,
			})
			if err != nil {
				return err
			}
			printBudgets(cmd.OutOrStdout(), []budget.Budget{b})
			return nil
		},
	}

	cmd.Flags().StringVar(&amount, "amount", "", "allocation in AUD (0 = unlimited)")
	cmd.Flags().StringVar(&mode, "mode", string(budget.Hard), "enforcement: hard, soft or warn")
	cmd.Flags().IntVar(&threshold, "threshold", 80, "alert threshold percent")
	cmd.Flags().StringVar(&period, "period", "", "period (YYYY-MM), default current")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newBudgetShowCmd(g *globals) *cobra.Command {
	var period string

	cmd := &cobra.Command{
		Use:   "show LEVEL ID",
		Short: "Show one budget, creating it with the defaults on first use",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := subjectArgs(args)
			if err != nil {
				return err
			}
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openLedger(cmd.Context()); err != nil {
				return err
			}

			p, err := periodOrCurrent(a.ledger, period)
			if err != nil {
				return err
			}
			b, err := a.ledger.GetOrCreate(cmd.Context(), subject, p)
			if err != nil {
				return err
			}
			printBudgets(cmd.OutOrStdout(), []budget.Budget{b})
			return nil
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "period (YYYY-MM), default current")
	return cmd
}

func newBudgetOverviewCmd(g *globals) *cobra.Command {
	var period string

	cmd := &cobra.Command{
		Use:   "overview",
		Short: "List every budget of a period with totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openLedger(cmd.Context()); err != nil {
				return err
			}

			p, err := periodOrCurrent(a.ledger, period)
			if err != nil {
				return err
			}
			o, err := a.ledger.Overview(cmd.Context(), p)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(o.Budgets) == 0 {
				fmt.Fprintf(out, "No budgets for %s.\n", p)
				return nil
			}
			printBudgets(out, o.Budgets)
			fmt.Fprintf(out, "\nPeriod %s: allocated %s AUD, spent %s AUD (%.1f%%), %d over budget, %d near threshold\n",
				p, o.TotalAllocated.StringFixed(2), o.TotalSpent.StringFixed(2),
				o.UtilizationPercent(), o.OverBudget, o.NearThreshold)
			return nil
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "period (YYYY-MM), default current")
	return cmd
}

func newBudgetRolloverCmd(g *globals) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "rollover",
		Short: "Open a new period carrying allocations forward with zero spend",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openLedger(cmd.Context()); err != nil {
				return err
			}

			dst, err := periodOrCurrent(a.ledger, to)
			if err != nil {
				return err
			}
			src := dst.Prev()
			if from != "" {
				if src, err = budget.ParsePeriod(from); err != nil {
					return err
				}
			}

			rolled, err := a.ledger.Rollover(cmd.Context(), src, dst)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled %d budgets from %s to %s.\n", len(rolled), src, dst)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source period (YYYY-MM), default the one before --to")
	cmd.Flags().StringVar(&to, "to", "", "target period (YYYY-MM), default current")
	return cmd
}

func printBudgets(out io.Writer, budgets []budget.Budget) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tID\tPERIOD\tALLOCATED\tSPENT\tREMAINING\tUSED\tMODE")
	for _, b := range budgets {
		allocated, remaining := b.Allocated.StringFixed(2), b.Remaining().StringFixed(2)
		if b.Unlimited() {
			allocated, remaining = "unlimited", "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%.1f%%\t%s\n",
			b.Subject.Level, b.Subject.ID, b.Period, allocated, b.Spent.StringFixed(2),
			remaining, b.UtilizationPercent(), b.Mode)
	}
	_ = w.Flush()
}
