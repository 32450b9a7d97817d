package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/imagegate"
	auditsqlite "github.com/ineyio/imagegate/audit/sqlite"
)

func newAuditCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the audit trail",
	}

	cmd.AddCommand(
		newAuditSearchCmd(g),
		newAuditStatsCmd(g),
		newAuditCleanupCmd(g),
	)
	return cmd
}

// openAuditDB opens the app and fails when no sqlite audit store is configured.
func openAuditDB(g *globals) (*app, error) {
	a, err := g.open()
	if err != nil {
		return nil, err
	}
	if a.auditDB == nil {
		a.Close()
		return nil, errors.New("audit.sqlite_path is not configured")
	}
	return a, nil
}

func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
	}
	return t, nil
}

func newAuditSearchCmd(g *globals) *cobra.Command {
	var (
		requestID string
		userID    string
		kind      string
		since     string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audit events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseSince(since)
			if err != nil {
				return err
			}
			a, err := openAuditDB(g)
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.auditDB.Query(cmd.Context(), auditsqlite.QueryOpts{
				RequestID: requestID,
				UserID:    userID,
				Kind:      imagegate.EventKind(kind),
				Since:     from,
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatAuditEvents(events))
			return nil
		},
	}

	cmd.Flags().StringVar(&requestID, "request-id", "", "filter by request ID")
	cmd.Flags().StringVar(&userID, "user", "", "filter by user ID")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by event kind (e.g. budget_exceeded)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events to return")
	return cmd
}

func newAuditStatsCmd(g *globals) *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count audit events by kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseSince(since)
			if err != nil {
				return err
			}
			a, err := openAuditDB(g)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.auditDB.Stats(cmd.Context(), from)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(stats) == 0 {
				fmt.Fprintln(out, "No audit events found.")
				return nil
			}
			fmt.Fprintf(out, "%-28s %10s\n", "KIND", "COUNT")
			for _, s := range stats {
				fmt.Fprintf(out, "%-28s %10d\n", s.Kind, s.Count)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	return cmd
}

func newAuditCleanupCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit events older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAuditDB(g)
			if err != nil {
				return err
			}
			defer a.Close()

			deleted, err := a.auditDB.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d audit events.\n", deleted)
			return nil
		},
	}
}

func formatAuditEvents(events []imagegate.AuditEvent) string {
	if len(events) == 0 {
		return "No audit events found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-22s %-36s %-12s %-20s %s\n",
		"TIME", "KIND", "REQUEST ID", "USER", "PROVIDER", "FIELDS")
	for _, e := range events {
		fmt.Fprintf(&b, "%-20s %-22s %-36s %-12s %-20s %s\n",
			e.Time.Format("2006-01-02 15:04:05"), e.Kind, e.RequestID, e.UserID, e.Provider, formatFields(e.Fields))
	}
	return b.String()
}

func formatFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, fields[k])
	}
	return strings.Join(parts, " ")
}
