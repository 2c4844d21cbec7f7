package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"causeway/internal/manage"
	"causeway/internal/store"
)

var traceFlags struct {
	limit    int
	session  string
	rule     int64
	decision string
	kind     string
	since    time.Duration
}

var sessionsLimit int

var tracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "Show recent decisions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := store.TraceFilter{
			Kind:      store.TraceKind(traceFlags.kind),
			SessionID: traceFlags.session,
			RuleID:    traceFlags.rule,
			Decision:  store.Decision(traceFlags.decision),
			Limit:     traceFlags.limit,
		}
		if traceFlags.since > 0 {
			f.Since = time.Now().Add(-traceFlags.since)
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			ts, err := a.store.QueryTraces(ctx, f)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), manage.FormatTraces(ts))
			return nil
		})
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded sessions, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			ss, err := a.store.ListSessions(ctx, sessionsLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ss) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tSTARTED\tTURNS\tLEARNED\tPROJECT")
			for _, s := range ss {
				learned := "-"
				if !s.LearnedAt.IsZero() {
					learned = s.LearnedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					s.ID, s.StartedAt.Local().Format(time.DateTime), s.TurnCount, learned, s.ProjectPath)
			}
			return tw.Flush()
		})
	},
}

func init() {
	f := tracesCmd.Flags()
	f.IntVarP(&traceFlags.limit, "limit", "n", 20, "Maximum traces to show")
	f.StringVar(&traceFlags.session, "session", "", "Only this session")
	f.Int64Var(&traceFlags.rule, "rule", 0, "Only traces that reference this rule")
	f.StringVar(&traceFlags.decision, "decision", "", "allow, warn, block, learned or failed")
	f.StringVar(&traceFlags.kind, "kind", "", "enforce or learn")
	f.DurationVar(&traceFlags.since, "since", 0, "Only traces newer than this (e.g. 24h)")

	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum sessions to show")
}
