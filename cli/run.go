package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/always-cache/proxysim/report"
	"github.com/always-cache/proxysim/runner"
	"github.com/always-cache/proxysim/store"

	"github.com/spf13/cobra"
)

func interruptContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func newRunCommand(opts *options) *cobra.Command {
	var runOpts runner.Options
	var purgeFirst bool
	cmd := &cobra.Command{
		Use:   "run TRACE_ID",
		Short: "Replay a trace as a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			traceID, err := parseID(args[0])
			if err != nil {
				return err
			}
			runOpts.TraceID = traceID
			sim, err := opts.simulator()
			if err != nil {
				return err
			}
			defer sim.Close()

			// interrupt stops the run before the next request
			ctx, stop := interruptContext(cmd)
			defer stop()

			// a cache that cannot be purged is reported and the run goes ahead
			if purgeFirst {
				printPurge(cmd.OutOrStdout(), sim.Purge(ctx))
			}
			summary, err := sim.Run(ctx, runOpts)
			if summary.RunID != 0 {
				fmt.Fprint(cmd.OutOrStdout(), report.Summary(summary))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&runOpts.Name, "name", "", "Run name")
	_ = cmd.MarkFlagRequired("name")
	cmd.Flags().IntVar(&runOpts.Cap, "cap", 0, "Stop after this many successful requests (0 for no cap)")
	cmd.Flags().BoolVar(&runOpts.SkipPreflight, "skip-preflight", false, "Do not check the proxies before running")
	cmd.Flags().BoolVar(&purgeFirst, "purge", false, "Empty all caches before running")
	return cmd
}

func newRunsCommand(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := opts.simulator()
			if err != nil {
				return err
			}
			defer sim.Close()
			runs, err := sim.Store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.Runs(runs))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of runs to list")
	cmd.AddCommand(newRunShowCommand(opts), newRunMetricsCommand(opts))
	return cmd
}

func newRunShowCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run with its cache snapshot and accessed requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			sim, err := opts.simulator()
			if err != nil {
				return err
			}
			defer sim.Close()
			ctx := cmd.Context()
			summary, err := sim.Store.GetRunSummary(ctx, id)
			if err != nil {
				return err
			}
			snapshot, err := sim.Store.Snapshot(ctx, id)
			if err != nil {
				return err
			}
			requests, err := sim.Store.AccessedRunRequests(ctx, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, report.Runs([]store.RunSummary{summary}))
			fmt.Fprintln(out, report.Snapshot(snapshot))
			fmt.Fprintln(out, report.Requests(requests))
			return nil
		},
	}
}

func newRunMetricsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics RUN_ID",
		Short: "Show classification metrics and cost of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			sim, err := opts.simulator()
			if err != nil {
				return err
			}
			defer sim.Close()
			r, err := sim.Engine.AnalyzeRun(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report.RunReport(r))
			return nil
		},
	}
}

func newPreflightCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Check that the proxy and its parents serve requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := opts.simulator()
			if err != nil {
				return err
			}
			defer sim.Close()
			if err := sim.Runner.Preflight(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Proxy is up")
			return nil
		},
	}
}
