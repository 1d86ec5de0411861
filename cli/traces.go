package cli

import (
	"fmt"

	"github.com/always-cache/proxysim/report"
	"github.com/always-cache/proxysim/trace"

	"github.com/spf13/cobra"
)

func newTracesCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "traces",
		Short: "List traces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := opts.simulator()
			if err != nil {
				return err
			}
			defer sim.Close()
			traces, err := sim.Store.ListTraces(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.Traces(traces))
			return nil
		},
	}
	cmd.AddCommand(
		newTraceShowCommand(opts),
		newTraceImportCommand(opts),
		newTraceKeysCommand(opts),
		newTraceGenerateCommand(opts),
	)
	return cmd
}

func newTraceShowCommand(opts *options) *cobra.Command {
	var group bool
	cmd := &cobra.Command{
		Use:   "show TRACE_ID",
		Short: "List the URLs of a trace",
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
			out := cmd.OutOrStdout()
			if group {
				counts, err := sim.Store.TraceURLCounts(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, report.URLCounts(counts))
				return nil
			}
			urls, err := sim.Store.TraceURLs(cmd.Context(), id)
			if err != nil {
				return err
			}
			for _, url := range urls {
				fmt.Fprintln(out, url)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&group, "group", "g", false, "Group by URL with counts")
	return cmd
}

func newTraceImportCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import NAME FILE",
		Short: "Create a trace from a file with one URL per line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := opts.simulator()
			if err != nil {
				return err
			}
			defer sim.Close()
			id, n, err := trace.Import(cmd.Context(), sim.Store, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created trace %d with %d entries\n", id, n)
			return nil
		},
	}
}

func newTraceKeysCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "keys FILE",
		Short: "Add the URLs in a file to the key pool used by generate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := opts.simulator()
			if err != nil {
				return err
			}
			defer sim.Close()
			n, err := trace.ImportKeys(cmd.Context(), sim.Store, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %d keys\n", n)
			return nil
		},
	}
}

func newTraceGenerateCommand(opts *options) *cobra.Command {
	var traces, entries int
	cmd := &cobra.Command{
		Use:   "generate NAME",
		Short: "Generate skewed traces from the key pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := opts.simulator()
			if err != nil {
				return err
			}
			defer sim.Close()
			ids, err := sim.Generator.Generate(cmd.Context(), args[0], traces, entries)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated %d traces\n", len(ids))
			return nil
		},
	}
	cmd.Flags().IntVar(&traces, "traces", 1, "Number of traces to generate")
	cmd.Flags().IntVar(&entries, "entries", 100, "Entries per trace")
	return cmd
}
