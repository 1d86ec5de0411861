package cli

import (
	"fmt"
	"io"

	"github.com/always-cache/proxysim/purge"
	"github.com/always-cache/proxysim/report"

	"github.com/spf13/cobra"
)

func newCachesCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caches",
		Short: "Show the caches read from the proxy configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := opts.simulator()
			if err != nil {
				return err
			}
			defer sim.Close()
			reg := sim.Registry
			fmt.Fprint(cmd.OutOrStdout(), report.Caches(reg.Sorted(), reg.MissPenalty(), reg.AlgorithmVersion()))
			return nil
		},
	}
	cmd.AddCommand(newPurgeCommand(opts))
	return cmd
}

// printPurge writes one line per cache and returns how many failed.
func printPurge(w io.Writer, results []purge.Result) int {
	failed := 0
	for _, r := range results {
		status := "purged"
		if r.Err != nil {
			status = r.Err.Error()
			failed++
		}
		fmt.Fprintf(w, "%s (%s): %s\n", r.Cache, r.Address, status)
	}
	return failed
}

func newPurgeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Empty the on-disk store of every cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := opts.simulator()
			if err != nil {
				return err
			}
			defer sim.Close()
			if failed := printPurge(cmd.OutOrStdout(), sim.Purge(cmd.Context())); failed > 0 {
				return fmt.Errorf("%d caches could not be purged", failed)
			}
			return nil
		},
	}
}
