package cli

import (
	"errors"
	"fmt"

	"github.com/always-cache/proxysim/reconcile"
	"github.com/always-cache/proxysim/report"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRequestCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "request URL",
		Short: "Fire one request and show how the hierarchy resolved it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := opts.simulator()
			if err != nil {
				return err
			}
			defer sim.Close()
			res, err := sim.Request(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.Single(res))
			return nil
		},
	}
}

func newRerequestCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rerequest REQUEST_ID",
		Short: "Fire the URL of a stored request again",
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
			res, err := sim.Rerequest(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.Single(res))
			return nil
		},
	}
}

func newRequestsCommand(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List the latest requests that accessed a cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := opts.simulator()
			if err != nil {
				return err
			}
			defer sim.Close()
			requests, err := sim.Store.RecentRequests(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.Requests(requests))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of requests to list")
	return cmd
}

// newReconcileCommand is the hook the proxy invokes once per served request.
// Malformed reports exit with 2; reports without a fresh request exit with 0.
func newReconcileCommand(opts *options) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "reconcile URL CACHE INDICATION ACCESSED RESOLUTION [CACHE INDICATION ACCESSED RESOLUTION]...",
		Short: "Record the per-cache outcomes of a served request",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Strs("args", args).Str("token", token).Msg("Reconcile invoked")
			if _, err := reconcile.ParseArgs(args); err != nil {
				return exitError{code: 2, err: err}
			}
			sim, err := opts.simulator()
			if err != nil {
				return err
			}
			defer sim.Close()
			_, err = sim.Reconcile(cmd.Context(), args, token)
			if errors.Is(err, reconcile.ErrNoMatch) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Correlation token echoed by the proxy")
	return cmd
}

func newServeCommand(opts *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive proxy reports over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := opts.simulator()
			if err != nil {
				return err
			}
			defer sim.Close()
			if addr != "" {
				sim.Config.HookAddr = addr
			}
			ctx, stop := interruptContext(cmd)
			defer stop()
			return sim.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (overrides config)")
	return cmd
}
