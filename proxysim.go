// Package proxysim measures how well a hierarchy of caching proxies predicts
// and serves a replayed workload.
//
// A Simulator fires the URLs of a trace through the proxy one at a time. For
// every request the proxy reports, out of band, which caches indicated the
// object, which were accessed and which resolved it. From these reports the
// simulator computes per-cache classification metrics and the cost of a run.
package proxysim

import (
	"context"
	"fmt"

	"github.com/always-cache/proxysim/executor"
	"github.com/always-cache/proxysim/hook"
	"github.com/always-cache/proxysim/metrics"
	"github.com/always-cache/proxysim/purge"
	"github.com/always-cache/proxysim/reconcile"
	"github.com/always-cache/proxysim/registry"
	"github.com/always-cache/proxysim/runner"
	"github.com/always-cache/proxysim/store"
	"github.com/always-cache/proxysim/trace"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Simulator wires the components around one store.
type Simulator struct {
	Config     Config
	Store      *store.Store
	Registry   *registry.Registry
	Executor   *executor.Executor
	Single     executor.SingleRequester
	Engine     *metrics.Engine
	Reconciler *reconcile.Reconciler
	Runner     *runner.Runner
	Generator  *trace.Generator
	Purger     *purge.Purger
	log        zerolog.Logger
}

// New opens the store and loads the cache registry. A registry that cannot
// be loaded is logged and left empty; it is retried when first queried.
func New(config Config) (*Simulator, error) {
	config = config.WithDefaults()
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}

	st, err := store.Open(config.DBFile, &logger)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", config.DBFile, err)
	}

	reg := registry.New(registry.FromFile(config.ConfFile), &logger)
	if err := reg.Reload(); err != nil {
		logger.Warn().Err(err).Str("file", config.ConfFile).Msg("Could not load cache registry")
	}

	exec := executor.New(st, executor.Config{
		Proxies:       executor.Proxies{HTTP: config.HTTPProxy, HTTPS: config.HTTPSProxy},
		CABundle:      config.CABundle,
		Timeout:       config.RequestTimeout,
		Logger:        &logger,
		DisableTokens: config.DisableTokens,
	})
	engine := metrics.NewEngine(st, reg)

	s := &Simulator{
		Config:   config,
		Store:    st,
		Registry: reg,
		Executor: exec,
		Single: executor.SingleRequester{
			Executor:    exec,
			Outcomes:    st,
			Analyzer:    engine,
			MissPenalty: reg.MissPenalty,
			Wait:        config.OutcomeWait,
		},
		Engine: engine,
		Reconciler: reconcile.New(st, reconcile.Config{
			Window:    config.FreshnessWindow,
			MatchMode: config.MatchMode,
			Logger:    &logger,
		}),
		Runner: runner.New(st, exec, reg, engine, runner.Config{
			ProbeURL:     config.ProbeURL,
			ProbeTimeout: config.ProbeTimeout,
			SquidPort:    config.SquidPort,
			ParentCheck:  config.ParentCheck,
			Logger:       &logger,
		}),
		Generator: trace.NewGenerator(st, nil, &logger),
		Purger: purge.New(purge.Config{
			User:     config.User,
			CacheDir: config.CacheDir,
			Logger:   &logger,
		}),
		log: logger,
	}
	return s, nil
}

// Run replays a trace as a new run.
func (s *Simulator) Run(ctx context.Context, opts runner.Options) (runner.Summary, error) {
	return s.Runner.Run(ctx, opts)
}

// Request fires one ad-hoc request and waits for its outcome.
func (s *Simulator) Request(ctx context.Context, url string) (executor.SingleResult, error) {
	return s.Single.Execute(ctx, url)
}

// Rerequest fires the URL of a stored request again as an ad-hoc request.
func (s *Simulator) Rerequest(ctx context.Context, requestID int64) (executor.SingleResult, error) {
	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return executor.SingleResult{}, err
	}
	return s.Single.Execute(ctx, req.URL)
}

// Reconcile stores positional hook arguments for the matching request.
func (s *Simulator) Reconcile(ctx context.Context, args []string, token string) (int64, error) {
	return s.Reconciler.ReconcileArgs(ctx, args, token)
}

// Serve runs the HTTP report receiver until ctx is done.
func (s *Simulator) Serve(ctx context.Context) error {
	return hook.New(s.Reconciler, &s.log).ListenAndServe(ctx, s.Config.HookAddr)
}

// Purge empties every cache in the registry.
func (s *Simulator) Purge(ctx context.Context) []purge.Result {
	return s.Purger.PurgeAll(ctx, s.Registry.Sorted())
}

// Close closes the store.
func (s *Simulator) Close() error {
	return s.Store.Close()
}
