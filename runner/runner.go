// Package runner replays a trace through the proxy hierarchy as one run.
//
// A run moves from Created to Executing to Finalized. A run that fails
// part-way is left as it is: its row and the requests it fired stay in the
// store as a record of what happened.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/always-cache/proxysim/executor"
	"github.com/always-cache/proxysim/metrics"
	"github.com/always-cache/proxysim/registry"
	"github.com/always-cache/proxysim/store"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrProxyDown is returned by the preflight when the proxy cannot serve the probe URL.
	ErrProxyDown  = errors.New("proxy is not serving requests")
	ErrEmptyName  = errors.New("run name cannot be empty")
	ErrEmptyTrace = errors.New("trace has no entries")
)

const (
	DefaultProbeURL  = "http://www.google.com"
	DefaultSquidPort = "3128"
)

type State int

const (
	Created State = iota
	Executing
	Finalized
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Executing:
		return "executing"
	case Finalized:
		return "finalized"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParentCheck decides what a failed parent probe does to the run.
type ParentCheck string

const (
	// ParentCheckIgnore logs parent failures and runs anyway.
	ParentCheckIgnore ParentCheck = "ignore"
	// ParentCheckRequire aborts the run if any parent fails.
	ParentCheckRequire ParentCheck = "require"
)

type Store interface {
	GetTrace(ctx context.Context, id int64) (store.Trace, error)
	TraceURLs(ctx context.Context, traceID int64) ([]string, error)
	CreateRun(ctx context.Context, run store.Run, snapshot []store.CacheCost) (int64, error)
	FinalizeRun(ctx context.Context, id int64, end time.Time) error
	SetRunCost(ctx context.Context, id int64, cost float64) error
}

type Executor interface {
	Execute(ctx context.Context, url string, runID int64) (executor.Result, error)
	Probe(ctx context.Context, url string, proxies executor.Proxies, timeout time.Duration) error
	Proxies() executor.Proxies
}

// Registry is the live cache configuration a run snapshots at start.
type Registry interface {
	Names() []string
	Get(name string) (registry.Peer, bool)
	MissPenalty() float64
	AlgorithmVersion() int
}

type Coster interface {
	RunCost(ctx context.Context, runID int64) (metrics.RunCost, error)
}

type Config struct {
	// ProbeURL is fetched by the preflight. DefaultProbeURL if empty.
	ProbeURL     string
	ProbeTimeout time.Duration
	// SquidPort is the port parents are probed on. DefaultSquidPort if empty.
	SquidPort   string
	ParentCheck ParentCheck
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	Now    func() time.Time
}

type Runner struct {
	store    Store
	executor Executor
	registry Registry
	coster   Coster
	config   Config
	log      zerolog.Logger
	now      func() time.Time
}

func New(st Store, exec Executor, reg Registry, coster Coster, config Config) *Runner {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	if config.ProbeURL == "" {
		config.ProbeURL = DefaultProbeURL
	}
	if config.SquidPort == "" {
		config.SquidPort = DefaultSquidPort
	}
	if config.ParentCheck == "" {
		config.ParentCheck = ParentCheckIgnore
	}
	r := &Runner{
		store:    st,
		executor: exec,
		registry: reg,
		coster:   coster,
		config:   config,
		log:      logger.With().Str("component", "runner").Logger(),
		now:      config.Now,
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Options select what a run replays.
type Options struct {
	Name    string
	TraceID int64
	// Cap stops the run after this many successful requests. 0 means no cap.
	Cap           int
	SkipPreflight bool
}

// Summary describes how far a run got.
type Summary struct {
	RunID     int64
	State     State
	Fired     int
	Succeeded int
	// Interrupted is true if the context was cancelled before the trace was exhausted.
	Interrupted bool
	// Cost is valid only if CostErr is nil.
	Cost    metrics.RunCost
	CostErr error
}

// Preflight probes the probe URL through the primary proxy and through each
// parent directly. A primary failure is always fatal; a parent failure is
// fatal only under ParentCheckRequire.
func (r *Runner) Preflight(ctx context.Context) error {
	primary := r.executor.Proxies()
	if err := r.executor.Probe(ctx, r.config.ProbeURL, primary, r.config.ProbeTimeout); err != nil {
		r.log.Error().Err(err).Str("proxy", primary.HTTP).Msg("Proxy check failed")
		return fmt.Errorf("%w: %v", ErrProxyDown, err)
	}
	for _, name := range r.registry.Names() {
		peer, ok := r.registry.Get(name)
		if !ok || peer.Address == "" {
			continue
		}
		proxies := primary.ForCache(peer.Address, r.config.SquidPort)
		err := r.executor.Probe(ctx, r.config.ProbeURL, proxies, r.config.ProbeTimeout)
		if err == nil {
			r.log.Debug().Str("cache", name).Msg("Parent check passed")
			continue
		}
		r.log.Warn().Err(err).Str("cache", name).Str("proxy", proxies.HTTP).Msg("Parent check failed")
		if r.config.ParentCheck == ParentCheckRequire {
			return fmt.Errorf("%w: parent %s: %v", ErrProxyDown, name, err)
		}
	}
	return nil
}

// Run replays a trace. Requests are fired in trace order, one at a time.
// Cancelling ctx stops the run before the next request; the run is still
// finalized. Store errors abort the run where it stands.
func (r *Runner) Run(ctx context.Context, opts Options) (Summary, error) {
	summary := Summary{State: Created}
	if strings.TrimSpace(opts.Name) == "" {
		return summary, ErrEmptyName
	}
	trace, err := r.store.GetTrace(ctx, opts.TraceID)
	if err != nil {
		return summary, fmt.Errorf("reading trace %d: %w", opts.TraceID, err)
	}
	if trace.Entries == 0 {
		return summary, fmt.Errorf("trace %d: %w", opts.TraceID, ErrEmptyTrace)
	}
	if !opts.SkipPreflight {
		if err := r.Preflight(ctx); err != nil {
			return summary, err
		}
	}

	urls, err := r.store.TraceURLs(ctx, opts.TraceID)
	if err != nil {
		return summary, fmt.Errorf("reading trace %d: %w", opts.TraceID, err)
	}

	start := r.now()
	runID, err := r.store.CreateRun(ctx, store.Run{
		Name:             opts.Name,
		StartTime:        store.At(start),
		TraceID:          opts.TraceID,
		AlgorithmVersion: r.registry.AlgorithmVersion(),
		MissPenalty:      r.registry.MissPenalty(),
	}, r.snapshot())
	if err != nil {
		return summary, fmt.Errorf("creating run: %w", err)
	}
	summary.RunID = runID
	logger := r.log.With().Int64("run", runID).Logger()
	logger.Info().Str("name", opts.Name).Int64("trace", opts.TraceID).Int("urls", len(urls)).Msg("Run started")

	summary.State = Executing
	remaining := opts.Cap
	for _, url := range urls {
		if ctx.Err() != nil {
			summary.Interrupted = true
			logger.Warn().Msg("Run interrupted")
			break
		}
		res, err := r.executor.Execute(ctx, url, runID)
		if err != nil {
			return summary, fmt.Errorf("run %d: %w", runID, err)
		}
		summary.Fired++
		if !res.OK {
			continue
		}
		summary.Succeeded++
		if opts.Cap > 0 {
			remaining--
			if remaining == 0 {
				logger.Info().Int("cap", opts.Cap).Msg("Cap reached")
				break
			}
		}
	}

	// finalize even when interrupted
	fctx := context.WithoutCancel(ctx)
	if err := r.store.FinalizeRun(fctx, runID, r.now()); err != nil {
		return summary, fmt.Errorf("finalizing run %d: %w", runID, err)
	}
	summary.State = Finalized

	summary.Cost, summary.CostErr = r.coster.RunCost(fctx, runID)
	switch {
	case errors.Is(summary.CostErr, metrics.ErrIncompleteReconciliation):
		logger.Warn().Err(summary.CostErr).Msg("Run cost unknown")
	case summary.CostErr != nil:
		return summary, fmt.Errorf("computing cost of run %d: %w", runID, summary.CostErr)
	default:
		if err := r.store.SetRunCost(fctx, runID, summary.Cost.Total); err != nil {
			return summary, fmt.Errorf("storing cost of run %d: %w", runID, err)
		}
	}
	logger.Info().
		Int("fired", summary.Fired).
		Int("succeeded", summary.Succeeded).
		Float64("cost", summary.Cost.Total).
		Msg("Run finalized")
	return summary, nil
}

// snapshot captures the live cache costs for a new run.
func (r *Runner) snapshot() []store.CacheCost {
	names := r.registry.Names()
	snapshot := make([]store.CacheCost, 0, len(names))
	for _, name := range names {
		peer, _ := r.registry.Get(name)
		snapshot = append(snapshot, store.CacheCost{Name: name, AccessCost: peer.AccessCost})
	}
	return snapshot
}
