package metrics

import (
	"context"
	"errors"
	"fmt"

	"github.com/always-cache/proxysim/registry"
	"github.com/always-cache/proxysim/store"
)

// ErrIncompleteReconciliation means a request has no outcome that can be
// resolved against the run's snapshot, so its cost is unknown (not zero).
var ErrIncompleteReconciliation = errors.New("incomplete reconciliation")

// Details describes how one request was resolved across the hierarchy.
type Details struct {
	Indicated []string
	Accessed  []string
	Resolved  []string
	// Hit is true if at least one cache was both accessed and resolved the object.
	Hit bool
	// Cost is the sum of access costs of accessed caches, without miss penalty.
	Cost float64
}

// TotalCost returns the request's cost including the miss penalty,
// which is charged once per request that no accessed cache resolved.
func (d Details) TotalCost(missPenalty float64) float64 {
	if d.Hit {
		return d.Cost
	}
	return d.Cost + missPenalty
}

// AnalyzeOutcomes folds one request's outcomes into Details.
// Costs maps cache names to access costs; unknown names cost nothing.
// If delta is not nil, each real cache's cell is recorded in it and an
// outcome for a cache without a row in delta fails with ErrUnknownCache.
func AnalyzeOutcomes(outcomes []store.Outcome, costs map[string]float64, delta *Confusion) (Details, error) {
	d := Details{
		Indicated: make([]string, 0),
		Accessed:  make([]string, 0),
		Resolved:  make([]string, 0),
	}
	for _, o := range outcomes {
		if o.CacheName == MissCache {
			// the penalty is applied once per request by TotalCost
			if o.Accessed {
				d.Accessed = append(d.Accessed, MissCache)
			}
			continue
		}
		if delta != nil {
			if err := delta.Record(o.CacheName, CellOf(o.Indication, o.Resolution)); err != nil {
				return d, err
			}
		}
		if o.Indication {
			d.Indicated = append(d.Indicated, o.CacheName)
		}
		if o.Accessed {
			d.Accessed = append(d.Accessed, o.CacheName)
			d.Cost += costs[o.CacheName]
		}
		if o.Resolution {
			d.Resolved = append(d.Resolved, o.CacheName)
		}
		if o.Accessed && o.Resolution {
			d.Hit = true
		}
	}
	return d, nil
}

// Source is the persisted data the engine reads.
type Source interface {
	GetRun(ctx context.Context, id int64) (store.Run, error)
	Snapshot(ctx context.Context, runID int64) ([]store.CacheCost, error)
	Outcomes(ctx context.Context, requestID int64) ([]store.Outcome, error)
	ReconciledRunRequests(ctx context.Context, runID int64) ([]store.Request, error)
}

// LiveCosts supplies access costs for requests that are not part of a run.
type LiveCosts interface {
	All() map[string]registry.Peer
	MissPenalty() float64
}

// Engine computes metrics from persisted outcomes.
type Engine struct {
	source Source
	live   LiveCosts
}

func NewEngine(source Source, live LiveCosts) *Engine {
	return &Engine{source: source, live: live}
}

// Analysis is the result of analyzing one request.
type Analysis struct {
	RequestID int64
	// Delta holds this request's confusion cells; nil for requests outside a run.
	Delta   *Confusion
	Details Details
}

// AnalyzeRequest analyzes a request. If runID is not 0, costs come from the
// run's snapshot and the request's cells are recorded in the returned delta;
// otherwise costs come from the live registry and no cells are recorded.
func (e *Engine) AnalyzeRequest(ctx context.Context, requestID, runID int64) (Analysis, error) {
	a := Analysis{RequestID: requestID}
	outcomes, err := e.source.Outcomes(ctx, requestID)
	if err != nil {
		return a, err
	}
	var costs map[string]float64
	if runID != 0 {
		snapshot, err := e.source.Snapshot(ctx, runID)
		if err != nil {
			return a, err
		}
		costs = snapshotCosts(snapshot)
		a.Delta = NewConfusion(snapshotNames(snapshot))
	} else {
		costs = make(map[string]float64)
		if e.live != nil {
			for name, p := range e.live.All() {
				costs[name] = p.AccessCost
			}
		}
	}
	a.Details, err = AnalyzeOutcomes(outcomes, costs, a.Delta)
	if err != nil {
		return a, fmt.Errorf("request %d: %w", requestID, err)
	}
	return a, nil
}

// RunCost is the aggregate cost of a run.
type RunCost struct {
	Total    float64
	Requests int
}

// Average returns the mean cost per request, rounded to three decimals.
func (c RunCost) Average() float64 {
	if c.Requests == 0 {
		return 0
	}
	return round3(c.Total / float64(c.Requests))
}

// RunCost sums the cost of every reconciled request of the run: access costs
// of accessed snapshot caches plus, once per request without an accessed and
// resolving cache, the run's miss penalty. It is read-only and idempotent.
// An accessed or resolving cache missing from the snapshot fails with
// ErrUnknownCache; a request with no outcome in the snapshot fails with
// ErrIncompleteReconciliation.
func (e *Engine) RunCost(ctx context.Context, runID int64) (RunCost, error) {
	var cost RunCost
	run, err := e.source.GetRun(ctx, runID)
	if err != nil {
		return cost, err
	}
	snapshot, err := e.source.Snapshot(ctx, runID)
	if err != nil {
		return cost, err
	}
	costs := snapshotCosts(snapshot)
	requests, err := e.source.ReconciledRunRequests(ctx, runID)
	if err != nil {
		return cost, err
	}
	for _, req := range requests {
		outcomes, err := e.source.Outcomes(ctx, req.ID)
		if err != nil {
			return RunCost{}, err
		}
		known := make([]store.Outcome, 0, len(outcomes))
		var unknown string
		for _, o := range outcomes {
			if _, ok := costs[o.CacheName]; ok {
				known = append(known, o)
			} else if o.CacheName != MissCache && (o.Accessed || o.Resolution) && unknown == "" {
				unknown = o.CacheName
			}
		}
		if len(known) == 0 {
			return RunCost{}, fmt.Errorf("request %d: %w", req.ID, ErrIncompleteReconciliation)
		}
		if unknown != "" {
			return RunCost{}, fmt.Errorf("request %d: %w: %q", req.ID, ErrUnknownCache, unknown)
		}
		d, _ := AnalyzeOutcomes(known, costs, nil)
		cost.Total += d.TotalCost(run.MissPenalty)
		cost.Requests++
	}
	return cost, nil
}

// RunReport is the full analysis of a run.
type RunReport struct {
	Run      store.Run
	Scores   []Score
	Cost     RunCost
	Analyses []Analysis
}

// AnalyzeRun analyzes every reconciled request of a run, aggregating the
// confusion matrix and the cost. A cache missing from the snapshot fails
// the whole computation.
func (e *Engine) AnalyzeRun(ctx context.Context, runID int64) (RunReport, error) {
	report := RunReport{}
	run, err := e.source.GetRun(ctx, runID)
	if err != nil {
		return report, err
	}
	report.Run = run
	snapshot, err := e.source.Snapshot(ctx, runID)
	if err != nil {
		return report, err
	}
	total := NewConfusion(snapshotNames(snapshot))
	requests, err := e.source.ReconciledRunRequests(ctx, runID)
	if err != nil {
		return report, err
	}
	for _, req := range requests {
		a, err := e.AnalyzeRequest(ctx, req.ID, runID)
		if err != nil {
			return report, err
		}
		if err := total.Merge(a.Delta); err != nil {
			return report, err
		}
		report.Cost.Total += a.Details.TotalCost(run.MissPenalty)
		report.Cost.Requests++
		report.Analyses = append(report.Analyses, a)
	}
	report.Scores = ClassificationMetrics(total)
	return report, nil
}

func snapshotCosts(snapshot []store.CacheCost) map[string]float64 {
	costs := make(map[string]float64, len(snapshot))
	for _, c := range snapshot {
		costs[c.Name] = c.AccessCost
	}
	return costs
}

func snapshotNames(snapshot []store.CacheCost) []string {
	names := make([]string, 0, len(snapshot))
	for _, c := range snapshot {
		names = append(names, c.Name)
	}
	return names
}
