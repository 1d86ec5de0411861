package executor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/always-cache/proxysim/metrics"
	"github.com/always-cache/proxysim/store"
)

// ErrInvalidURL is returned for ad-hoc URLs that are not http or https.
var ErrInvalidURL = errors.New("URL must start with http:// or https://")

const (
	DefaultOutcomeWait  = 2 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

type OutcomeSource interface {
	Outcomes(ctx context.Context, requestID int64) ([]store.Outcome, error)
}

type Analyzer interface {
	AnalyzeRequest(ctx context.Context, requestID, runID int64) (metrics.Analysis, error)
}

// SingleRequester fires ad-hoc requests and reports how they were resolved.
type SingleRequester struct {
	Executor *Executor
	Outcomes OutcomeSource
	Analyzer Analyzer
	// MissPenalty returns the penalty charged when no cache resolved the request.
	MissPenalty func() float64
	// Wait bounds how long to wait for the proxy's report. DefaultOutcomeWait if zero.
	Wait         time.Duration
	PollInterval time.Duration
}

// SingleResult is an ad-hoc request together with its reconciled outcome.
type SingleResult struct {
	Result
	// Reconciled is false if no outcome arrived within the wait.
	Reconciled bool
	// Cache is the cache that served the request, or metrics.MissCache.
	Cache   string
	Cost    float64
	Details metrics.Details
}

// Execute fires url outside of any run, waits for its outcomes and analyzes them.
func (s SingleRequester) Execute(ctx context.Context, rawURL string) (SingleResult, error) {
	rawURL = strings.TrimSpace(rawURL)
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return SingleResult{}, ErrInvalidURL
	}
	res, err := s.Executor.Execute(ctx, rawURL, 0)
	single := SingleResult{Result: res, Cache: metrics.MissCache}
	if err != nil || !res.OK {
		return single, err
	}

	reconciled, err := s.awaitOutcomes(ctx, res.RequestID)
	if err != nil {
		return single, err
	}
	single.Reconciled = reconciled

	a, err := s.Analyzer.AnalyzeRequest(ctx, res.RequestID, 0)
	if err != nil {
		return single, err
	}
	single.Details = a.Details
	var penalty float64
	if s.MissPenalty != nil {
		penalty = s.MissPenalty()
	}
	single.Cost = a.Details.TotalCost(penalty)
	if name, ok := servedBy(a.Details); ok {
		single.Cache = name
	}
	return single, nil
}

// awaitOutcomes polls until the request has outcomes, the wait elapses, or ctx is done.
func (s SingleRequester) awaitOutcomes(ctx context.Context, requestID int64) (bool, error) {
	wait := s.Wait
	if wait == 0 {
		wait = DefaultOutcomeWait
	}
	interval := s.PollInterval
	if interval == 0 {
		interval = defaultPollInterval
	}
	deadline := time.Now().Add(wait)
	for {
		outcomes, err := s.Outcomes.Outcomes(ctx, requestID)
		if err != nil {
			return false, err
		}
		if len(outcomes) > 0 {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// servedBy returns the first cache that was both accessed and resolved.
func servedBy(d metrics.Details) (string, bool) {
	if !d.Hit {
		return "", false
	}
	resolved := make(map[string]bool, len(d.Resolved))
	for _, name := range d.Resolved {
		resolved[name] = true
	}
	for _, name := range d.Accessed {
		if resolved[name] {
			return name, true
		}
	}
	return "", false
}
