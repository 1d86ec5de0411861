// Package reconcile attaches the per-cache outcomes reported by the proxy
// to the request that caused them.
//
// The proxy reports a URL and, for every cache it consulted, whether the
// cache indicated the object, was accessed, and resolved it. The report is
// matched to the most recent stored request for that URL, provided the
// request is fresh. Stale reports are dropped: the proxy event cannot be
// replayed, so there is nothing to queue.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/always-cache/proxysim/store"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultWindow is how old a request may be and still receive outcomes.
const DefaultWindow = 60 * time.Second

var (
	// ErrArity is returned for argument lists that are not URL followed by
	// one or more groups of four.
	ErrArity = errors.New("expected URL followed by (cache, indication, accessed, resolution) groups")
	// ErrMalformedTuple is returned when a group has an empty cache name or a
	// flag that is not a boolean.
	ErrMalformedTuple = errors.New("malformed outcome tuple")
	// ErrNoMatch is returned when no fresh request matches the report.
	ErrNoMatch = errors.New("no fresh request matches report")
)

// Report is one proxy report.
type Report struct {
	URL string
	// Token is the correlation token echoed by the proxy, if any.
	Token    string
	Outcomes []store.Outcome
}

// ParseArgs parses positional hook arguments:
// URL, then cache, indication, accessed, resolution repeated.
// The whole list is rejected if any group is invalid.
func ParseArgs(args []string) (Report, error) {
	n := len(args)
	if n < 5 || n%4 != 1 {
		return Report{}, fmt.Errorf("%w: got %d arguments", ErrArity, n)
	}
	report := Report{URL: args[0], Outcomes: make([]store.Outcome, 0, n/4)}
	for i := 1; i < n; i += 4 {
		o, err := parseTuple(args[i : i+4])
		if err != nil {
			return Report{}, fmt.Errorf("group %d: %w", i/4+1, err)
		}
		report.Outcomes = append(report.Outcomes, o)
	}
	return report, nil
}

func parseTuple(t []string) (store.Outcome, error) {
	o := store.Outcome{CacheName: t[0]}
	if o.CacheName == "" {
		return o, fmt.Errorf("%w: empty cache name", ErrMalformedTuple)
	}
	flags := []*bool{&o.Indication, &o.Accessed, &o.Resolution}
	for i, f := range flags {
		v, err := strconv.ParseBool(t[i+1])
		if err != nil {
			return o, fmt.Errorf("%w: %q is not a boolean", ErrMalformedTuple, t[i+1])
		}
		*f = v
	}
	return o, nil
}

// Validate checks a report built from a structured source.
func (r Report) Validate() error {
	if r.URL == "" && r.Token == "" {
		return fmt.Errorf("%w: report has neither URL nor token", ErrMalformedTuple)
	}
	if len(r.Outcomes) == 0 {
		return fmt.Errorf("%w: no outcomes", ErrArity)
	}
	for i, o := range r.Outcomes {
		if o.CacheName == "" {
			return fmt.Errorf("outcome %d: %w: empty cache name", i+1, ErrMalformedTuple)
		}
	}
	return nil
}

// Store is the part of the persistent store the reconciler uses.
type Store interface {
	LatestRequest(ctx context.Context, url string, mode store.MatchMode) (store.Request, error)
	RequestByToken(ctx context.Context, token string) (store.Request, error)
	InsertOutcomes(ctx context.Context, requestID int64, outcomes []store.Outcome) error
}

type Config struct {
	// Window is the freshness window. DefaultWindow if zero.
	Window time.Duration
	// MatchMode selects URL matching. store.MatchSubstring if empty.
	MatchMode store.MatchMode
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Now is the clock reports are judged against. time.Now if nil.
	Now func() time.Time
}

type Reconciler struct {
	store  Store
	window time.Duration
	mode   store.MatchMode
	log    zerolog.Logger
	now    func() time.Time
}

func New(st Store, config Config) *Reconciler {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	r := &Reconciler{
		store:  st,
		window: config.Window,
		mode:   config.MatchMode,
		log:    logger.With().Str("component", "reconciler").Logger(),
		now:    config.Now,
	}
	if r.window == 0 {
		r.window = DefaultWindow
	}
	if r.mode == "" {
		r.mode = store.MatchSubstring
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// FindRecentRequest returns the request a report belongs to. A token, if
// given, selects the request exactly; otherwise the newest request whose URL
// matches is used. Either way the request must not be older than the window.
// An older request is never chosen when the newest match is stale.
func (r *Reconciler) FindRecentRequest(ctx context.Context, url, token string) (store.Request, error) {
	var req store.Request
	var err error
	if token != "" {
		req, err = r.store.RequestByToken(ctx, token)
	} else {
		req, err = r.store.LatestRequest(ctx, url, r.mode)
	}
	if errors.Is(err, store.ErrNotFound) {
		return req, ErrNoMatch
	}
	if err != nil {
		return req, err
	}
	if age := r.now().Sub(req.Time.Time); age > r.window {
		r.log.Debug().Int64("request", req.ID).Dur("age", age).Msg("Matched request is stale")
		return store.Request{}, ErrNoMatch
	}
	return req, nil
}

// Reconcile stores the report's outcomes for its request, all or nothing.
// It returns the request id, or ErrNoMatch if there is no fresh request.
func (r *Reconciler) Reconcile(ctx context.Context, report Report) (int64, error) {
	if err := report.Validate(); err != nil {
		return 0, err
	}
	logger := r.log.With().Str("url", report.URL).Logger()
	req, err := r.FindRecentRequest(ctx, report.URL, report.Token)
	if err != nil {
		if errors.Is(err, ErrNoMatch) {
			logger.Info().Str("token", report.Token).Msg("No fresh request for report")
		}
		return 0, err
	}
	if err := r.store.InsertOutcomes(ctx, req.ID, report.Outcomes); err != nil {
		return 0, fmt.Errorf("storing outcomes of request %d: %w", req.ID, err)
	}
	logger.Debug().Int64("request", req.ID).Int("outcomes", len(report.Outcomes)).Msg("Reconciled")
	return req.ID, nil
}

// ReconcileArgs parses positional hook arguments and reconciles them.
func (r *Reconciler) ReconcileArgs(ctx context.Context, args []string, token string) (int64, error) {
	report, err := ParseArgs(args)
	if err != nil {
		r.log.Warn().Err(err).Strs("args", args).Msg("Invalid report")
		return 0, err
	}
	report.Token = token
	return r.Reconcile(ctx, report)
}
