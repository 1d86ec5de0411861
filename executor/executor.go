// Package executor fires trace requests through the proxy hierarchy.
package executor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	cachestatus "github.com/always-cache/proxysim/pkg/cache-status"
	"github.com/always-cache/proxysim/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TokenHeader carries the correlation token of a request to the proxy,
// whose reporting hook may echo it back to the reconciler.
const TokenHeader = "X-Proxysim-Request"

const (
	DefaultHTTPProxy  = "http://127.0.0.1:3128"
	DefaultHTTPSProxy = "http://192.168.10.1:8888"
	DefaultTimeout    = 10 * time.Second
)

// Proxies are the proxy endpoints for plain and encrypted traffic.
type Proxies struct {
	HTTP  string
	HTTPS string
}

// WithDefaults fills empty endpoints with the defaults.
func (p Proxies) WithDefaults() Proxies {
	if p.HTTP == "" {
		p.HTTP = DefaultHTTPProxy
	}
	if p.HTTPS == "" {
		p.HTTPS = DefaultHTTPSProxy
	}
	return p
}

// ForCache returns the proxies for reaching a cache directly over plain HTTP.
// Encrypted traffic keeps going through the configured HTTPS proxy.
func (p Proxies) ForCache(address, port string) Proxies {
	p = p.WithDefaults()
	p.HTTP = fmt.Sprintf("http://%s:%s", address, port)
	return p
}

// Store is the part of the persistent store the executor writes to.
type Store interface {
	InsertRequest(ctx context.Context, req store.Request) (int64, error)
	CompleteRequest(ctx context.Context, id int64, elapsedMs, downloadBytes int64) error
	WithReleased(fn func() error) error
}

type Config struct {
	Proxies Proxies
	// Path of a PEM bundle of trusted roots for intercepted TLS.
	// The system pool is used if empty or unreadable.
	CABundle string
	// Timeout of a single request. DefaultTimeout if zero.
	Timeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Now is the clock used for request timestamps. time.Now if nil.
	Now func() time.Time
	// DisableTokens stops sending and storing correlation tokens.
	DisableTokens bool
}

type Executor struct {
	store         Store
	client        *http.Client
	proxies       Proxies
	rootCAs       *x509.CertPool
	log           zerolog.Logger
	now           func() time.Time
	disableTokens bool
}

// Result is the outcome of one fired request.
type Result struct {
	RequestID int64
	// OK is false if the request is not actionable:
	// a transport error or a status of 400 or above.
	OK          bool
	StatusCode  int
	Elapsed     time.Duration
	Bytes       int64
	Token       string
	CacheStatus []cachestatus.CacheStatus
	// Age is the response's Age field, valid if HasAge.
	Age    time.Duration
	HasAge bool
	// Err is the transport error of a failed request.
	Err error
}

func New(st Store, config Config) *Executor {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	e := &Executor{
		store:         st,
		proxies:       config.Proxies.WithDefaults(),
		log:           logger.With().Str("component", "executor").Logger(),
		now:           config.Now,
		disableTokens: config.DisableTokens,
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.rootCAs = loadRootCAs(config.CABundle, e.log)
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	e.client = e.newClient(e.proxies, timeout)
	return e
}

// newClient creates a client that routes through proxies and does not follow redirects.
func (e *Executor) newClient(proxies Proxies, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:             proxyFunc(proxies),
			TLSClientConfig:   &tls.Config{RootCAs: e.rootCAs},
			DisableKeepAlives: true,
		},
		Timeout: timeout,
		// do not follow redirects
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func proxyFunc(proxies Proxies) func(*http.Request) (*url.URL, error) {
	return func(r *http.Request) (*url.URL, error) {
		if r.URL.Scheme == "https" {
			return url.Parse(proxies.HTTPS)
		}
		return url.Parse(proxies.HTTP)
	}
}

func loadRootCAs(filename string, logger zerolog.Logger) *x509.CertPool {
	if filename == "" {
		return nil
	}
	pem, err := os.ReadFile(filename)
	if err != nil {
		logger.Warn().Err(err).Str("bundle", filename).Msg("Could not read CA bundle, using system roots")
		return nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		logger.Warn().Str("bundle", filename).Msg("No certificates found in CA bundle")
	}
	return pool
}

// Execute fires one request for url as part of run runID (0 for ad-hoc requests).
//
// The request row is stored before the network call. The store connection is
// released for the duration of the call so the proxy's reporting hook can write
// the outcomes. A failed request keeps its row and is reported with OK false;
// only store errors are returned as errors.
func (e *Executor) Execute(ctx context.Context, rawURL string, runID int64) (Result, error) {
	logger := e.log.With().Str("url", rawURL).Int64("run", runID).Logger()
	result := Result{}
	if !e.disableTokens {
		result.Token = uuid.NewString()
	}

	id, err := e.store.InsertRequest(ctx, store.Request{
		Time:  store.At(e.now()),
		URL:   rawURL,
		RunID: runID,
		Token: sql.NullString{String: result.Token, Valid: result.Token != ""},
	})
	if err != nil {
		return result, fmt.Errorf("storing request: %w", err)
	}
	result.RequestID = id
	logger = logger.With().Int64("request", id).Logger()

	err = e.store.WithReleased(func() error {
		e.fetch(ctx, rawURL, &result)
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("reacquiring store: %w", err)
	}

	if result.Err != nil {
		logger.Error().Err(result.Err).Msg("Request failed")
		return result, nil
	}
	if result.StatusCode >= 400 {
		logger.Error().Int("status", result.StatusCode).Msg("Request failed")
		return result, nil
	}

	result.OK = true
	// the request was served, so record it even if ctx is done by now
	if err := e.store.CompleteRequest(context.WithoutCancel(ctx), id, result.Elapsed.Milliseconds(), result.Bytes); err != nil {
		return result, fmt.Errorf("completing request: %w", err)
	}
	ev := logger.Debug().
		Int("status", result.StatusCode).
		Int64("elapsedMs", result.Elapsed.Milliseconds()).
		Int64("bytes", result.Bytes)
	if served, ok := cachestatus.Served(result.CacheStatus); ok {
		ev = ev.Str("proxyHit", served.Cache)
	}
	if result.HasAge {
		ev = ev.Dur("age", result.Age)
	}
	ev.Msg("Request done")
	return result, nil
}

// fetch performs the GET and drains the body. It must not touch the store.
func (e *Executor) fetch(ctx context.Context, rawURL string, result *Result) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		result.Err = err
		return
	}
	if result.Token != "" {
		req.Header.Set(TokenHeader, result.Token)
	}
	start := time.Now()
	res, err := e.client.Do(req)
	if err != nil {
		result.Err = err
		return
	}
	defer res.Body.Close()
	result.Elapsed = time.Since(start)
	result.StatusCode = res.StatusCode
	result.CacheStatus = cachestatus.Parse(res.Header)
	result.Age, result.HasAge = cachestatus.Age(res.Header)
	result.Bytes, err = io.Copy(io.Discard, res.Body)
	if err != nil {
		result.Err = err
	}
}

// Probe fetches url through proxies and returns an error unless it succeeds
// with a status below 400. Nothing is stored.
func (e *Executor) Probe(ctx context.Context, rawURL string, proxies Proxies, timeout time.Duration) error {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	res, err := e.newClient(proxies.WithDefaults(), timeout).Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	if res.StatusCode >= 400 {
		return fmt.Errorf("probe %s: status %d", rawURL, res.StatusCode)
	}
	return nil
}

// Proxies returns the configured proxy endpoints.
func (e *Executor) Proxies() Proxies {
	return e.proxies
}
