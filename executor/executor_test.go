package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/proxysim/metrics"
	"github.com/always-cache/proxysim/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "sim.db")
	s, err := store.Open(filename, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, filename
}

// reconcileFrom writes outcomes for the newest request of url using a separate
// connection, the way the proxy's hook process does.
func reconcileFrom(t *testing.T, filename, url string, outcomes ...store.Outcome) {
	other, err := store.Open(filename, nil)
	if !assert.NoError(t, err) {
		return
	}
	defer other.Close()
	ctx := context.Background()
	req, err := other.LatestRequest(ctx, url, store.MatchExact)
	if !assert.NoError(t, err) {
		return
	}
	assert.NoError(t, other.InsertOutcomes(ctx, req.ID, outcomes))
}

func TestExecuteSuccess(t *testing.T) {
	s, filename := openStore(t)
	var token string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the request row exists and the store is released while in flight
		assert.True(t, s.Released())
		token = r.Header.Get(TokenHeader)
		assert.Equal(t, "http://origin.test/a", r.URL.String())
		reconcileFrom(t, filename, "http://origin.test/a",
			store.Outcome{CacheName: "cache1", Indication: true, Accessed: true, Resolution: true})
		w.Header().Add("X-Cache", "HIT from cache1")
		w.Header().Set("Age", "5")
		w.Write([]byte("hello world"))
	}))
	defer proxy.Close()

	e := New(s, Config{Proxies: Proxies{HTTP: proxy.URL}})
	res, err := e.Execute(context.Background(), "http://origin.test/a", 7)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.EqualValues(t, 11, res.Bytes)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, res.Token, token)
	assert.False(t, s.Released())
	require.Len(t, res.CacheStatus, 1)
	assert.Equal(t, "cache1", res.CacheStatus[0].Cache)
	assert.True(t, res.HasAge)
	assert.Equal(t, 5*time.Second, res.Age)

	req, err := s.GetRequest(context.Background(), res.RequestID)
	require.NoError(t, err)
	assert.EqualValues(t, 7, req.RunID)
	assert.True(t, req.ElapsedMs.Valid)
	assert.EqualValues(t, 11, req.DownloadBytes.Int64)
	assert.Equal(t, res.Token, req.Token.String)

	outcomes, err := s.Outcomes(context.Background(), res.RequestID)
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)
}

func TestExecuteFailedStatusKeepsRow(t *testing.T) {
	s, _ := openStore(t)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer proxy.Close()

	e := New(s, Config{Proxies: Proxies{HTTP: proxy.URL}})
	res, err := e.Execute(context.Background(), "http://origin.test/missing", 1)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	req, err := s.GetRequest(context.Background(), res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "http://origin.test/missing", req.URL)
	assert.False(t, req.ElapsedMs.Valid)
}

func TestExecuteDoesNotFollowRedirects(t *testing.T) {
	s, _ := openStore(t)
	var calls int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Redirect(w, r, "http://origin.test/elsewhere", http.StatusFound)
	}))
	defer proxy.Close()

	e := New(s, Config{Proxies: Proxies{HTTP: proxy.URL}})
	res, err := e.Execute(context.Background(), "http://origin.test/moved", 1)
	require.NoError(t, err)
	assert.True(t, res.OK, "3xx responses are successful")
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestExecuteTransportError(t *testing.T) {
	s, _ := openStore(t)
	proxy := httptest.NewServer(http.NotFoundHandler())
	proxyURL := proxy.URL
	proxy.Close()

	e := New(s, Config{Proxies: Proxies{HTTP: proxyURL}, Timeout: time.Second})
	res, err := e.Execute(context.Background(), "http://origin.test/a", 1)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Error(t, res.Err)
	assert.False(t, s.Released(), "the store is reacquired after a transport error")

	_, err = s.GetRequest(context.Background(), res.RequestID)
	assert.NoError(t, err)
}

func TestExecuteTimeout(t *testing.T) {
	s, _ := openStore(t)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer proxy.Close()

	e := New(s, Config{Proxies: Proxies{HTTP: proxy.URL}, Timeout: 50 * time.Millisecond})
	res, err := e.Execute(context.Background(), "http://origin.test/slow", 1)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Error(t, res.Err)
}

func TestExecuteWithoutTokens(t *testing.T) {
	s, _ := openStore(t)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(TokenHeader))
	}))
	defer proxy.Close()

	e := New(s, Config{Proxies: Proxies{HTTP: proxy.URL}, DisableTokens: true})
	res, err := e.Execute(context.Background(), "http://origin.test/a", 1)
	require.NoError(t, err)
	assert.True(t, res.OK)
	req, err := s.GetRequest(context.Background(), res.RequestID)
	require.NoError(t, err)
	assert.False(t, req.Token.Valid)
}

func TestProxies(t *testing.T) {
	p := Proxies{}.WithDefaults()
	assert.Equal(t, Proxies{HTTP: DefaultHTTPProxy, HTTPS: DefaultHTTPSProxy}, p)

	p = Proxies{HTTPS: "http://tls.proxy:8888"}.ForCache("10.0.0.2", "3128")
	assert.Equal(t, Proxies{HTTP: "http://10.0.0.2:3128", HTTPS: "http://tls.proxy:8888"}, p)
}

func TestProbe(t *testing.T) {
	s, _ := openStore(t)
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	e := New(s, Config{})
	assert.NoError(t, e.Probe(context.Background(), "http://probe.test/", Proxies{HTTP: ok.URL}, time.Second))
	assert.Error(t, e.Probe(context.Background(), "http://probe.test/", Proxies{HTTP: bad.URL}, time.Second))

	// probes leave no trace in the store
	_, err := s.LatestRequest(context.Background(), "probe.test", store.MatchSubstring)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSingleRequester(t *testing.T) {
	s, filename := openStore(t)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hit":
			reconcileFrom(t, filename, r.URL.String(),
				store.Outcome{CacheName: "cache1", Indication: true, Accessed: true, Resolution: false},
				store.Outcome{CacheName: "cache2", Indication: true, Accessed: true, Resolution: true})
		case "/miss":
			reconcileFrom(t, filename, r.URL.String(),
				store.Outcome{CacheName: "cache1", Indication: false, Accessed: false, Resolution: false})
		}
	}))
	defer proxy.Close()

	e := New(s, Config{Proxies: Proxies{HTTP: proxy.URL}})
	single := SingleRequester{
		Executor:     e,
		Outcomes:     s,
		Analyzer:     metrics.NewEngine(s, nil),
		MissPenalty:  func() float64 { return 10 },
		Wait:         200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
	ctx := context.Background()

	res, err := single.Execute(ctx, "http://origin.test/hit")
	require.NoError(t, err)
	assert.True(t, res.Reconciled)
	assert.Equal(t, "cache2", res.Cache)
	assert.True(t, res.Details.Hit)

	res, err = single.Execute(ctx, "http://origin.test/miss")
	require.NoError(t, err)
	assert.True(t, res.Reconciled)
	assert.Equal(t, metrics.MissCache, res.Cache)
	assert.Equal(t, 10.0, res.Cost)

	res, err = single.Execute(ctx, "http://origin.test/silent")
	require.NoError(t, err)
	assert.False(t, res.Reconciled)
	assert.Equal(t, metrics.MissCache, res.Cache)

	_, err = single.Execute(ctx, "ftp://origin.test/")
	assert.ErrorIs(t, err, ErrInvalidURL)
}
