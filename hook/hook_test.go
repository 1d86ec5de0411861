package hook

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/always-cache/proxysim/executor"
	"github.com/always-cache/proxysim/reconcile"
	"github.com/always-cache/proxysim/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*store.Store, http.Handler, int64) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sim.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	id, err := s.InsertRequest(context.Background(), store.Request{
		Time:  store.At(time.Now()),
		URL:   "http://origin.test/a",
		RunID: 1,
		Token: sql.NullString{String: "tok", Valid: true},
	})
	require.NoError(t, err)
	return s, New(reconcile.New(s, reconcile.Config{}), nil).Handler(), id
}

func post(h http.Handler, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	_, h, _ := setup(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPostReport(t *testing.T) {
	s, h, id := setup(t)
	rec := post(h, "/reports", `{"url":"http://origin.test/a","outcomes":[
		{"cache":"cache1","indication":true,"accessed":true,"resolution":true},
		{"cache":"cache2","indication":false,"accessed":false,"resolution":false}]}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"request":`+strconv.FormatInt(id, 10)+`}`, rec.Body.String())

	outcomes, err := s.Outcomes(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)
}

func TestPostReportByToken(t *testing.T) {
	s, h, id := setup(t)
	rec := post(h, "/reports", `{"token":"tok","outcomes":[{"cache":"cache1","accessed":true}]}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	outcomes, err := s.Outcomes(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)
}

func TestPostArgs(t *testing.T) {
	s, h, id := setup(t)
	rec := post(h, "/reports/args", `["http://origin.test/a","cache1","1","1","0"]`, executor.TokenHeader, "tok")
	assert.Equal(t, http.StatusCreated, rec.Code)
	outcomes, err := s.Outcomes(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Resolution)
}

func TestPostRejected(t *testing.T) {
	s, h, id := setup(t)
	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"not json", "/reports", `{`, http.StatusBadRequest},
		{"no outcomes", "/reports", `{"url":"http://origin.test/a"}`, http.StatusBadRequest},
		{"empty cache", "/reports", `{"url":"http://origin.test/a","outcomes":[{"cache":""}]}`, http.StatusBadRequest},
		{"bad arity", "/reports/args", `["http://origin.test/a","cache1","1"]`, http.StatusBadRequest},
		{"bad flag", "/reports/args", `["http://origin.test/a","cache1","1","maybe","0"]`, http.StatusBadRequest},
		{"no match", "/reports/args", `["http://other.test/","cache1","1","1","0"]`, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(h, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
	outcomes, err := s.Outcomes(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestListenAndServeStopsWithContext(t *testing.T) {
	s, _, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(reconcile.New(s, reconcile.Config{}), nil).ListenAndServe(ctx, "127.0.0.1:0")
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
