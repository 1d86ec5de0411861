package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/always-cache/proxysim/purge"
	"github.com/always-cache/proxysim/reconcile"
	"github.com/always-cache/proxysim/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	dir    string
	config string
	db     string
}

func newEnv(t *testing.T, dir, proxyURL string) env {
	t.Helper()
	e := env{
		dir:    dir,
		config: filepath.Join(dir, "proxysim.yaml"),
		db:     filepath.Join(dir, "sim.db"),
	}
	squidConf := filepath.Join(dir, "squid.conf")
	require.NoError(t, os.WriteFile(squidConf, []byte(
		"cache_peer 10.0.0.2 parent 3128 0 name=cache1 access-cost=3\nmiss_penalty 10\nsalsa2 2\n"), 0o644))
	require.NoError(t, os.WriteFile(e.config, []byte(fmt.Sprintf(
		"db_file: %s\nconf_file: %s\nhttp_proxy: %s\noutcome_wait: 200ms\n", e.db, squidConf, proxyURL)), 0o644))
	return e
}

// run executes the command tree and returns its output.
func (e env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(io.Discard)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (e env) write(t *testing.T, name, content string) string {
	filename := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(filename, []byte(content), 0o644))
	return filename
}

// proxy stands in for the proxy hierarchy: it reports cache1 as having
// resolved /hit and nothing else.
func proxy(t *testing.T, db string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := store.Open(db, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer s.Close()
		resolved := "0"
		if r.URL.Path == "/hit" {
			resolved = "1"
		}
		_, err = reconcile.New(s, reconcile.Config{}).
			ReconcileArgs(context.Background(), []string{r.URL.String(), "cache1", resolved, "1", resolved}, "")
		assert.NoError(t, err)
	}))
}

func TestTraceCommands(t *testing.T) {
	e := newEnv(t, t.TempDir(), "http://127.0.0.1:1")
	file := e.write(t, "trace.txt", "# workload\nhttp://origin.test/a\nhttp://origin.test/b\nhttp://origin.test/a\n")

	out, err := e.run(t, "traces", "import", "T1", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Created trace 1 with 3 entries")

	out, err = e.run(t, "traces")
	require.NoError(t, err)
	assert.Contains(t, out, "T1")

	out, err = e.run(t, "traces", "show", "1")
	require.NoError(t, err)
	assert.Equal(t, "http://origin.test/a\nhttp://origin.test/b\nhttp://origin.test/a\n", out)

	out, err = e.run(t, "traces", "show", "1", "--group")
	require.NoError(t, err)
	assert.Contains(t, out, "http://origin.test/a")

	keys := e.write(t, "keys.txt", "http://k.test/1\nhttp://k.test/2\nhttp://k.test/3\nhttp://k.test/4\n")
	out, err = e.run(t, "traces", "keys", keys)
	require.NoError(t, err)
	assert.Contains(t, out, "Added 4 keys")
	out, err = e.run(t, "traces", "generate", "gen", "--traces", "2", "--entries", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Generated 2 traces")

	_, err = e.run(t, "traces", "show", "x")
	assert.Error(t, err)
}

func TestCachesCommand(t *testing.T) {
	e := newEnv(t, t.TempDir(), "http://127.0.0.1:1")
	out, err := e.run(t, "caches")
	require.NoError(t, err)
	assert.Contains(t, out, "cache1")
	assert.Contains(t, out, "10.0.0.2")
	assert.Contains(t, out, "Miss penalty: 10")
}

func TestRunPurgeFailureIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	p := proxy(t, filepath.Join(dir, "sim.db"))
	defer p.Close()
	e := newEnv(t, dir, p.URL)
	file := e.write(t, "trace.txt", "http://origin.test/hit\n")
	_, err := e.run(t, "traces", "import", "T1", file)
	require.NoError(t, err)

	// no cache_dir is configured, so every cache fails to purge
	out, err := e.run(t, "run", "1", "--name", "purged", "--skip-preflight", "--purge")
	require.NoError(t, err)
	assert.Contains(t, out, "cache1 (10.0.0.2): "+purge.ErrNoCacheDir.Error())
	assert.Contains(t, out, "Run 1 finalized: fired 1, succeeded 1")

	_, err = e.run(t, "caches", "purge")
	assert.Error(t, err)
}

func TestRunRequiresName(t *testing.T) {
	e := newEnv(t, t.TempDir(), "http://127.0.0.1:1")
	_, err := e.run(t, "run", "1", "--skip-preflight")
	assert.Error(t, err)
}

func TestReconcileExitCodes(t *testing.T) {
	e := newEnv(t, t.TempDir(), "http://127.0.0.1:1")

	_, err := e.run(t, "reconcile", "http://origin.test/a", "cache1", "1")
	var exit exitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, 2, exit.code)
	assert.ErrorIs(t, err, reconcile.ErrArity)

	_, err = e.run(t, "reconcile", "http://origin.test/a", "cache1", "1", "1", "x")
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, 2, exit.code)

	// nothing to do
	_, err = e.run(t, "reconcile", "http://origin.test/a", "cache1", "1", "1", "1")
	assert.NoError(t, err)
}

func TestRunAndInspect(t *testing.T) {
	dir := t.TempDir()
	p := proxy(t, filepath.Join(dir, "sim.db"))
	defer p.Close()
	e := newEnv(t, dir, p.URL)
	file := e.write(t, "trace.txt", "http://origin.test/hit\nhttp://origin.test/miss\nhttp://origin.test/hit\n")
	_, err := e.run(t, "traces", "import", "T1", file)
	require.NoError(t, err)

	out, err := e.run(t, "run", "1", "--name", "first", "--skip-preflight")
	require.NoError(t, err)
	assert.Contains(t, out, "Run 1 finalized: fired 3, succeeded 3")
	assert.Contains(t, out, "Total cost: 19")

	out, err = e.run(t, "runs")
	require.NoError(t, err)
	assert.Contains(t, out, "first")

	out, err = e.run(t, "runs", "show", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "http://origin.test/miss")

	out, err = e.run(t, "runs", "metrics", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "cache1")
	assert.Contains(t, out, "Sum")

	out, err = e.run(t, "requests", "-n", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "http://origin.test/hit")

	out, err = e.run(t, "request", "http://origin.test/hit")
	require.NoError(t, err)
	assert.Contains(t, out, "cache1")

	out, err = e.run(t, "rerequest", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Reconciled")
}
