package proxysim

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/always-cache/proxysim/runner"
	"github.com/always-cache/proxysim/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, "salsa2.db", c.DBFile)
	assert.Equal(t, "/etc/squid/squid.conf", c.ConfFile)
	assert.Equal(t, "http://127.0.0.1:3128", c.HTTPProxy)
	assert.Equal(t, "http://192.168.10.1:8888", c.HTTPSProxy)
	assert.Equal(t, "/etc/ssl/certs/ca-certificates.crt", c.CABundle)
	assert.Equal(t, 10*time.Second, c.RequestTimeout)
	assert.Equal(t, 60*time.Second, c.FreshnessWindow)
	assert.Equal(t, store.MatchSubstring, c.MatchMode)
	assert.Equal(t, runner.ParentCheckIgnore, c.ParentCheck)
	assert.Equal(t, "http://www.google.com", c.ProbeURL)
}

func TestLoadConfig(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "proxysim.yaml")
	err := os.WriteFile(filename, []byte(`
db_file: /tmp/runs.db
http_proxy: http://10.1.1.1:3128
freshness_window: 90s
match_mode: exact
parent_check: require
user: squid
cache_dir: /var/spool/squid
`), 0o644)
	assert.NoError(t, err)

	c := LoadConfig(filename, zerolog.Nop())
	assert.Equal(t, "/tmp/runs.db", c.DBFile)
	assert.Equal(t, "http://10.1.1.1:3128", c.HTTPProxy)
	assert.Equal(t, 90*time.Second, c.FreshnessWindow)
	assert.Equal(t, store.MatchExact, c.MatchMode)
	assert.Equal(t, runner.ParentCheckRequire, c.ParentCheck)
	assert.Equal(t, "squid", c.User)
	// unset keys keep their defaults
	assert.Equal(t, "http://192.168.10.1:8888", c.HTTPSProxy)
}

func TestLoadConfigDegradesToDefaults(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, DefaultConfig(), LoadConfig(filepath.Join(dir, "missing.yaml"), zerolog.Nop()))

	broken := filepath.Join(dir, "broken.yaml")
	assert.NoError(t, os.WriteFile(broken, []byte("db_file: [unclosed"), 0o644))
	assert.Equal(t, DefaultConfig(), LoadConfig(broken, zerolog.Nop()))
}

func TestUnknownModesFallBack(t *testing.T) {
	c := Config{MatchMode: "fuzzy", ParentCheck: "sometimes"}.WithDefaults()
	assert.Equal(t, store.MatchSubstring, c.MatchMode)
	assert.Equal(t, runner.ParentCheckIgnore, c.ParentCheck)
}
