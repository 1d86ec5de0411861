package proxysim

import (
	"os"
	"time"

	"github.com/always-cache/proxysim/executor"
	"github.com/always-cache/proxysim/reconcile"
	"github.com/always-cache/proxysim/runner"
	"github.com/always-cache/proxysim/store"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFile = "proxysim.yaml"
	DefaultDBFile     = "salsa2.db"
	DefaultConfFile   = "/etc/squid/squid.conf"
	DefaultCABundle   = "/etc/ssl/certs/ca-certificates.crt"
	DefaultHookAddr   = "127.0.0.1:8089"
)

type Config struct {
	// SQLite database file. Use "memory" for an in-memory database.
	DBFile string `yaml:"db_file"`
	// Proxy configuration file the cache registry is read from.
	ConfFile string `yaml:"conf_file"`
	// Log file to append to, in addition to stdout.
	LogFile    string `yaml:"log_file"`
	HTTPProxy  string `yaml:"http_proxy"`
	HTTPSProxy string `yaml:"https_proxy"`
	// Port the caches listen on, used to probe parents directly.
	SquidPort string `yaml:"squid_port"`
	CABundle  string `yaml:"ca_bundle"`
	// User and cache directory on the cache hosts, for purging.
	User     string `yaml:"user"`
	CacheDir string `yaml:"cache_dir"`

	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	// How long a single request waits for the proxy's report.
	OutcomeWait time.Duration `yaml:"outcome_wait"`

	MatchMode   store.MatchMode    `yaml:"match_mode"`
	ParentCheck runner.ParentCheck `yaml:"parent_check"`
	ProbeURL    string             `yaml:"probe_url"`
	HookAddr    string             `yaml:"hook_addr"`
	// Do not send or store correlation tokens.
	DisableTokens bool `yaml:"disable_tokens"`

	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger `yaml:"-"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults fills every empty setting with its default.
func (c Config) WithDefaults() Config {
	set := func(s *string, def string) {
		if *s == "" {
			*s = def
		}
	}
	setDur := func(d *time.Duration, def time.Duration) {
		if *d == 0 {
			*d = def
		}
	}
	set(&c.DBFile, DefaultDBFile)
	set(&c.ConfFile, DefaultConfFile)
	set(&c.HTTPProxy, executor.DefaultHTTPProxy)
	set(&c.HTTPSProxy, executor.DefaultHTTPSProxy)
	set(&c.SquidPort, runner.DefaultSquidPort)
	set(&c.CABundle, DefaultCABundle)
	set(&c.ProbeURL, runner.DefaultProbeURL)
	set(&c.HookAddr, DefaultHookAddr)
	setDur(&c.RequestTimeout, executor.DefaultTimeout)
	setDur(&c.ProbeTimeout, executor.DefaultTimeout)
	setDur(&c.FreshnessWindow, reconcile.DefaultWindow)
	setDur(&c.OutcomeWait, executor.DefaultOutcomeWait)
	if c.MatchMode != store.MatchExact {
		c.MatchMode = store.MatchSubstring
	}
	if c.ParentCheck != runner.ParentCheckRequire {
		c.ParentCheck = runner.ParentCheckIgnore
	}
	return c
}

func readConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// LoadConfig reads filename. A missing or invalid file is logged and
// yields the defaults; startup never fails on configuration.
func LoadConfig(filename string, logger zerolog.Logger) Config {
	config, err := readConfig(filename)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug().Str("file", filename).Msg("No config file, using defaults")
		} else {
			logger.Warn().Err(err).Str("file", filename).Msg("Could not read config, using defaults")
		}
		return DefaultConfig()
	}
	return config.WithDefaults()
}
