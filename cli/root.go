// Package cli is the proxysim command tree.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/always-cache/proxysim"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// this is set at build time
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
}

// options are the flags shared by every command.
type options struct {
	configFile string
	dbFile     string
	confFile   string
	logFile    string
	trace      bool
	logOutput  io.Writer
}

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

// NewRootCommand returns the command tree. Log output goes to logOutput,
// or stdout if nil.
func NewRootCommand(logOutput io.Writer) *cobra.Command {
	opts := &options{logOutput: logOutput}
	root := &cobra.Command{
		Use:           "proxysim",
		Short:         "Replay traces through a caching proxy hierarchy and score its caches",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setupLogging()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", proxysim.DefaultConfigFile, "Config file")
	flags.StringVar(&opts.dbFile, "db", "", "Database file, 'memory' for in-memory (overrides config)")
	flags.StringVar(&opts.confFile, "squid-conf", "", "Proxy configuration file (overrides config)")
	flags.StringVar(&opts.logFile, "log-file", "", "Log file to use in addition to stdout (overrides config)")
	flags.BoolVarP(&opts.trace, "verbose", "v", false, "Verbosity: trace logging")

	root.AddCommand(
		newRunCommand(opts),
		newRunsCommand(opts),
		newPreflightCommand(opts),
		newRequestCommand(opts),
		newRerequestCommand(opts),
		newRequestsCommand(opts),
		newReconcileCommand(opts),
		newServeCommand(opts),
		newTracesCommand(opts),
		newCachesCommand(opts),
	)
	return root
}

// setupLogging sends logs to stdout and, if configured, appends them to a log file.
func (o *options) setupLogging() error {
	logLevel := zerolog.DebugLevel
	if o.trace {
		logLevel = zerolog.TraceLevel
	}
	out := o.logOutput
	if out == nil {
		out = os.Stdout
	}
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: out}}
	logFile := o.logFile
	if logFile == "" {
		logFile = o.loadConfig().LogFile
	}
	if logFile != "" {
		logFileOutput, err := os.OpenFile(logFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	log.Logger = log.Level(logLevel).Output(zerolog.MultiLevelWriter(logOutputs...)).
		With().Str("version", version).Logger()
	return nil
}

func (o *options) loadConfig() proxysim.Config {
	config := proxysim.LoadConfig(o.configFile, log.Logger)
	if o.dbFile != "" {
		config.DBFile = o.dbFile
	}
	if o.confFile != "" {
		config.ConfFile = o.confFile
	}
	if o.logFile != "" {
		config.LogFile = o.logFile
	}
	return config
}

// simulator creates a simulator from the config file and flags.
// The caller closes it.
func (o *options) simulator() (*proxysim.Simulator, error) {
	config := o.loadConfig()
	config.Logger = &log.Logger
	return proxysim.New(config)
}

// Execute runs the command tree and exits on error.
func Execute() {
	if err := NewRootCommand(nil).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}
