// Package purge empties the on-disk stores of the caches in the hierarchy,
// so a run starts from cold caches.
package purge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	squidconf "github.com/always-cache/proxysim/pkg/squid-conf"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// PasswordEnv names the environment variable holding the cache hosts' password.
const PasswordEnv = "SQUID_PASS"

const (
	DefaultSSHPort = "22"
	DefaultTimeout = 5 * time.Second
	// parallel bounds how many caches are purged at once.
	parallel = 4
)

var ErrNoCacheDir = errors.New("cache directory is not configured")

type Config struct {
	User     string
	Password string
	// CacheDir is the cache directory on every cache host.
	CacheDir string
	SSHPort  string
	Timeout  time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Purger struct {
	config Config
	log    zerolog.Logger
}

// New returns a purger. An empty password is read from PasswordEnv.
func New(config Config) *Purger {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	if config.Password == "" {
		config.Password = os.Getenv(PasswordEnv)
	}
	if config.SSHPort == "" {
		config.SSHPort = DefaultSSHPort
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	return &Purger{config: config, log: logger.With().Str("component", "purge").Logger()}
}

// Command is the shell command run on a cache host. The swap index is kept
// so the cache restarts cleanly.
func (p *Purger) Command() string {
	return fmt.Sprintf("sudo -S find %s -type f ! -name 'swap.state' -delete", shellQuote(p.config.CacheDir))
}

// shellQuote quotes s as a single POSIX shell word.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Purge deletes the cached objects on the host at address.
func (p *Purger) Purge(ctx context.Context, address string) error {
	if p.config.CacheDir == "" {
		return ErrNoCacheDir
	}
	client, err := p.dial(ctx, address)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	var stderr bytes.Buffer
	session.Stderr = &stderr
	// sudo reads the password from stdin
	session.Stdin = bytes.NewBufferString(p.config.Password + "\n")
	if err := session.Run(p.Command()); err != nil {
		return fmt.Errorf("purging %s: %w: %s", address, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

func (p *Purger) dial(ctx context.Context, address string) (*ssh.Client, error) {
	addr := net.JoinHostPort(address, p.config.SSHPort)
	dialer := net.Dialer{Timeout: p.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Now().Add(p.config.Timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User: p.config.User,
		Auth: []ssh.AuthMethod{ssh.Password(p.config.Password)},
		// cache hosts are lab machines whose keys are not distributed
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.config.Timeout,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// Result is the outcome of purging one cache.
type Result struct {
	Cache   string
	Address string
	Err     error
}

// PurgeAll purges every peer with an address. A failing cache does not stop
// the others; results are in peer order.
func (p *Purger) PurgeAll(ctx context.Context, peers []squidconf.Peer) []Result {
	results := make([]Result, 0, len(peers))
	for _, peer := range peers {
		if peer.Address == "" {
			continue
		}
		results = append(results, Result{Cache: peer.Name, Address: peer.Address})
	}
	var g errgroup.Group
	g.SetLimit(parallel)
	for i := range results {
		r := &results[i]
		g.Go(func() error {
			r.Err = p.Purge(ctx, r.Address)
			if r.Err != nil {
				p.log.Error().Err(r.Err).Str("cache", r.Cache).Msg("Purge failed")
			} else {
				p.log.Info().Str("cache", r.Cache).Msg("Purged")
			}
			return nil
		})
	}
	g.Wait()
	return results
}
