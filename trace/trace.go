// Package trace imports and generates the URL workloads that runs replay.
package trace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyName = errors.New("trace name cannot be empty")
	ErrNoKeys    = errors.New("key pool is empty")
	ErrTooFew    = errors.New("not enough keys for the requested entries")
)

type Store interface {
	CreateTrace(ctx context.Context, name string, urls []string) (int64, error)
	AddKeys(ctx context.Context, urls []string) error
	MaxKeyID(ctx context.Context) (int64, error)
	KeyURLs(ctx context.Context, ids []int64) ([]string, error)
}

// ReadURLs reads one URL per line. Blank lines and lines starting with # are skipped.
func ReadURLs(r io.Reader) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}

func readFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadURLs(f)
}

// Import creates a trace named name from the URLs in filename.
func Import(ctx context.Context, st Store, name, filename string) (int64, int, error) {
	if name == "" {
		return 0, 0, ErrEmptyName
	}
	urls, err := readFile(filename)
	if err != nil {
		return 0, 0, err
	}
	id, err := st.CreateTrace(ctx, name, urls)
	return id, len(urls), err
}

// ImportKeys adds the URLs in filename to the key pool.
func ImportKeys(ctx context.Context, st Store, filename string) (int, error) {
	urls, err := readFile(filename)
	if err != nil {
		return 0, err
	}
	return len(urls), st.AddKeys(ctx, urls)
}

// Generator creates skewed traces from the key pool.
//
// Each trace draws its entries from a random window of consecutive keys
// about as wide as the trace is long, so some URLs repeat within a trace.
type Generator struct {
	store Store
	rand  *rand.Rand
	log   zerolog.Logger
}

// NewGenerator returns a generator. If rng is nil a randomly seeded one is used.
func NewGenerator(st Store, rng *rand.Rand, logger *zerolog.Logger) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	var l zerolog.Logger
	if logger == nil {
		l = log.Logger
	} else {
		l = *logger
	}
	return &Generator{store: st, rand: rng, log: l.With().Str("component", "generator").Logger()}
}

// Generate creates traces named name1..nameN, each with up to entries URLs.
// Key ids past the end of the pool are skipped, so a trace near the end of
// the pool may come out shorter.
func (g *Generator) Generate(ctx context.Context, name string, traces, entries int) ([]int64, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if traces <= 0 || entries <= 0 {
		return nil, fmt.Errorf("traces and entries must be positive, got %d and %d", traces, entries)
	}
	keys, err := g.store.MaxKeyID(ctx)
	if err != nil {
		return nil, err
	}
	if keys == 0 {
		return nil, ErrNoKeys
	}
	n := int64(entries)
	if n > keys {
		return nil, fmt.Errorf("%w: %d keys, %d entries", ErrTooFew, keys, entries)
	}

	ids := make([]int64, 0, traces)
	for i := 1; i <= traces; i++ {
		start := 1 + g.rand.Int64N(keys-n+1)
		keyIDs := make([]int64, entries)
		for j := range keyIDs {
			keyIDs[j] = start + g.rand.Int64N(n+1)
		}
		urls, err := g.store.KeyURLs(ctx, keyIDs)
		if err != nil {
			return ids, err
		}
		id, err := g.store.CreateTrace(ctx, name+strconv.Itoa(i), urls)
		if err != nil {
			return ids, err
		}
		g.log.Debug().Int64("trace", id).Int64("start", start).Int("entries", len(urls)).Msg("Generated trace")
		ids = append(ids, id)
	}
	return ids, nil
}
