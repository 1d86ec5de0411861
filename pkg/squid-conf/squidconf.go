package squidconf

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultAccessCost is used for peers whose access-cost is missing or unparsable.
const DefaultAccessCost = 1

// Peer is a single `cache_peer` entry of the proxy configuration.
type Peer struct {
	Name       string
	Address    string
	AccessCost float64
}

// Config holds everything the simulator reads from the proxy configuration file.
// MissPenalty and AlgorithmVersion are nil when the file does not set them.
type Config struct {
	Peers            []Peer
	MissPenalty      *float64
	AlgorithmVersion *int
}

var (
	nameRegexp       = regexp.MustCompile(`name=(\S+)`)
	accessCostRegexp = regexp.MustCompile(`access-cost=(\S+)`)
)

// ParseFile opens and parses the proxy configuration at the given path.
func ParseFile(filename string) (Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads `cache_peer`, `miss_penalty` and `salsa2` directives.
// Malformed lines are skipped; only read errors are returned.
func Parse(r io.Reader) (Config, error) {
	var config Config
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch {
		case fields[0] == "miss_penalty":
			if len(fields) < 2 {
				continue
			}
			if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
				config.MissPenalty = &v
			} else {
				log.Debug().Str("line", line).Msg("Ignoring invalid miss_penalty")
			}
		case strings.HasPrefix(fields[0], "salsa2"):
			if len(fields) < 2 {
				continue
			}
			if v, err := strconv.Atoi(fields[1]); err == nil {
				config.AlgorithmVersion = &v
			} else {
				log.Debug().Str("line", line).Msg("Ignoring invalid salsa2 version")
			}
		case fields[0] == "cache_peer":
			if peer, ok := parsePeer(line, fields); ok {
				config.Peers = append(config.Peers, peer)
			}
		}
	}
	return config, scanner.Err()
}

// parsePeer extracts address, name and access cost from a cache_peer line.
// The name= and access-cost= options may appear at any position.
func parsePeer(line string, fields []string) (Peer, bool) {
	if len(fields) < 2 {
		return Peer{}, false
	}
	peer := Peer{
		Address:    fields[1],
		AccessCost: DefaultAccessCost,
	}
	if m := nameRegexp.FindStringSubmatch(line); m != nil {
		peer.Name = m[1]
	}
	if m := accessCostRegexp.FindStringSubmatch(line); m != nil {
		if cost, err := strconv.ParseFloat(m[1], 64); err == nil {
			peer.AccessCost = cost
		} else {
			log.Warn().Str("line", line).Msg("Could not parse access-cost, using default")
		}
	} else {
		log.Debug().Str("line", line).Msg("No access-cost specified, using default")
	}
	if peer.Name == "" || peer.Address == "" {
		log.Warn().Str("line", line).Msg("Missing address or name in cache_peer line")
		return Peer{}, false
	}
	return peer, true
}
