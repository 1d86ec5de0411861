// Package registry holds the live cache-peer configuration of the proxy hierarchy.
//
// The registry is loaded from the proxy configuration at startup and may be
// reloaded at any time. Runs never read costs from it directly once started:
// they work off the per-run snapshot persisted by the store.
package registry

import (
	"sort"

	squidconf "github.com/always-cache/proxysim/pkg/squid-conf"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Unknown is returned by index lookups that do not resolve to a peer.
const Unknown = "unknown"

// Peer is one cache in the hierarchy.
type Peer struct {
	Address    string
	AccessCost float64
}

// Loader produces a fresh proxy configuration, typically by parsing squid.conf.
type Loader func() (squidconf.Config, error)

// Registry maps cache names to their address and access cost.
// It is not safe for concurrent use; the simulator is single-threaded.
type Registry struct {
	peers            map[string]Peer
	order            []string
	missPenalty      float64
	algorithmVersion int
	loader           Loader
	log              zerolog.Logger
}

// New creates an empty registry. If loader is not nil it is used for Reload
// and for the lazy reload performed when the registry is queried while empty.
func New(loader Loader, logger *zerolog.Logger) *Registry {
	var l zerolog.Logger
	if logger == nil {
		l = log.Logger
	} else {
		l = *logger
	}
	return &Registry{
		peers:  make(map[string]Peer),
		loader: loader,
		log:    l.With().Str("component", "registry").Logger(),
	}
}

// FromFile returns a Loader that parses the proxy configuration at filename.
func FromFile(filename string) Loader {
	return func() (squidconf.Config, error) {
		return squidconf.ParseFile(filename)
	}
}

// Load atomically replaces all peers. Later duplicates of a name win,
// but the name keeps its first position.
func (r *Registry) Load(peers []squidconf.Peer) {
	m := make(map[string]Peer, len(peers))
	order := make([]string, 0, len(peers))
	for _, p := range peers {
		if _, seen := m[p.Name]; !seen {
			order = append(order, p.Name)
		}
		m[p.Name] = Peer{Address: p.Address, AccessCost: p.AccessCost}
	}
	r.peers = m
	r.order = order
}

// Apply loads peers and the scalar settings of a parsed configuration.
func (r *Registry) Apply(config squidconf.Config) {
	r.Load(config.Peers)
	if config.MissPenalty != nil {
		r.SetMissPenalty(*config.MissPenalty)
	}
	if config.AlgorithmVersion != nil {
		r.SetAlgorithmVersion(*config.AlgorithmVersion)
	}
}

// Reload runs the loader and applies its result.
// On error the registry is left untouched.
func (r *Registry) Reload() error {
	if r.loader == nil {
		return nil
	}
	config, err := r.loader()
	if err != nil {
		return err
	}
	r.Apply(config)
	r.log.Debug().Int("caches", len(r.order)).Msg("Loaded cache registry")
	return nil
}

// ensureLoaded makes one reload attempt if the registry is empty.
// Errors are logged and swallowed; the registry then stays empty.
func (r *Registry) ensureLoaded() {
	if len(r.peers) > 0 {
		return
	}
	if err := r.Reload(); err != nil {
		r.log.Warn().Err(err).Msg("Could not load cache registry")
	}
}

func (r *Registry) SetMissPenalty(cost float64) {
	r.missPenalty = cost
}

func (r *Registry) MissPenalty() float64 {
	return r.missPenalty
}

func (r *Registry) SetAlgorithmVersion(v int) {
	r.algorithmVersion = v
}

func (r *Registry) AlgorithmVersion() int {
	return r.algorithmVersion
}

// All returns a copy of the registry.
func (r *Registry) All() map[string]Peer {
	r.ensureLoaded()
	peers := make(map[string]Peer, len(r.peers))
	for name, p := range r.peers {
		peers[name] = p
	}
	return peers
}

// Names returns the cache names in configuration order.
func (r *Registry) Names() []string {
	r.ensureLoaded()
	return append([]string(nil), r.order...)
}

// Get returns the peer with the given name.
func (r *Registry) Get(name string) (Peer, bool) {
	r.ensureLoaded()
	p, ok := r.peers[name]
	return p, ok
}

// NameByIndex resolves a 1-based cache index to a name.
// It returns Unknown if there is no such index.
func (r *Registry) NameByIndex(id int) string {
	r.ensureLoaded()
	if id < 1 || id > len(r.order) {
		return Unknown
	}
	return r.order[id-1]
}

// CostByIndex resolves a 1-based cache index to its access cost, or 0 if unknown.
func (r *Registry) CostByIndex(id int) float64 {
	name := r.NameByIndex(id)
	if name == Unknown {
		return 0
	}
	return r.peers[name].AccessCost
}

// Sorted returns the peers sorted by name, for display.
func (r *Registry) Sorted() []squidconf.Peer {
	r.ensureLoaded()
	peers := make([]squidconf.Peer, 0, len(r.peers))
	for name, p := range r.peers {
		peers = append(peers, squidconf.Peer{Name: name, Address: p.Address, AccessCost: p.AccessCost})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })
	return peers
}
