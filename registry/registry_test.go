package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	squidconf "github.com/always-cache/proxysim/pkg/squid-conf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peers() []squidconf.Peer {
	return []squidconf.Peer{
		{Name: "cache1", Address: "10.0.0.2", AccessCost: 3},
		{Name: "cache2", Address: "10.0.0.3", AccessCost: 5},
	}
}

func TestLoadReplacesRegistry(t *testing.T) {
	r := New(nil, nil)
	r.Load(peers())
	r.Load([]squidconf.Peer{{Name: "cache9", Address: "10.0.0.9", AccessCost: 1}})

	all := r.All()
	assert.Len(t, all, 1)
	assert.Equal(t, Peer{Address: "10.0.0.9", AccessCost: 1}, all["cache9"])
	assert.Equal(t, []string{"cache9"}, r.Names())
}

func TestAllReturnsCopy(t *testing.T) {
	r := New(nil, nil)
	r.Load(peers())

	all := r.All()
	delete(all, "cache1")
	all["cache3"] = Peer{}

	_, ok := r.Get("cache1")
	assert.True(t, ok)
	_, ok = r.Get("cache3")
	assert.False(t, ok)
}

func TestIndexLookup(t *testing.T) {
	r := New(nil, nil)
	r.Load(peers())

	assert.Equal(t, "cache1", r.NameByIndex(1))
	assert.Equal(t, "cache2", r.NameByIndex(2))
	assert.Equal(t, 5.0, r.CostByIndex(2))
	assert.Equal(t, Unknown, r.NameByIndex(0))
	assert.Equal(t, Unknown, r.NameByIndex(3))
	assert.Equal(t, 0.0, r.CostByIndex(3))
}

func TestLazyReloadWhenEmpty(t *testing.T) {
	calls := 0
	penalty := 15.0
	r := New(func() (squidconf.Config, error) {
		calls++
		return squidconf.Config{Peers: peers(), MissPenalty: &penalty}, nil
	}, nil)

	assert.Equal(t, []string{"cache1", "cache2"}, r.Names())
	assert.Equal(t, 15.0, r.MissPenalty())
	r.Names()
	assert.Equal(t, 1, calls, "a loaded registry must not reload")
}

func TestLazyReloadSwallowsErrors(t *testing.T) {
	calls := 0
	r := New(func() (squidconf.Config, error) {
		calls++
		return squidconf.Config{}, errors.New("boom")
	}, nil)

	assert.Empty(t, r.All())
	assert.Equal(t, Unknown, r.NameByIndex(1))
	assert.Equal(t, 2, calls, "every query on an empty registry makes exactly one attempt")
}

func TestFromFileMissingLeavesRegistryEmpty(t *testing.T) {
	r := New(FromFile(filepath.Join(t.TempDir(), "nope.conf")), nil)
	assert.Empty(t, r.Names())
	assert.Error(t, r.Reload())
}

func TestFromFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "squid.conf")
	conf := "cache_peer 10.0.0.2 parent 3128 0 name=cache1 access-cost=3\nmiss_penalty 9\nsalsa2 2\n"
	require.NoError(t, os.WriteFile(filename, []byte(conf), 0644))

	r := New(FromFile(filename), nil)
	require.NoError(t, r.Reload())
	assert.Equal(t, []string{"cache1"}, r.Names())
	assert.Equal(t, 9.0, r.MissPenalty())
	assert.Equal(t, 2, r.AlgorithmVersion())
}
