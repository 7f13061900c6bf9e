package miner

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-producer/core"
	lru "github.com/hashicorp/golang-lru/v2"
)

// BundleCacheEntry holds the simulation results of one pending header.
type BundleCacheEntry struct {
	mu         sync.RWMutex
	headerHash common.Hash
	results    map[common.Hash]*core.SimulatedBundle
}

func newCacheEntry(header common.Hash) *BundleCacheEntry {
	return &BundleCacheEntry{
		headerHash: header,
		results:    make(map[common.Hash]*core.SimulatedBundle),
	}
}

// GetSimulatedBundle returns the cached result for a bundle, failed results
// included.
func (c *BundleCacheEntry) GetSimulatedBundle(bundle common.Hash) (*core.SimulatedBundle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sim, ok := c.results[bundle]
	return sim, ok
}

// UpdateSimulatedBundles stores results index-aligned with bundles. Nil
// results are skipped.
func (c *BundleCacheEntry) UpdateSimulatedBundles(result []*core.SimulatedBundle, bundles []core.MevBundle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, simBundle := range result {
		if simBundle == nil {
			continue
		}
		c.results[bundles[i].Hash] = simBundle
	}
}

// BundleCache keeps simulation results for the most recent pending headers.
type BundleCache struct {
	mu      sync.Mutex
	entries *lru.Cache[common.Hash, *BundleCacheEntry]
}

func NewBundleCache(size int) *BundleCache {
	entries, err := lru.New[common.Hash, *BundleCacheEntry](size)
	if err != nil {
		panic(err)
	}
	return &BundleCache{entries: entries}
}

// GetBundleCache returns the entry for header, creating it when missing.
func (b *BundleCache) GetBundleCache(header common.Hash) *BundleCacheEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if entry, ok := b.entries.Get(header); ok {
		return entry
	}
	entry := newCacheEntry(header)
	b.entries.Add(header, entry)
	return entry
}
