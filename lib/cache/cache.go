// Package cache implements the ARC-style block cache (Component D) that
// sits between peer connections and the storage interface. It never
// suspends internally: every operation either completes synchronously or
// reports a miss/would-block result for the caller to act on, per
// spec.md §4.D/§5. Grounded on the teacher's scheduler.connstate/dispatch
// split for the "one package owns a piece of shared mutable state touched
// only from the session executor" shape, and on
// original_source/test/test_block_cache.cpp for the ghost-trim and
// double-reclaim edge cases spec.md's prose doesn't spell out.
package cache

import (
	"github.com/andres-erbsen/clock"
	"golang.org/x/sync/singleflight"

	"github.com/torrentd/engine/lib/bufferpool"
	"github.com/torrentd/engine/lib/settings"
)

// Config configures a Cache.
type Config struct {
	// BlockSize must match the bufferpool.Pool's block size.
	BlockSize int

	// CacheSizeBlocks is the combined MRU+MFU resident capacity, in blocks.
	CacheSizeBlocks int

	// ARCAdaptStep is how many list-entries the p parameter moves per
	// ghost hit. Resolves spec.md §9's open question; default 1 following
	// Megiddo-Modha's unit-step rule.
	ARCAdaptStep int
}

func (c Config) applyDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = 16 * 1024
	}
	if c.CacheSizeBlocks == 0 {
		c.CacheSizeBlocks = 4096
	}
	if c.ARCAdaptStep == 0 {
		c.ARCAdaptStep = 1
	}
	return c
}

// Cache is the ARC block cache. Not safe for concurrent use: every method
// must be called from the session's single executor goroutine.
type Cache struct {
	config   Config
	pool     *bufferpool.Pool
	counters *settings.Counters
	clk      clock.Clock

	entries map[PieceKey]*PieceEntry
	lists   map[ARCList]*arcList

	p        int // adaptation parameter, 0..capacity, favors MRU as it grows
	capacity int // T1+T2 combined capacity, in blocks

	pinned    int
	nextClock uint64
	readGroup singleflight.Group
	readers   map[PieceKey]map[string]bool // distinct requesters seen per resident/ghost entry
}

// New creates a Cache. pool supplies the block buffers it hands out on
// reads and writes; counters publishes the six ARC gauges plus the
// write/read/pinned counters from spec.md §6.
func New(config Config, pool *bufferpool.Pool, counters *settings.Counters, clk clock.Clock) *Cache {
	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if counters == nil {
		counters = settings.NewCounters(nil)
	}
	c := &Cache{
		config:   config,
		pool:     pool,
		counters: counters,
		clk:      clk,
		entries:  make(map[PieceKey]*PieceEntry),
		lists:    make(map[ARCList]*arcList),
		capacity: config.CacheSizeBlocks,
		readers:  make(map[PieceKey]map[string]bool),
	}
	for _, l := range []ARCList{ListMRU, ListMRUGhost, ListMFU, ListMFUGhost, ListWrite, ListVolatile} {
		c.lists[l] = newARCList()
	}
	return c
}
