// Package bufferpool implements the fixed-size block and scatter-vector
// allocator (Component B). Allocation is synchronous and never blocks: on
// exhaustion it returns ok=false so the caller can back off, per spec.md
// §4.D/§5's "would-block" resource policy. Grounded on the teacher's
// buffer-by-reference idiom (uber-kraken/lib/torrent/storage/piecereader,
// which hands out reference-counted readers rather than copying), adapted
// here to a pool of raw blocks with explicit refcounting since the ARC
// cache (lib/cache) must know precisely when a block is free.
package bufferpool

import (
	"errors"
	"sync"

	"go.uber.org/atomic"
)

// ErrExhausted is never returned to callers of Allocate — Allocate signals
// exhaustion via its boolean return, matching spec.md's "would-block"
// contract. It exists for callers (e.g. a disk-completion handler) that
// need to log why a subsequent reclaim mattered.
var ErrExhausted = errors.New("bufferpool: exhausted")

// Block is a single fixed-size, reference-counted buffer. The zero value is
// not usable; Blocks are only produced by a Pool.
type Block struct {
	pool     *Pool
	data     []byte
	refcount atomic.Int32
}

// Bytes returns the block's backing slice. Valid only while the caller
// holds a reference (i.e. between Allocate/Pin and the matching Reclaim).
func (b *Block) Bytes() []byte {
	return b.data
}

// addRef increments the refcount. Used when a block is pinned by more than
// one outstanding reader (e.g. a cache hit handed to two requesters before
// either reclaims it).
func (b *Block) addRef() {
	b.refcount.Inc()
}

// Pin adds one reference on top of the block's owner (e.g. the cache)
// reference, for a reader that will release it via Reclaim independently
// of the owner's own lifetime.
func (b *Block) Pin() {
	b.addRef()
}

// Unpin is an alias for Reclaim, read at call sites that pinned via Pin.
func (b *Block) Unpin() {
	b.Reclaim()
}

// Reclaim releases one reference to the block. When the last reference is
// released, the block's backing storage returns to the pool and a slot
// frees up for a blocked allocator. Reclaiming a block with no outstanding
// references is a programmer error (would violate the pinned-blocks
// invariant from spec.md §4.D) and panics rather than silently
// double-freeing.
func (b *Block) Reclaim() {
	n := b.refcount.Dec()
	if n < 0 {
		panic("bufferpool: double reclaim of block")
	}
	if n == 0 {
		b.pool.release(b)
	}
}

// Config configures a Pool.
type Config struct {
	// BlockSize is the fixed size of every block in the pool, in bytes.
	BlockSize int

	// Capacity is the maximum number of blocks resident at once. Zero means
	// unlimited (allocation always succeeds, bounded only by memory).
	Capacity int
}

func (c Config) applyDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = 16 * 1024 // 16 KiB, spec.md §3's default block size.
	}
	return c
}

// Pool is a fixed-size block allocator with reclaim-by-reference semantics.
// Not safe for concurrent use without external synchronization — like every
// other core component, it is intended to be driven exclusively from the
// session's single executor (spec.md §5).
type Pool struct {
	config Config
	slabs  sync.Pool
	outstanding int
}

// New creates a Pool per config.
func New(config Config) *Pool {
	config = config.applyDefaults()
	p := &Pool{config: config}
	p.slabs = sync.Pool{
		New: func() interface{} {
			return make([]byte, p.config.BlockSize)
		},
	}
	return p
}

// BlockSize returns the fixed size of blocks produced by p.
func (p *Pool) BlockSize() int {
	return p.config.BlockSize
}

// Allocate returns a new zero-refcount-plus-one Block, or ok=false if the
// pool is at capacity. The caller owns one reference and must call
// Block.Reclaim exactly once when done.
func (p *Pool) Allocate() (*Block, bool) {
	if p.config.Capacity > 0 && p.outstanding >= p.config.Capacity {
		return nil, false
	}
	data := p.slabs.Get().([]byte)
	b := &Block{pool: p, data: data}
	b.refcount.Store(1)
	p.outstanding++
	return b, true
}

// AllocateIovec allocates n blocks atomically: either all n succeed, or none
// do (any partial allocation is rolled back before returning), matching
// spec.md §4.D's allocate_iovec contract.
func (p *Pool) AllocateIovec(n int) ([]*Block, bool) {
	blocks := make([]*Block, 0, n)
	for i := 0; i < n; i++ {
		b, ok := p.Allocate()
		if !ok {
			for _, b := range blocks {
				b.Reclaim()
			}
			return nil, false
		}
		blocks = append(blocks, b)
	}
	return blocks, true
}

// FreeIovec reclaims every block in blocks.
func (p *Pool) FreeIovec(blocks []*Block) {
	for _, b := range blocks {
		b.Reclaim()
	}
}

func (p *Pool) release(b *Block) {
	p.outstanding--
	// The slab's contents are not cleared: a reused block may still hold
	// bytes from its previous owner beyond whatever the new owner writes.
	p.slabs.Put(b.data)
}

// Outstanding returns the number of blocks currently allocated (not yet
// fully reclaimed). Exposed for tests and for Counters wiring.
func (p *Pool) Outstanding() int {
	return p.outstanding
}
