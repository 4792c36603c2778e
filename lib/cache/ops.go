package cache

import (
	"github.com/torrentd/engine/lib/bufferpool"
	"github.com/torrentd/engine/lib/settings"
)

// AllocatePiece creates a new resident entry for key with numBlocks
// absent blocks, placed directly into arcList (normally ListMRU for a
// fresh read-fill, ListWrite for a piece about to receive dirty blocks).
// It is a programmer error to allocate a key that already exists.
func (c *Cache) AllocatePiece(key PieceKey, numBlocks int, list ARCList) *PieceEntry {
	pe := &PieceEntry{
		key:       key,
		numBlocks: numBlocks,
		blocks:    make([]blockSlot, numBlocks),
		arcList:   list,
		lruClock:  c.nextClock,
	}
	c.nextClock++
	c.entries[key] = pe
	// Weight starts at 0: a freshly allocated entry has no cached blocks
	// yet. InsertBlocks/AddDirtyBlock add weight as blocks actually fill.
	c.lists[list].pushFront(pe, 0)
	c.updateGauges()
	return pe
}

func (c *Cache) getOrAllocate(key PieceKey, numBlocks int, list ARCList) *PieceEntry {
	if pe, ok := c.entries[key]; ok {
		return pe
	}
	return c.AllocatePiece(key, numBlocks, list)
}

// AddDirtyBlock records a peer-supplied block as dirty in the WRITE
// sub-class, per spec.md §4.D's write-cache semantics. data is copied
// into a pool-allocated block; ok=false means the pool is exhausted
// (would-block — the caller must back off, not retry immediately).
func (c *Cache) AddDirtyBlock(key PieceKey, numBlocks, blockIndex int, data []byte) (*PieceEntry, bool) {
	b, ok := c.pool.Allocate()
	if !ok {
		return nil, false
	}
	copy(b.Bytes(), data)

	pe := c.getOrAllocate(key, numBlocks, ListWrite)
	if pe.arcList != ListWrite && pe.arcList != ListVolatile {
		c.moveList(pe, ListWrite)
	}
	slot := &pe.blocks[blockIndex]
	slot.block = b
	slot.state = BlockDirty

	c.lists[pe.arcList].blocks++
	c.counters.Counter(settings.CounterWriteCacheBlocks).Inc(1)
	c.updateGauges()
	return pe, true
}

// ReadResult is try_read's outcome.
type ReadResult struct {
	Hit        bool
	WouldBlock bool
	Refs       []*PinnedRef // aligned hit: zero-copy, pinned references
	Data       []byte       // unaligned hit: a fresh copy, nothing pinned
}

// PinnedRef is a reference-counted handle into a cached block, returned
// by an aligned try_read hit. It must be released exactly once via
// Reclaim; failing to do so is a leak that violates the pinned_blocks
// invariant from spec.md §4.D.
type PinnedRef struct {
	cache      *Cache
	key        PieceKey
	blockIndex int
	block      *bufferpool.Block
}

// Bytes returns the pinned block's backing slice. Valid until Reclaim.
func (r *PinnedRef) Bytes() []byte { return r.block.Bytes() }

// Reclaim releases the pin. See Cache.ReclaimBlock.
func (r *PinnedRef) Reclaim() { r.cache.ReclaimBlock(r) }

// TryRead is the cache's read path. offset/length are byte-addressed
// within the piece. A hit that exactly covers one or more whole blocks
// is returned by reference (pinned); any other hit is copied into a
// fresh buffer, per spec.md §4.D's "aligned reads .../ unaligned reads
// copy" rule.
func (c *Cache) TryRead(key PieceKey, offset int64, length int, requester string) *ReadResult {
	pe, ok := c.entries[key]
	if !ok || pe.isGhost() {
		return &ReadResult{Hit: false}
	}

	bs := int64(c.config.BlockSize)
	aligned := offset%bs == 0 && int64(length)%bs == 0
	firstBlock := int(offset / bs)
	numNeeded := blocksSpanned(offset, int64(length), bs)
	if firstBlock < 0 || firstBlock+numNeeded > pe.numBlocks {
		return &ReadResult{Hit: false}
	}
	for i := firstBlock; i < firstBlock+numNeeded; i++ {
		if pe.blocks[i].state == BlockAbsent {
			return &ReadResult{Hit: false}
		}
	}

	c.registerHit(pe, requester, false)

	if aligned {
		refs := make([]*PinnedRef, 0, numNeeded)
		for i := firstBlock; i < firstBlock+numNeeded; i++ {
			slot := &pe.blocks[i]
			slot.block.Pin()
			slot.pinCount++
			pe.pieceRefcount++
			c.pinned++
			refs = append(refs, &PinnedRef{cache: c, key: key, blockIndex: i, block: slot.block})
		}
		c.updateGauges()
		return &ReadResult{Hit: true, Refs: refs}
	}

	data := make([]byte, length)
	pos := 0
	start := offset - int64(firstBlock)*bs
	for i := firstBlock; i < firstBlock+numNeeded && pos < length; i++ {
		buf := pe.blocks[i].block.Bytes()
		lo := int64(0)
		if i == firstBlock {
			lo = start
		}
		hi := int64(len(buf))
		n := copy(data[pos:], buf[lo:hi])
		pos += n
	}
	c.updateGauges()
	return &ReadResult{Hit: true, Data: data}
}

func blocksSpanned(offset, length, blockSize int64) int {
	end := offset + length
	firstBlock := offset / blockSize
	lastBlock := (end - 1) / blockSize
	return int(lastBlock-firstBlock) + 1
}

// ReclaimBlock releases one pinned reference. Reclaiming a ref whose
// block is no longer pinned is a programmer error and panics, matching
// bufferpool.Block.Reclaim's double-reclaim policy.
func (c *Cache) ReclaimBlock(r *PinnedRef) {
	pe, ok := c.entries[r.key]
	if !ok {
		panic("cache: reclaim against unknown piece")
	}
	slot := &pe.blocks[r.blockIndex]
	if slot.pinCount <= 0 {
		panic("cache: double reclaim of pinned block")
	}
	slot.pinCount--
	pe.pieceRefcount--
	c.pinned--
	r.block.Unpin()
	c.updateGauges()
	if pe.pieceRefcount == 0 && pe.pendingEvict {
		pe.pendingEvict = false
		_ = c.EvictPiece(pe, pe.allowGhostOnEvict)
	}
}

// InsertBlocks fills iovec into pe starting at firstBlock, transitioning
// those slots from absent to cached. Used after a disk read completes.
func (c *Cache) InsertBlocks(pe *PieceEntry, firstBlock int, iovec []*bufferpool.Block) {
	weight := 0
	for i, b := range iovec {
		idx := firstBlock + i
		if pe.blocks[idx].state == BlockAbsent {
			weight++
		}
		pe.blocks[idx].block = b
		pe.blocks[idx].state = BlockCached
	}
	if !pe.isGhost() {
		c.lists[pe.arcList].blocks += weight
	}
	c.counters.Counter(settings.CounterReadCacheBlocks).Inc(int64(len(iovec)))
	c.updateGauges()
}

// MarkFlushing transitions indices from dirty to flushing and bumps
// pieceRefcount, per spec.md §4.D: "When a write is submitted to storage,
// the block transitions to flushing (refcount + 1)." The caller makes
// this call immediately before posting the corresponding storage.Job.
func (c *Cache) MarkFlushing(pe *PieceEntry, indices []int) {
	for _, i := range indices {
		slot := &pe.blocks[i]
		if slot.state != BlockDirty {
			continue
		}
		slot.state = BlockFlushing
		pe.pieceRefcount++
	}
}

// BlocksFlushed clears the flushing flag for indices, decrementing the
// refcount bump MarkFlushing applied when the write was submitted, and
// moves the now-clean blocks into the MRU list (or drops them if the
// piece was marked volatile). An eviction deferred by MarkForEviction is
// retried once the refcount reaches zero.
func (c *Cache) BlocksFlushed(pe *PieceEntry, indices []int) {
	for _, i := range indices {
		slot := &pe.blocks[i]
		if slot.state != BlockFlushing {
			continue
		}
		slot.state = BlockCached
		pe.pieceRefcount--
	}
	if pe.arcList == ListVolatile {
		_ = c.MarkForEviction(pe, false)
		return
	}
	if pe.arcList == ListWrite {
		c.moveList(pe, ListMRU)
	}
	c.updateGauges()
	if pe.pieceRefcount == 0 && pe.pendingEvict {
		pe.pendingEvict = false
		_ = c.EvictPiece(pe, pe.allowGhostOnEvict)
	}
}

// MarkForEviction requests that pe be evicted. If pe.pieceRefcount is
// non-zero the request is recorded and retried automatically when the
// refcount drops to zero (from a matching ReclaimBlock or BlocksFlushed).
func (c *Cache) MarkForEviction(pe *PieceEntry, allowGhost bool) error {
	if pe.pieceRefcount > 0 {
		pe.pendingEvict = true
		pe.allowGhostOnEvict = allowGhost
		return ErrPinned
	}
	return c.EvictPiece(pe, allowGhost)
}

// EvictPiece removes pe from its current (resident) list. With
// allowGhost it becomes a metadata-only ghost entry in the matching B1/B2
// list; otherwise it is destroyed outright. Dirty or flushing blocks are
// never evicted — they must be flushed first.
func (c *Cache) EvictPiece(pe *PieceEntry, allowGhost bool) error {
	if pe.pieceRefcount > 0 {
		pe.pendingEvict = true
		pe.allowGhostOnEvict = allowGhost
		return ErrPinned
	}
	for i := range pe.blocks {
		if pe.blocks[i].state == BlockDirty || pe.blocks[i].state == BlockFlushing {
			return ErrPinned
		}
	}

	srcList := c.lists[pe.arcList]
	srcWeight := 0
	if !pe.arcList.isGhost() {
		srcWeight = pe.cachedBlockCount()
	}
	for i := range pe.blocks {
		if pe.blocks[i].block != nil {
			pe.blocks[i].block.Reclaim()
			pe.blocks[i].block = nil
		}
		pe.blocks[i].state = BlockAbsent
	}

	if !allowGhost {
		srcList.remove(pe, srcWeight)
		delete(c.entries, pe.key)
		delete(c.readers, pe.key)
		c.updateGauges()
		return nil
	}

	var dst ARCList
	if pe.arcList == ListMRU {
		dst = ListMRUGhost
	} else if pe.arcList == ListMFU {
		dst = ListMFUGhost
	} else {
		// WRITE/VOLATILE entries have no ghost counterpart; destroy.
		srcList.remove(pe, srcWeight)
		delete(c.entries, pe.key)
		delete(c.readers, pe.key)
		c.updateGauges()
		return nil
	}
	pe.blocks = nil
	moveEntry(pe, srcList, c.lists[dst], srcWeight, 0)
	pe.arcList = dst
	c.trimGhostList(dst)
	c.updateGauges()
	return nil
}

// trimGhostList caps a ghost list's entry count at the cache's overall
// block capacity, per original_source/test/test_block_cache.cpp's
// ghost-capacity-trim behavior (spec.md's prose doesn't spell this out,
// but leaves ghost lists unbounded otherwise, which would leak metadata
// indefinitely on a long-running seed). The bound is capacity, not the
// live resident list's current size — a ghost list is a record of
// *recently evicted* entries and necessarily outlives the shrinking of
// its resident counterpart that produced it.
func (c *Cache) trimGhostList(ghost ARCList) {
	switch ghost {
	case ListMRUGhost, ListMFUGhost:
	default:
		return
	}
	gl := c.lists[ghost]
	for gl.entries > c.capacity && gl.entries > 0 {
		victim := gl.lruTail()
		if victim == nil {
			break
		}
		gl.remove(victim, 0)
		delete(c.entries, victim.key)
		delete(c.readers, victim.key)
	}
}

// CacheHit explicitly records a reference to pe by requester, driving the
// T1->T2 promotion rule (a second distinct requester promotes) and the
// ghost-unghost transition (a hit against a ghost entry resurrects it
// into its resident counterpart, adapting p per spec.md §4.D). isVolatile
// routes the entry into the VOLATILE sub-class instead of promoting it.
func (c *Cache) CacheHit(pe *PieceEntry, requester string, isVolatile bool) {
	c.registerHit(pe, requester, isVolatile)
}

func (c *Cache) registerHit(pe *PieceEntry, requester string, isVolatile bool) {
	if pe.isGhost() {
		c.adaptOnGhostHit(pe.arcList)
		var dst ARCList
		if pe.arcList == ListMRUGhost {
			dst = ListMRU
		} else {
			dst = ListMFU
		}
		src := c.lists[pe.arcList]
		src.remove(pe, 0)
		pe.blocks = make([]blockSlot, pe.numBlocks)
		pe.arcList = dst
		c.lists[dst].pushFront(pe, pe.numBlocks)
		c.replace(pe.key)
		c.touchReaders(pe, requester)
		c.updateGauges()
		return
	}

	if isVolatile {
		if pe.arcList != ListVolatile {
			c.moveList(pe, ListVolatile)
		}
		c.touchReaders(pe, requester)
		c.updateGauges()
		return
	}

	set := c.readers[pe.key]
	_, seen := set[requester]
	if pe.arcList == ListMRU && len(set) > 0 && !seen {
		c.moveList(pe, ListMFU)
	} else {
		c.lists[pe.arcList].touch(pe)
	}
	c.touchReaders(pe, requester)
	c.updateGauges()
}

func (c *Cache) touchReaders(pe *PieceEntry, requester string) {
	set, ok := c.readers[pe.key]
	if !ok {
		set = make(map[string]bool)
		c.readers[pe.key] = set
	}
	set[requester] = true
}

// adaptOnGhostHit applies spec.md §4.D's p-adjustment: a B1 hit favors
// MRU (increase p); a B2 hit favors MFU (decrease p). p saturates at the
// list-size bounds rather than wrapping, per spec.md's edge-case note.
func (c *Cache) adaptOnGhostHit(ghost ARCList) {
	step := c.config.ARCAdaptStep
	if ghost == ListMRUGhost {
		c.p += step
	} else {
		c.p -= step
	}
	if c.p < 0 {
		c.p = 0
	}
	if c.p > c.capacity {
		c.p = c.capacity
	}
}

// replace evicts resident entries (preferring T1 or T2 by the ARC p
// heuristic) until MRU+MFU block usage is within capacity. It stops early,
// leaving usage over capacity, when the chosen victim is excludeKey or has
// outstanding references. Ties at the LRU
// tail break by lower piece_index, per spec.md §4.D.
func (c *Cache) replace(excludeKey PieceKey) {
	for c.lists[ListMRU].blocks+c.lists[ListMFU].blocks > c.capacity {
		var from *arcList
		if c.lists[ListMRU].blocks > c.p && c.lists[ListMRU].entries > 0 {
			from = c.lists[ListMRU]
		} else if c.lists[ListMFU].entries > 0 {
			from = c.lists[ListMFU]
		} else if c.lists[ListMRU].entries > 0 {
			from = c.lists[ListMRU]
		} else {
			return
		}
		victim := lowestIndexAtTail(from)
		if victim == nil || victim.key == excludeKey {
			return
		}
		if err := c.EvictPiece(victim, true); err != nil {
			// Pinned: can't force eviction this round, give up rather than spin.
			return
		}
	}
}

// lowestIndexAtTail returns the LRU tail entry, preferring the lowest
// piece_index among entries sharing the same (tail) position.
func lowestIndexAtTail(l *arcList) *PieceEntry {
	tail := l.lruTail()
	if tail == nil {
		return nil
	}
	best := tail
	for n := l.tail; n != nil && n.entry.lruClock == tail.lruClock; n = n.prev {
		if n.entry.key.PieceIndex < best.key.PieceIndex {
			best = n.entry
		}
	}
	return best
}

func (c *Cache) moveList(pe *PieceEntry, dst ARCList) {
	src := c.lists[pe.arcList]
	weight := pe.cachedBlockCount()
	srcWeight, dstWeight := 0, 0
	if !pe.arcList.isGhost() {
		srcWeight = weight
	}
	if !dst.isGhost() {
		dstWeight = weight
	}
	moveEntry(pe, src, c.lists[dst], srcWeight, dstWeight)
	pe.arcList = dst
}

// AllocateIovec/FreeIovec delegate straight to the buffer pool, per
// spec.md §4.D listing them as cache operations backed by Component B.
func (c *Cache) AllocateIovec(n int) ([]*bufferpool.Block, bool) {
	return c.pool.AllocateIovec(n)
}

func (c *Cache) FreeIovec(blocks []*bufferpool.Block) {
	c.pool.FreeIovec(blocks)
}

// UpdateStatsCounters pushes the current gauge values to Counters. Safe
// to call on a timer; also called internally after every mutation so
// gauges are never stale between calls.
func (c *Cache) UpdateStatsCounters() {
	c.updateGauges()
}

func (c *Cache) updateGauges() {
	c.counters.Gauge(settings.GaugeARCMRUSize).Update(float64(c.lists[ListMRU].blocks))
	c.counters.Gauge(settings.GaugeARCMRUGhostSize).Update(float64(c.lists[ListMRUGhost].entries))
	c.counters.Gauge(settings.GaugeARCMFUSize).Update(float64(c.lists[ListMFU].blocks))
	c.counters.Gauge(settings.GaugeARCMFUGhostSize).Update(float64(c.lists[ListMFUGhost].entries))
	c.counters.Gauge(settings.GaugeARCWriteSize).Update(float64(c.lists[ListWrite].blocks))
	c.counters.Gauge(settings.GaugeARCVolatileSize).Update(float64(c.lists[ListVolatile].blocks))
	c.counters.Gauge(settings.CounterPinnedBlocks).Update(float64(c.pinned))
}

// Gauges snapshots the six ARC list sizes plus pinned_blocks, for tests
// that assert on exact values rather than scraping the Counters scope.
type Gauges struct {
	MRUSize, MRUGhostSize, MFUSize, MFUGhostSize, WriteSize, VolatileSize, Pinned int
}

func (c *Cache) Snapshot() Gauges {
	return Gauges{
		MRUSize:      c.lists[ListMRU].blocks,
		MRUGhostSize: c.lists[ListMRUGhost].entries,
		MFUSize:      c.lists[ListMFU].blocks,
		MFUGhostSize: c.lists[ListMFUGhost].entries,
		WriteSize:    c.lists[ListWrite].blocks,
		VolatileSize: c.lists[ListVolatile].blocks,
		Pinned:       c.pinned,
	}
}
