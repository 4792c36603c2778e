package cache

import (
	"strconv"

	"github.com/torrentd/engine/lib/bufferpool"
)

// PieceKey identifies a cached piece by its owning storage and piece
// index, matching spec.md §4.D's "(storage_id, piece_index)" contract.
type PieceKey struct {
	StorageID  string
	PieceIndex int
}

func (k PieceKey) String() string {
	return k.StorageID + ":" + strconv.Itoa(k.PieceIndex)
}

// ARCList names one of the four ARC lists plus the two auxiliary
// sub-classes spec.md §3 calls out.
type ARCList int

const (
	ListNone ARCList = iota
	ListMRU          // T1: recently-referenced-once resident entries
	ListMRUGhost     // B1: ghost of evicted T1 entries
	ListMFU          // T2: referenced-more-than-once resident entries
	ListMFUGhost     // B2: ghost of evicted T2 entries
	ListWrite        // dirty blocks awaiting flush, never displaces T1/T2
	ListVolatile     // clean entries explicitly marked single-use
)

func (l ARCList) String() string {
	switch l {
	case ListMRU:
		return "MRU"
	case ListMRUGhost:
		return "MRU_GHOST"
	case ListMFU:
		return "MFU"
	case ListMFUGhost:
		return "MFU_GHOST"
	case ListWrite:
		return "WRITE"
	case ListVolatile:
		return "VOLATILE"
	default:
		return "NONE"
	}
}

func (l ARCList) isGhost() bool { return l == ListMRUGhost || l == ListMFUGhost }

// BlockState is the state of one block within a cached piece, per
// spec.md §3's "a block is in exactly one of" invariant.
type BlockState int

const (
	BlockAbsent BlockState = iota
	BlockCached
	BlockDirty
	BlockFlushing
)

// blockSlot is one block's cache-side bookkeeping. block is nil when the
// slot is absent (ghost entries never allocate slots at all).
type blockSlot struct {
	block    *bufferpool.Block
	state    BlockState
	pinCount int // outstanding aligned-read references into this block
}

// PieceEntry is the cache's tracking record for one piece — spec.md §3's
// "Cached Piece Entry".
type PieceEntry struct {
	key           PieceKey
	numBlocks     int
	blocks        []blockSlot // empty for ghost entries
	arcList       ARCList
	pieceRefcount int // blocks: flushing blocks + aligned-read pins
	lruClock      uint64
	pendingEvict  bool // an evict_piece call deferred until refcount drops
	allowGhostOnEvict bool

	elem *listNode // this entry's node within its current ARCList's list
}

func (pe *PieceEntry) isGhost() bool { return pe.arcList.isGhost() }

// cachedBlockCount returns how many blocks are actually resident (state
// != absent). Ghost entries always return 0.
func (pe *PieceEntry) cachedBlockCount() int {
	n := 0
	for i := range pe.blocks {
		if pe.blocks[i].state != BlockAbsent {
			n++
		}
	}
	return n
}
