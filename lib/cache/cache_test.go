package cache

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torrentd/engine/lib/bufferpool"
	"github.com/torrentd/engine/lib/settings"
)

const testBlockSize = 16 * 1024

func newTestCache(t *testing.T) (*Cache, *bufferpool.Pool) {
	pool := bufferpool.New(bufferpool.Config{BlockSize: testBlockSize})
	c := New(Config{BlockSize: testBlockSize, CacheSizeBlocks: 16}, pool, settings.NewCounters(nil), nil)
	return c, pool
}

// Scenario 1: write-then-read hit.
func TestWriteThenReadHit(t *testing.T) {
	require := require.New(t)
	c, _ := newTestCache(t)
	key := PieceKey{StorageID: "s", PieceIndex: 0}

	pe, ok := c.AddDirtyBlock(key, 1, 0, []byte("hello"))
	require.True(ok)
	require.Equal(1, c.Snapshot().WriteSize)

	res := c.TryRead(key, 0, testBlockSize, "A")
	require.True(res.Hit)
	require.Len(res.Refs, 1)
	require.Equal(1, c.Snapshot().Pinned)

	res.Refs[0].Reclaim()
	require.Equal(0, c.Snapshot().Pinned)
	_ = pe
}

// Scenario 2: ARC promotion on a second distinct requester.
func TestARCPromotion(t *testing.T) {
	require := require.New(t)
	c, pool := newTestCache(t)
	key := PieceKey{StorageID: "s", PieceIndex: 0}

	pe := c.AllocatePiece(key, 1, ListMRU)
	b, ok := pool.Allocate()
	require.True(ok)
	c.InsertBlocks(pe, 0, []*bufferpool.Block{b})
	require.Equal(1, c.Snapshot().MRUSize)

	c.CacheHit(pe, "A", false)
	require.Equal(1, c.Snapshot().MRUSize)
	require.Equal(0, c.Snapshot().MFUSize)

	c.CacheHit(pe, "B", false)
	require.Equal(0, c.Snapshot().MRUSize)
	require.Equal(1, c.Snapshot().MFUSize)
}

// Scenario 3: ghost unghost.
func TestGhostUnghost(t *testing.T) {
	require := require.New(t)
	c, pool := newTestCache(t)
	key := PieceKey{StorageID: "s", PieceIndex: 0}

	pe := c.AllocatePiece(key, 1, ListMRU)
	b, ok := pool.Allocate()
	require.True(ok)
	c.InsertBlocks(pe, 0, []*bufferpool.Block{b})

	require.NoError(c.EvictPiece(pe, true))
	require.Equal(1, c.Snapshot().MRUGhostSize)
	require.Equal(0, c.Snapshot().MRUSize)

	ghost := c.entries[key]
	require.NotNil(ghost)
	c.CacheHit(ghost, "A", false)
	require.Equal(1, c.Snapshot().MRUSize)
	require.Equal(0, c.Snapshot().MRUGhostSize)
}

// Scenario 4: unaligned read returns a copy, pins nothing.
func TestUnalignedReadCopies(t *testing.T) {
	require := require.New(t)
	c, pool := newTestCache(t)
	key := PieceKey{StorageID: "s", PieceIndex: 0}

	pe := c.AllocatePiece(key, 2, ListMRU)
	b0, _ := pool.Allocate()
	b1, _ := pool.Allocate()
	copy(b0.Bytes(), []byte("AAAAAAAAAAAAAAAA")) // 16 bytes marker at block 0 start
	copy(b1.Bytes(), []byte("BBBBBBBBBBBBBBBB"))
	c.InsertBlocks(pe, 0, []*bufferpool.Block{b0, b1})

	res := c.TryRead(key, 0x2000, 0x4000, "A")
	require.True(res.Hit)
	require.Nil(res.Refs)
	require.Len(res.Data, 0x4000)
	require.Equal(0, c.Snapshot().Pinned)
}

func TestTryReadMissOnAbsentPiece(t *testing.T) {
	c, _ := newTestCache(t)
	res := c.TryRead(PieceKey{StorageID: "s", PieceIndex: 7}, 0, testBlockSize, "A")
	require.False(t, res.Hit)
}

func TestDoubleReclaimPanics(t *testing.T) {
	c, pool := newTestCache(t)
	key := PieceKey{StorageID: "s", PieceIndex: 0}
	pe := c.AllocatePiece(key, 1, ListMRU)
	b, _ := pool.Allocate()
	c.InsertBlocks(pe, 0, []*bufferpool.Block{b})

	res := c.TryRead(key, 0, testBlockSize, "A")
	ref := res.Refs[0]
	ref.Reclaim()
	require.Panics(t, func() { ref.Reclaim() })
}

func TestEvictPieceDeniedWhilePinned(t *testing.T) {
	require := require.New(t)
	c, pool := newTestCache(t)
	key := PieceKey{StorageID: "s", PieceIndex: 0}
	pe := c.AllocatePiece(key, 1, ListMRU)
	b, _ := pool.Allocate()
	c.InsertBlocks(pe, 0, []*bufferpool.Block{b})

	res := c.TryRead(key, 0, testBlockSize, "A")
	require.Error(c.EvictPiece(pe, true))

	res.Refs[0].Reclaim()
	require.NoError(c.EvictPiece(pe, true))
}

func TestCoalesceDiskReadDedupesConcurrentMisses(t *testing.T) {
	require := require.New(t)
	c, _ := newTestCache(t)
	key := PieceKey{StorageID: "s", PieceIndex: 0}

	var calls int32
	release := make(chan struct{})
	inLoad := make(chan struct{})
	load := func() ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		close(inLoad)
		<-release
		return []byte("data"), nil
	}

	ch1 := c.CoalesceDiskRead(key, load)
	<-inLoad // guarantee the first call is in flight before the second arrives
	ch2 := c.CoalesceDiskRead(key, load)
	close(release)

	r1 := <-ch1
	r2 := <-ch2
	require.NoError(r1.Err)
	require.NoError(r2.Err)
	require.Equal(int32(1), atomic.LoadInt32(&calls), "concurrent misses for the same piece must coalesce into one disk job")
}

func TestWriteCacheFlushCycle(t *testing.T) {
	require := require.New(t)
	c, _ := newTestCache(t)
	key := PieceKey{StorageID: "s", PieceIndex: 0}

	pe, ok := c.AddDirtyBlock(key, 1, 0, []byte("data"))
	require.True(ok)

	c.MarkFlushing(pe, []int{0})
	require.Equal(BlockFlushing, pe.blocks[0].state)

	c.BlocksFlushed(pe, []int{0})
	require.Equal(BlockCached, pe.blocks[0].state)
	require.Equal(ListMRU, pe.arcList)
	require.Equal(1, c.Snapshot().MRUSize)
	require.Equal(0, c.Snapshot().WriteSize)
}
