package cache

import "errors"

// ErrWouldBlock names the "buffer pool exhausted" condition. No Cache
// method returns it: TryRead never sets ReadResult.WouldBlock, since its
// unaligned copies are heap-allocated rather than drawn from the pool,
// and AddDirtyBlock reports exhaustion through its ok result.
var ErrWouldBlock = errors.New("cache: would block, buffer pool exhausted")

// ErrPinned is returned by evict/mark-for-eviction attempts against a
// piece whose refcount is non-zero; the request is recorded internally
// and retried automatically once the refcount drops.
var ErrPinned = errors.New("cache: piece has outstanding references")

// ErrNotFound names a piece the cache has no record of (resident or
// ghost). No Cache method returns it: ReclaimBlock panics on an unknown
// piece and TryRead reports a plain miss.
var ErrNotFound = errors.New("cache: piece not found")

// ErrBlockNotCached names a block that isn't currently resident. No Cache
// method returns it: ReclaimBlock panics on a block that is not pinned,
// and MarkFlushing/BlocksFlushed skip indices in the wrong state.
var ErrBlockNotCached = errors.New("cache: block not cached")
