package cache

import "golang.org/x/sync/singleflight"

// CoalesceDiskRead dedupes concurrent disk reads for the same absent
// piece, per spec.md §4.D's edge case: "simultaneous reads of the same
// absent piece coalesce into one outstanding disk job; additional
// callers attach to it." load is invoked at most once per key even if
// CoalesceDiskRead is called many times before it returns; every caller
// gets a channel that resolves with the same result.
//
// This is the one place the cache reaches past its own state into
// storage.Submit-shaped I/O: TryRead itself never blocks or dials out,
// but a miss handler built on top of it uses CoalesceDiskRead so two
// peers requesting the same not-yet-cached piece don't double up the
// disk job.
func (c *Cache) CoalesceDiskRead(key PieceKey, load func() ([]byte, error)) <-chan singleflight.Result {
	return c.readGroup.DoChan(key.String(), func() (interface{}, error) {
		return load()
	})
}
