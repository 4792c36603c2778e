package settings

import "github.com/uber-go/tally"

// Counter names published by the engine, per spec.md §6 ("Observability").
const (
	CounterWriteCacheBlocks = "write_cache_blocks"
	CounterReadCacheBlocks  = "read_cache_blocks"
	CounterPinnedBlocks     = "pinned_blocks"

	GaugeARCMRUSize      = "arc_mru_size"
	GaugeARCMRUGhostSize = "arc_mru_ghost_size"
	GaugeARCMFUSize      = "arc_mfu_size"
	GaugeARCMFUGhostSize = "arc_mfu_ghost_size"
	GaugeARCWriteSize    = "arc_write_size"
	GaugeARCVolatileSize = "arc_volatile_size"

	GaugeNumUnchokeSlots             = "num_unchoke_slots"
	GaugeNumPeersUpUnchoked          = "num_peers_up_unchoked"
	GaugeNumPeersUpUnchokedOptimist  = "num_peers_up_unchoked_optimistic"
	GaugeNumPeersUpUnchokedAll       = "num_peers_up_unchoked_all"

	GaugeNumTorrents           = "num_torrents"
	GaugeNumPeers              = "num_peers"
	GaugeNumCompleteTorrents   = "num_complete_torrents"
)

// MessageCounterName returns the send/receive counter name for a given
// BitTorrent message id, e.g. "msg_sent_piece" / "msg_recv_piece".
func MessageCounterName(direction string, messageName string) string {
	return "msg_" + direction + "_" + messageName
}

// Counters wraps a tally.Scope, giving every component the same accessor
// surface the teacher threads through its constructors
// (dispatch.New(config, stats tally.Scope, ...), conn.newConn(..., stats
// tally.Scope, ...)).
type Counters struct {
	scope tally.Scope
}

// NewCounters wraps scope. Pass tally.NoopScope in tests that don't care
// about metrics.
func NewCounters(scope tally.Scope) *Counters {
	if scope == nil {
		scope = tally.NoopScope
	}
	return &Counters{scope: scope}
}

// Scoped returns a Counters tagged with module, mirroring
// stats.Tagged(map[string]string{"module": "..."}) in the teacher.
func (c *Counters) Scoped(module string) *Counters {
	return &Counters{scope: c.scope.Tagged(map[string]string{"module": module})}
}

// Gauge returns (creating if necessary) the named gauge.
func (c *Counters) Gauge(name string) tally.Gauge {
	return c.scope.Gauge(name)
}

// Counter returns (creating if necessary) the named monotonic counter.
func (c *Counters) Counter(name string) tally.Counter {
	return c.scope.Counter(name)
}

// Message increments the send/receive counter for messageName.
func (c *Counters) Message(direction, messageName string) {
	c.scope.Counter(MessageCounterName(direction, messageName)).Inc(1)
}
