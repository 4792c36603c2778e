// Package session implements the Session (Component I): the top-level
// orchestrator that owns every other component, routes inbound sockets to
// the right torrent, ticks the periodic recomputations, and exposes
// torrent add/remove. Grounded on the teacher's
// lib/torrent/scheduler.scheduler + events.go single-executor event loop
// (one run goroutine applying event.apply(*state) against shared state
// received over a channel) and on cenkalti/rain's session package naming.
package session

import (
	"time"

	"github.com/torrentd/engine/lib/bandwidth"
	"github.com/torrentd/engine/lib/bufferpool"
	"github.com/torrentd/engine/lib/cache"
	"github.com/torrentd/engine/lib/conn"
	"github.com/torrentd/engine/lib/settings"
	"github.com/torrentd/engine/lib/unchoke"
)

// Config is the Session's configuration, embedding each owned component's
// own Config the way the teacher's scheduler.Config embeds conn.Config,
// connstate.Config, and dispatch.Config.
type Config struct {
	// TickInterval drives the periodic Cache/ConnectionQueue maintenance
	// pass (§2's "Session (I) ticks (D), (F), (H) on a periodic timer").
	TickInterval time.Duration `yaml:"tick_interval"`

	// EmitStatsInterval periodically publishes session-wide gauges.
	EmitStatsInterval time.Duration `yaml:"emit_stats_interval"`

	// ProbeTimeout bounds how long Probe waits for the event loop to
	// acknowledge liveness.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// ShutdownDrainTimeout bounds stage 2 of abort: how long the session
	// waits for the undead list to drain before giving up and logging a
	// leak, per spec.md §5's two-stage abort.
	ShutdownDrainTimeout time.Duration `yaml:"shutdown_drain_timeout"`

	Settings   settings.Settings `yaml:"settings"`
	Bufferpool bufferpool.Config `yaml:"bufferpool"`
	Cache      cache.Config      `yaml:"cache"`
	Bandwidth  bandwidth.Config  `yaml:"bandwidth"`
	Conn       conn.Config       `yaml:"conn"`
	Unchoke    unchoke.Config    `yaml:"unchoke"`
}

func (c Config) applyDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = time.Second
	}
	if c.EmitStatsInterval == 0 {
		c.EmitStatsInterval = 10 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.ShutdownDrainTimeout == 0 {
		c.ShutdownDrainTimeout = 10 * time.Second
	}
	// Bufferpool/Cache's own constructors apply their defaults; Settings
	// is the caller's responsibility to seed via settings.DefaultSettings()
	// per SPEC_FULL.md's "constructed programmatically" non-goal. Conn and
	// Unchoke derive entirely from Settings, so they're always rebuilt here.
	c.Conn = conn.ConfigFromSettings(c.Settings)
	c.Unchoke = unchoke.ConfigFromSettings(c.Settings)
	return c
}
