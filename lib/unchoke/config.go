// Package unchoke implements the unchoke scheduler (Component H): periodic
// recomputation of the regular and optimistic unchoke sets. Grounded on
// spec.md §4.H and original_source/trunk/src/choker.cpp's regular/optimistic
// split, following the teacher's Config-struct-plus-applyDefaults idiom.
package unchoke

import (
	"time"

	"github.com/torrentd/engine/lib/settings"
)

// Algorithm selects how eligible peers are ranked for the regular unchoke
// pass. Mirrors settings.ChokingAlgorithm but kept local so this package
// doesn't need to import settings for anything but defaults translation.
type Algorithm string

const (
	// FixedSlots unchokes the first N eligible peers in arrival order,
	// ignoring throughput. A negative slot limit unchokes everyone.
	FixedSlots Algorithm = "fixed_slots"
	// RateBased ranks peers by download rate received from them,
	// favoring peers that reciprocate the most.
	RateBased Algorithm = "rate_based"
	// BitTyrant ranks by estimated reciprocation-per-byte-uploaded. The
	// shipped Strategy is rate-based-with-estimated-reciprocation since
	// full BitTyrant history modeling is outside this core's budget
	// share; it implements the same Strategy interface as the others so
	// a fuller implementation can be swapped in later.
	BitTyrant Algorithm = "bittyrant"
)

// Config holds the scheduler's tunables.
type Config struct {
	// UnchokeSlotsLimit caps the number of regular-pass unchoke slots.
	// Negative means unlimited (every eligible peer is unchoked).
	UnchokeSlotsLimit int `yaml:"unchoke_slots_limit"`

	// NumOptimisticSlots is the optimistic quota. 0 resolves to
	// max(1, UnchokeSlotsLimit/5) at recalculation time, matching
	// settings.Settings.NumOptimisticSlots.
	NumOptimisticSlots int `yaml:"num_optimistic_unchoke_slots"`

	Algorithm Algorithm `yaml:"choking_algorithm"`

	UnchokeInterval           time.Duration `yaml:"unchoke_interval"`
	OptimisticUnchokeInterval time.Duration `yaml:"optimistic_unchoke_interval"`
}

func (c Config) applyDefaults() Config {
	if c.UnchokeSlotsLimit == 0 {
		c.UnchokeSlotsLimit = 8
	}
	if c.Algorithm == "" {
		c.Algorithm = FixedSlots
	}
	if c.UnchokeInterval == 0 {
		c.UnchokeInterval = 10 * time.Second
	}
	if c.OptimisticUnchokeInterval == 0 {
		c.OptimisticUnchokeInterval = 30 * time.Second
	}
	return c
}

// ConfigFromSettings derives an unchoke Config from the engine-wide
// Settings (Component A).
func ConfigFromSettings(s settings.Settings) Config {
	c := Config{
		UnchokeSlotsLimit:         s.UnchokeSlotsLimit,
		NumOptimisticSlots:        s.NumOptimisticUnchokeSlots,
		Algorithm:                 algorithmFromSettings(s.ChokingAlgorithm),
		UnchokeInterval:           s.UnchokeInterval,
		OptimisticUnchokeInterval: s.OptimisticUnchokeInterval,
	}
	return c.applyDefaults()
}

func algorithmFromSettings(a settings.ChokingAlgorithm) Algorithm {
	switch a {
	case settings.ChokingRateBased:
		return RateBased
	case settings.ChokingBitTyrant:
		return BitTyrant
	default:
		return FixedSlots
	}
}

// resolveOptimisticSlots applies the "0 means max(1, slots/5)" rule from
// spec.md's configuration table.
func (c Config) resolveOptimisticSlots() int {
	if c.NumOptimisticSlots > 0 {
		return c.NumOptimisticSlots
	}
	if c.UnchokeSlotsLimit <= 0 {
		return 1
	}
	n := c.UnchokeSlotsLimit / 5
	if n < 1 {
		n = 1
	}
	return n
}
