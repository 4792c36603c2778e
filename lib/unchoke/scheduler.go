package unchoke

import (
	"sort"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/torrentd/engine/core"
)

// RegularDecision is the outcome of one regular-pass recalculation.
type RegularDecision struct {
	Unchoke []core.PeerID
	Choke   []core.PeerID
}

// OptimisticDecision is the outcome of one optimistic-pass recalculation.
type OptimisticDecision struct {
	// Promoted peers should be marked optimistically-unchoked, sent an
	// unchoke, and have their last-optimistic-unchoke timestamp recorded.
	Promoted []core.PeerID

	// Demoted peers were optimistically unchoked but fell out of the new
	// slate; they should be choked and have the flag cleared.
	Demoted []core.PeerID

	// ClearedWithoutChoke peers were optimistically unchoked but are now
	// covered by the regular pass instead (edge case: their flag clears
	// and they no longer count toward the optimistic quota, but they
	// stay unchoked via the regular slot).
	ClearedWithoutChoke []core.PeerID
}

// Scheduler computes the regular and optimistic unchoke sets per
// spec.md §4.H. It holds no peer state of its own — Peer records (and their
// optimistically_unchoked flag, last-optimistic-unchoke timestamp) are
// owned by the torrent per spec.md's Peer definition — so every call takes
// the current peer snapshot and returns a pure decision for the caller to
// apply and persist.
type Scheduler struct {
	config   Config
	strategy Strategy
	clk      clock.Clock
}

// NewScheduler constructs a Scheduler. A nil clock defaults to the real
// wall clock.
func NewScheduler(config Config, clk clock.Clock) *Scheduler {
	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		config:   config,
		strategy: strategyFor(config.Algorithm),
		clk:      clk,
	}
}

// RegularTick returns a channel that fires every UnchokeInterval.
func (s *Scheduler) RegularTick() <-chan time.Time {
	return s.clk.Tick(s.config.UnchokeInterval)
}

// OptimisticTick returns a channel that fires every OptimisticUnchokeInterval.
func (s *Scheduler) OptimisticTick() <-chan time.Time {
	return s.clk.Tick(s.config.OptimisticUnchokeInterval)
}

// Recalculate runs the regular pass: eligible peers are ranked by the
// configured algorithm and the top (slots - optimistic quota) are unchoked.
//
// When UnchokeSlotsLimit is negative, every eligible peer is unchoked
// (spec.md §4.H's "unlimited" edge case for the fixed-slot choker, applied
// uniformly across algorithms since a negative cap has no meaningful slot
// count to rank against).
func (s *Scheduler) Recalculate(peers []PeerInfo) RegularDecision {
	eligible := filterEligible(peers)
	ranked := s.strategy.Rank(eligible)

	var slots int
	if s.config.UnchokeSlotsLimit < 0 {
		slots = len(ranked)
	} else {
		slots = s.config.UnchokeSlotsLimit - s.config.resolveOptimisticSlots()
		if slots < 0 {
			slots = 0
		}
	}

	var d RegularDecision
	for i, p := range ranked {
		if i < slots {
			d.Unchoke = append(d.Unchoke, p.ID)
		} else {
			d.Choke = append(d.Choke, p.ID)
		}
	}
	return d
}

// RecalculateOptimistic runs the optimistic pass. alreadyUnchoked is the set
// of peer IDs the most recent regular pass chose to unchoke; peers in this
// set are excluded from the optimistic candidate pool and don't consume the
// optimistic quota, per spec.md §4.H's edge case.
func (s *Scheduler) RecalculateOptimistic(peers []PeerInfo, alreadyUnchoked map[core.PeerID]bool) OptimisticDecision {
	eligible := filterEligible(peers)

	var candidates []PeerInfo
	byID := make(map[core.PeerID]PeerInfo, len(peers))
	for _, p := range eligible {
		byID[p.ID] = p
		if !alreadyUnchoked[p.ID] {
			candidates = append(candidates, p)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].LastOptimisticUnchoke != candidates[j].LastOptimisticUnchoke {
			return candidates[i].LastOptimisticUnchoke < candidates[j].LastOptimisticUnchoke
		}
		return candidates[i].Priority < candidates[j].Priority
	})

	n := s.config.resolveOptimisticSlots()
	if n > len(candidates) {
		n = len(candidates)
	}

	newSlate := make(map[core.PeerID]bool, n)
	var d OptimisticDecision
	for i := 0; i < n; i++ {
		d.Promoted = append(d.Promoted, candidates[i].ID)
		newSlate[candidates[i].ID] = true
	}

	for _, p := range peers {
		if !p.OptimisticallyUnchoked || newSlate[p.ID] {
			continue
		}
		if alreadyUnchoked[p.ID] {
			d.ClearedWithoutChoke = append(d.ClearedWithoutChoke, p.ID)
		} else {
			d.Demoted = append(d.Demoted, p.ID)
		}
	}
	return d
}

func filterEligible(peers []PeerInfo) []PeerInfo {
	eligible := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		if p.eligible() {
			eligible = append(eligible, p)
		}
	}
	return eligible
}
