package unchoke

import (
	"sort"

	"github.com/torrentd/engine/core"
)

// PeerInfo is the scheduler's view of one torrent-scope peer, mirroring the
// fields of spec.md's Peer record that bear on choking decisions.
type PeerInfo struct {
	ID core.PeerID

	Interested    bool
	Connecting    bool
	Disconnecting bool
	MetadataKnown bool

	// Exempt peers (per spec.md's "respecting unchoke-slot exemptions")
	// are excluded from the eligible pool entirely; the caller is
	// responsible for their choke state.
	Exempt bool

	OptimisticallyUnchoked bool
	LastOptimisticUnchoke  int64 // unix nanos; ties favor the smaller value

	// Priority is an external tie-break for the optimistic pass, lower
	// sorts first.
	Priority int

	// DownloadRate is the rate, in bytes/sec, this peer has sent us.
	// Used by rate_based and bittyrant ranking.
	DownloadRate float64

	// UploadRate is the rate, in bytes/sec, we've sent this peer. Used
	// by bittyrant's reciprocation-per-byte estimate.
	UploadRate float64
}

// eligible reports whether p may be considered for either unchoke pass, per
// spec.md §4.H's regular-recalculation eligibility list.
func (p PeerInfo) eligible() bool {
	return p.Interested && !p.Connecting && !p.Disconnecting && p.MetadataKnown && !p.Exempt
}

// Strategy ranks eligible peers best-first for the regular unchoke pass.
// Implementations must not mutate the input slice's order semantics beyond
// returning a re-ordered copy.
type Strategy interface {
	Rank(peers []PeerInfo) []PeerInfo
}

// fixedSlotsStrategy preserves arrival order: the first N peers in the
// eligible set (as handed to the scheduler) win slots, independent of
// throughput. This matches a simple round-robin/fixed-slot choker.
type fixedSlotsStrategy struct{}

func (fixedSlotsStrategy) Rank(peers []PeerInfo) []PeerInfo {
	ranked := make([]PeerInfo, len(peers))
	copy(ranked, peers)
	return ranked
}

// rateBasedStrategy ranks by the rate each peer has sent us, descending,
// rewarding the fastest uploaders with reciprocal service.
type rateBasedStrategy struct{}

func (rateBasedStrategy) Rank(peers []PeerInfo) []PeerInfo {
	ranked := make([]PeerInfo, len(peers))
	copy(ranked, peers)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].DownloadRate > ranked[j].DownloadRate
	})
	return ranked
}

// bitTyrantStrategy ranks by estimated reciprocation per byte uploaded
// (download rate received divided by upload rate spent), approximating
// BitTyrant's per-peer reciprocation-capacity estimate without the full
// history-based upload-threshold search the original algorithm performs.
// Peers we haven't uploaded to yet are treated as maximally attractive,
// since we have no upload cost to weigh against their download rate.
type bitTyrantStrategy struct{}

func (bitTyrantStrategy) Rank(peers []PeerInfo) []PeerInfo {
	ranked := make([]PeerInfo, len(peers))
	copy(ranked, peers)
	sort.SliceStable(ranked, func(i, j int) bool {
		return reciprocationScore(ranked[i]) > reciprocationScore(ranked[j])
	})
	return ranked
}

func reciprocationScore(p PeerInfo) float64 {
	if p.UploadRate <= 0 {
		return p.DownloadRate + 1 // unpriced peers outrank any priced one with equal download rate
	}
	return p.DownloadRate / p.UploadRate
}

func strategyFor(a Algorithm) Strategy {
	switch a {
	case RateBased:
		return rateBasedStrategy{}
	case BitTyrant:
		return bitTyrantStrategy{}
	default:
		return fixedSlotsStrategy{}
	}
}
