package unchoke

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torrentd/engine/core"
)

func peerInfo(id byte, interested bool) PeerInfo {
	var pid core.PeerID
	pid[0] = id
	return PeerInfo{ID: pid, Interested: interested, MetadataKnown: true}
}

func TestRecalculateFixedSlotsTopNUnchoked(t *testing.T) {
	s := NewScheduler(Config{UnchokeSlotsLimit: 3, NumOptimisticSlots: 1, Algorithm: FixedSlots}, nil)

	peers := []PeerInfo{
		peerInfo(1, true), peerInfo(2, true), peerInfo(3, true), peerInfo(4, true), peerInfo(5, true),
	}
	d := s.Recalculate(peers)

	require.Len(t, d.Unchoke, 2) // 3 slots - 1 optimistic = 2
	require.Len(t, d.Choke, 3)
}

func TestRecalculateExcludesIneligiblePeers(t *testing.T) {
	s := NewScheduler(Config{UnchokeSlotsLimit: 8}, nil)

	notInterested := peerInfo(1, false)
	connecting := peerInfo(2, true)
	connecting.Connecting = true
	disconnecting := peerInfo(3, true)
	disconnecting.Disconnecting = true
	noMetadata := peerInfo(4, true)
	noMetadata.MetadataKnown = false
	exempt := peerInfo(5, true)
	exempt.Exempt = true
	eligible := peerInfo(6, true)

	d := s.Recalculate([]PeerInfo{notInterested, connecting, disconnecting, noMetadata, exempt, eligible})
	require.Equal(t, []core.PeerID{eligible.ID}, d.Unchoke)
	require.Empty(t, d.Choke)
}

func TestRecalculateNegativeSlotLimitUnchokesAll(t *testing.T) {
	s := NewScheduler(Config{UnchokeSlotsLimit: -1, Algorithm: FixedSlots}, nil)

	peers := []PeerInfo{peerInfo(1, true), peerInfo(2, true), peerInfo(3, true)}
	d := s.Recalculate(peers)

	require.Len(t, d.Unchoke, 3)
	require.Empty(t, d.Choke)
}

func TestRecalculateRateBasedRanksByDownloadRate(t *testing.T) {
	s := NewScheduler(Config{UnchokeSlotsLimit: 1, NumOptimisticSlots: 0, Algorithm: RateBased}, nil)

	slow := peerInfo(1, true)
	slow.DownloadRate = 10
	fast := peerInfo(2, true)
	fast.DownloadRate = 1000

	d := s.Recalculate([]PeerInfo{slow, fast})
	require.Equal(t, []core.PeerID{fast.ID}, d.Unchoke)
	require.Equal(t, []core.PeerID{slow.ID}, d.Choke)
}

func TestRecalculateOptimisticPromotesOldestFirst(t *testing.T) {
	s := NewScheduler(Config{UnchokeSlotsLimit: 8, NumOptimisticSlots: 1}, nil)

	neverUnchoked := peerInfo(1, true)
	neverUnchoked.LastOptimisticUnchoke = 0
	recentlyUnchoked := peerInfo(2, true)
	recentlyUnchoked.LastOptimisticUnchoke = 1000

	d := s.RecalculateOptimistic([]PeerInfo{neverUnchoked, recentlyUnchoked}, nil)
	require.Equal(t, []core.PeerID{neverUnchoked.ID}, d.Promoted)
}

func TestRecalculateOptimisticDemotesDisplacedPeer(t *testing.T) {
	s := NewScheduler(Config{UnchokeSlotsLimit: 8, NumOptimisticSlots: 1}, nil)

	stale := peerInfo(1, true)
	stale.OptimisticallyUnchoked = true
	stale.LastOptimisticUnchoke = 5
	fresh := peerInfo(2, true)
	fresh.LastOptimisticUnchoke = 1

	d := s.RecalculateOptimistic([]PeerInfo{stale, fresh}, nil)
	require.Equal(t, []core.PeerID{fresh.ID}, d.Promoted)
	require.Equal(t, []core.PeerID{stale.ID}, d.Demoted)
	require.Empty(t, d.ClearedWithoutChoke)
}

func TestRecalculateOptimisticClearsFlagWithoutChokingRegularlyUnchokedPeer(t *testing.T) {
	s := NewScheduler(Config{UnchokeSlotsLimit: 8, NumOptimisticSlots: 1}, nil)

	promotedByRegular := peerInfo(1, true)
	promotedByRegular.OptimisticallyUnchoked = true
	other := peerInfo(2, true)

	alreadyUnchoked := map[core.PeerID]bool{promotedByRegular.ID: true}
	d := s.RecalculateOptimistic([]PeerInfo{promotedByRegular, other}, alreadyUnchoked)

	require.Equal(t, []core.PeerID{other.ID}, d.Promoted)
	require.Empty(t, d.Demoted)
	require.Equal(t, []core.PeerID{promotedByRegular.ID}, d.ClearedWithoutChoke)
}

func TestRecalculateOptimisticExcludesAlreadyUnchokedFromQuota(t *testing.T) {
	s := NewScheduler(Config{UnchokeSlotsLimit: 8, NumOptimisticSlots: 1}, nil)

	a := peerInfo(1, true)
	b := peerInfo(2, true)
	b.LastOptimisticUnchoke = 1

	d := s.RecalculateOptimistic([]PeerInfo{a, b}, map[core.PeerID]bool{a.ID: true})
	require.Equal(t, []core.PeerID{b.ID}, d.Promoted)
}

func TestResolveOptimisticSlotsDefaultsToOneFifth(t *testing.T) {
	c := Config{UnchokeSlotsLimit: 20}.applyDefaults()
	require.Equal(t, 4, c.resolveOptimisticSlots())

	c2 := Config{UnchokeSlotsLimit: 2}.applyDefaults()
	require.Equal(t, 1, c2.resolveOptimisticSlots())

	c3 := Config{UnchokeSlotsLimit: -1}.applyDefaults()
	require.Equal(t, 1, c3.resolveOptimisticSlots())

	c4 := Config{UnchokeSlotsLimit: 20, NumOptimisticSlots: 3}.applyDefaults()
	require.Equal(t, 3, c4.resolveOptimisticSlots())
}

func TestBitTyrantRanksUnpricedPeersHighest(t *testing.T) {
	s := NewScheduler(Config{UnchokeSlotsLimit: 1, Algorithm: BitTyrant}, nil)

	priced := peerInfo(1, true)
	priced.DownloadRate = 500
	priced.UploadRate = 100 // reciprocation score 5

	unpriced := peerInfo(2, true)
	unpriced.DownloadRate = 500
	unpriced.UploadRate = 0

	d := s.Recalculate([]PeerInfo{priced, unpriced})
	require.Equal(t, []core.PeerID{unpriced.ID}, d.Unchoke)
}
