package session

import (
	"fmt"
	"net"
	"time"

	"github.com/willf/bitset"

	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/lib/cache"
	"github.com/torrentd/engine/lib/conn"
	"github.com/torrentd/engine/lib/storage"
	"github.com/torrentd/engine/lib/unchoke"
)

// peerHandle is the session's per-connection bookkeeping layered on top of
// conn.PeerConn: the optimistic-unchoke fields of spec.md's Peer record
// live here rather than inside PeerConn. AddPeer creates a handle and
// RemovePeer deletes it, so this state does not survive a reconnect.
type peerHandle struct {
	pc                     *conn.PeerConn
	optimisticallyUnchoked bool
	lastOptimisticUnchoke  time.Time
	priority               int
	unchoked               bool
}

// pieceProgress tracks a piece we're downloading but haven't verified yet.
type pieceProgress struct {
	buf            []byte
	receivedBlocks *bitset.BitSet
	numBlocks      int
}

// Torrent is the session's per-torrent state: the peer set, the verified
// "have" bitfield, in-flight piece assembly, and the storage/cache it reads
// and writes through. Mirrors spec.md §3's Torrent record, minus the queue
// position (a session-wide, not per-torrent, concern here).
type Torrent struct {
	infoHash    core.InfoHash
	storageID   string
	numPieces   int
	pieceLength int64
	length      int64
	blockSize   int
	hashes      []core.PieceHash

	storage storage.Interface
	cache   *cache.Cache

	peers      map[core.PeerID]*peerHandle
	have       *bitset.BitSet
	inProgress map[int]*pieceProgress
}

// NewTorrent constructs a Torrent. hashes must have exactly numPieces
// entries, one per-piece verification root. length is the total content
// length in bytes, used to size the final (possibly short) piece.
func NewTorrent(
	infoHash core.InfoHash,
	storageID string,
	numPieces int,
	pieceLength int64,
	length int64,
	blockSize int,
	hashes []core.PieceHash,
	st storage.Interface,
	c *cache.Cache,
) *Torrent {
	return &Torrent{
		infoHash:    infoHash,
		storageID:   storageID,
		numPieces:   numPieces,
		pieceLength: pieceLength,
		length:      length,
		blockSize:   blockSize,
		hashes:      hashes,
		storage:     st,
		cache:       c,
		peers:       make(map[core.PeerID]*peerHandle),
		have:        bitset.New(uint(numPieces)),
		inProgress:  make(map[int]*pieceProgress),
	}
}

func (t *Torrent) InfoHash() core.InfoHash { return t.infoHash }

func (t *Torrent) NumPieces() int { return t.numPieces }

// Complete reports whether every piece has been verified, per spec.md's
// seeding/leeching distinction.
func (t *Torrent) Complete() bool {
	return t.have.Count() == uint(t.numPieces)
}

func (t *Torrent) AddPeer(pc *conn.PeerConn) {
	t.peers[pc.PeerID()] = &peerHandle{pc: pc}
}

func (t *Torrent) RemovePeer(id core.PeerID) {
	delete(t.peers, id)
	// A piece only this peer was supplying blocks for stays in progress;
	// the next picker pass will pull remaining blocks from another peer
	// that has it, or it times out and is abandoned by a higher layer.
}

func (t *Torrent) Peer(id core.PeerID) (*conn.PeerConn, bool) {
	h, ok := t.peers[id]
	if !ok {
		return nil, false
	}
	return h.pc, true
}

func (t *Torrent) Peers() []*conn.PeerConn {
	out := make([]*conn.PeerConn, 0, len(t.peers))
	for _, h := range t.peers {
		out = append(out, h.pc)
	}
	return out
}

func (t *Torrent) NumPeers() int { return len(t.peers) }

// peerInfos builds the unchoke scheduler's view of every peer this torrent
// currently holds a connection to.
func (t *Torrent) peerInfos() []unchoke.PeerInfo {
	infos := make([]unchoke.PeerInfo, 0, len(t.peers))
	for id, h := range t.peers {
		var lastOpt int64
		if !h.lastOptimisticUnchoke.IsZero() {
			lastOpt = h.lastOptimisticUnchoke.UnixNano()
		}
		protocolBytes, payloadBytes := h.pc.UploadStats()
		infos = append(infos, unchoke.PeerInfo{
			ID:                     id,
			Interested:             h.pc.PeerInterested(),
			Connecting:             false,
			Disconnecting:          h.pc.IsClosed(),
			MetadataKnown:          true,
			OptimisticallyUnchoked: h.optimisticallyUnchoked,
			LastOptimisticUnchoke:  lastOpt,
			Priority:               h.priority,
			UploadRate:             float64(protocolBytes + payloadBytes),
		})
	}
	return infos
}

// applyRegular applies a regular-pass unchoke decision: unchoking and
// choking peers that aren't already in the matching state.
func (t *Torrent) applyRegular(d unchoke.RegularDecision) map[core.PeerID]bool {
	unchokedSet := make(map[core.PeerID]bool, len(d.Unchoke))
	for _, id := range d.Unchoke {
		unchokedSet[id] = true
		h, ok := t.peers[id]
		if !ok || h.unchoked {
			continue
		}
		h.unchoked = true
		h.pc.WriteUnchoke()
	}
	for _, id := range d.Choke {
		h, ok := t.peers[id]
		if !ok || !h.unchoked || h.optimisticallyUnchoked {
			continue
		}
		h.unchoked = false
		h.pc.WriteChoke()
	}
	return unchokedSet
}

// applyOptimistic applies an optimistic-pass decision, per spec.md §4.H's
// promote/demote/clear-without-choke semantics.
func (t *Torrent) applyOptimistic(d unchoke.OptimisticDecision, now time.Time) {
	for _, id := range d.Promoted {
		h, ok := t.peers[id]
		if !ok {
			continue
		}
		h.optimisticallyUnchoked = true
		h.lastOptimisticUnchoke = now
		if !h.unchoked {
			h.unchoked = true
			h.pc.WriteUnchoke()
		}
	}
	for _, id := range d.Demoted {
		h, ok := t.peers[id]
		if !ok {
			continue
		}
		h.optimisticallyUnchoked = false
		h.unchoked = false
		h.pc.WriteChoke()
	}
	for _, id := range d.ClearedWithoutChoke {
		if h, ok := t.peers[id]; ok {
			h.optimisticallyUnchoked = false
		}
	}
}

// HandleMessage routes one message received from peerID into the torrent's
// cache/storage, and returns an error only for a programmer-visible
// invariant violation (the caller already validated protocol-levelness via
// conn.PeerConn; this is the torrent-scope half of spec.md §4.G/§4.D's
// boundary).
func (t *Torrent) HandleMessage(peerID core.PeerID, msg conn.Message) error {
	h, ok := t.peers[peerID]
	if !ok {
		return nil
	}
	switch msg.ID {
	case conn.Request:
		return t.serveRequest(h, msg.Request)
	case conn.Piece:
		return t.receiveBlock(msg.Piece, msg.Offset, msg.Payload)
	case conn.Extended:
		return t.handleExtended(h, msg)
	}
	return nil
}

// handleExtended dispatches a BEP 10 extended message that isn't the
// handshake itself (conn.PeerConn's validateAndApply already applied
// the handshake's reqq/yourip to the connection). Only ut_holepunch
// (BEP 55) is understood; anything else is silently ignored, per
// BEP 10's requirement that unrecognized extended ids be tolerated.
func (t *Torrent) handleExtended(h *peerHandle, msg conn.Message) error {
	switch msg.ExtendedID {
	case conn.ExtendedHandshakeID:
		return nil
	case conn.UTHolepunchLocalID:
		return t.handleHolepunch(h, msg.ExtendedPayload)
	}
	return nil
}

func (t *Torrent) handleHolepunch(h *peerHandle, payload []byte) error {
	hp, err := conn.DecodeHolepunch(payload)
	if err != nil {
		return fmt.Errorf("session: decode holepunch from %s: %w", h.pc.PeerID(), err)
	}
	if hp.Type != conn.HolepunchRendezvous {
		// Connect/Failed are informational for the two endpoints a
		// punch is between; this torrent has nothing further to do.
		return nil
	}
	return t.relayRendezvous(h, hp)
}

// relayRendezvous implements spec.md §4.G's rendezvous contract: look
// up the target peer connection locally by the endpoint the rendezvous
// message named; if present and it supports holepunch, send connect to
// both endpoints, otherwise reply failed to the requester with the
// error code matching why (self, not connected, or no support).
func (t *Torrent) relayRendezvous(h *peerHandle, hp conn.HolepunchMessage) error {
	if addr, ok := h.pc.RemoteAddr().(*net.TCPAddr); ok && addr.IP.Equal(hp.Addr) && addr.Port == int(hp.Port) {
		return t.sendHolepunch(h.pc, conn.HolepunchMessage{
			Type:   conn.HolepunchFailed,
			Family: hp.Family,
			Addr:   hp.Addr,
			Port:   hp.Port,
			ErrNo:  conn.HolepunchErrNoSelf,
		})
	}

	var target *peerHandle
	for _, other := range t.peers {
		if other == h {
			continue
		}
		addr, ok := other.pc.RemoteAddr().(*net.TCPAddr)
		if !ok || !addr.IP.Equal(hp.Addr) || addr.Port != int(hp.Port) {
			continue
		}
		target = other
		break
	}

	if target == nil {
		return t.sendHolepunch(h.pc, conn.HolepunchMessage{
			Type:   conn.HolepunchFailed,
			Family: hp.Family,
			Addr:   hp.Addr,
			Port:   hp.Port,
			ErrNo:  conn.HolepunchErrNotConnected,
		})
	}
	if !target.pc.SupportsExtended() {
		return t.sendHolepunch(h.pc, conn.HolepunchMessage{
			Type:   conn.HolepunchFailed,
			Family: hp.Family,
			Addr:   hp.Addr,
			Port:   hp.Port,
			ErrNo:  conn.HolepunchErrNoSupport,
		})
	}

	originAddr, ok := h.pc.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return t.sendHolepunch(h.pc, conn.HolepunchMessage{
			Type:   conn.HolepunchFailed,
			Family: hp.Family,
			Addr:   hp.Addr,
			Port:   hp.Port,
			ErrNo:  conn.HolepunchErrNotConnected,
		})
	}

	if err := t.sendHolepunch(target.pc, conn.HolepunchMessage{
		Type:   conn.HolepunchConnect,
		Family: hp.Family,
		Addr:   originAddr.IP,
		Port:   uint16(originAddr.Port),
	}); err != nil {
		return err
	}
	return t.sendHolepunch(h.pc, conn.HolepunchMessage{
		Type:   conn.HolepunchConnect,
		Family: hp.Family,
		Addr:   hp.Addr,
		Port:   hp.Port,
	})
}

func (t *Torrent) sendHolepunch(pc *conn.PeerConn, hp conn.HolepunchMessage) error {
	payload, err := conn.EncodeHolepunch(hp)
	if err != nil {
		return err
	}
	return pc.Send(conn.Message{ID: conn.Extended, ExtendedID: conn.UTHolepunchLocalID, ExtendedPayload: payload})
}

func (t *Torrent) serveRequest(h *peerHandle, req conn.BlockRequest) error {
	if !t.have.Test(uint(req.Piece)) {
		return h.pc.WriteRejectRequest(req)
	}
	key := cache.PieceKey{StorageID: t.storageID, PieceIndex: int(req.Piece)}
	result := t.cache.TryRead(key, int64(req.Offset), int(req.Length), h.pc.PeerID().String())
	if result == nil || !result.Hit {
		return h.pc.WriteRejectRequest(req)
	}
	if len(result.Refs) == 0 {
		return h.pc.WritePiece(req.Piece, req.Offset, result.Data)
	}
	defer func() {
		for _, ref := range result.Refs {
			ref.Reclaim()
		}
	}()
	data := make([]byte, 0, req.Length)
	for _, ref := range result.Refs {
		data = append(data, ref.Bytes()...)
	}
	return h.pc.WritePiece(req.Piece, req.Offset, data)
}

func (t *Torrent) receiveBlock(piece, offset uint32, data []byte) error {
	if t.have.Test(uint(piece)) {
		return nil // redundant, from a peer we never cancelled in time
	}
	blockIndex := int(offset) / t.blockSize
	pp, ok := t.inProgress[int(piece)]
	if !ok {
		numBlocks := t.numBlocksInPiece(int(piece))
		pp = &pieceProgress{
			buf:            make([]byte, t.pieceSize(int(piece))),
			receivedBlocks: bitset.New(uint(numBlocks)),
			numBlocks:      numBlocks,
		}
		t.inProgress[int(piece)] = pp
	}
	copy(pp.buf[int(offset):], data)
	pp.receivedBlocks.Set(uint(blockIndex))

	if pp.receivedBlocks.Count() != uint(pp.numBlocks) {
		return nil
	}

	delete(t.inProgress, int(piece))
	ok2, err := t.hashes[piece].Verify(pp.buf)
	if err != nil || !ok2 {
		return nil // discard; a higher layer would re-request from another peer
	}

	t.have.Set(uint(piece))
	for _, p := range t.Peers() {
		p.WriteHave(piece)
	}
	return nil
}

func (t *Torrent) numBlocksInPiece(piece int) int {
	return (t.pieceSize(piece) + t.blockSize - 1) / t.blockSize
}

func (t *Torrent) pieceSize(piece int) int {
	if piece < t.numPieces-1 {
		return int(t.pieceLength)
	}
	if remainder := t.length % t.pieceLength; remainder != 0 {
		return int(remainder)
	}
	return int(t.pieceLength)
}

// NextRequest picks the next block to request from peerID: the
// lowest-indexed piece the peer has that we don't, at its first block not
// yet received. Outstanding requests are not consulted, so the same block
// is returned again until it arrives. This is deliberately a minimal
// sequential picker — spec.md describes the Torrent as owning "a
// piece-picker" without contracting rarest-first selection as one of the
// nine components, so no ranking strategy is specified to implement here.
func (t *Torrent) NextRequest(peerID core.PeerID, blockSize int) (conn.BlockRequest, bool) {
	h, ok := t.peers[peerID]
	if !ok {
		return conn.BlockRequest{}, false
	}
	for piece := 0; piece < t.numPieces; piece++ {
		if t.have.Test(uint(piece)) || !h.pc.PeerHas(uint32(piece)) {
			continue
		}
		pp, inProg := t.inProgress[piece]
		blockIndex := 0
		if inProg {
			next, found := nextClearBit(pp.receivedBlocks, pp.numBlocks)
			if !found {
				continue
			}
			blockIndex = next
		}
		offset := blockIndex * blockSize
		length := blockSize
		if remaining := t.pieceSize(piece) - offset; remaining < length {
			length = remaining
		}
		return conn.BlockRequest{Piece: uint32(piece), Offset: uint32(offset), Length: uint32(length)}, true
	}
	return conn.BlockRequest{}, false
}

func nextClearBit(b *bitset.BitSet, n int) (int, bool) {
	for i := 0; i < n; i++ {
		if !b.Test(uint(i)) {
			return i, true
		}
	}
	return 0, false
}
