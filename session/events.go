package session

import (
	"time"

	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/lib/conn"
	"github.com/torrentd/engine/lib/settings"
)

// event describes a change to the session's state. apply runs on the
// event loop's single goroutine, so it's the only code ever touching
// state concurrently with anything else. Grounded on the teacher's
// lib/torrent/scheduler.event/state split.
type event interface {
	apply(*state)
}

// eventLoop is a serialized queue of events applied to state.
type eventLoop interface {
	send(event) bool
	sendTimeout(e event, timeout time.Duration) error
	run(*state)
	stop()
}

type baseEventLoop struct {
	events chan event
	done   chan struct{}
}

func newEventLoop() *baseEventLoop {
	return &baseEventLoop{
		events: make(chan event),
		done:   make(chan struct{}),
	}
}

// send delivers e to the loop. Must never be called from within an
// apply method, which would deadlock against the loop's own goroutine.
func (l *baseEventLoop) send(e event) bool {
	select {
	case l.events <- e:
		return true
	case <-l.done:
		return false
	}
}

func (l *baseEventLoop) sendTimeout(e event, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.events <- e:
		return nil
	case <-l.done:
		return ErrSessionStopped
	case <-timer.C:
		return ErrSendEventTimedOut
	}
}

func (l *baseEventLoop) run(s *state) {
	for {
		select {
		case e := <-l.events:
			e.apply(s)
		case <-l.done:
			return
		}
	}
}

func (l *baseEventLoop) stop() {
	close(l.done)
}

// liftedEventLoop adapts conn.Events' callback shape into posted events,
// matching the teacher's liftedEventLoop over conn.Conn's callbacks.
type liftedEventLoop struct {
	eventLoop
}

func liftEventLoop(l eventLoop) *liftedEventLoop {
	return &liftedEventLoop{l}
}

func (l *liftedEventLoop) ConnClosed(pc *conn.PeerConn, reason conn.DisconnectReason, op conn.Operation) {
	l.send(connClosedEvent{pc.PeerID(), pc.InfoHash(), reason, op})
}

// connClosedEvent occurs when a peer connection tears down, for any
// reason (peer-initiated, protocol violation, or our own Disconnect).
type connClosedEvent struct {
	peerID   core.PeerID
	infoHash core.InfoHash
	reason   conn.DisconnectReason
	op       conn.Operation
}

func (e connClosedEvent) apply(s *state) {
	if t, ok := s.torrents[e.infoHash]; ok {
		t.RemovePeer(e.peerID)
	}
	delete(s.undead, e.peerID)
	s.log("peer", e.peerID, "hash", e.infoHash).Infof(
		"Connection closed: %s during %s", e.reason, e.op)
	s.maybeFinishShutdown()
}

// incomingConnEvent occurs once an accepted socket has finished its
// handshake (plaintext or MSE) and is ready to join a torrent.
type incomingConnEvent struct {
	pc *conn.PeerConn
}

func (e incomingConnEvent) apply(s *state) {
	if s.shuttingDown {
		e.pc.Disconnect(conn.ReasonStoppingTorrent, conn.OpHandshake)
		return
	}
	t, ok := s.torrents[e.pc.InfoHash()]
	if !ok {
		s.log("peer", e.pc.PeerID(), "hash", e.pc.InfoHash()).Info(
			"Rejecting incoming conn for unknown torrent")
		e.pc.Disconnect(conn.ReasonInvalidInfoHash, conn.OpHandshake)
		return
	}
	s.admitPeer(t, e.pc)
}

// addTorrentEvent registers a new torrent for the session to serve.
type addTorrentEvent struct {
	t    *Torrent
	errc chan error
}

func (e addTorrentEvent) apply(s *state) {
	if _, exists := s.torrents[e.t.InfoHash()]; exists {
		e.errc <- ErrTorrentAlreadyAdded
		return
	}
	s.torrents[e.t.InfoHash()] = e.t
	s.sess.bandwidth.AddClass(e.t.InfoHash().String(), s.sess.config.Bandwidth)
	e.errc <- nil
}

// removeTorrentEvent tears down a torrent and disconnects its peers.
type removeTorrentEvent struct {
	infoHash core.InfoHash
	errc     chan error
}

func (e removeTorrentEvent) apply(s *state) {
	t, ok := s.torrents[e.infoHash]
	if !ok {
		e.errc <- ErrTorrentNotFound
		return
	}
	for _, pc := range t.Peers() {
		pc.Disconnect(conn.ReasonTorrentRemoved, conn.OpRead)
	}
	delete(s.torrents, e.infoHash)
	s.sess.bandwidth.RemoveClass(e.infoHash.String())
	e.errc <- nil
}

// connectRequestEvent enqueues an outgoing connection attempt in the
// connection queue (Component F), which gates it behind the half-open
// cap and promotes it via TryConnect.
type connectRequestEvent struct {
	infoHash core.InfoHash
	addr     string
	priority int
}

func (e connectRequestEvent) apply(s *state) {
	if s.shuttingDown {
		return
	}
	infoHash, addr := e.infoHash, e.addr
	s.sess.connQueue.Enqueue(
		func(tid int) { go s.sess.dialOutgoing(tid, infoHash, addr) },
		func() { s.log("hash", infoHash, "addr", addr).Info("Outgoing connection attempt timed out") },
		s.sess.config.Conn.HandshakeTimeout,
		e.priority,
	)
	s.sess.connQueue.TryConnect()
}

// outgoingConnFailedEvent occurs when an outgoing dial or handshake
// attempt fails, releasing its connection-queue ticket.
type outgoingConnFailedEvent struct {
	ticketID int
}

func (e outgoingConnFailedEvent) apply(s *state) {
	s.sess.connQueue.Done(e.ticketID)
	s.sess.connQueue.TryConnect()
}

// outgoingConnEvent occurs once an outgoing connection finishes its
// handshake and is ready to join a torrent.
type outgoingConnEvent struct {
	ticketID int
	pc       *conn.PeerConn
}

func (e outgoingConnEvent) apply(s *state) {
	s.sess.connQueue.Done(e.ticketID)
	s.sess.connQueue.TryConnect()

	if s.shuttingDown {
		e.pc.Disconnect(conn.ReasonStoppingTorrent, conn.OpHandshake)
		return
	}
	t, ok := s.torrents[e.pc.InfoHash()]
	if !ok {
		e.pc.Disconnect(conn.ReasonInvalidInfoHash, conn.OpHandshake)
		return
	}
	s.admitPeer(t, e.pc)
}

// admitPeer adds an already-handshaked connection to its torrent and
// starts draining its inbound messages.
func (s *state) admitPeer(t *Torrent, pc *conn.PeerConn) {
	t.AddPeer(pc)
	pc.Start()
	if pc.SupportsExtended() {
		pc.WriteExtensions(conn.DefaultExtendedHandshake(s.sess.config.Conn.MaxOutstandingRequests))
	}
	go s.sess.readLoop(t, pc)
}

// regularUnchokeTickEvent runs the unchoke scheduler's regular pass
// across every torrent, per spec.md §4.H.
type regularUnchokeTickEvent struct{}

func (e regularUnchokeTickEvent) apply(s *state) {
	for _, t := range s.torrents {
		d := s.sess.unchoke.Recalculate(t.peerInfos())
		t.applyRegular(d)
	}
}

// optimisticUnchokeTickEvent runs the unchoke scheduler's optimistic
// pass across every torrent.
type optimisticUnchokeTickEvent struct{}

func (e optimisticUnchokeTickEvent) apply(s *state) {
	now := s.sess.clk.Now()
	for _, t := range s.torrents {
		infos := t.peerInfos()
		alreadyUnchoked := make(map[core.PeerID]bool, len(infos))
		for _, p := range infos {
			if h, ok := t.peers[p.ID]; ok && h.unchoked && !h.optimisticallyUnchoked {
				alreadyUnchoked[p.ID] = true
			}
		}
		d := s.sess.unchoke.RecalculateOptimistic(infos, alreadyUnchoked)
		t.applyOptimistic(d, now)
	}
}

// maintenanceTickEvent drives the periodic upkeep Session ticks on the
// connection queue and cache, per spec.md §2's "Session (I) ticks (D),
// (F), (H) on a periodic timer".
type maintenanceTickEvent struct{}

func (e maintenanceTickEvent) apply(s *state) {
	s.sess.connQueue.FireTimeouts()
	s.sess.connQueue.TryConnect()
}

// emitStatsEvent periodically publishes session-wide gauges.
type emitStatsEvent struct{}

func (e emitStatsEvent) apply(s *state) {
	var numPeers, numComplete int
	for _, t := range s.torrents {
		numPeers += t.NumPeers()
		if t.Complete() {
			numComplete++
		}
	}
	s.sess.counters.Gauge(settings.GaugeNumTorrents).Update(float64(len(s.torrents)))
	s.sess.counters.Gauge(settings.GaugeNumPeers).Update(float64(numPeers))
	s.sess.counters.Gauge(settings.GaugeNumCompleteTorrents).Update(float64(numComplete))
}

// probeEvent verifies the event loop is alive and unblocked.
type probeEvent struct{}

func (e probeEvent) apply(s *state) {}

// beginShutdownEvent begins stage 1 of the two-stage abort from spec.md
// §5: stop accepting new connections (already handled by the caller
// closing the listener) and disconnect every peer, moving each onto the
// undead list. drained is closed once the list empties, signaling stage
// 2 (stopping the event loop itself) may proceed.
type beginShutdownEvent struct {
	drained chan struct{}
}

func (e beginShutdownEvent) apply(s *state) {
	s.shuttingDown = true
	s.shutdownDone = e.drained
	for _, t := range s.torrents {
		for _, pc := range t.Peers() {
			s.undead[pc.PeerID()] = struct{}{}
			pc.Disconnect(conn.ReasonStoppingTorrent, conn.OpRead)
		}
	}
	s.maybeFinishShutdown()
}

// snapshotInfoHashesEvent collects every currently-served torrent's info
// hash, for the responder side of an incoming MSE handshake to try
// against the obfuscated req2/req3 value.
type snapshotInfoHashesEvent struct {
	result chan<- []core.InfoHash
}

func (e snapshotInfoHashesEvent) apply(s *state) {
	hashes := make([]core.InfoHash, 0, len(s.torrents))
	for h := range s.torrents {
		hashes = append(hashes, h)
	}
	e.result <- hashes
}

// torrentMetaResult answers a torrentMetaEvent query.
type torrentMetaResult struct {
	numPieces int
	ok        bool
}

// torrentMetaEvent looks up infoHash's piece count, needed to construct
// a conn.PeerConn before the connection can be routed to its Torrent
// via incomingConnEvent.
type torrentMetaEvent struct {
	infoHash core.InfoHash
	result   chan<- torrentMetaResult
}

func (e torrentMetaEvent) apply(s *state) {
	t, ok := s.torrents[e.infoHash]
	if !ok {
		e.result <- torrentMetaResult{}
		return
	}
	e.result <- torrentMetaResult{numPieces: t.NumPieces(), ok: true}
}

// torrentStatusResult answers a torrentStatusEvent query.
type torrentStatusResult struct {
	numPeers int
	complete bool
	ok       bool
}

// torrentStatusEvent reports a torrent's live peer count and completion
// state, mirroring the teacher's BlacklistSnapshot pattern of answering a
// read-only query through the event loop rather than racing state reads.
type torrentStatusEvent struct {
	infoHash core.InfoHash
	result   chan<- torrentStatusResult
}

func (e torrentStatusEvent) apply(s *state) {
	t, ok := s.torrents[e.infoHash]
	if !ok {
		e.result <- torrentStatusResult{}
		return
	}
	e.result <- torrentStatusResult{numPeers: t.NumPeers(), complete: t.Complete(), ok: true}
}
