// Package session implements the Session (Component I): the top-level
// orchestrator wiring every other component together behind a single
// executor event loop, grounded on the teacher's
// lib/torrent/scheduler.scheduler.
package session

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/lib/bandwidth"
	"github.com/torrentd/engine/lib/bufferpool"
	"github.com/torrentd/engine/lib/cache"
	"github.com/torrentd/engine/lib/conn"
	"github.com/torrentd/engine/lib/conn/mse"
	"github.com/torrentd/engine/lib/connqueue"
	"github.com/torrentd/engine/lib/settings"
	"github.com/torrentd/engine/lib/storage"
	"github.com/torrentd/engine/lib/unchoke"
)

// Session errors.
var (
	ErrSessionStopped      = errors.New("session has been stopped")
	ErrSendEventTimedOut   = errors.New("event loop send timed out")
	ErrTorrentNotFound     = errors.New("torrent not found")
	ErrTorrentAlreadyAdded = errors.New("torrent already added")
)

// state is the event loop's private view of the session: every field
// here is touched only from the single event-loop goroutine. Mirrors
// the teacher's scheduler.state split from scheduler.scheduler.
type state struct {
	sess *Session

	torrents map[core.InfoHash]*Torrent

	// shuttingDown and undead implement spec.md §5's two-stage abort:
	// stage 1 (beginShutdownEvent) flips shuttingDown and disconnects every
	// peer, adding each to undead; stage 2 (stopping the loop) runs
	// once undead drains back to empty.
	shuttingDown bool
	undead       map[core.PeerID]struct{}
	shutdownDone chan struct{}
}

func newState(sess *Session) *state {
	return &state{
		sess:     sess,
		torrents: make(map[core.InfoHash]*Torrent),
		undead:   make(map[core.PeerID]struct{}),
	}
}

func (s *state) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	if len(keysAndValues) == 0 {
		return s.sess.logger
	}
	return s.sess.logger.With(keysAndValues...)
}

func (s *state) maybeFinishShutdown() {
	if s.shuttingDown && len(s.undead) == 0 {
		if s.shutdownDone != nil {
			close(s.shutdownDone)
			s.shutdownDone = nil
		}
	}
}

// Session is the top-level engine entry point: it owns the buffer pool,
// block cache, bandwidth manager, connection queue, and unchoke
// scheduler (Components B, D, E, F, H), and drives every torrent's peer
// set (Component G connections) through a single-executor event loop.
type Session struct {
	config      Config
	localPeerID core.PeerID
	logger      *zap.SugaredLogger
	counters    *settings.Counters
	clk         clock.Clock

	pool      *bufferpool.Pool
	cache     *cache.Cache
	bandwidth *bandwidth.ClassLimiter
	connQueue *connqueue.Queue
	unchoke   *unchoke.Scheduler

	eventLoop *liftedEventLoop

	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSession constructs a Session from its dependencies. counters may
// be nil, in which case they are created unscoped.
func NewSession(config Config, localPeerID core.PeerID, logger *zap.SugaredLogger, counters *settings.Counters, clk clock.Clock) *Session {
	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if counters == nil {
		counters = settings.NewCounters(nil)
	}

	pool := bufferpool.New(config.Bufferpool)
	c := cache.New(config.Cache, pool, counters, clk)
	bw := bandwidth.NewClassLimiter(config.Bandwidth, logger, clk)
	cq := connqueue.New(config.Settings.HalfOpenLimit, clk)
	uc := unchoke.NewScheduler(config.Unchoke, clk)

	sess := &Session{
		config:      config,
		localPeerID: localPeerID,
		logger:      logger,
		counters:    counters,
		clk:         clk,
		pool:        pool,
		cache:       c,
		bandwidth:   bw,
		connQueue:   cq,
		unchoke:     uc,
		done:        make(chan struct{}),
	}
	sess.eventLoop = liftEventLoop(newEventLoop())
	return sess
}

// Listen starts accepting inbound connections on addr (e.g. ":6881").
// Must be called before Start.
func (s *Session) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("session: listen: %w", err)
	}
	s.listener = l
	return nil
}

// Addr returns the listener's bound address, or nil if Listen hasn't
// been called. Useful when Listen was given port 0 and the caller needs
// to learn which port the OS assigned.
func (s *Session) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start launches the event loop, listen loop, and ticker loop.
func (s *Session) Start() {
	st := newState(s)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.eventLoop.run(st)
	}()

	if s.listener != nil {
		s.wg.Add(1)
		go s.listenLoop()
	}

	s.wg.Add(1)
	go s.tickerLoop()
}

// Stop drives spec.md §5's two-stage abort: stage 1 disconnects every
// peer and stops accepting new ones, stage 2 waits (up to
// ShutdownDrainTimeout) for those disconnects to finish before halting
// the event loop itself.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Session stopping")

		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}

		drained := make(chan struct{})
		s.eventLoop.send(beginShutdownEvent{drained})

		select {
		case <-drained:
		case <-time.After(s.config.ShutdownDrainTimeout):
			s.logger.Warn("Shutdown drain timeout exceeded, some connections may have leaked")
		}
		s.eventLoop.stop()

		s.wg.Wait()
		s.logger.Info("Session stopped")
	})
}

// Probe verifies the event loop is alive and unblocked.
func (s *Session) Probe() error {
	return s.eventLoop.sendTimeout(probeEvent{}, s.config.ProbeTimeout)
}

// NewTorrent builds a Torrent sharing this session's block cache, per
// SPEC_FULL.md's framing that Session owns components B-H and hands
// them to each torrent it's asked to serve. Callers that already hold a
// *cache.Cache of their own (e.g. tests exercising Torrent in
// isolation) can still call NewTorrent directly instead.
func (s *Session) NewTorrent(
	infoHash core.InfoHash,
	storageID string,
	numPieces int,
	pieceLength int64,
	length int64,
	blockSize int,
	hashes []core.PieceHash,
	st storage.Interface,
) *Torrent {
	return NewTorrent(infoHash, storageID, numPieces, pieceLength, length, blockSize, hashes, st, s.cache)
}

// AddTorrent registers t with the session.
func (s *Session) AddTorrent(t *Torrent) error {
	errc := make(chan error, 1)
	if !s.eventLoop.send(addTorrentEvent{t, errc}) {
		return ErrSessionStopped
	}
	return <-errc
}

// RemoveTorrent deregisters the torrent with infoHash, disconnecting
// its peers.
func (s *Session) RemoveTorrent(infoHash core.InfoHash) error {
	errc := make(chan error, 1)
	if !s.eventLoop.send(removeTorrentEvent{infoHash, errc}) {
		return ErrSessionStopped
	}
	return <-errc
}

// ConnectTo enqueues an outgoing connection attempt to addr for
// infoHash, gated by the connection queue's half-open cap (Component F).
// priority follows connqueue.Enqueue's convention: 0 is FIFO, 1/2 jump
// the queue. Since spec.md's Non-goals exclude tracker/DHT peer
// discovery, addr is supplied by the caller rather than an announce
// response, mirroring the teacher's initializeOutgoingHandshake but
// without the announce-driven peer list feeding it.
func (s *Session) ConnectTo(infoHash core.InfoHash, addr string, priority int) {
	s.eventLoop.send(connectRequestEvent{infoHash, addr, priority})
}

func (s *Session) dialOutgoing(ticketID int, infoHash core.InfoHash, addr string) {
	nc, err := net.DialTimeout("tcp", addr, s.config.Conn.HandshakeTimeout)
	if err != nil {
		s.eventLoop.send(outgoingConnFailedEvent{ticketID})
		return
	}
	nc.SetDeadline(s.clk.Now().Add(s.config.Conn.HandshakeTimeout))

	var hc net.Conn = nc
	if s.config.Conn.OutgoingEncryptionPolicy != conn.EncryptionDisabled {
		encConn, _, err := mse.NegotiateOutgoingTracking(nc, infoHash, s.config.Conn.AllowedCrypto, s.config.Conn.PreferRC4, s.logHandshakeState)
		if err != nil {
			if s.config.Conn.OutgoingEncryptionPolicy == conn.EncryptionForced {
				nc.Close()
				s.eventLoop.send(outgoingConnFailedEvent{ticketID})
				return
			}
			// Fall back to plaintext on a fresh dial: the failed peer
			// already consumed this socket's handshake framing.
			nc.Close()
			nc, err = net.DialTimeout("tcp", addr, s.config.Conn.HandshakeTimeout)
			if err != nil {
				s.eventLoop.send(outgoingConnFailedEvent{ticketID})
				return
			}
			hc = nc
		} else {
			hc = encConn
		}
	}

	s.logHandshakeState(conn.InitBTHandshake)
	if err := conn.WriteHandshake(hc, conn.Handshake{InfoHash: infoHash, PeerID: s.localPeerID}); err != nil {
		nc.Close()
		s.eventLoop.send(outgoingConnFailedEvent{ticketID})
		return
	}
	hs, err := conn.ReadHandshakeTracking(hc, s.logHandshakeState)
	if err != nil || hs.InfoHash != infoHash {
		nc.Close()
		s.eventLoop.send(outgoingConnFailedEvent{ticketID})
		return
	}
	nc.SetDeadline(time.Time{})

	numPieces, ok := s.torrentNumPieces(infoHash)
	if !ok {
		nc.Close()
		s.eventLoop.send(outgoingConnFailedEvent{ticketID})
		return
	}
	pc, err := conn.NewPeerConn(
		hc, s.config.Conn, s.localPeerID, hs.PeerID, infoHash, hs.Reserved,
		numPieces, false, s.classLimiter(infoHash), s.counters, s.clk, s.logger, s.eventLoop)
	if err != nil {
		nc.Close()
		s.eventLoop.send(outgoingConnFailedEvent{ticketID})
		return
	}
	s.eventLoop.send(outgoingConnEvent{ticketID, pc})
}

func (s *Session) listenLoop() {
	defer s.wg.Done()

	s.logger.Infof("Listening on %s", s.listener.Addr().String())
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			s.logger.Infof("Listener closed, exiting listen loop: %s", err)
			return
		}
		go s.acceptIncoming(nc)
	}
}

// acceptIncoming classifies an inbound socket as plaintext or MSE by
// peeking its first byte (a plaintext handshake always starts with
// 0x13, the length of "BitTorrent protocol"; an MSE handshake starts
// with a Diffie-Hellman public key byte, which statistically never is),
// then performs the matching handshake before handing the connection to
// its torrent.
func (s *Session) acceptIncoming(nc net.Conn) {
	nc.SetDeadline(s.clk.Now().Add(s.config.Conn.HandshakeTimeout))

	br := bufio.NewReader(nc)
	first, err := br.Peek(1)
	if err != nil {
		nc.Close()
		return
	}

	wrapped := &peekedConn{Conn: nc, r: br}

	var handshakeConn net.Conn = wrapped
	var infoHash core.InfoHash
	if first[0] == byte(len(conn.ProtocolID)) { // 0x13: plaintext protocol identifier length byte
		hs, err := conn.ReadHandshakeTracking(wrapped, s.logHandshakeState)
		if err != nil {
			nc.Close()
			return
		}
		infoHash = hs.InfoHash
		if err := conn.WriteHandshake(wrapped, conn.Handshake{
			InfoHash: infoHash,
			PeerID:   s.localPeerID,
		}); err != nil {
			nc.Close()
			return
		}
		s.finishIncoming(handshakeConn, infoHash, hs.PeerID, hs.Reserved, nc)
		return
	}

	candidates := s.torrentInfoHashes()
	encConn, negotiatedHash, err := mse.NegotiateIncomingTracking(wrapped, candidates, s.config.Conn.AllowedCrypto, s.config.Conn.PreferRC4, s.logHandshakeState)
	if err != nil {
		s.logger.Debugf("MSE negotiation failed: %s", err)
		nc.Close()
		return
	}
	s.logHandshakeState(conn.InitBTHandshake)
	hs, err := conn.ReadHandshakeTracking(encConn, s.logHandshakeState)
	if err != nil {
		nc.Close()
		return
	}
	if err := conn.WriteHandshake(encConn, conn.Handshake{
		InfoHash: negotiatedHash,
		PeerID:   s.localPeerID,
	}); err != nil {
		nc.Close()
		return
	}
	s.finishIncoming(encConn, hs.InfoHash, hs.PeerID, hs.Reserved, nc)
}

func (s *Session) finishIncoming(hc net.Conn, infoHash core.InfoHash, peerID core.PeerID, reserved conn.Reserved, rawConn net.Conn) {
	rawConn.SetDeadline(time.Time{})

	numPieces, ok := s.torrentNumPieces(infoHash)
	if !ok {
		hc.Close()
		return
	}
	pc, err := conn.NewPeerConn(
		hc, s.config.Conn, s.localPeerID, peerID, infoHash, reserved,
		numPieces, true, s.classLimiter(infoHash), s.counters, s.clk, s.logger, s.eventLoop)
	if err != nil {
		hc.Close()
		return
	}
	s.eventLoop.send(incomingConnEvent{pc})
}

// logHandshakeState is the track callback handed to conn/mse's
// tracking-capable negotiation functions, making the handshake's
// current read stage (the original's m_state) an observable,
// logged field instead of implicit control flow.
func (s *Session) logHandshakeState(st conn.State) {
	if s.logger != nil {
		s.logger.Debugf("Handshake state: %s", st)
	}
}

func (s *Session) classLimiter(infoHash core.InfoHash) *bandwidth.Limiter {
	l, err := s.bandwidth.Class(infoHash.String())
	if err != nil {
		return nil
	}
	return l
}

func (s *Session) torrentInfoHashes() []core.InfoHash {
	result := make(chan []core.InfoHash, 1)
	if !s.eventLoop.send(snapshotInfoHashesEvent{result}) {
		return nil
	}
	return <-result
}

func (s *Session) torrentNumPieces(infoHash core.InfoHash) (numPieces int, ok bool) {
	result := make(chan torrentMetaResult, 1)
	if !s.eventLoop.send(torrentMetaEvent{infoHash, result}) {
		return 0, false
	}
	r := <-result
	return r.numPieces, r.ok
}

// TorrentStatus reports infoHash's live peer count and completion state.
func (s *Session) TorrentStatus(infoHash core.InfoHash) (numPeers int, complete bool, ok bool) {
	result := make(chan torrentStatusResult, 1)
	if !s.eventLoop.send(torrentStatusEvent{infoHash, result}) {
		return 0, false, false
	}
	r := <-result
	return r.numPeers, r.complete, r.ok
}

func (s *Session) tickerLoop() {
	defer s.wg.Done()
	regularTick := s.unchoke.RegularTick()
	optimisticTick := s.unchoke.OptimisticTick()
	maintenanceTick := s.clk.Tick(s.config.TickInterval)
	statsTick := s.clk.Tick(s.config.EmitStatsInterval)

	for {
		select {
		case <-regularTick:
			s.eventLoop.send(regularUnchokeTickEvent{})
		case <-optimisticTick:
			s.eventLoop.send(optimisticUnchokeTickEvent{})
		case <-maintenanceTick:
			s.eventLoop.send(maintenanceTickEvent{})
		case <-statsTick:
			s.eventLoop.send(emitStatsEvent{})
		case <-s.done:
			return
		}
	}
}

// readLoop drains one peer connection's inbound messages into its
// torrent, per spec.md §4.G's Receiver()-channel contract.
func (s *Session) readLoop(t *Torrent, pc *conn.PeerConn) {
	for msg := range pc.Receiver() {
		if err := t.HandleMessage(pc.PeerID(), msg); err != nil {
			pc.Disconnect(conn.ReasonInvalidMessage, conn.OpRead)
			return
		}
	}
}

// peekedConn prepends a bufio.Reader's already-buffered bytes ahead of
// the raw connection, so a Peek performed during protocol sniffing
// doesn't lose data the handshake itself still needs to read.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
