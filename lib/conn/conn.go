package conn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/lib/bandwidth"
	"github.com/torrentd/engine/lib/settings"
)

// Events notifies a PeerConn's owner of lifecycle transitions it cannot
// observe on its own, mirroring the teacher's conn.Events interface.
type Events interface {
	ConnClosed(*PeerConn, DisconnectReason, Operation)
}

// ErrConnClosed is returned by Send once the connection has begun
// shutting down.
var ErrConnClosed = errors.New("conn: closed")

// ErrSendBufferFull is returned by Send when the sender channel's
// buffer is saturated, matching the teacher's backpressure behavior of
// failing fast rather than blocking the caller.
var ErrSendBufferFull = errors.New("conn: send buffer full")

// PeerConn owns one stream socket to a single peer for a single
// torrent: the handshake already completed (see ReadHandshake/
// WriteHandshake and lib/conn/mse), and PeerConn now drives the
// steady-state message loop — choke/unchoke bookkeeping, the request
// pipeline, and the write_* primitives spec.md §4.G names. Grounded on
// the teacher's lib/torrent/scheduler/conn.Conn: sender/receiver
// channels drained by a pair of goroutines, shutdown coordinated by an
// atomic flag plus a done channel.
type PeerConn struct {
	nc          net.Conn
	localPeerID core.PeerID
	peerID      core.PeerID
	infoHash    core.InfoHash
	reserved    Reserved
	numPieces   int

	openedByRemote bool
	createdAt      time.Time

	config    Config
	clk       clock.Clock
	limiter   *bandwidth.Limiter
	counters  *settings.Counters
	logger    *zap.SugaredLogger
	events    Events

	mu             sync.Mutex
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	peerBitfield   *bitset.BitSet
	sawFirstHave   bool
	sentAllowedFastSet bool
	lastRecv       time.Time
	lastSent       time.Time
	peerExtensions map[string]uint8
	peerReqq       int
	peerYourIP     net.IP
	readState      State

	requests *RequestPipeline
	upload   UploadTracker

	sender   chan Message
	receiver chan Message

	startOnce sync.Once
	closed    *atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup

	disconnectReason    DisconnectReason
	disconnectReasonSet bool
	disconnectOp        Operation
}

// NewPeerConn wraps an already-handshaken socket. numPieces is the
// torrent's piece count, needed to size/validate bitfields.
func NewPeerConn(
	nc net.Conn,
	config Config,
	localPeerID, peerID core.PeerID,
	infoHash core.InfoHash,
	reserved Reserved,
	numPieces int,
	openedByRemote bool,
	limiter *bandwidth.Limiter,
	counters *settings.Counters,
	clk clock.Clock,
	logger *zap.SugaredLogger,
	events Events,
) (*PeerConn, error) {
	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if counters == nil {
		counters = settings.NewCounters(nil)
	}

	// Once the handshake's own read/write deadlines have served their
	// purpose, steady-state idleness is managed by our own keepalive
	// timer rather than socket deadlines.
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("conn: clear deadline: %w", err)
	}

	now := clk.Now()
	return &PeerConn{
		nc:             nc,
		localPeerID:    localPeerID,
		peerID:         peerID,
		infoHash:       infoHash,
		reserved:       reserved,
		numPieces:      numPieces,
		openedByRemote: openedByRemote,
		createdAt:      now,
		config:         config,
		clk:            clk,
		limiter:        limiter,
		counters:       counters.Scoped("conn"),
		logger:         logger,
		events:         events,
		amChoking:      true,
		peerChoking:    true,
		lastRecv:       now,
		lastSent:       now,
		readState:      ReadPacketSize,
		requests:       NewRequestPipeline(config.MaxOutstandingRequests),
		sender:         make(chan Message, config.SenderBufferSize),
		receiver:       make(chan Message, config.ReceiverBufferSize),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
	}, nil
}

// Start launches the read and write loops. Safe to call once; later
// calls are no-ops.
func (c *PeerConn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// PeerID returns the remote peer's id.
func (c *PeerConn) PeerID() core.PeerID { return c.peerID }

// InfoHash returns the torrent this connection serves.
func (c *PeerConn) InfoHash() core.InfoHash { return c.infoHash }

// RemoteAddr returns the underlying socket's remote address, used by
// the session layer to match a ut_holepunch target endpoint against a
// locally held connection.
func (c *PeerConn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// PeerExtensionID looks up the sub-id the peer's extended handshake
// declared for name, per BEP 10's "m" dict. Reports false before a
// handshake arrives or if the peer didn't advertise name.
func (c *PeerConn) PeerExtensionID(name string) (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.peerExtensions[name]
	return id, ok
}

// PeerReqq returns the peer's advertised extended-handshake reqq, or 0
// if none arrived yet.
func (c *PeerConn) PeerReqq() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerReqq
}

// PeerYourIP returns the address the peer told us we appear to connect
// from, via the extended handshake's yourip field.
func (c *PeerConn) PeerYourIP() (net.IP, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerYourIP, c.peerYourIP != nil
}

// CreatedAt returns when the connection was constructed.
func (c *PeerConn) CreatedAt() time.Time { return c.createdAt }

// SupportsFast reports whether the peer advertised BEP 6.
func (c *PeerConn) SupportsFast() bool { return c.reserved.Fast() }

// SupportsExtended reports whether the peer advertised BEP 10.
func (c *PeerConn) SupportsExtended() bool { return c.reserved.ExtensionProtocol() }

// SupportsDHT reports whether the peer advertised a DHT node.
func (c *PeerConn) SupportsDHT() bool { return c.reserved.DHT() }

// ReadState reports which stage of the post-handshake read loop this
// connection is currently blocked in: waiting on the next message's
// length prefix (ReadPacketSize) or on its body (ReadPacket).
func (c *PeerConn) ReadState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readState
}

func (c *PeerConn) setReadState(st State) {
	c.mu.Lock()
	c.readState = st
	c.mu.Unlock()
}

func (c *PeerConn) String() string {
	return fmt.Sprintf("PeerConn(peer=%s, hash=%s, opened_by_remote=%t)",
		c.peerID, c.infoHash, c.openedByRemote)
}

// PeerHas reports whether the peer has announced piece, via bitfield,
// have, or have_all. False before any such message arrives.
func (c *PeerConn) PeerHas(piece uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerBitfield == nil {
		return false
	}
	return c.peerBitfield.Test(uint(piece))
}

// AmChoking, PeerChoking, AmInterested, and PeerInterested expose the
// four-state choke/interest flags the session's unchoke scheduler and
// piece picker key off of.
func (c *PeerConn) AmChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amChoking
}

func (c *PeerConn) PeerChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerChoking
}

func (c *PeerConn) AmInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amInterested
}

func (c *PeerConn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterested
}

// Receiver exposes decoded inbound messages.
func (c *PeerConn) Receiver() <-chan Message { return c.receiver }

// Send enqueues msg for delivery, failing fast rather than blocking
// when the send buffer is saturated — matching the teacher's
// dropped_messages backpressure behavior.
func (c *PeerConn) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	case c.sender <- msg:
		return nil
	default:
		c.counters.Counter("dropped_messages").Inc(1)
		return ErrSendBufferFull
	}
}

// IsClosed reports whether shutdown has begun.
func (c *PeerConn) IsClosed() bool { return c.closed.Load() }

// Disconnect begins shutdown, recording why for the eventual
// ConnClosed callback.
func (c *PeerConn) Disconnect(reason DisconnectReason, op Operation) {
	if !c.closed.CAS(false, true) {
		return
	}
	c.mu.Lock()
	if !c.disconnectReasonSet {
		c.disconnectReason = reason
		c.disconnectReasonSet = true
	}
	c.disconnectOp = op
	c.mu.Unlock()

	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		if c.events != nil {
			c.events.ConnClosed(c, reason, op)
		}
	}()
}

// --- write_* primitives -----------------------------------------------

// WriteChoke chokes the peer. It does not touch this connection's own
// RequestPipeline, which tracks requests we sent to the peer, not
// requests the peer sent to us.
func (c *PeerConn) WriteChoke() error {
	c.mu.Lock()
	c.amChoking = true
	c.mu.Unlock()
	return c.Send(Message{ID: Choke})
}

func (c *PeerConn) WriteUnchoke() error {
	c.mu.Lock()
	c.amChoking = false
	c.mu.Unlock()
	return c.Send(Message{ID: Unchoke})
}

func (c *PeerConn) WriteInterested() error {
	c.mu.Lock()
	c.amInterested = true
	c.mu.Unlock()
	return c.Send(Message{ID: Interested})
}

func (c *PeerConn) WriteNotInterested() error {
	c.mu.Lock()
	c.amInterested = false
	c.mu.Unlock()
	return c.Send(Message{ID: NotInterested})
}

func (c *PeerConn) WriteHave(piece uint32) error {
	return c.Send(Message{ID: Have, Piece: piece})
}

func (c *PeerConn) WriteBitfield(have *bitset.BitSet) error {
	return c.Send(Message{ID: Bitfield, Bitfield: EncodeBitfield(have, c.numPieces)})
}

func (c *PeerConn) WriteRequest(block BlockRequest) error {
	c.mu.Lock()
	full := c.requests.Full()
	if !full {
		c.requests.Add(block)
	}
	c.mu.Unlock()
	if full {
		return fmt.Errorf("conn: request pipeline full")
	}
	return c.Send(Message{ID: Request, Request: block})
}

func (c *PeerConn) WritePiece(piece, offset uint32, payload []byte) error {
	return c.Send(Message{ID: Piece, Piece: piece, Offset: offset, Payload: payload})
}

func (c *PeerConn) WriteCancel(block BlockRequest) error {
	return c.Send(Message{ID: Cancel, Request: block})
}

func (c *PeerConn) WriteRejectRequest(block BlockRequest) error {
	if !c.SupportsFast() {
		return fmt.Errorf("conn: peer does not support Fast extension")
	}
	return c.Send(Message{ID: RejectRequest, Request: block})
}

func (c *PeerConn) WriteHaveAll() error {
	if !c.SupportsFast() {
		return fmt.Errorf("conn: peer does not support Fast extension")
	}
	return c.Send(Message{ID: HaveAll})
}

func (c *PeerConn) WriteHaveNone() error {
	if !c.SupportsFast() {
		return fmt.Errorf("conn: peer does not support Fast extension")
	}
	return c.Send(Message{ID: HaveNone})
}

// ShouldSendAllowedFastSet reports whether this is the first time the
// peer has expressed interest since connecting, the point at which
// spec.md §4.G says to defer sending the Allowed Fast set: "we defer
// sending the allowed set until the peer says it's interested in us."
// Calling it commits to sending, so it only returns true once.
func (c *PeerConn) ShouldSendAllowedFastSet() bool {
	if !c.SupportsFast() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sentAllowedFastSet || !c.peerInterested {
		return false
	}
	c.sentAllowedFastSet = true
	return true
}

func (c *PeerConn) WriteAllowFast(piece uint32) error {
	if !c.SupportsFast() {
		return fmt.Errorf("conn: peer does not support Fast extension")
	}
	return c.Send(Message{ID: AllowedFast, Piece: piece})
}

func (c *PeerConn) WriteSuggest(piece uint32) error {
	if !c.SupportsFast() {
		return fmt.Errorf("conn: peer does not support Fast extension")
	}
	return c.Send(Message{ID: Suggest, Piece: piece})
}

func (c *PeerConn) WriteDHTPort(port uint16) error {
	return c.Send(Message{ID: DHTPort, Port: port})
}

func (c *PeerConn) WriteExtensions(hs ExtendedHandshake) error {
	if !c.SupportsExtended() {
		return fmt.Errorf("conn: peer does not support the extension protocol")
	}
	payload, err := EncodeExtendedHandshake(hs)
	if err != nil {
		return err
	}
	return c.Send(Message{ID: Extended, ExtendedID: ExtendedHandshakeID, ExtendedPayload: payload})
}

func (c *PeerConn) WriteHashRequest(req HashRequestPayload) error {
	return c.Send(Message{ID: HashRequest, HashReq: req})
}

func (c *PeerConn) WriteHashes(req HashRequestPayload, hashes [][32]byte) error {
	return c.Send(Message{ID: Hashes, HashReq: req, Hashes: hashes})
}

func (c *PeerConn) WriteHashReject(req HashRequestPayload) error {
	return c.Send(Message{ID: HashReject, HashReq: req})
}

func (c *PeerConn) WriteDontHave(piece uint32) error {
	return c.Send(Message{ID: DontHave, Piece: piece})
}

// WriteUploadOnly sends the upload_only extended message (BEP 21),
// negotiated via the peer's extended handshake "m" entry for it.
func (c *PeerConn) WriteUploadOnly(extID uint8, uploadOnly bool) error {
	var v int
	if uploadOnly {
		v = 1
	}
	payload, err := EncodeExtendedHandshake(ExtendedHandshake{UploadOnly: v})
	if err != nil {
		return err
	}
	return c.Send(Message{ID: Extended, ExtendedID: extID, ExtendedPayload: payload})
}

// --- loops --------------------------------------------------------------

func (c *PeerConn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Disconnect(c.currentOrDefaultReason(ReasonPeerError), OpRead)
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.setReadState(ReadPacketSize)
		length, ok, err := ReadMessageHeader(c.nc, c.config.MaxMessageSize)
		if err != nil {
			c.log().Infof("Error reading message header, exiting read loop: %s", err)
			return
		}
		c.mu.Lock()
		c.lastRecv = c.clk.Now()
		c.mu.Unlock()
		if !ok {
			continue // keep-alive
		}

		c.setReadState(ReadPacket)
		msg, err := c.readMessageBody(length)
		if err != nil {
			c.log().Infof("Error reading message body, exiting read loop: %s", err)
			return
		}

		if err := c.validateAndApply(msg); err != nil {
			c.log().Infof("Protocol violation from peer, disconnecting: %s", err)
			if errors.Is(err, errBitfieldSize) {
				c.setDisconnectReason(ReasonInvalidBitfieldSize)
			} else {
				c.setDisconnectReason(ReasonInvalidMessage)
			}
			return
		}

		select {
		case c.receiver <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *PeerConn) readMessageBody(length uint32) (Message, error) {
	if length < 1 {
		return Message{}, fmt.Errorf("conn: message length %d has no id byte", length)
	}
	idByte := make([]byte, 1)
	if _, err := io.ReadFull(c.nc, idByte); err != nil {
		return Message{}, err
	}
	id := MessageID(idByte[0])
	payloadLen := int(length) - 1

	if id == Piece {
		if payloadLen < 8 {
			return Message{}, fmt.Errorf("conn: piece payload too short: %d", payloadLen)
		}
		header := make([]byte, 8)
		if _, err := io.ReadFull(c.nc, header); err != nil {
			return Message{}, err
		}
		blockLen := payloadLen - 8
		if c.limiter != nil {
			if err := c.limiter.ReserveIngress(int64(blockLen)); err != nil {
				return Message{}, fmt.Errorf("conn: ingress bandwidth: %w", err)
			}
		}
		block := make([]byte, blockLen)
		if _, err := io.ReadFull(c.nc, block); err != nil {
			return Message{}, err
		}
		full := append(header, block...)
		return decodeMessage(id, full)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return Message{}, err
	}
	return decodeMessage(id, payload)
}

// validateAndApply enforces spec.md §4.G's reception invariants and
// folds the message into local choke/interest/request-pipeline state.
// Messages that pass through are still forwarded to the receiver
// channel for higher-level (piece-picker, storage) handling.
func (c *PeerConn) validateAndApply(msg Message) error {
	switch msg.ID {
	case HaveAll, HaveNone, RejectRequest, AllowedFast, Suggest:
		if !c.SupportsFast() {
			return fmt.Errorf("conn: %s from non-Fast peer", msg.ID)
		}
	}

	switch msg.ID {
	case Bitfield:
		c.mu.Lock()
		alreadyHave := c.sawFirstHave
		c.mu.Unlock()
		if alreadyHave {
			return fmt.Errorf("conn: bitfield received after have")
		}
		have, err := DecodeBitfield(msg.Bitfield, c.numPieces)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.peerBitfield = have
		c.mu.Unlock()
	case Have:
		c.mu.Lock()
		c.sawFirstHave = true
		if c.peerBitfield == nil {
			c.peerBitfield = bitset.New(uint(c.numPieces))
		}
		c.peerBitfield.Set(uint(msg.Piece))
		c.mu.Unlock()
	case HaveAll:
		c.mu.Lock()
		c.sawFirstHave = true
		full := bitset.New(uint(c.numPieces))
		for i := 0; i < c.numPieces; i++ {
			full.Set(uint(i))
		}
		c.peerBitfield = full
		c.mu.Unlock()
	case HaveNone:
		c.mu.Lock()
		c.sawFirstHave = true
		c.peerBitfield = bitset.New(uint(c.numPieces))
		c.mu.Unlock()
	case Choke:
		c.mu.Lock()
		c.peerChoking = true
		supportsFast := c.SupportsFast()
		var drained []OutstandingRequest
		if !supportsFast {
			drained = c.requests.DrainAll()
		}
		c.mu.Unlock()
		if len(drained) > 0 {
			for _, rej := range SynthesizeRejects(drained) {
				select {
				case c.receiver <- rej:
				case <-c.done:
					return nil
				}
			}
		}
	case Unchoke:
		c.mu.Lock()
		c.peerChoking = false
		c.mu.Unlock()
	case Interested:
		c.mu.Lock()
		c.peerInterested = true
		c.mu.Unlock()
	case NotInterested:
		c.mu.Lock()
		c.peerInterested = false
		c.mu.Unlock()
	case Piece:
		if len(msg.Payload) > int(c.config.MaxMessageSize) {
			return fmt.Errorf("conn: piece payload %d exceeds max message size", len(msg.Payload))
		}
		c.mu.Lock()
		c.requests.RemoveForPiece(msg.Piece, msg.Offset)
		c.mu.Unlock()
	case RejectRequest:
		c.mu.Lock()
		c.requests.Remove(msg.Request)
		c.mu.Unlock()
	case Extended:
		if !c.SupportsExtended() {
			return fmt.Errorf("conn: extended message from peer without extension protocol")
		}
		if msg.ExtendedID == ExtendedHandshakeID {
			hs, err := DecodeExtendedHandshake(msg.ExtendedPayload)
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.peerExtensions = hs.M
			c.peerReqq = hs.Reqq
			if ip, ok := hs.YourIPAddr(); ok {
				c.peerYourIP = ip
			}
			c.mu.Unlock()
			if hs.Reqq > 0 {
				c.requests.SetMaxOutstanding(hs.Reqq)
			}
		}
		// Non-handshake sub-messages (e.g. ut_holepunch) carry no
		// connection-local state to apply; they're relayed to the
		// receiver channel below for the torrent layer to dispatch,
		// since acting on them (e.g. rendezvous) needs visibility into
		// the torrent's other peer connections.
	}
	return nil
}

func (c *PeerConn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Disconnect(c.currentOrDefaultReason(ReasonPeerError), OpWrite)
	}()

	keepAlive := c.clk.After(c.config.KeepAliveInterval)
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sender:
			if err := c.writeMessage(msg); err != nil {
				c.log().Infof("Error writing message, exiting write loop: %s", err)
				return
			}
			keepAlive = c.clk.After(c.config.KeepAliveInterval)
		case <-keepAlive:
			if err := WriteKeepAlive(c.nc); err != nil {
				c.log().Infof("Error writing keep-alive, exiting write loop: %s", err)
				return
			}
			keepAlive = c.clk.After(c.config.KeepAliveInterval)
		}
	}
}

func (c *PeerConn) writeMessage(msg Message) error {
	if msg.ID == Piece && c.limiter != nil {
		if err := c.limiter.ReserveEgress(int64(len(msg.Payload))); err != nil {
			return fmt.Errorf("conn: egress bandwidth: %w", err)
		}
	}
	if err := WriteMessage(c.nc, msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastSent = c.clk.Now()
	const frameHeaderLen = 5 // u32 length + u8 id
	if msg.ID == Piece {
		const pieceHeaderLen = 8 // u32 piece + u32 offset
		c.upload.QueueProtocol(frameHeaderLen + pieceHeaderLen)
		c.upload.QueuePayload(len(msg.Payload))
		c.upload.OnSent(frameHeaderLen + pieceHeaderLen + len(msg.Payload))
	} else {
		// WriteMessage above already encoded msg without error.
		payload, _ := encodePayload(msg)
		c.upload.QueueProtocol(frameHeaderLen + len(payload))
		c.upload.OnSent(frameHeaderLen + len(payload))
	}
	c.mu.Unlock()
	c.counters.Message("sent", msg.ID.String())
	return nil
}

// UploadStats returns cumulative protocol and payload bytes sent on
// this connection, per spec.md §4.G's raw-bandwidth-vs-payload-rate
// distinction.
func (c *PeerConn) UploadStats() (protocolBytes, payloadBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upload.ProtocolBytesSent(), c.upload.PayloadBytesSent()
}

func (c *PeerConn) currentOrDefaultReason(def DisconnectReason) DisconnectReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnectReasonSet {
		return c.disconnectReason
	}
	return def
}

func (c *PeerConn) setDisconnectReason(reason DisconnectReason) {
	c.mu.Lock()
	if !c.disconnectReasonSet {
		c.disconnectReason = reason
		c.disconnectReasonSet = true
	}
	c.mu.Unlock()
}

func (c *PeerConn) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	if c.logger == nil {
		return zap.NewNop().Sugar()
	}
	keysAndValues = append(keysAndValues, "remote_peer", c.peerID, "info_hash", c.infoHash)
	return c.logger.With(keysAndValues...)
}
