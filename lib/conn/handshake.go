package conn

import (
	"errors"
	"io"

	"github.com/torrentd/engine/core"
)

// ProtocolID is the 19-byte literal that follows the 0x13 length byte
// in every plaintext handshake.
const ProtocolID = "BitTorrent protocol"

// HandshakeLen is the full 68-byte plaintext handshake: 1 + 19 + 8 + 20 + 20.
const HandshakeLen = 1 + len(ProtocolID) + 8 + 20 + 20

// Reserved bit flags the core sets/reads in the handshake's 8-byte
// reserved bitmap, per spec.md §4.G.
const (
	ReservedExtensionProtocol = 1 << 4 // byte 5, bit 0x10
	ReservedDHT               = 1 << 0 // byte 7, bit 0x01
	ReservedFastExtension     = 1 << 2 // byte 7, bit 0x04
	ReservedHybridV2          = 1 << 4 // byte 7, bit 0x10
)

// Reserved is the 8-byte reserved bitmap.
type Reserved [8]byte

func (r Reserved) has(byteIndex int, bit byte) bool {
	return r[byteIndex]&bit != 0
}

// ExtensionProtocol reports whether BEP10 extended messages are supported.
func (r Reserved) ExtensionProtocol() bool { return r.has(5, ReservedExtensionProtocol) }

// DHT reports whether the dht_port message is supported.
func (r Reserved) DHT() bool { return r.has(7, ReservedDHT) }

// Fast reports whether the BEP6 Fast extension is supported.
func (r Reserved) Fast() bool { return r.has(7, ReservedFastExtension) }

// HybridV2 reports whether the peer advertises hybrid v2 torrent support.
func (r Reserved) HybridV2() bool { return r.has(7, ReservedHybridV2) }

func (r *Reserved) set(byteIndex int, bit byte) { r[byteIndex] |= bit }

// SetExtensionProtocol sets the BEP10 bit.
func (r *Reserved) SetExtensionProtocol() { r.set(5, ReservedExtensionProtocol) }

// SetDHT sets the dht_port bit.
func (r *Reserved) SetDHT() { r.set(7, ReservedDHT) }

// SetFast sets the Fast extension bit.
func (r *Reserved) SetFast() { r.set(7, ReservedFastExtension) }

// SetHybridV2 sets the hybrid v2 bit.
func (r *Reserved) SetHybridV2() { r.set(7, ReservedHybridV2) }

// Handshake is the plaintext handshake payload (read_protocol_identifier
// through read_peer_id in the state machine).
type Handshake struct {
	Reserved Reserved
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// ErrBadProtocolIdentifier is returned when the 20-byte protocol header
// doesn't match the expected 0x13 "BitTorrent protocol" literal.
var ErrBadProtocolIdentifier = errors.New("conn: bad protocol identifier")

// WriteHandshake writes the full 68-byte handshake to w.
func WriteHandshake(w io.Writer, hs Handshake) error {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(ProtocolID)))
	buf = append(buf, ProtocolID...)
	buf = append(buf, hs.Reserved[:]...)
	buf = append(buf, hs.InfoHash.Bytes()...)
	buf = append(buf, hs.PeerID.Bytes()...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates the protocol identifier, then reads
// the reserved bitmap, info hash, and peer id in the state-machine
// order read_protocol_identifier -> read_info_hash -> read_peer_id.
func ReadHandshake(r io.Reader) (Handshake, error) {
	return ReadHandshakeTracking(r, nil)
}

// ReadHandshakeTracking is ReadHandshake with track invoked as the read
// advances from one State to the next, letting a caller log or expose
// which stage of the handshake a connection is currently blocked in —
// the original's m_state, made observable without this port needing a
// byte counter of its own (each state below is exactly one io.ReadFull
// call). track may be nil.
func ReadHandshakeTracking(r io.Reader, track func(State)) (Handshake, error) {
	notify(track, ReadProtocolIdentifier)
	var hs Handshake

	var header [1 + len(ProtocolID)]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return hs, err
	}
	if header[0] != byte(len(ProtocolID)) || string(header[1:]) != ProtocolID {
		return hs, ErrBadProtocolIdentifier
	}

	if _, err := io.ReadFull(r, hs.Reserved[:]); err != nil {
		return hs, err
	}

	notify(track, ReadInfoHash)
	var ihBuf [20]byte
	if _, err := io.ReadFull(r, ihBuf[:]); err != nil {
		return hs, err
	}
	ih, err := core.InfoHashFromRawBytes(ihBuf[:])
	if err != nil {
		return hs, err
	}
	hs.InfoHash = ih

	notify(track, ReadPeerID)
	var peerIDBuf [20]byte
	if _, err := io.ReadFull(r, peerIDBuf[:]); err != nil {
		return hs, err
	}
	peerID, err := core.PeerIDFromBytes(peerIDBuf[:])
	if err != nil {
		return hs, err
	}
	hs.PeerID = peerID

	return hs, nil
}

func notify(track func(State), st State) {
	if track != nil {
		track(st)
	}
}
