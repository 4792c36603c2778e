package conn

import (
	"bytes"
	"fmt"
	"net"

	bencode "github.com/jackpal/bencode-go"
)

// ExtendedHandshakeID is the reserved sub-id (0) for the extended
// handshake dictionary itself, per BEP 10.
const ExtendedHandshakeID uint8 = 0

// ExtendedHandshake is the bencoded dictionary exchanged once extended
// messaging is negotiated via the reserved bit. Field names mirror
// BEP 10's wire keys.
type ExtendedHandshake struct {
	M           map[string]uint8 `bencode:"m"`
	V           string            `bencode:"v,omitempty"`
	Port        uint16            `bencode:"p,omitempty"`
	YourIP      []byte            `bencode:"yourip,omitempty"`
	Reqq        int               `bencode:"reqq,omitempty"`
	UploadOnly  int               `bencode:"upload_only,omitempty"`
	ShareMode   int               `bencode:"share_mode,omitempty"`
	CompleteAgo int64             `bencode:"complete_ago,omitempty"`
}

// Well-known extended message names negotiated through the "m" dict.
const (
	ExtensionUTHolepunch = "ut_holepunch"
	ExtensionLTDontHave  = "lt_donthave"
	ExtensionUploadOnly  = "upload_only"
	ExtensionShareMode   = "share_mode"
)

// UTHolepunchLocalID is the sub-id this engine always advertises for
// ut_holepunch in its own outgoing extended handshake's "m" dict. Fixing
// it lets the session's torrent layer (Torrent.handleExtended) recognize
// an incoming ut_holepunch message by ExtendedID alone, without a
// per-connection reverse lookup of the handshake we sent;
// validateAndApply passes such messages through unchanged.
const UTHolepunchLocalID uint8 = 1

// DefaultExtendedHandshake builds the extended handshake this engine
// sends on every connection that negotiates BEP 10, advertising reqq
// and the fixed local extension ids above.
func DefaultExtendedHandshake(reqq int) ExtendedHandshake {
	return ExtendedHandshake{
		M:    map[string]uint8{ExtensionUTHolepunch: UTHolepunchLocalID},
		Reqq: reqq,
	}
}

// EncodeExtendedHandshake bencodes hs for use as an Extended message's
// ExtendedPayload with ExtendedID == ExtendedHandshakeID.
func EncodeExtendedHandshake(hs ExtendedHandshake) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, hs); err != nil {
		return nil, fmt.Errorf("conn: encode extended handshake: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeExtendedHandshake parses an incoming extended handshake payload.
func DecodeExtendedHandshake(payload []byte) (ExtendedHandshake, error) {
	var hs ExtendedHandshake
	if err := bencode.Unmarshal(bytes.NewReader(payload), &hs); err != nil {
		return hs, fmt.Errorf("conn: decode extended handshake: %w", err)
	}
	return hs, nil
}

// YourIPAddr decodes the handshake's yourip field, which is either a
// 4-byte IPv4 or 16-byte IPv6 address, per BEP 10.
func (hs ExtendedHandshake) YourIPAddr() (net.IP, bool) {
	switch len(hs.YourIP) {
	case net.IPv4len, net.IPv6len:
		return net.IP(hs.YourIP), true
	default:
		return nil, false
	}
}

// HolepunchMessageType is ut_holepunch's first payload byte, per BEP 55.
type HolepunchMessageType uint8

const (
	HolepunchRendezvous HolepunchMessageType = 0
	HolepunchConnect    HolepunchMessageType = 1
	HolepunchFailed     HolepunchMessageType = 2
)

// HolepunchAddressFamily is ut_holepunch's second payload byte.
type HolepunchAddressFamily uint8

const (
	HolepunchIPv4 HolepunchAddressFamily = 0
	HolepunchIPv6 HolepunchAddressFamily = 1
)

// HolepunchErrorCode enumerates ut_holepunch "failed" reasons, per BEP 55.
type HolepunchErrorCode uint32

const (
	HolepunchErrNone                HolepunchErrorCode = 0
	HolepunchErrNoSuchPeer          HolepunchErrorCode = 1
	HolepunchErrNotConnected        HolepunchErrorCode = 2
	HolepunchErrNoSupport           HolepunchErrorCode = 3
	HolepunchErrNoSelf              HolepunchErrorCode = 4
)

// HolepunchMessage is the ut_holepunch sub-message payload: type, family,
// endpoint, and (only for "failed") an error code.
type HolepunchMessage struct {
	Type   HolepunchMessageType
	Family HolepunchAddressFamily
	Addr   net.IP
	Port   uint16
	ErrNo  HolepunchErrorCode
}

// EncodeHolepunch serializes a ut_holepunch sub-message per BEP 55's
// fixed binary layout: u8 type | u8 family | addr (4 or 16 bytes) | u16
// port | [u32 error, only for "failed"].
func EncodeHolepunch(msg HolepunchMessage) ([]byte, error) {
	addrLen := net.IPv4len
	if msg.Family == HolepunchIPv6 {
		addrLen = net.IPv6len
	}
	ip := msg.Addr
	if msg.Family == HolepunchIPv4 {
		ip = ip.To4()
	} else {
		ip = ip.To16()
	}
	if ip == nil || len(ip) != addrLen {
		return nil, fmt.Errorf("conn: holepunch address %v does not match family", msg.Addr)
	}

	size := 2 + addrLen + 2
	if msg.Type == HolepunchFailed {
		size += 4
	}
	b := make([]byte, size)
	b[0] = byte(msg.Type)
	b[1] = byte(msg.Family)
	copy(b[2:2+addrLen], ip)
	off := 2 + addrLen
	b[off] = byte(msg.Port >> 8)
	b[off+1] = byte(msg.Port)
	if msg.Type == HolepunchFailed {
		errOff := off + 2
		b[errOff] = byte(msg.ErrNo >> 24)
		b[errOff+1] = byte(msg.ErrNo >> 16)
		b[errOff+2] = byte(msg.ErrNo >> 8)
		b[errOff+3] = byte(msg.ErrNo)
	}
	return b, nil
}

// DecodeHolepunch parses a ut_holepunch sub-message payload.
func DecodeHolepunch(payload []byte) (HolepunchMessage, error) {
	var msg HolepunchMessage
	if len(payload) < 2 {
		return msg, fmt.Errorf("conn: holepunch payload too short")
	}
	msg.Type = HolepunchMessageType(payload[0])
	msg.Family = HolepunchAddressFamily(payload[1])

	addrLen := net.IPv4len
	if msg.Family == HolepunchIPv6 {
		addrLen = net.IPv6len
	}
	minLen := 2 + addrLen + 2
	if len(payload) < minLen {
		return msg, fmt.Errorf("conn: holepunch payload too short for family")
	}
	msg.Addr = net.IP(payload[2 : 2+addrLen])
	off := 2 + addrLen
	msg.Port = uint16(payload[off])<<8 | uint16(payload[off+1])

	if msg.Type == HolepunchFailed {
		errOff := off + 2
		if len(payload) < errOff+4 {
			return msg, fmt.Errorf("conn: holepunch failed payload missing error code")
		}
		msg.ErrNo = HolepunchErrorCode(payload[errOff])<<24 |
			HolepunchErrorCode(payload[errOff+1])<<16 |
			HolepunchErrorCode(payload[errOff+2])<<8 |
			HolepunchErrorCode(payload[errOff+3])
	}
	return msg, nil
}
