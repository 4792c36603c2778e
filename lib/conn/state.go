package conn

// State names the peer connection's read state machine, transitions
// driven strictly by received byte counts (never by time alone), per
// spec.md §4.G. Go's io.ReadFull is the natural realization of that
// byte-counter: each state below reads exactly the number of bytes the
// state calls for, accumulating across partial underlying reads the
// same way the original's m_recv_buffer does, without this port
// needing to track a separate byte counter of its own.
type State int

const (
	ReadProtocolIdentifier State = iota
	ReadInfoHash
	ReadPeerID
	ReadPacketSize
	ReadPacket

	// Encryption path.
	ReadPEDHKey
	ReadPESyncHash
	ReadPESKeyVC
	ReadPECryptoField
	ReadPEPad
	ReadPEIA
	InitBTHandshake

	// Outgoing-only: waiting to find our own verification constant
	// reflected back by the responder.
	ReadPESyncVC
)

func (s State) String() string {
	switch s {
	case ReadProtocolIdentifier:
		return "read_protocol_identifier"
	case ReadInfoHash:
		return "read_info_hash"
	case ReadPeerID:
		return "read_peer_id"
	case ReadPacketSize:
		return "read_packet_size"
	case ReadPacket:
		return "read_packet"
	case ReadPEDHKey:
		return "read_pe_dhkey"
	case ReadPESyncHash:
		return "read_pe_synchash"
	case ReadPESKeyVC:
		return "read_pe_skey_vc"
	case ReadPECryptoField:
		return "read_pe_cryptofield"
	case ReadPEPad:
		return "read_pe_pad"
	case ReadPEIA:
		return "read_pe_ia"
	case InitBTHandshake:
		return "init_bt_handshake"
	case ReadPESyncVC:
		return "read_pe_syncvc"
	default:
		return "unknown"
	}
}
