package mse

import (
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"io"
	"net"

	mathrand "math/rand"

	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/lib/conn"
)

func notify(track func(conn.State), st conn.State) {
	if track != nil {
		track(st)
	}
}

// ErrNoMutualCrypto is returned when neither side's crypto_provide/
// allowed-crypto sets overlap.
var ErrNoMutualCrypto = errors.New("mse: no mutually acceptable crypto scheme")

// ErrSyncNotFound is returned when the req1 synchronization hash (on the
// responder side) or the encrypted VC (on the initiator side) isn't
// found within MaxSyncWindow bytes of the DH exchange, per the original's
// give-up-and-disconnect behavior.
var ErrSyncNotFound = errors.New("mse: sync hash not found")

// ErrNoMatchingInfoHash is returned when an incoming obfuscated req2/req3
// value doesn't match any candidate info hash offered by the caller.
var ErrNoMatchingInfoHash = errors.New("mse: no matching info hash")

// streamConn wraps a net.Conn, applying a continuing RC4 keystream across
// the handshake's encrypted portion and every byte read/written
// afterward — the "ENCRYPT2" carryover the original's write_pe3_sync /
// write_pe4_sync sequence relies on.
type streamConn struct {
	net.Conn
	read  *rc4.Cipher
	write *rc4.Cipher
}

func (c *streamConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.read.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

func (c *streamConn) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	c.write.XORKeyStream(buf, p)
	return c.Conn.Write(buf)
}

func randKeyBytes() ([96]byte, error) {
	var b [96]byte
	_, err := rand.Read(b[:])
	return b, err
}

func randPad() []byte {
	n := mathrand.Intn(MaxSyncWindow + 1)
	pad := make([]byte, n)
	rand.Read(pad)
	return pad
}

// NegotiateOutgoing drives the initiator side of the MSE handshake
// (write_pe1_2_dhkey / write_pe3_sync in the original), wrapping nc in a
// continuing RC4 stream if a cipher is selected. Returns the raw nc
// unwrapped when the negotiated scheme is CryptoPlaintext.
func NegotiateOutgoing(nc net.Conn, infoHash core.InfoHash, allowedCrypto uint32, preferRC4 bool) (net.Conn, uint32, error) {
	return NegotiateOutgoingTracking(nc, infoHash, allowedCrypto, preferRC4, nil)
}

// NegotiateOutgoingTracking is NegotiateOutgoing with track invoked as
// the negotiation advances through the original's m_state read stages
// (read_pe_dhkey, read_pe_syncvc). track may be nil.
func NegotiateOutgoingTracking(nc net.Conn, infoHash core.InfoHash, allowedCrypto uint32, preferRC4 bool, track func(conn.State)) (net.Conn, uint32, error) {
	randBytes, err := randKeyBytes()
	if err != nil {
		return nil, 0, err
	}
	ke := NewKeyExchange(randBytes)
	pub := ke.PublicKey()
	if _, err := nc.Write(append(pub[:], randPad()...)); err != nil {
		return nil, 0, err
	}

	notify(track, conn.ReadPEDHKey)
	var remotePub [KeyLen]byte
	if _, err := io.ReadFull(nc, remotePub[:]); err != nil {
		return nil, 0, err
	}
	secret := ke.SharedSecret(remotePub)

	localKey, remoteKey := DeriveKeys(secret, infoHash, true)
	writeCipher, err := NewRC4Stream(localKey)
	if err != nil {
		return nil, 0, err
	}
	readCipher, err := NewRC4Stream(remoteKey)
	if err != nil {
		return nil, 0, err
	}

	req1 := Req1Hash(secret)
	req23 := Req23(infoHash, secret)

	padC := randPad()
	plain := make([]byte, 0, 8+4+2+len(padC)+2)
	plain = append(plain, make([]byte, 8)...) // VC: 8 zero bytes
	plain = binary.BigEndian.AppendUint32(plain, allowedCrypto)
	plain = binary.BigEndian.AppendUint16(plain, uint16(len(padC)))
	plain = append(plain, padC...)
	plain = binary.BigEndian.AppendUint16(plain, 0) // len(IA): no initial payload

	enc := make([]byte, len(plain))
	writeCipher.XORKeyStream(enc, plain)

	msg := make([]byte, 0, len(req1)+len(req23)+len(enc))
	msg = append(msg, req1[:]...)
	msg = append(msg, req23[:]...)
	msg = append(msg, enc...)
	if _, err := nc.Write(msg); err != nil {
		return nil, 0, err
	}

	// The responder's reply is VC + crypto_select(4) + len(padD)(2),
	// encrypted with its own key (our readCipher), followed by padD. It
	// follows the responder's unannounced DH pad, so it is located by
	// scanning for the encrypted VC: VC is all zeros, so its ciphertext
	// is readCipher's next 8 keystream bytes.
	notify(track, conn.ReadPESyncVC)
	encVC := make([]byte, 8)
	readCipher.XORKeyStream(encVC, encVC)
	if _, err := readUntilSync(nc, encVC); err != nil {
		return nil, 0, err
	}
	reply := make([]byte, 4+2)
	if _, err := io.ReadFull(nc, reply); err != nil {
		return nil, 0, err
	}
	readCipher.XORKeyStream(reply, reply)
	cryptoSelect := binary.BigEndian.Uint32(reply[0:4])
	padDLen := binary.BigEndian.Uint16(reply[4:6])
	if padDLen > 0 {
		padD := make([]byte, padDLen)
		if _, err := io.ReadFull(nc, padD); err != nil {
			return nil, 0, err
		}
		readCipher.XORKeyStream(padD, padD)
	}

	if cryptoSelect == 0 {
		return nil, 0, ErrNoMutualCrypto
	}
	if cryptoSelect == CryptoPlaintext {
		return nc, cryptoSelect, nil
	}
	return &streamConn{Conn: nc, read: readCipher, write: writeCipher}, cryptoSelect, nil
}

// NegotiateIncoming drives the responder side of the MSE handshake
// (read_pe_dhkey through read_pe_ia in the original).
// candidateInfoHashes enumerates the torrents this session currently
// serves, since the responder cannot know which torrent an incoming
// encrypted connection is for until it matches the obfuscated req2/req3
// value against each candidate (original_source's approach of trying
// every active torrent's SKEY hash).
func NegotiateIncoming(nc net.Conn, candidateInfoHashes []core.InfoHash, allowedCrypto uint32, preferRC4 bool) (net.Conn, core.InfoHash, error) {
	return NegotiateIncomingTracking(nc, candidateInfoHashes, allowedCrypto, preferRC4, nil)
}

// NegotiateIncomingTracking is NegotiateIncoming with track invoked as
// the negotiation advances through the original's m_state read stages
// (read_pe_dhkey, read_pe_synchash, read_pe_skey_vc, read_pe_cryptofield,
// read_pe_pad, read_pe_ia). track may be nil.
func NegotiateIncomingTracking(nc net.Conn, candidateInfoHashes []core.InfoHash, allowedCrypto uint32, preferRC4 bool, track func(conn.State)) (net.Conn, core.InfoHash, error) {
	var zero core.InfoHash

	notify(track, conn.ReadPEDHKey)
	var remotePub [KeyLen]byte
	if _, err := io.ReadFull(nc, remotePub[:]); err != nil {
		return nil, zero, err
	}

	randBytes, err := randKeyBytes()
	if err != nil {
		return nil, zero, err
	}
	ke := NewKeyExchange(randBytes)
	secret := ke.SharedSecret(remotePub)

	pub := ke.PublicKey()
	if _, err := nc.Write(append(pub[:], randPad()...)); err != nil {
		return nil, zero, err
	}

	notify(track, conn.ReadPESyncHash)
	req1 := Req1Hash(secret)
	buf, err := readUntilSync(nc, req1[:])
	if err != nil {
		return nil, zero, err
	}

	notify(track, conn.ReadPESKeyVC)
	var req23 [20]byte
	if _, err := io.ReadFull(nc, req23[:]); err != nil {
		return nil, zero, err
	}
	_ = buf

	var infoHash core.InfoHash
	found := false
	for _, candidate := range candidateInfoHashes {
		if Req23(candidate, secret) == req23 {
			infoHash = candidate
			found = true
			break
		}
	}
	if !found {
		return nil, zero, ErrNoMatchingInfoHash
	}

	localKey, remoteKey := DeriveKeys(secret, infoHash, false)
	readCipher, err := NewRC4Stream(remoteKey)
	if err != nil {
		return nil, zero, err
	}
	writeCipher, err := NewRC4Stream(localKey)
	if err != nil {
		return nil, zero, err
	}

	notify(track, conn.ReadPECryptoField)
	header := make([]byte, 8+4+2)
	if _, err := io.ReadFull(nc, header); err != nil {
		return nil, zero, err
	}
	readCipher.XORKeyStream(header, header)
	cryptoProvide := binary.BigEndian.Uint32(header[8:12])
	padCLen := binary.BigEndian.Uint16(header[12:14])
	if padCLen > 0 {
		notify(track, conn.ReadPEPad)
		padC := make([]byte, padCLen)
		if _, err := io.ReadFull(nc, padC); err != nil {
			return nil, zero, err
		}
		readCipher.XORKeyStream(padC, padC)
	}
	notify(track, conn.ReadPEIA)
	lenIABuf := make([]byte, 2)
	if _, err := io.ReadFull(nc, lenIABuf); err != nil {
		return nil, zero, err
	}
	readCipher.XORKeyStream(lenIABuf, lenIABuf)
	lenIA := binary.BigEndian.Uint16(lenIABuf)
	if lenIA > 0 {
		ia := make([]byte, lenIA)
		if _, err := io.ReadFull(nc, ia); err != nil {
			return nil, zero, err
		}
		readCipher.XORKeyStream(ia, ia) // discarded: no initial-payload support
	}

	cryptoSelect := SelectCrypto(cryptoProvide, allowedCrypto, preferRC4)
	if cryptoSelect == 0 {
		return nil, zero, ErrNoMutualCrypto
	}

	reply := make([]byte, 0, 8+4+2)
	reply = append(reply, make([]byte, 8)...)
	reply = binary.BigEndian.AppendUint32(reply, cryptoSelect)
	reply = binary.BigEndian.AppendUint16(reply, 0) // len(padD)
	enc := make([]byte, len(reply))
	writeCipher.XORKeyStream(enc, reply)
	if _, err := nc.Write(enc); err != nil {
		return nil, zero, err
	}

	if cryptoSelect == CryptoPlaintext {
		return nc, infoHash, nil
	}
	return &streamConn{Conn: nc, read: readCipher, write: writeCipher}, infoHash, nil
}

// readUntilSync reads one byte at a time, up to MaxSyncWindow, until the
// trailing bytes read equal needle, per the original's synchronize()
// linear scan for the req1 hash or the encrypted VC.
func readUntilSync(r io.Reader, needle []byte) ([]byte, error) {
	window := make([]byte, 0, len(needle)+MaxSyncWindow)
	one := make([]byte, 1)
	for len(window) < len(needle)+MaxSyncWindow {
		if _, err := io.ReadFull(r, one); err != nil {
			return nil, err
		}
		window = append(window, one[0])
		if len(window) >= len(needle) && SyncSearch(window[len(window)-len(needle):], needle) == 0 {
			return window, nil
		}
	}
	return nil, ErrSyncNotFound
}
