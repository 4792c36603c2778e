// Package mse implements Message Stream Encryption: the Diffie-Hellman
// key exchange, RC4 stream setup, and synchronization search that the
// peer connection state machine (lib/conn) drives through its
// read_pe_dhkey/read_pe_synchash/.../init_bt_handshake states. Grounded
// on original_source/src/bt_peer_connection.cpp's write_pe1_2_dhkey,
// write_pe3_sync, write_pe4_sync and the surrounding sync search.
package mse

import (
	"crypto/rc4"
	"crypto/sha1"
	"math/big"

	"github.com/torrentd/engine/core"
)

// KeyLen is the fixed size of a DH public key on the wire, dh_key_len
// in the original.
const KeyLen = 96

// dhPrime is the MSE protocol's fixed 768-bit prime, with generator 2.
var dhPrime = mustHexBig(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC7" +
		"4020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14" +
		"374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B" +
		"7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163" +
		"BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208" +
		"552BB9ED529077096966D670C354E4ABC9804F1746C08CA237327FFFFFFFFFF" +
		"FFFFFF")

var dhGenerator = big.NewInt(2)

func mustHexBig(hex string) *big.Int {
	n, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		panic("mse: invalid dh prime constant")
	}
	return n
}

// KeyExchange holds one side's Diffie-Hellman state across the
// handshake. Discard after computing the shared secret.
type KeyExchange struct {
	private *big.Int
	public  *big.Int
}

// NewKeyExchange generates a fresh private exponent and the
// corresponding public key to send to the peer.
func NewKeyExchange(randBytes [96]byte) *KeyExchange {
	priv := new(big.Int).SetBytes(randBytes[:])
	pub := new(big.Int).Exp(dhGenerator, priv, dhPrime)
	return &KeyExchange{private: priv, public: pub}
}

// PublicKey returns the 96-byte big-endian public key to put on the wire.
func (k *KeyExchange) PublicKey() [KeyLen]byte {
	var out [KeyLen]byte
	b := k.public.Bytes()
	copy(out[KeyLen-len(b):], b)
	return out
}

// SharedSecret computes S = remotePublic^private mod P, returned as a
// fixed-size big-endian buffer (export_key in the original).
func (k *KeyExchange) SharedSecret(remotePublic [KeyLen]byte) [KeyLen]byte {
	rp := new(big.Int).SetBytes(remotePublic[:])
	s := new(big.Int).Exp(rp, k.private, dhPrime)
	var out [KeyLen]byte
	b := s.Bytes()
	copy(out[KeyLen-len(b):], b)
	return out
}

// DeriveKeys computes the local/remote RC4 stream keys from the shared
// secret and info hash:
//
//	local  = SHA1((outgoing ? "keyA" : "keyB") || S || infoHash)
//	remote = SHA1((outgoing ? "keyB" : "keyA") || S || infoHash)
func DeriveKeys(secret [KeyLen]byte, infoHash core.InfoHash, outgoing bool) (local, remote [20]byte) {
	keyA, keyB := "keyA", "keyB"
	localLabel, remoteLabel := keyB, keyA
	if outgoing {
		localLabel, remoteLabel = keyA, keyB
	}
	local = hashLabel(localLabel, secret, infoHash)
	remote = hashLabel(remoteLabel, secret, infoHash)
	return local, remote
}

func hashLabel(label string, secret [KeyLen]byte, infoHash core.InfoHash) [20]byte {
	h := sha1.New()
	h.Write([]byte(label))
	h.Write(secret[:])
	h.Write(infoHash.Bytes())
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// rc4DiscardBytes is the number of initial keystream bytes each side
// discards before using the cipher on real payload.
const rc4DiscardBytes = 1024

// NewRC4Stream builds an RC4 cipher keyed by key, with its first 1024
// output bytes already generated into an internal scratch buffer and
// discarded.
func NewRC4Stream(key [20]byte) (*rc4.Cipher, error) {
	c, err := rc4.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	discard := make([]byte, rc4DiscardBytes)
	c.XORKeyStream(discard, discard)
	return c, nil
}

// Req1Hash returns SHA1("req1" || S), the value the receiving side
// searches for in the first 512 bytes after the DH key exchange to
// locate the start of the encrypted handshake.
func Req1Hash(secret [KeyLen]byte) [20]byte {
	h := sha1.New()
	h.Write([]byte("req1"))
	h.Write(secret[:])
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Req23 returns hash('req2', infoHash) XOR hash('req3', S), the
// obfuscated info hash the initiator sends so a passive observer can't
// read it off the wire.
func Req23(infoHash core.InfoHash, secret [KeyLen]byte) [20]byte {
	h2 := sha1.New()
	h2.Write([]byte("req2"))
	h2.Write(infoHash.Bytes())
	sum2 := h2.Sum(nil)

	h3 := sha1.New()
	h3.Write([]byte("req3"))
	h3.Write(secret[:])
	sum3 := h3.Sum(nil)

	var out [20]byte
	for i := range out {
		out[i] = sum2[i] ^ sum3[i]
	}
	return out
}

// Crypto provide/select bitmask values.
const (
	CryptoPlaintext uint32 = 0x01
	CryptoRC4       uint32 = 0x02
)

// SelectCrypto picks one scheme from provide according to the local
// policy's allowed set, preferring RC4 when both are available and
// preferRC4 is set (the "preference toggle" spec.md refers to).
// Returns 0 if no mutually acceptable scheme exists.
func SelectCrypto(provide, allowed uint32, preferRC4 bool) uint32 {
	both := provide & allowed
	if both == 0 {
		return 0
	}
	if both&CryptoRC4 != 0 && (preferRC4 || both&CryptoPlaintext == 0) {
		return CryptoRC4
	}
	if both&CryptoPlaintext != 0 {
		return CryptoPlaintext
	}
	return CryptoRC4
}

// SyncSearch scans buf (up to the first 512 bytes read after the DH
// exchange) for needle, returning its offset or -1. Grounded on the
// original's search() over the receive buffer for the sync hash /
// verification constant.
func SyncSearch(buf, needle []byte) int {
	if len(needle) == 0 || len(buf) < len(needle) {
		return -1
	}
	for i := 0; i+len(needle) <= len(buf); i++ {
		if string(buf[i:i+len(needle)]) == string(needle) {
			return i
		}
	}
	return -1
}

// MaxSyncWindow is the number of bytes searched for the sync hash or
// verification constant before giving up.
const MaxSyncWindow = 512
