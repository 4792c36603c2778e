package mse

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torrentd/engine/core"
)

func randKey(t *testing.T) [96]byte {
	var b [96]byte
	_, err := rand.Read(b[:])
	require.NoError(t, err)
	return b
}

func TestKeyExchangeSharedSecretMatches(t *testing.T) {
	require := require.New(t)

	a := NewKeyExchange(randKey(t))
	b := NewKeyExchange(randKey(t))

	pubA := a.PublicKey()
	pubB := b.PublicKey()

	secretA := a.SharedSecret(pubB)
	secretB := b.SharedSecret(pubA)

	require.Equal(secretA, secretB)
}

func TestDeriveKeysAreSymmetricAcrossSides(t *testing.T) {
	require := require.New(t)

	var secret [KeyLen]byte
	copy(secret[:], []byte("some-shared-secret-padded-to-96-bytes-xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"))
	ih := core.NewInfoHashFromBytes([]byte("torrent"))

	outLocal, outRemote := DeriveKeys(secret, ih, true)
	inLocal, inRemote := DeriveKeys(secret, ih, false)

	// The outgoing side's local key is the incoming side's remote key,
	// and vice versa, so each side's RC4 ciphers line up.
	require.Equal(outLocal, inRemote)
	require.Equal(outRemote, inLocal)
}

func TestRC4StreamsRoundTrip(t *testing.T) {
	require := require.New(t)

	var key [20]byte
	copy(key[:], []byte("0123456789abcdefghij"))

	enc, err := NewRC4Stream(key)
	require.NoError(err)
	dec, err := NewRC4Stream(key)
	require.NoError(err)

	plain := []byte("the quick brown fox jumps over the lazy dog")
	cipherText := make([]byte, len(plain))
	enc.XORKeyStream(cipherText, plain)

	decoded := make([]byte, len(plain))
	dec.XORKeyStream(decoded, cipherText)

	require.Equal(plain, decoded)
	require.NotEqual(plain, cipherText)
}

func TestReq1HashDeterministic(t *testing.T) {
	var secret [KeyLen]byte
	copy(secret[:], []byte("secret"))
	require.Equal(t, Req1Hash(secret), Req1Hash(secret))
}

func TestReq23DiffersByInfoHash(t *testing.T) {
	var secret [KeyLen]byte
	copy(secret[:], []byte("secret"))
	ih1 := core.NewInfoHashFromBytes([]byte("a"))
	ih2 := core.NewInfoHashFromBytes([]byte("b"))
	require.NotEqual(t, Req23(ih1, secret), Req23(ih2, secret))
}

func TestSelectCryptoPrefersRC4WhenRequested(t *testing.T) {
	require := require.New(t)
	require.Equal(CryptoRC4, SelectCrypto(CryptoPlaintext|CryptoRC4, CryptoPlaintext|CryptoRC4, true))
	require.Equal(CryptoPlaintext, SelectCrypto(CryptoPlaintext|CryptoRC4, CryptoPlaintext|CryptoRC4, false))
}

func TestSelectCryptoNoOverlapReturnsZero(t *testing.T) {
	require.Equal(t, uint32(0), SelectCrypto(CryptoPlaintext, CryptoRC4, true))
}

func TestSyncSearchFindsOffset(t *testing.T) {
	require := require.New(t)
	buf := append([]byte("garbagepadding"), []byte("NEEDLE")...)
	buf = append(buf, []byte("trailing")...)
	require.Equal(len("garbagepadding"), SyncSearch(buf, []byte("NEEDLE")))
	require.Equal(-1, SyncSearch(buf, []byte("missing")))
}
