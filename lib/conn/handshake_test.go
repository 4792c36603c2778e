package conn

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torrentd/engine/core"
)

func TestHandshakeRoundTrip(t *testing.T) {
	ih := core.NewInfoHashFromBytes([]byte("some torrent info dict"))
	peerID, err := core.RandomPeerID()
	require.NoError(t, err)

	var reserved Reserved
	reserved.SetExtensionProtocol()
	reserved.SetFast()

	hs := Handshake{Reserved: reserved, InfoHash: ih, PeerID: peerID}

	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, hs))
	require.Equal(t, HandshakeLen, buf.Len())

	got, err := ReadHandshake(&buf)
	require.NoError(t, err)
	require.Equal(t, hs.InfoHash, got.InfoHash)
	require.Equal(t, hs.PeerID, got.PeerID)
	require.True(t, got.Reserved.ExtensionProtocol())
	require.True(t, got.Reserved.Fast())
	require.False(t, got.Reserved.DHT())
}

func TestReadHandshakeRejectsBadProtocolIdentifier(t *testing.T) {
	buf := bytes.NewBuffer(append([]byte{19}, []byte("NotBitTorrent proto")...))
	_, err := ReadHandshake(buf)
	require.ErrorIs(t, err, ErrBadProtocolIdentifier)
}

func TestReadHandshakeTrackingReportsStates(t *testing.T) {
	ih := core.NewInfoHashFromBytes([]byte("some torrent info dict"))
	peerID, err := core.RandomPeerID()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, Handshake{InfoHash: ih, PeerID: peerID}))

	var states []State
	_, err = ReadHandshakeTracking(&buf, func(s State) { states = append(states, s) })
	require.NoError(t, err)
	require.Equal(t, []State{ReadProtocolIdentifier, ReadInfoHash, ReadPeerID}, states)
}

func TestReservedBitsIndependentBytes(t *testing.T) {
	var r Reserved
	r.SetDHT()
	require.True(t, r.DHT())
	require.False(t, r.Fast())
	require.False(t, r.HybridV2())
	require.False(t, r.ExtensionProtocol())
}
