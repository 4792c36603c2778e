package conn

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, msg Message) Message {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))

	length, ok, err := ReadMessageHeader(&buf, 1<<20)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := ReadMessage(&buf, length)
	require.NoError(t, err)
	return got
}

func TestMessageRoundTripSimple(t *testing.T) {
	for _, id := range []MessageID{Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone} {
		got := roundTrip(t, Message{ID: id})
		require.Equal(t, id, got.ID)
	}
}

func TestMessageRoundTripHave(t *testing.T) {
	got := roundTrip(t, Message{ID: Have, Piece: 42})
	require.Equal(t, uint32(42), got.Piece)
}

func TestMessageRoundTripDontHave(t *testing.T) {
	got := roundTrip(t, Message{ID: DontHave, Piece: 7})
	require.Equal(t, DontHave, got.ID)
	require.Equal(t, uint32(7), got.Piece)
}

func TestMessageRoundTripBitfield(t *testing.T) {
	bf := []byte{0xff, 0x00, 0xaa}
	got := roundTrip(t, Message{ID: Bitfield, Bitfield: bf})
	require.Equal(t, bf, got.Bitfield)
}

func TestMessageRoundTripRequest(t *testing.T) {
	req := BlockRequest{Piece: 1, Offset: 16384, Length: 16384}
	got := roundTrip(t, Message{ID: Request, Request: req})
	require.Equal(t, req, got.Request)

	got = roundTrip(t, Message{ID: Cancel, Request: req})
	require.Equal(t, Cancel, got.ID)
	require.Equal(t, req, got.Request)

	got = roundTrip(t, Message{ID: RejectRequest, Request: req})
	require.Equal(t, RejectRequest, got.ID)
	require.Equal(t, req, got.Request)
}

func TestMessageRoundTripPiece(t *testing.T) {
	payload := []byte("some block payload bytes")
	got := roundTrip(t, Message{ID: Piece, Piece: 3, Offset: 32768, Payload: payload})
	require.Equal(t, uint32(3), got.Piece)
	require.Equal(t, uint32(32768), got.Offset)
	require.Equal(t, payload, got.Payload)
}

func TestMessageRoundTripDHTPort(t *testing.T) {
	got := roundTrip(t, Message{ID: DHTPort, Port: 6881})
	require.Equal(t, uint16(6881), got.Port)
}

func TestMessageRoundTripExtended(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	got := roundTrip(t, Message{ID: Extended, ExtendedID: 5, ExtendedPayload: payload})
	require.Equal(t, uint8(5), got.ExtendedID)
	require.Equal(t, payload, got.ExtendedPayload)
}

func TestMessageRoundTripHashRequest(t *testing.T) {
	hr := HashRequestPayload{BaseLayer: 1, Index: 2, Length: 3, ProofLayers: 4}
	hr.Root[0] = 0xde
	got := roundTrip(t, Message{ID: HashRequest, HashReq: hr})
	require.Equal(t, hr, got.HashReq)

	got = roundTrip(t, Message{ID: HashReject, HashReq: hr})
	require.Equal(t, HashReject, got.ID)
	require.Equal(t, hr, got.HashReq)
}

func TestMessageRoundTripHashes(t *testing.T) {
	hr := HashRequestPayload{BaseLayer: 1, Index: 2, Length: 2, ProofLayers: 0}
	hashes := [][32]byte{{1}, {2}}
	got := roundTrip(t, Message{ID: Hashes, HashReq: hr, Hashes: hashes})
	require.Equal(t, hr, got.HashReq)
	require.Len(t, got.Hashes, 2)
	require.Equal(t, byte(1), got.Hashes[0][0])
	require.Equal(t, byte(2), got.Hashes[1][0])
}

func TestReadMessageHeaderKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKeepAlive(&buf))
	_, ok, err := ReadMessageHeader(&buf, 1<<20)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadMessageHeaderRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{ID: Bitfield, Bitfield: make([]byte, 100)}))
	_, _, err := ReadMessageHeader(&buf, 10)
	require.Error(t, err)
}

func TestDecodeUnknownMessageID(t *testing.T) {
	_, err := decodeMessage(MessageID(99), nil)
	require.ErrorIs(t, err, ErrUnknownMessage)
}

func TestDecodeRejectsWrongPayloadSize(t *testing.T) {
	_, err := decodeMessage(Choke, []byte{1})
	require.Error(t, err)

	_, err = decodeMessage(Have, []byte{1, 2})
	require.Error(t, err)

	_, err = decodeMessage(Request, []byte{1, 2, 3})
	require.Error(t, err)
}
