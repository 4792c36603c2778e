package conn

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
)

func TestBitfieldRoundTrip(t *testing.T) {
	have := bitset.New(20)
	have.Set(0)
	have.Set(5)
	have.Set(19)

	buf := EncodeBitfield(have, 20)
	require.Len(t, buf, 3)

	got, err := DecodeBitfield(buf, 20)
	require.NoError(t, err)
	for i := uint(0); i < 20; i++ {
		require.Equal(t, have.Test(i), got.Test(i), "bit %d", i)
	}
}

func TestBitfieldMSBFirst(t *testing.T) {
	have := bitset.New(8)
	have.Set(0)
	buf := EncodeBitfield(have, 8)
	require.Equal(t, byte(0x80), buf[0])
}

func TestDecodeBitfieldRejectsWrongLength(t *testing.T) {
	_, err := DecodeBitfield([]byte{0x00}, 20)
	require.ErrorIs(t, err, errBitfieldSize)
}

func TestDecodeBitfieldRejectsSetSpareBits(t *testing.T) {
	// numPieces=1 -> 1 byte, only the high bit is meaningful.
	_, err := DecodeBitfield([]byte{0x01}, 1)
	require.ErrorIs(t, err, errBitfieldSize)
}
