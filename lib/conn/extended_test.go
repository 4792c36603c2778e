package conn

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtendedHandshakeRoundTrip(t *testing.T) {
	hs := ExtendedHandshake{
		M: map[string]uint8{
			ExtensionUTHolepunch: 1,
			ExtensionLTDontHave:  2,
		},
		V:    "torrentd/1.0",
		Port: 6881,
		Reqq: 250,
	}

	payload, err := EncodeExtendedHandshake(hs)
	require.NoError(t, err)

	got, err := DecodeExtendedHandshake(payload)
	require.NoError(t, err)
	require.Equal(t, hs.M, got.M)
	require.Equal(t, hs.V, got.V)
	require.Equal(t, hs.Port, got.Port)
	require.Equal(t, hs.Reqq, got.Reqq)
}

func TestExtendedHandshakeYourIP(t *testing.T) {
	hs := ExtendedHandshake{YourIP: net.IPv4(1, 2, 3, 4).To4()}
	ip, ok := hs.YourIPAddr()
	require.True(t, ok)
	require.Equal(t, "1.2.3.4", ip.String())
}

func TestHolepunchRoundTripConnect(t *testing.T) {
	msg := HolepunchMessage{
		Type:   HolepunchConnect,
		Family: HolepunchIPv4,
		Addr:   net.IPv4(10, 0, 0, 1),
		Port:   6881,
	}
	payload, err := EncodeHolepunch(msg)
	require.NoError(t, err)

	got, err := DecodeHolepunch(payload)
	require.NoError(t, err)
	require.Equal(t, msg.Type, got.Type)
	require.Equal(t, msg.Family, got.Family)
	require.True(t, msg.Addr.Equal(got.Addr))
	require.Equal(t, msg.Port, got.Port)
}

func TestHolepunchRoundTripFailedCarriesErrorCode(t *testing.T) {
	msg := HolepunchMessage{
		Type:   HolepunchFailed,
		Family: HolepunchIPv4,
		Addr:   net.IPv4(10, 0, 0, 1),
		Port:   0,
		ErrNo:  HolepunchErrNotConnected,
	}
	payload, err := EncodeHolepunch(msg)
	require.NoError(t, err)

	got, err := DecodeHolepunch(payload)
	require.NoError(t, err)
	require.Equal(t, HolepunchErrNotConnected, got.ErrNo)
}

func TestDecodeHolepunchRejectsShortPayload(t *testing.T) {
	_, err := DecodeHolepunch([]byte{0})
	require.Error(t, err)
}
