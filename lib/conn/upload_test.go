package conn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUploadTrackerSplitsProtocolAndPayload(t *testing.T) {
	var u UploadTracker
	u.QueueProtocol(5) // e.g. a message's length+id header
	u.QueuePayload(100)

	protocol, payload := u.OnSent(105)
	require.Equal(t, int64(5), protocol)
	require.Equal(t, int64(100), payload)
	require.Equal(t, int64(5), u.ProtocolBytesSent())
	require.Equal(t, int64(100), u.PayloadBytesSent())
}

func TestUploadTrackerPartialFlushCreditsProportionally(t *testing.T) {
	var u UploadTracker
	u.QueueProtocol(5)
	u.QueuePayload(100)

	protocol, payload := u.OnSent(55) // flush header + half the payload
	require.Equal(t, int64(5), protocol)
	require.Equal(t, int64(50), payload)

	protocol, payload = u.OnSent(50) // flush the rest
	require.Equal(t, int64(0), protocol)
	require.Equal(t, int64(50), payload)
}

func TestUploadTrackerMultipleMessagesInterleave(t *testing.T) {
	var u UploadTracker
	u.QueueProtocol(4) // e.g. a keep-alive
	u.QueueProtocol(13) // piece header
	u.QueuePayload(16384)

	protocol, payload := u.OnSent(17)
	require.Equal(t, int64(17), protocol)
	require.Equal(t, int64(0), payload)

	protocol, payload = u.OnSent(16384)
	require.Equal(t, int64(0), protocol)
	require.Equal(t, int64(16384), payload)
}
