package conn

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"

	"github.com/torrentd/engine/core"
)

// noopDeadline wraps a net.Pipe conn, which panics on SetDeadline, so
// PeerConn's clear-deadline-on-construction step is a no-op in tests.
type noopDeadline struct {
	net.Conn
}

func (noopDeadline) SetDeadline(time.Time) error      { return nil }
func (noopDeadline) SetReadDeadline(time.Time) error  { return nil }
func (noopDeadline) SetWriteDeadline(time.Time) error { return nil }

type recordingEvents struct {
	closed chan DisconnectReason
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{closed: make(chan DisconnectReason, 4)}
}

func (e *recordingEvents) ConnClosed(c *PeerConn, reason DisconnectReason, op Operation) {
	e.closed <- reason
}

func pipeFixture(t *testing.T, numPieces int, fast bool) (local, remote *PeerConn, events *recordingEvents) {
	t.Helper()

	nc1, nc2 := net.Pipe()
	t.Cleanup(func() { nc1.Close(); nc2.Close() })

	var reserved Reserved
	if fast {
		reserved.SetFast()
	}

	localPeerID, err := core.RandomPeerID()
	require.NoError(t, err)
	remotePeerID, err := core.RandomPeerID()
	require.NoError(t, err)
	ih := core.NewInfoHashFromBytes([]byte("test torrent"))

	events = newRecordingEvents()
	config := Config{}.applyDefaults()
	config.KeepAliveInterval = time.Hour // avoid interfering with test timing

	local, err = NewPeerConn(noopDeadline{nc1}, config, localPeerID, remotePeerID, ih, reserved,
		numPieces, false, nil, nil, clock.New(), nil, events)
	require.NoError(t, err)

	remote, err = NewPeerConn(noopDeadline{nc2}, config, remotePeerID, localPeerID, ih, reserved,
		numPieces, true, nil, nil, clock.New(), nil, events)
	require.NoError(t, err)

	local.Start()
	remote.Start()
	return local, remote, events
}

func TestPeerConnSendReceiveChoke(t *testing.T) {
	local, remote, _ := pipeFixture(t, 10, false)

	require.NoError(t, local.WriteChoke())

	select {
	case msg := <-remote.Receiver():
		require.Equal(t, Choke, msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for choke")
	}
	require.True(t, remote.PeerChoking())
}

func TestPeerConnHaveUpdatesBitfield(t *testing.T) {
	local, remote, _ := pipeFixture(t, 10, false)

	require.NoError(t, local.WriteHave(3))

	select {
	case <-remote.Receiver():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for have")
	}
	require.True(t, remote.PeerHas(3))
	require.False(t, remote.PeerHas(4))
}

func TestPeerConnHaveThenBitfieldRejected(t *testing.T) {
	local, remote, events := pipeFixture(t, 10, false)

	require.NoError(t, local.WriteHave(1))
	select {
	case <-remote.Receiver():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for have")
	}

	// A bitfield sent after the peer has already seen a `have` is a
	// protocol violation per spec.md §4.G and disconnects the sender's
	// peer (i.e. remote disconnects on receiving local's bitfield).
	require.NoError(t, local.Send(Message{ID: Bitfield, Bitfield: EncodeBitfield(bitset.New(10), 10)}))

	select {
	case reason := <-events.closed:
		require.Equal(t, ReasonInvalidMessage, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}
}

func TestPeerConnNonFastPeerSendingFastMessageDisconnects(t *testing.T) {
	local, remote, events := pipeFixture(t, 10, false)
	_ = remote

	require.NoError(t, local.Send(Message{ID: HaveAll}))

	select {
	case reason := <-events.closed:
		require.Equal(t, ReasonInvalidMessage, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}
}

func TestPeerConnChokeWithoutFastSynthesizesRejects(t *testing.T) {
	local, remote, _ := pipeFixture(t, 10, false)

	require.NoError(t, remote.WriteRequest(BlockRequest{Piece: 0, Offset: 0, Length: 16384}))
	select {
	case <-local.Receiver():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}

	require.NoError(t, local.WriteChoke())

	select {
	case msg := <-remote.Receiver():
		require.Equal(t, RejectRequest, msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synthesized reject")
	}
}

func TestPeerConnPieceRoundTrip(t *testing.T) {
	local, remote, _ := pipeFixture(t, 10, false)

	payload := make([]byte, 16384)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, local.WritePiece(2, 0, payload))

	select {
	case msg := <-remote.Receiver():
		require.Equal(t, Piece, msg.ID)
		require.Equal(t, uint32(2), msg.Piece)
		require.Equal(t, payload, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for piece")
	}

	protocol, uploaded := local.UploadStats()
	require.Greater(t, protocol, int64(0))
	require.Equal(t, int64(len(payload)), uploaded)
}

func TestPeerConnFastExtensionAllowsHaveAll(t *testing.T) {
	local, remote, _ := pipeFixture(t, 10, true)

	require.NoError(t, local.WriteHaveAll())

	select {
	case <-remote.Receiver():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for have_all")
	}
	for i := uint32(0); i < 10; i++ {
		require.True(t, remote.PeerHas(i))
	}
}

func TestPeerConnDisconnectIsIdempotent(t *testing.T) {
	local, _, _ := pipeFixture(t, 10, false)

	local.Disconnect(ReasonTimedOut, OpRead)
	local.Disconnect(ReasonPeerError, OpWrite)

	require.True(t, local.IsClosed())
}

func TestPeerConnSendAfterCloseEventuallyErrors(t *testing.T) {
	local, _, _ := pipeFixture(t, 10, false)

	local.Disconnect(ReasonTimedOut, OpRead)
	time.Sleep(50 * time.Millisecond)

	// done is closed and the write loop has exited, so the sender
	// buffer no longer drains: enough sends to exhaust it guarantee a
	// subsequent one observes either a full buffer or a closed done
	// channel, both of which Send reports as an error.
	var sawError bool
	for i := 0; i < 1000; i++ {
		if err := local.Send(Message{ID: Choke}); err != nil {
			sawError = true
			break
		}
	}
	require.True(t, sawError)
}

func extendedPipeFixture(t *testing.T, numPieces int) (local, remote *PeerConn) {
	t.Helper()

	nc1, nc2 := net.Pipe()
	t.Cleanup(func() { nc1.Close(); nc2.Close() })

	var reserved Reserved
	reserved.SetExtensionProtocol()

	localPeerID, err := core.RandomPeerID()
	require.NoError(t, err)
	remotePeerID, err := core.RandomPeerID()
	require.NoError(t, err)
	ih := core.NewInfoHashFromBytes([]byte("test torrent"))

	events := newRecordingEvents()
	config := Config{}.applyDefaults()
	config.KeepAliveInterval = time.Hour

	local, err = NewPeerConn(noopDeadline{nc1}, config, localPeerID, remotePeerID, ih, reserved,
		numPieces, false, nil, nil, clock.New(), nil, events)
	require.NoError(t, err)
	remote, err = NewPeerConn(noopDeadline{nc2}, config, remotePeerID, localPeerID, ih, reserved,
		numPieces, true, nil, nil, clock.New(), nil, events)
	require.NoError(t, err)

	local.Start()
	remote.Start()
	return local, remote
}

func TestPeerConnExtendedHandshakeAppliesReqqAndYourIP(t *testing.T) {
	local, remote := extendedPipeFixture(t, 10)

	require.NoError(t, local.WriteExtensions(ExtendedHandshake{
		Reqq:   128,
		YourIP: net.ParseIP("203.0.113.5").To4(),
	}))

	select {
	case msg := <-remote.Receiver():
		require.Equal(t, Extended, msg.ID)
		require.Equal(t, ExtendedHandshakeID, msg.ExtendedID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for extended handshake")
	}

	require.Equal(t, 128, remote.PeerReqq())
	ip, ok := remote.PeerYourIP()
	require.True(t, ok)
	require.True(t, ip.Equal(net.ParseIP("203.0.113.5")))
	require.Equal(t, 128, remote.requests.maxOutstanding)
}

func TestPeerConnExtendedMessageFromNonExtendedPeerDisconnects(t *testing.T) {
	local, remote, events := pipeFixture(t, 10, false)

	require.NoError(t, local.Send(Message{ID: Extended, ExtendedID: ExtendedHandshakeID}))

	select {
	case reason := <-events.closed:
		require.Equal(t, ReasonInvalidMessage, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}
	_ = remote
}

func TestPeerConnReadStateTransitions(t *testing.T) {
	local, remote, _ := pipeFixture(t, 10, false)

	require.Equal(t, ReadPacketSize, remote.ReadState())

	require.NoError(t, local.WriteChoke())
	select {
	case <-remote.Receiver():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for choke")
	}
	require.Equal(t, ReadPacketSize, remote.ReadState())
}
