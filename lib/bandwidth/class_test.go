package bandwidth

import (
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestClassLimiterUnknownClass(t *testing.T) {
	cl := NewClassLimiter(Config{Disable: true}, nil, clock.New())
	require.Error(t, cl.ReserveEgress("missing", 1))
}

func TestClassLimiterReservesAgainstRootAndClass(t *testing.T) {
	require := require.New(t)
	cl := NewClassLimiter(Config{Disable: true}, nil, clock.New())
	cl.AddClass("torrent-a", Config{Disable: true})

	require.NoError(cl.ReserveEgress("torrent-a", 1<<20))
	require.NoError(cl.ReserveIngress("torrent-a", 1<<20))

	cl.RemoveClass("torrent-a")
	require.Error(cl.ReserveEgress("torrent-a", 1))
}
