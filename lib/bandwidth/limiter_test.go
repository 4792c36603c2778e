package bandwidth

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

const (
	egress  = "egress"
	ingress = "ingress"
)

func reserve(l *Limiter, nbytes int64, direction string) error {
	if direction == egress {
		return l.ReserveEgress(nbytes)
	}
	return l.ReserveIngress(nbytes)
}

// Grounded on the teacher's limiter_test.go; adapted to pass a real clock
// explicitly now that NewLimiter takes one.
func TestLimiterReserveBytesTokenScaling(t *testing.T) {
	for _, direction := range []string{egress, ingress} {
		t.Run(direction, func(t *testing.T) {
			require := require.New(t)

			bps := uint64(80) // 10 bytes.
			l := NewLimiter(Config{
				EgressBitsPerSec:  bps,
				IngressBitsPerSec: bps,
				TokenSize:         10, // Bucket has 8 tokens.
			}, nil, clock.New())

			start := time.Now()
			for i := 0; i < 4; i++ {
				// 6 bytes -> 48 bits -> 4 tokens.
				require.NoError(reserve(l, 6, direction))
			}
			require.InDelta(time.Second, time.Since(start), float64(75*time.Millisecond))
		})
	}
}

func TestLimiterReserveErrorWhenBytesLargerThanBucket(t *testing.T) {
	for _, direction := range []string{egress, ingress} {
		t.Run(direction, func(t *testing.T) {
			bps := uint64(80) // 10 bytes.
			l := NewLimiter(Config{
				EgressBitsPerSec:  bps,
				IngressBitsPerSec: bps,
				TokenSize:         10, // Bucket has 8 tokens.
			}, nil, clock.New())

			require.Error(t, reserve(l, 12, direction))
		})
	}
}

func TestLimiterDisabledNeverBlocks(t *testing.T) {
	l := NewLimiter(Config{
		EgressBitsPerSec:  8,
		IngressBitsPerSec: 8,
		TokenSize:         1,
		Disable:           true,
	}, nil, clock.New())

	require.NoError(t, l.ReserveEgress(1<<30))
	require.NoError(t, l.ReserveIngress(1<<30))
}
