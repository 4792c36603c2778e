package conn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestPipelineFullAtCap(t *testing.T) {
	p := NewRequestPipeline(2)
	require.False(t, p.Full())
	p.Add(BlockRequest{Piece: 0, Offset: 0, Length: 16384})
	require.False(t, p.Full())
	p.Add(BlockRequest{Piece: 0, Offset: 16384, Length: 16384})
	require.True(t, p.Full())
}

func TestRequestPipelineUnlimitedWhenZero(t *testing.T) {
	p := NewRequestPipeline(0)
	for i := 0; i < 1000; i++ {
		p.Add(BlockRequest{Piece: 0, Offset: uint32(i)})
	}
	require.False(t, p.Full())
}

func TestRequestPipelineRemoveMatchesFIFO(t *testing.T) {
	p := NewRequestPipeline(10)
	b1 := BlockRequest{Piece: 0, Offset: 0, Length: 16384}
	b2 := BlockRequest{Piece: 0, Offset: 16384, Length: 16384}
	p.Add(b1)
	p.Add(b2)
	require.True(t, p.Remove(b1))
	require.Equal(t, 1, p.Len())
	require.False(t, p.Remove(b1))
}

func TestRequestPipelineRemoveForPieceIgnoresLength(t *testing.T) {
	p := NewRequestPipeline(10)
	p.Add(BlockRequest{Piece: 2, Offset: 100, Length: 16384})
	require.True(t, p.RemoveForPiece(2, 100))
	require.Equal(t, 0, p.Len())
}

func TestRequestPipelineDrainAllClearsAndReturns(t *testing.T) {
	p := NewRequestPipeline(10)
	p.Add(BlockRequest{Piece: 0, Offset: 0})
	p.Add(BlockRequest{Piece: 0, Offset: 16384})
	drained := p.DrainAll()
	require.Len(t, drained, 2)
	require.Equal(t, 0, p.Len())
}

func TestSynthesizeRejectsProducesOneRejectPerOutstanding(t *testing.T) {
	p := NewRequestPipeline(10)
	p.Add(BlockRequest{Piece: 0, Offset: 0})
	p.Add(BlockRequest{Piece: 0, Offset: 16384})
	p.Add(BlockRequest{Piece: 1, Offset: 0})

	drained := p.DrainAll()
	msgs := SynthesizeRejects(drained)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		require.Equal(t, RejectRequest, m.ID)
	}
}

func TestRequestSeqMonotonic(t *testing.T) {
	p := NewRequestPipeline(10)
	seq1 := p.Add(BlockRequest{Piece: 0, Offset: 0})
	seq2 := p.Add(BlockRequest{Piece: 0, Offset: 1})
	require.Less(t, seq1, seq2)
}
