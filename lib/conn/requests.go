package conn

import "sync/atomic"

var requestSeq uint64

func nextRequestSeq() uint64 {
	return atomic.AddUint64(&requestSeq, 1)
}

// OutstandingRequest is one entry in a connection's request pipeline:
// an outgoing request awaiting its piece (or a reject).
type OutstandingRequest struct {
	Block BlockRequest
	Seq   uint64
}

// RequestPipeline tracks a single connection's outstanding block
// requests against its configured cap, per spec.md §4.G's request
// pipeline contract. Not safe for concurrent use; owned by one
// connection's goroutine.
type RequestPipeline struct {
	maxOutstanding int
	outstanding    []OutstandingRequest
}

// NewRequestPipeline creates a pipeline bounded by maxOutstanding, the
// per-connection setting (overridable by the peer's extended-handshake
// reqq field).
func NewRequestPipeline(maxOutstanding int) *RequestPipeline {
	return &RequestPipeline{maxOutstanding: maxOutstanding}
}

// SetMaxOutstanding adjusts the cap, e.g. in response to a peer's reqq.
func (p *RequestPipeline) SetMaxOutstanding(max int) {
	p.maxOutstanding = max
}

// Len reports the number of outstanding requests.
func (p *RequestPipeline) Len() int { return len(p.outstanding) }

// Full reports whether the pipeline is at its cap.
func (p *RequestPipeline) Full() bool {
	return p.maxOutstanding > 0 && len(p.outstanding) >= p.maxOutstanding
}

// Add records a new outgoing request and returns its sequence number.
// Callers must check Full() first; Add does not enforce the cap itself
// so a caller can choose to overfill deliberately (e.g. draining a
// queue on a newly unchoked fast peer).
func (p *RequestPipeline) Add(block BlockRequest) uint64 {
	seq := nextRequestSeq()
	p.outstanding = append(p.outstanding, OutstandingRequest{Block: block, Seq: seq})
	return seq
}

// Remove drops the first outstanding request matching block (FIFO
// among duplicates), used when a piece or reject_request arrives.
// Reports whether a match was found.
func (p *RequestPipeline) Remove(block BlockRequest) bool {
	for i, r := range p.outstanding {
		if r.Block == block {
			p.outstanding = append(p.outstanding[:i], p.outstanding[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveForPiece drops the outstanding request matching an incoming
// piece message's (piece, offset), regardless of length — piece
// messages don't echo a length field, so matching is by block start.
func (p *RequestPipeline) RemoveForPiece(piece, offset uint32) bool {
	for i, r := range p.outstanding {
		if r.Block.Piece == piece && r.Block.Offset == offset {
			p.outstanding = append(p.outstanding[:i], p.outstanding[i+1:]...)
			return true
		}
	}
	return false
}

// DrainAll removes and returns every outstanding request, used when a
// non-Fast peer sends choke: every outstanding request must be
// synthesized as a reject_request and fed back to the piece picker.
func (p *RequestPipeline) DrainAll() []OutstandingRequest {
	drained := p.outstanding
	p.outstanding = nil
	return drained
}

// SynthesizeRejects converts drained requests into reject_request
// messages, for a non-Fast choke per spec.md §4.G ("On choke without
// Fast support, synthesize a reject_request for each outstanding
// request and feed them to the piece picker").
func SynthesizeRejects(drained []OutstandingRequest) []Message {
	msgs := make([]Message, len(drained))
	for i, r := range drained {
		msgs[i] = Message{ID: RejectRequest, Request: r.Block}
	}
	return msgs
}
