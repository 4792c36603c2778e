package conn

// payloadRange marks [Start, Start+Length) of the send buffer as
// payload bytes (a piece block), as opposed to protocol framing, so
// on_sent can attribute transferred bytes correctly.
type payloadRange struct {
	Start  int64
	Length int64
}

// UploadTracker accounts protocol vs. payload bytes written to a
// connection's send buffer, mirroring the original's distinction
// between total bytes sent and payload bytes sent (the latter feeds
// upload-rate and ratio accounting, the former feeds raw bandwidth
// stats). Not safe for concurrent use.
type UploadTracker struct {
	queued  int64 // total bytes appended to the send buffer so far
	flushed int64 // total bytes actually written to the socket so far

	payloadRanges []payloadRange

	protocolBytesSent int64
	payloadBytesSent  int64
}

// QueueProtocol records n protocol (non-payload) bytes appended to the
// send buffer, e.g. a message's length+id header.
func (u *UploadTracker) QueueProtocol(n int) {
	u.queued += int64(n)
}

// QueuePayload records n payload bytes (a piece block) appended to the
// send buffer at its current tail.
func (u *UploadTracker) QueuePayload(n int) {
	u.payloadRanges = append(u.payloadRanges, payloadRange{Start: u.queued, Length: int64(n)})
	u.queued += int64(n)
}

// OnSent advances the flushed watermark by n bytes actually written to
// the socket and returns the protocol/payload split for those n bytes,
// crediting payload counters only for the portion of any payload range
// that falls within [flushed, flushed+n) — a range isn't credited
// until its bytes have actually left the buffer, partial or otherwise.
func (u *UploadTracker) OnSent(n int) (protocolBytes, payloadBytes int64) {
	start := u.flushed
	end := u.flushed + int64(n)
	u.flushed = end

	var payloadInWindow int64
	for _, r := range u.payloadRanges {
		rangeEnd := r.Start + r.Length
		overlapStart := max64(start, r.Start)
		overlapEnd := min64(end, rangeEnd)
		if overlapEnd > overlapStart {
			payloadInWindow += overlapEnd - overlapStart
		}
	}

	protocolInWindow := int64(n) - payloadInWindow
	u.protocolBytesSent += protocolInWindow
	u.payloadBytesSent += payloadInWindow

	u.gcFlushedRanges()
	return protocolInWindow, payloadInWindow
}

// gcFlushedRanges drops payload ranges that have been fully flushed,
// keeping the slice from growing unbounded over a long-lived connection.
func (u *UploadTracker) gcFlushedRanges() {
	kept := u.payloadRanges[:0]
	for _, r := range u.payloadRanges {
		if r.Start+r.Length > u.flushed {
			kept = append(kept, r)
		}
	}
	u.payloadRanges = kept
}

// ProtocolBytesSent returns the cumulative protocol byte count.
func (u *UploadTracker) ProtocolBytesSent() int64 { return u.protocolBytesSent }

// PayloadBytesSent returns the cumulative payload byte count.
func (u *UploadTracker) PayloadBytesSent() int64 { return u.payloadBytesSent }

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
