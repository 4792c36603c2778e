package conn

import (
	"crypto/sha1"
	"encoding/binary"
	"net"

	"github.com/torrentd/engine/core"
)

// AllowedFastSetSize is the default size (k) of the generated Allowed
// Fast set, per BEP 6.
const AllowedFastSetSize = 10

// maskIP masks a peer's address down to its class-C network (IPv4) or
// /64 (IPv6) before seeding the Allowed Fast hash, so the set a peer
// gets doesn't change across a dynamic-IP reconnect within the same
// subnet, per BEP 6.
func maskIP(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return []byte{v4[0], v4[1], v4[2], 0}
	}
	v6 := ip.To16()
	if v6 == nil {
		return ip
	}
	masked := make([]byte, 8)
	copy(masked, v6[:8])
	return masked
}

// AllowedFastSet computes the BEP 6 Allowed Fast set: the piece
// indices this side will serve to a choked peer without requiring
// them to be unchoked first. numPieces is the torrent's total piece
// count; k is the set's target size (AllowedFastSetSize in practice).
func AllowedFastSet(peerIP net.IP, infoHash core.InfoHash, numPieces, k int) []uint32 {
	if numPieces <= 0 || k <= 0 {
		return nil
	}
	if k > numPieces {
		k = numPieces
	}

	seed := append(maskIP(peerIP), infoHash.Bytes()...)
	h := sha1.Sum(seed)

	set := make(map[uint32]struct{}, k)
	order := make([]uint32, 0, k)

	for len(order) < k {
		for i := 0; i < 5 && len(order) < k; i++ {
			y := binary.BigEndian.Uint32(h[i*4 : i*4+4])
			idx := y % uint32(numPieces)
			if _, exists := set[idx]; exists {
				continue
			}
			set[idx] = struct{}{}
			order = append(order, idx)
		}
		h = sha1.Sum(h[:])
	}
	return order
}
