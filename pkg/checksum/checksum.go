// Package checksum computes the Internet checksum of transport segments
// carried over IPv6.
package checksum

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
)

const PseudoHeaderLen = 40

// PseudoHeader builds the IPv6 pseudo-header for a segment of length n.
func PseudoHeader(src, dst netip.Addr, proto uint8, n int) []byte {
	b := make([]byte, PseudoHeaderLen)
	s, d := src.As16(), dst.As16()
	copy(b[0:16], s[:])
	copy(b[16:32], d[:])
	binary.BigEndian.PutUint32(b[32:36], uint32(n))
	b[39] = proto
	return b
}

// Sum returns the folded ones' complement sum of the pseudo-header and segment.
func Sum(src, dst netip.Addr, proto uint8, segment []byte) uint16 {
	xsum := header.Checksum(PseudoHeader(src, dst, proto, len(segment)), 0)
	return header.Checksum(segment, xsum)
}

// Compute returns the value to place in the checksum field of segment. The
// field itself must be zero. A zero result is sent as 0xffff.
func Compute(src, dst netip.Addr, proto uint8, segment []byte) uint16 {
	c := ^Sum(src, dst, proto, segment)
	if c == 0 {
		return 0xffff
	}
	return c
}

// Valid reports whether segment, checksum field included, sums to all ones.
func Valid(src, dst netip.Addr, proto uint8, segment []byte) bool {
	return Sum(src, dst, proto, segment) == 0xffff
}
