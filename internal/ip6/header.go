// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package ip6 implements the IPv6 counterpart of internal/ip4: lookup,
// rewrite, local-delivery and neighbor-discovery forwarding nodes, sharing
// the adjacency/FIB/counters substrate but with IPv6's fixed 40-byte header
// (no checksum field, hop limit instead of TTL) per spec §4.5.
package ip6

import "encoding/binary"

// HeaderLen is the fixed (no extension headers) IPv6 header length.
const HeaderLen = 40

// Header is a zero-copy view over an IPv6 header's wire bytes.
type Header []byte

func ParseHeader(b []byte) Header { return Header(b[:HeaderLen]) }

func (h Header) PayloadLength() uint16 { return binary.BigEndian.Uint16(h[4:6]) }
func (h Header) NextHeader() uint8     { return h[6] }
func (h Header) HopLimit() uint8       { return h[7] }
func (h Header) SetHopLimit(v uint8)   { h[7] = v }

func (h Header) SrcAddr() [16]byte {
	var a [16]byte
	copy(a[:], h[8:24])
	return a
}

func (h Header) DstAddr() [16]byte {
	var a [16]byte
	copy(a[:], h[24:40])
	return a
}

// DecrementHopLimit decrements the hop limit by one, reporting whether the
// packet survived. IPv6 carries no header checksum, so — unlike IPv4 — there
// is nothing to fix up afterward.
func (h Header) DecrementHopLimit() (ok bool) {
	if h.HopLimit() == 0 {
		return false
	}
	h.SetHopLimit(h.HopLimit() - 1)
	return h.HopLimit() > 0
}

// Checksum computes the RFC 1071 one's-complement checksum over b, the same
// algorithm internal/ip4.Checksum uses. IPv6 has no header checksum of its
// own, but its TCP/UDP pseudo header checksum (RFC 2460 §8.1) needs the
// identical summing primitive, so this is kept as its own copy rather than
// an import of internal/ip4 — the two families' header packages stay
// independent of each other, mirroring how the rest of this package
// duplicates ip4's shape without depending on it.
func Checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
