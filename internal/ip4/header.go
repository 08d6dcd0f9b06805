// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package ip4 implements the IPv4 lookup, rewrite, local-delivery and ARP
// forwarding nodes of spec §4.5.
package ip4

import "encoding/binary"

// HeaderLen is the length of a (no-options) IPv4 header.
const HeaderLen = 20

// Header is a thin, zero-copy view over an IPv4 header's wire bytes.
type Header []byte

// ParseHeader returns a Header view over b's first HeaderLen bytes. It does
// not validate IHL > 5 (options); callers needing option-bearing headers
// must account for IHL themselves.
func ParseHeader(b []byte) Header {
	return Header(b[:HeaderLen])
}

func (h Header) IHL() int        { return int(h[0] & 0x0f) }
func (h Header) TTL() uint8      { return h[8] }
func (h Header) Protocol() uint8 { return h[9] }
func (h Header) Checksum() uint16 {
	return binary.BigEndian.Uint16(h[10:12])
}
func (h Header) TotalLength() uint16 {
	return binary.BigEndian.Uint16(h[2:4])
}
func (h Header) SrcAddr() [4]byte {
	var a [4]byte
	copy(a[:], h[12:16])
	return a
}
func (h Header) DstAddr() [4]byte {
	var a [4]byte
	copy(a[:], h[16:20])
	return a
}

func (h Header) SetTTL(ttl uint8)          { h[8] = ttl }
func (h Header) SetChecksum(sum uint16)    { binary.BigEndian.PutUint16(h[10:12], sum) }

// DecrementTTLAndFixChecksum decrements TTL by one and updates the header
// checksum incrementally via the RFC 1624 constant-delta rule
// (sum += 0x0100; sum += sum >> 16) rather than a full recompute, as spec §9
// requires for throughput. It reports whether the packet survived (TTL did
// not reach zero).
func (h Header) DecrementTTLAndFixChecksum() (ok bool) {
	if h.TTL() == 0 {
		return false
	}
	h.SetTTL(h.TTL() - 1)

	sum := uint32(h.Checksum()) + 0x0100
	sum = (sum & 0xffff) + (sum >> 16)
	h.SetChecksum(uint16(sum))

	return h.TTL() > 0
}

// VerifyChecksum performs a full one's-complement checksum over the header
// and reports whether it is valid (i.e. the computed checksum is zero).
func VerifyChecksum(h Header) bool {
	return Checksum(h[:HeaderLen]) == 0
}

// Checksum computes the RFC 791 one's-complement checksum over b.
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
