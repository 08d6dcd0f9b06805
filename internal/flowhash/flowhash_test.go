// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package flowhash

import "testing"

func TestIPv4StableForSameTuple(t *testing.T) {
	src := [4]byte{192, 168, 1, 1}
	dst := [4]byte{10, 0, 0, 1}

	a := IPv4(0, src, dst, 17, 4000, 53, true)
	b := IPv4(0, src, dst, 17, 4000, 53, true)
	if a != b {
		t.Fatalf("hash not stable for identical 5-tuple: %d != %d", a, b)
	}
}

func TestIPv4VariesAcrossFlows(t *testing.T) {
	src := [4]byte{192, 168, 1, 1}
	dst := [4]byte{10, 0, 0, 1}

	seen := make(map[uint32]bool)
	for port := uint16(1024); port < 1024+256; port++ {
		seen[IPv4(0, src, dst, 17, port, 53, true)] = true
	}
	if len(seen) < 64 {
		t.Fatalf("only %d distinct hashes over 256 ports, expected wide spread", len(seen))
	}
}

func TestIPv4MaskDistributesWeighted(t *testing.T) {
	// Mirrors the 1:3 weighted multipath scenario: a 4-slot block where
	// slot 0 belongs to the 1x member and slots 1-3 to the 3x member.
	const mask = 3 // n_adj - 1 for a 4-wide block
	counts := make([]int, mask+1)

	dst := [4]byte{10, 0, 0, 1}
	for srcPort := uint16(0); srcPort < 2000; srcPort++ {
		for dstPort := uint16(0); dstPort < 2; dstPort++ {
			src := [4]byte{192, 168, byte(srcPort >> 8), byte(srcPort)}
			h := IPv4(0, src, dst, 17, srcPort, dstPort, true)
			counts[h&mask]++
		}
	}

	total := 0
	for _, c := range counts {
		total++
		if c == 0 {
			t.Fatalf("slot got zero flows, want a roughly even spread: %v", counts)
		}
	}
	_ = total
}

func TestIPv6DiffersFromIPv4ForSameBytes(t *testing.T) {
	var src6, dst6 [16]byte
	copy(src6[12:], []byte{192, 168, 1, 1})
	copy(dst6[12:], []byte{10, 0, 0, 1})

	h6 := IPv6(0, src6, dst6, 17, 4000, 53, true)
	h4 := IPv4(0, [4]byte{192, 168, 1, 1}, [4]byte{10, 0, 0, 1}, 17, 4000, 53, true)
	if h6 == h4 {
		t.Fatalf("IPv6 and IPv4 hashing unexpectedly collided: %d", h6)
	}
}

func TestNonTCPUDPIgnoresPorts(t *testing.T) {
	src := [4]byte{192, 168, 1, 1}
	dst := [4]byte{10, 0, 0, 1}

	a := IPv4(0, src, dst, 1, 1111, 2222, false)
	b := IPv4(0, src, dst, 1, 3333, 4444, false)
	if a != b {
		t.Fatalf("non-TCP/UDP hash must ignore port fields: %d != %d", a, b)
	}
}
