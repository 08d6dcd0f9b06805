// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package lpm provides the precomputed backtracking table used to walk a
// stride's complete binary tree from a host/prefix baseIndex up to the
// default route, yielding every candidate index a longest-prefix-match
// lookup must intersect against.
package lpm

import "github.com/flowgraph/vnet/internal/bitset"

// BackTrackingBitset returns the bitset of all baseIndex values on the path
// from idx up to the root (idx==1, the default route) of the complete binary
// tree used by the ART baseIndex algorithm. Values outside the valid
// [1..511] stride range fold away to empty or partial results, matching the
// natural backtracking walk rather than panicking, since the table is
// indexed purely by arithmetic.
func BackTrackingBitset(idx uint) (bs bitset.BitSet256) {
	idx &= 511
	for idx > 0 {
		if idx < 256 {
			bs.MustSet(uint8(idx))
		}
		idx >>= 1
	}
	return bs
}

// LookupTbl is indexed by a stride's baseIndex (0..511) and holds the
// precomputed backtracking path for that index, so hot-path lookups avoid
// recomputing the walk per packet.
var LookupTbl [512]bitset.BitSet256

func init() {
	for i := range LookupTbl {
		LookupTbl[i] = BackTrackingBitset(uint(i))
	}
}
