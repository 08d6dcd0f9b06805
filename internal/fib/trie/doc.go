// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package trie implements the longest-prefix-match data structure backing
// the IPv4 and IPv6 FIBs: a multibit trie with a fixed stride of 8 bits,
// where each level maps all 256 possible prefixes onto a complete binary
// tree index space (Knuth's ART base-index algorithm).
//
// Instead of allocating full 256-element arrays per node, the trie uses
// popcount-compressed sparse arrays (internal/sparse) and path compression
// via leaf and fringe nodes, keeping memory proportional to the number of
// routes rather than the address space.
//
// Lookup walks down the trie octet by octet, then backtracks up the
// recorded node stack intersecting each level's prefix bitset against a
// precomputed backtracking table (internal/lpm) to find the longest match
// in constant time per level.
//
// The payload type V is the adjacency index assigned to a route by the FIB
// layer (internal/fib); this package has no notion of adjacencies,
// interfaces or rewrite — it is pure prefix-to-value storage.
package trie
