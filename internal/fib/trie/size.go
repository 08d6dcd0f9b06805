// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package trie

import "net/netip"

// sizeUpdate adjusts the prefix counter for the given IP version by delta.
func (t *Table[V]) sizeUpdate(is4 bool, delta int) {
	if is4 {
		t.size4 += delta
		return
	}
	t.size6 += delta
}

// Size4 returns the number of IPv4 prefixes stored in the table.
func (t *Table[V]) Size4() int {
	return t.size4
}

// Size6 returns the number of IPv6 prefixes stored in the table.
func (t *Table[V]) Size6() int {
	return t.size6
}

// Size returns the total number of prefixes stored in the table.
func (t *Table[V]) Size() int {
	return t.size4 + t.size6
}

// Insert adds pfx with val to the table. If pfx already exists, its value
// is overwritten and the previous value is discarded.
func (t *Table[V]) Insert(pfx netip.Prefix, val V) {
	t.Modify(pfx, func(V, bool) (V, bool) {
		return val, false
	})
}

// Delete removes pfx from the table and reports whether it was present.
func (t *Table[V]) Delete(pfx netip.Prefix) (val V, found bool) {
	return t.Modify(pfx, func(old V, _ bool) (V, bool) {
		return old, true
	})
}
