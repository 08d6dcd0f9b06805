// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package fib wraps the LPM trie core in internal/fib/trie with the
// adjacency-index payload and callback-vector semantics spec §4.3 requires:
// add/del/next-hop routing, longest-prefix lookup, the "find all covering
// routes" enumeration, and lazy multipath-remap application.
package fib

import (
	"fmt"
	"iter"
	"net/netip"

	"github.com/flowgraph/vnet/internal/adj"
	"github.com/flowgraph/vnet/internal/fib/trie"
)

// AddDelFlags mirror the original's flags argument to add_del_route.
type AddDelFlags uint16

const (
	FlagAdd AddDelFlags = 1 << iota
	FlagDel
	FlagKeepOldAdjacency
	FlagNotLastInGroup
	FlagNeighbor
	FlagNoRedistribute
)

// Callback is invoked after every add/del/remap with the old and new adj at
// a prefix (old is adj.RemapNone on a fresh add; new is adj.RemapNone on a
// delete). Subscribers observe add-then-del on a changed entry, never
// del-then-add, so forwarding stays hitless across a remap.
type Callback func(pfx netip.Prefix, oldAdj, newAdj adj.Index)

// Table is one routing table (a "VRF"), holding both the IPv4 and IPv6 LPM
// tries under one miss-adj, next-hop resolver, and callback vector.
type Table struct {
	TableID uint32

	trie *trie.Table[adj.Index]
	heap *adj.Heap
	mp   *adj.Multipath

	missAdj   adj.Index
	callbacks []Callback

	// nextHopAdj tracks, per prefix, the per-interface adjacency the
	// next-hop route resolves the multipath set from — needed so
	// AddRouteNextHop can re-derive and release the old multipath block
	// when a route's next-hop set changes.
	nextHopAdj map[netip.Prefix][]adj.NextHop
}

// New returns an empty Table backed by heap/mp, defaulting misses to
// adj.IndexDrop.
func New(heap *adj.Heap, mp *adj.Multipath) *Table {
	return &Table{
		trie:       &trie.Table[adj.Index]{},
		heap:       heap,
		mp:         mp,
		missAdj:    adj.IndexDrop,
		nextHopAdj: make(map[netip.Prefix][]adj.NextHop),
	}
}

// SetMissAdjacency sets the adjacency index a lookup miss resolves to,
// typically adj.IndexDrop or adj.IndexPunt.
func (t *Table) SetMissAdjacency(a adj.Index) {
	t.missAdj = a
}

// RegisterCallback appends cb to the callback vector fired on every
// add/del/remap.
func (t *Table) RegisterCallback(cb Callback) {
	t.callbacks = append(t.callbacks, cb)
}

func (t *Table) fire(pfx netip.Prefix, oldAdj, newAdj adj.Index) {
	for _, cb := range t.callbacks {
		cb(pfx, oldAdj, newAdj)
	}
}

// AddDelRoute installs or removes a single adjacency at pfx. adjIndex is
// ignored when flags has FlagDel. Duplicate add replaces the previous adj
// (not an error); del of a non-existent prefix is a no-op that skips the
// callback, matching spec §4.3's failure semantics.
func (t *Table) AddDelRoute(pfx netip.Prefix, flags AddDelFlags, adjIndex adj.Index) error {
	pfx = pfx.Masked()

	if flags&FlagDel != 0 {
		old, found := t.trie.Delete(pfx)
		if !found {
			return nil
		}
		if flags&FlagKeepOldAdjacency == 0 {
			t.heap.DecRef(old)
		}
		if flags&FlagNoRedistribute == 0 {
			t.fire(pfx, old, adj.RemapNone)
		}
		return nil
	}

	old, hadOld := t.exactMatch(pfx)
	if !hadOld {
		old = adj.RemapNone
	}

	t.trie.Insert(pfx, adjIndex)

	if hadOld && old != adjIndex && flags&FlagKeepOldAdjacency == 0 {
		t.heap.DecRef(old)
	}
	if flags&FlagNoRedistribute == 0 {
		t.fire(pfx, old, adjIndex)
	}

	return nil
}

// AddRouteNextHop is the multipath-friendly entry point of spec §4.4: it
// resolves (or builds) the canonical multipath block for pfx's full
// next-hop set and repoints pfx at it, releasing the prefix's previous
// block if the canonicalized set changed.
func (t *Table) AddRouteNextHop(pfx netip.Prefix, nh adj.NextHop) error {
	pfx = pfx.Masked()

	set := append(append([]adj.NextHop(nil), t.nextHopAdj[pfx]...), nh)
	base, err := t.mp.Resolve(set)
	if err != nil {
		return fmt.Errorf("fib: resolve next hop for %s: %w", pfx, err)
	}

	old := adj.RemapNone
	if prevSet, ok := t.nextHopAdj[pfx]; ok {
		if prevBase, found := t.exactMatch(pfx); found {
			old = prevBase
			if prevBase != base {
				t.mp.Release(prevBase, prevSet)
			}
		}
	}

	t.nextHopAdj[pfx] = set
	t.trie.Insert(pfx, base)
	t.fire(pfx, old, base)

	return nil
}

// Lookup performs a longest-prefix-match lookup for dst, returning the
// table's configured miss-adj when nothing matches.
func (t *Table) Lookup(dst netip.Addr) adj.Index {
	a, _ := t.LookupHit(dst)
	return a
}

// LookupHit is Lookup's counterpart that also reports whether dst matched
// a real FIB entry, as opposed to falling back to the table's miss
// adjacency. Spec §7 needs this distinction: a genuine trie miss and an
// explicitly configured drop/punt route both resolve through adjacencies
// that share the same LookupNext, so LookupNext alone cannot tell
// DST_LOOKUP_MISS apart from ADJACENCY_DROP/ADJACENCY_PUNT.
func (t *Table) LookupHit(dst netip.Addr) (adj.Index, bool) {
	if a, ok := t.trie.Lookup(dst); ok {
		return a, true
	}
	return t.missAdj, false
}

// Reachable reports whether addr resolves to a genuine FIB entry. The
// local node's source-address reverse-path check (spec §4.5) uses this to
// tell "no route back to this source" apart from "routed, but the route
// happens to be a drop/punt" — only the former is a reverse-path failure.
func (t *Table) Reachable(addr netip.Addr) bool {
	_, hit := t.LookupHit(addr)
	return hit
}

// ForeachMatchingRoute enumerates every prefix covering pfx's address at
// length >= minLen, used by the "delete all more-specifics" flow when a
// less-specific route is removed.
func (t *Table) ForeachMatchingRoute(pfx netip.Prefix, minLen int) iter.Seq2[netip.Prefix, adj.Index] {
	return func(yield func(netip.Prefix, adj.Index) bool) {
		for p, a := range t.trie.Supernets(pfx) {
			if p.Bits() < minLen {
				continue
			}
			if !yield(p, a) {
				return
			}
		}
	}
}

// exactMatch looks up pfx without performing a longest-prefix-match walk
// and without mutating the trie. The underlying trie only exposes
// exact-prefix access through its Modify callback, so this issues a
// self-canceling update: a miss requests "no-op" (del=true on not-found is
// defined as a no-op by Table.Modify) and a hit rewrites the same value,
// which leaves the trie structurally identical.
func (t *Table) exactMatch(pfx netip.Prefix) (a adj.Index, found bool) {
	t.trie.Modify(pfx, func(old adj.Index, exists bool) (adj.Index, bool) {
		a, found = old, exists
		return old, !exists
	})
	return a, found
}

// All enumerates every route currently installed in the table, v4 and v6
// together, in CIDR sort order within each address family — used by the
// "routes" CLI subcommand and by tests that assert on full-table shape
// rather than individual lookups.
func (t *Table) All() iter.Seq2[netip.Prefix, adj.Index] {
	return func(yield func(netip.Prefix, adj.Index) bool) {
		for pfx, a := range t.trie.Subnets(netip.PrefixFrom(netip.IPv4Unspecified(), 0)) {
			if !yield(pfx, a) {
				return
			}
		}
		for pfx, a := range t.trie.Subnets(netip.PrefixFrom(netip.IPv6Unspecified(), 0)) {
			if !yield(pfx, a) {
				return
			}
		}
	}
}

// MaybeRemapAdjacencies applies the multipath layer's pending remaps to the
// member slots of every live block in place and returns the number of slots
// touched. It fires no callback: subscribers are not told which routes'
// blocks were rewritten. The fast path (no pending remaps) is a no-op.
func (t *Table) MaybeRemapAdjacencies() int {
	return t.mp.MaybeRemap()
}
