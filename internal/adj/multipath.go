// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package adj

import (
	"fmt"
	"sort"
)

// NextHop is one member of a multipath group before canonicalization.
type NextHop struct {
	Adj    Index
	Weight uint32
}

// Multipath builds and content-addresses multipath adjacency blocks: two
// prefixes with identical normalized next-hop sets share the same block,
// per spec §4.4.
type Multipath struct {
	heap *Heap

	// byKey maps a canonicalized next-hop vector to the multipath block
	// that already serves it, so repeated routes with the same next-hop set
	// share one allocation.
	byKey map[string]Index

	// remap records "adj X replaced by adj Y (or the RemapNone ~0 sentinel
	// for delete)" entries recorded when a member adjacency of some group is
	// deleted or replaced out from under it. RemapCount mirrors the
	// original's n_adjacency_remaps fast-path short-circuit.
	remap      map[Index]Index
	RemapCount int
}

// RemapNone is the "no remap" result, mirroring the original's ~0 sentinel.
const RemapNone Index = ^Index(0)

// NewMultipath returns a Multipath layer backed by heap.
func NewMultipath(heap *Heap) *Multipath {
	return &Multipath{
		heap:  heap,
		byKey: make(map[string]Index),
		remap: make(map[Index]Index),
	}
}

// Resolve returns the (possibly newly built) multipath block serving nhs,
// incrementing its refcount. Resolve never touches a block the caller used
// before: a caller that repoints a prefix away from another block releases
// that block itself once the repoint is done, since the FIB is the only
// party that knows whether the repoint actually happened.
func (m *Multipath) Resolve(nhs []NextHop) (Index, error) {
	if len(nhs) == 0 {
		return RemapNone, fmt.Errorf("adj: multipath group must have at least one next hop")
	}

	norm := canonicalize(nhs)
	key := normKey(norm)

	if base, ok := m.byKey[key]; ok {
		m.heap.IncRef(base)
		return base, nil
	}

	total := uint32(0)
	for _, nh := range norm {
		total += nh.Weight
	}
	g := gcdAll(norm)
	if g > 1 {
		total /= g
	}

	size := roundUpPow2(int(total))
	base := m.heap.Add(Adjacency{LookupNext: NextRewrite}, size)

	fillReplicas(m.heap, base, size, norm, g)

	m.byKey[key] = base

	return base, nil
}

// Release drops a prefix's reference to a multipath block it no longer
// uses, freeing the block (and its content-address entry) once the last
// referrer is gone.
func (m *Multipath) Release(base Index, nhs []NextHop) {
	m.heap.DecRef(base)
	if m.heap.Refcount(base) == 0 {
		delete(m.byKey, normKey(canonicalize(nhs)))
	}
}

// NoteReplaced records that every multipath member currently pointing at
// oldAdj must be remapped to newAdj (or deleted, if newAdj == RemapNone) the
// next time MaybeRemap runs.
func (m *Multipath) NoteReplaced(oldAdj, newAdj Index) {
	m.remap[oldAdj] = newAdj
	m.RemapCount++
}

// MaybeRemap applies pending remaps to every live multipath block's member
// slots and reports how many member slots were touched. The fast path
// (RemapCount == 0) is a no-op, matching the original's short-circuit.
func (m *Multipath) MaybeRemap() int {
	if m.RemapCount == 0 {
		return 0
	}

	touched := 0
	for base, count := range m.blockSizes() {
		for i := 0; i < count; i++ {
			slot := Index(int(base) + i)
			a := m.heap.Get(slot)

			newAdj, ok := m.remap[a.Member]
			if !ok {
				continue
			}

			if newAdj == RemapNone {
				a.LookupNext = NextDrop
			} else {
				a.Rewrite = m.heap.Get(newAdj).Rewrite
				a.Member = newAdj
			}
			touched++
		}
	}

	m.remap = make(map[Index]Index)
	m.RemapCount = 0

	return touched
}

func (m *Multipath) blockSizes() map[Index]int {
	sizes := make(map[Index]int, len(m.byKey))
	for _, base := range m.byKey {
		sizes[base] = m.heap.Get(base).NAdj
	}
	return sizes
}

func canonicalize(nhs []NextHop) []NextHop {
	out := append([]NextHop(nil), nhs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Adj < out[j].Adj })
	return out
}

func normKey(norm []NextHop) string {
	key := make([]byte, 0, len(norm)*8)
	for _, nh := range norm {
		key = append(key, byte(nh.Adj), byte(nh.Adj>>8), byte(nh.Adj>>16), byte(nh.Adj>>24))
		key = append(key, byte(nh.Weight), byte(nh.Weight>>8), byte(nh.Weight>>16), byte(nh.Weight>>24))
	}
	return string(key)
}

func gcdAll(nhs []NextHop) uint32 {
	g := nhs[0].Weight
	for _, nh := range nhs[1:] {
		g = gcd(g, nh.Weight)
	}
	if g == 0 {
		return 1
	}
	return g
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// fillReplicas distributes weighted replicas of each next-hop's underlying
// adjacency across the block's size slots, in round-robin order so members
// are interleaved rather than run-length clustered (the flow-hash selector
// masks a random-looking hash with n_adj-1, so interleaving is not required
// for correctness, only for a more even worst-case distribution under
// non-uniform hash skew).
func fillReplicas(h *Heap, base Index, size int, norm []NextHop, g uint32) {
	if g == 0 {
		g = 1
	}

	type slotCount struct {
		nh    NextHop
		count int
	}
	slots := make([]slotCount, len(norm))
	for i, nh := range norm {
		slots[i] = slotCount{nh: nh, count: int(nh.Weight / g)}
	}

	pos := 0
	for {
		progressed := false
		for i := range slots {
			if slots[i].count == 0 {
				continue
			}
			if pos >= size {
				return
			}
			h.entries[int(base)+pos] = Adjacency{
				LookupNext: NextRewrite,
				NAdj:       size,
				Member:     slots[i].nh.Adj,
				Rewrite:    h.entries[slots[i].nh.Adj].Rewrite,
				refcount:   h.entries[int(base)+pos].refcount,
			}
			slots[i].count--
			pos++
			progressed = true
		}
		if !progressed {
			break
		}
	}
}
