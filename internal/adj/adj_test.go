// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package adj

import "testing"

func TestHeapSentinels(t *testing.T) {
	h := NewHeap()
	if got := h.Get(IndexDrop).LookupNext; got != NextDrop {
		t.Errorf("IndexDrop LookupNext = %v, want drop", got)
	}
	if got := h.Get(IndexPunt).LookupNext; got != NextPunt {
		t.Errorf("IndexPunt LookupNext = %v, want punt", got)
	}
}

func TestHeapAddAndRefcount(t *testing.T) {
	h := NewHeap()

	base := h.Add(Adjacency{LookupNext: NextRewrite}, 3)
	if h.Get(base).NAdj != 4 {
		t.Errorf("NAdj = %d, want 4 (rounded up from 3)", h.Get(base).NAdj)
	}
	if h.Refcount(base) != 1 {
		t.Errorf("initial refcount = %d, want 1", h.Refcount(base))
	}

	h.IncRef(base)
	if h.Refcount(base) != 2 {
		t.Errorf("refcount after IncRef = %d, want 2", h.Refcount(base))
	}

	h.DecRef(base)
	h.DecRef(base)
	if h.Refcount(base) != 0 {
		t.Errorf("refcount after two DecRef = %d, want 0", h.Refcount(base))
	}
}

func TestHeapDecRefBelowZeroPanics(t *testing.T) {
	h := NewHeap()
	base := h.Add(Adjacency{}, 1)
	h.DecRef(base)

	defer func() {
		if recover() == nil {
			t.Error("DecRef below zero should panic")
		}
	}()
	h.DecRef(base)
}

func TestHeapRecyclesFreedBlocks(t *testing.T) {
	h := NewHeap()
	base1 := h.Add(Adjacency{}, 4)
	h.DecRef(base1)

	base2 := h.Add(Adjacency{}, 4)
	if base2 != base1 {
		t.Errorf("expected freed block to be recycled: got new base %d, want %d", base2, base1)
	}
}

func TestMultipathSharesBlockForIdenticalNextHops(t *testing.T) {
	h := NewHeap()
	a1 := h.Add(Adjacency{LookupNext: NextRewrite}, 1)
	a2 := h.Add(Adjacency{LookupNext: NextRewrite}, 1)

	mp := NewMultipath(h)

	b1, err := mp.Resolve([]NextHop{{Adj: a1, Weight: 1}, {Adj: a2, Weight: 3}})
	if err != nil {
		t.Fatal(err)
	}

	b2, err := mp.Resolve([]NextHop{{Adj: a2, Weight: 3}, {Adj: a1, Weight: 1}})
	if err != nil {
		t.Fatal(err)
	}

	if b1 != b2 {
		t.Errorf("identical next-hop sets (different order) should share a block: %d != %d", b1, b2)
	}
	if h.Refcount(b1) != 2 {
		t.Errorf("shared block refcount = %d, want 2", h.Refcount(b1))
	}

	block := h.Get(b1)
	if block.NAdj != 4 {
		t.Errorf("block size = %d, want 4 (weights 1+3)", block.NAdj)
	}
}

func TestMultipathEmptyNextHopsErrors(t *testing.T) {
	h := NewHeap()
	mp := NewMultipath(h)
	if _, err := mp.Resolve(nil); err == nil {
		t.Error("Resolve with no next hops should error")
	}
}

func TestMultipathRemap(t *testing.T) {
	h := NewHeap()
	a1 := h.Add(Adjacency{LookupNext: NextRewrite}, 1)
	a2 := h.Add(Adjacency{LookupNext: NextRewrite}, 1)

	mp := NewMultipath(h)
	base, err := mp.Resolve([]NextHop{{Adj: a1, Weight: 1}, {Adj: a2, Weight: 1}})
	if err != nil {
		t.Fatal(err)
	}

	mp.NoteReplaced(a1, RemapNone)
	if mp.RemapCount != 1 {
		t.Fatalf("RemapCount = %d, want 1", mp.RemapCount)
	}

	touched := mp.MaybeRemap()
	if touched == 0 {
		t.Error("MaybeRemap should have touched at least one slot")
	}
	if mp.RemapCount != 0 {
		t.Errorf("RemapCount after MaybeRemap = %d, want 0", mp.RemapCount)
	}

	foundDropped := false
	block := h.Get(base)
	for i := 0; i < block.NAdj; i++ {
		if h.Get(Index(int(base)+i)).LookupNext == NextDrop {
			foundDropped = true
		}
	}
	if !foundDropped {
		t.Error("expected at least one slot to be remapped to drop")
	}
}
