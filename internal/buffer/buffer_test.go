// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package buffer

import "testing"

func TestAllocFromFreeList(t *testing.T) {
	pool := NewPool()
	fl := pool.GetOrCreateFreeList("default", 2048, nil, nil)

	out := make([]Index, 4)
	n := fl.AllocFromFreeList(out, 4)
	if n != 4 {
		t.Fatalf("AllocFromFreeList = %d, want 4", n)
	}

	for _, idx := range out {
		b := pool.Get(idx)
		if len(b.Data) != 2048 {
			t.Errorf("buffer %d has Data len %d, want 2048", idx, len(b.Data))
		}
	}
}

func TestInitCallback(t *testing.T) {
	pool := NewPool()
	called := 0
	fl := pool.GetOrCreateFreeList("gen", 64, func(b *Buffer, opaque any) {
		called++
		copy(b.Data, opaque.([]byte))
	}, []byte("template"))

	out := make([]Index, 2)
	fl.AllocFromFreeList(out, 2)
	if called != 2 {
		t.Fatalf("init callback called %d times, want 2", called)
	}

	fl.Free(out[:1])
	fl.AllocFromFreeList(out[:1], 1)
	if called != 2 {
		t.Errorf("init callback re-ran on a recycled buffer: called = %d", called)
	}
}

func TestFreeAndChain(t *testing.T) {
	pool := NewPool()
	fl := pool.GetOrCreateFreeList("chain", 64, nil, nil)

	out := make([]Index, 2)
	fl.AllocFromFreeList(out, 2)

	head, tail := out[0], out[1]
	pool.Get(head).Flags |= FlagNextPresent
	pool.Get(head).NextBuffer = tail
	pool.Get(head).CurrentLength = 10
	pool.Get(tail).CurrentLength = 20

	if got := pool.LengthInChain(head); got != 30 {
		t.Errorf("LengthInChain = %d, want 30", got)
	}

	fl.Free([]Index{head})

	var out2 [2]Index
	n := fl.AllocFromFreeList(out2[:], 2)
	if n != 2 {
		t.Fatalf("expected to recycle both chain members, got %d", n)
	}
}

func TestFreeListIndexMismatchPanics(t *testing.T) {
	pool := NewPool()
	a := pool.GetOrCreateFreeList("a", 64, nil, nil)
	b := pool.GetOrCreateFreeList("b", 64, nil, nil)

	out := make([]Index, 1)
	a.AllocFromFreeList(out, 1)

	defer func() {
		if recover() == nil {
			t.Error("freeing a buffer on the wrong free list should panic")
		}
	}()
	b.Free(out)
}

func TestFrame(t *testing.T) {
	var f Frame
	if f.Free() != Size {
		t.Fatalf("fresh frame Free() = %d, want %d", f.Free(), Size)
	}

	f.Push(Index(1))
	f.Push(Index(2))
	if f.Length != 2 {
		t.Errorf("Length = %d, want 2", f.Length)
	}
	if got := f.Indices(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("Indices() = %v", got)
	}

	f.Reset()
	if f.Length != 0 {
		t.Errorf("Length after Reset = %d, want 0", f.Length)
	}
}
