// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package graph

import (
	"testing"
	"time"

	"github.com/flowgraph/vnet/internal/buffer"
)

func newTestPool() (*buffer.Pool, *buffer.FreeList) {
	pool := buffer.NewPool()
	fl := pool.GetOrCreateFreeList("test", 64, nil, nil)
	return pool, fl
}

func TestRegisterNodeAndNext(t *testing.T) {
	pool, _ := newTestPool()
	g := New(pool)

	dropIdx, err := g.RegisterNode(Descriptor{Name: "test-drop", Type: TypeDrop, Function: func(g *Graph, n *Node, f *buffer.Frame) int {
		return f.Length
	}})
	if err != nil {
		t.Fatal(err)
	}

	lookupIdx, err := g.RegisterNode(Descriptor{Name: "test-lookup", Type: TypeInternal})
	if err != nil {
		t.Fatal(err)
	}

	lookup := g.Node(lookupIdx)
	dropSlot := lookup.AddNext("test-drop")
	if dropSlot2 := lookup.AddNext("test-drop"); dropSlot2 != dropSlot {
		t.Errorf("AddNext not idempotent: %d != %d", dropSlot, dropSlot2)
	}

	if got, ok := lookup.NextIndex("test-drop"); !ok || got != dropSlot {
		t.Errorf("NextIndex = (%d, %v), want (%d, true)", got, ok, dropSlot)
	}

	if _, err := g.RegisterNode(Descriptor{Name: "test-drop"}); err == nil {
		t.Error("duplicate node name should be rejected")
	}

	_ = dropIdx
}

func TestDispatchAndRunOnce(t *testing.T) {
	pool, fl := newTestPool()
	g := New(pool)

	var dropped []buffer.Index
	_, err := g.RegisterNode(Descriptor{
		Name: "drop", Type: TypeDrop,
		Function: func(g *Graph, n *Node, f *buffer.Frame) int {
			dropped = append(dropped, f.Indices()...)
			return f.Length
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	inputIdx, err := g.RegisterNode(Descriptor{Name: "input", Type: TypeInput})
	if err != nil {
		t.Fatal(err)
	}
	input := g.Node(inputIdx)
	dropSlot := input.AddNext("drop")

	out := make([]buffer.Index, 3)
	fl.AllocFromFreeList(out, 3)

	input.Function = func(g *Graph, n *Node, f *buffer.Frame) int {
		for _, bi := range out {
			g.EnqueueToNext(n.Index, bi, dropSlot)
		}
		return len(out)
	}
	input.State = StatePolling

	n := g.RunOnce()
	if n < 2 {
		t.Fatalf("RunOnce invocations = %d, want at least 2 (input + drop)", n)
	}

	if len(dropped) != 3 {
		t.Fatalf("drop node saw %d buffers, want 3", len(dropped))
	}
}

func TestInterruptStateOnlyRunsWhenSignaled(t *testing.T) {
	pool, _ := newTestPool()
	g := New(pool)

	calls := 0
	idx, _ := g.RegisterNode(Descriptor{
		Name: "irq-in", Type: TypeInput,
		Function: func(g *Graph, n *Node, f *buffer.Frame) int {
			calls++
			return 0
		},
	})
	n := g.Node(idx)
	n.State = StateInterrupt

	g.RunOnce()
	if calls != 0 {
		t.Fatalf("interrupt node ran without a signal: calls = %d", calls)
	}

	n.SignalInterruptBit(0)
	g.RunOnce()
	if calls != 1 {
		t.Fatalf("interrupt node did not run after signal: calls = %d", calls)
	}

	g.RunOnce()
	if calls != 1 {
		t.Fatalf("interrupt node ran twice on one signal: calls = %d", calls)
	}
}

func TestProcessWaitForEvent(t *testing.T) {
	pool, _ := newTestPool()
	g := New(pool)

	idx, _ := g.RegisterNode(Descriptor{Name: "proc", Type: TypeProcess})

	woke := make(chan []EventType, 1)
	ctx := g.StartProcess(idx, func(ctx *ProcessContext, g *Graph, n *Node) {
		woke <- ctx.WaitForEvent()
	})

	ctx.Signal(EventType(7))

	select {
	case evs := <-woke:
		if len(evs) != 1 || evs[0] != EventType(7) {
			t.Errorf("got events %v, want [7]", evs)
		}
	case <-time.After(time.Second):
		t.Fatal("process never woke on Signal")
	}
}

func TestProcessWaitForEventOrClockTimeout(t *testing.T) {
	pool, _ := newTestPool()
	g := New(pool)

	idx, _ := g.RegisterNode(Descriptor{Name: "proc2", Type: TypeProcess})

	woke := make(chan []EventType, 1)
	g.StartProcess(idx, func(ctx *ProcessContext, g *Graph, n *Node) {
		woke <- ctx.WaitForEventOrClock(10 * time.Millisecond)
	})

	select {
	case evs := <-woke:
		if len(evs) != 1 || evs[0] != ClockTimeout {
			t.Errorf("got events %v, want [ClockTimeout]", evs)
		}
	case <-time.After(time.Second):
		t.Fatal("process never timed out")
	}
}

func TestTimeNowMonotonic(t *testing.T) {
	t1 := TimeNow()
	time.Sleep(time.Millisecond)
	t2 := TimeNow()
	if t2 <= t1 {
		t.Errorf("TimeNow not monotonic: %v then %v", t1, t2)
	}
}
