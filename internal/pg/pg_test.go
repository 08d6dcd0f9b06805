// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package pg

import (
	"testing"
	"time"

	"github.com/flowgraph/vnet/internal/buffer"
	"github.com/flowgraph/vnet/internal/graph"
)

func TestApplyEditsIncrementAndFixed(t *testing.T) {
	data := make([]byte, 8)
	edits := []FieldEdit{
		{Offset: 0, Width: 2, Kind: EditFixed, Value: 0xBEEF},
		{Offset: 2, Width: 4, Kind: EditIncrement, Value: 100},
	}

	applyEdits(data, edits, 5)

	if got := uint16(data[0])<<8 | uint16(data[1]); got != 0xBEEF {
		t.Errorf("fixed field = %#x, want 0xBEEF", got)
	}
	want := uint32(105)
	got := uint32(data[2])<<24 | uint32(data[3])<<16 | uint32(data[4])<<8 | uint32(data[5])
	if got != want {
		t.Errorf("increment field = %d, want %d", got, want)
	}
}

func TestGenerateBatchRespectsRateAndLimit(t *testing.T) {
	pool := buffer.NewPool()
	g := graph.New(pool)

	var sinkSeen int
	_, err := g.RegisterNode(graph.Descriptor{
		Name: "sink", Type: graph.TypeDrop,
		Function: func(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
			sinkSeen += frame.Length
			g.Pool().Free(frame.Indices())
			return frame.Length
		},
	})
	if err != nil {
		t.Fatalf("register sink: %v", err)
	}

	gen := New(pool)
	s := Stream{
		Name:         "s1",
		Template:     []byte{1, 2, 3, 4},
		RatePPS:      100,
		LimitPackets: 3,
		NextName:     "sink",
	}
	if err := gen.RegisterStream(g, s); err != nil {
		t.Fatalf("RegisterStream: %v", err)
	}
	// Quiesce the background process immediately: the stop signal is
	// buffered and consumed on the process's first wakeup before any real
	// clock tick can fire, so this test can safely drive generateBatch
	// directly afterward without racing the background goroutine.
	gen.Stop("s1")

	st := gen.streams["s1"]
	n, ok := g.NodeByName("pg-s1")
	if !ok {
		t.Fatal("pg-s1 node not registered")
	}

	// Drive the accumulator directly rather than sleeping on the real clock:
	// 1 second at 100pps should want 100 packets, clamped to the 3-packet
	// limit.
	generateBatch(g, n, st, time.Second)

	for i := 0; i < 5; i++ {
		g.RunOnce()
	}

	if gen.Sent("s1") != 3 {
		t.Fatalf("Sent = %d, want 3 (clamped to LimitPackets)", gen.Sent("s1"))
	}
	if sinkSeen != 3 {
		t.Fatalf("sinkSeen = %d, want 3", sinkSeen)
	}
}
