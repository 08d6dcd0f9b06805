// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package pg implements the packet generator of spec §4.7: per-stream
// template-driven synthetic traffic, injected into the graph at a
// caller-specified rate via the cooperative process-node model of
// internal/graph.
package pg

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/flowgraph/vnet/internal/buffer"
	"github.com/flowgraph/vnet/internal/graph"
	"github.com/flowgraph/vnet/internal/iface"
)

// EditKind selects how a FieldEdit mutates its byte range on each generated
// packet.
type EditKind int

const (
	// EditFixed writes Value once per packet (a no-op across packets, but
	// shares the FieldEdit plumbing with the varying kinds below).
	EditFixed EditKind = iota
	// EditIncrement writes Value + (packets already sent on this stream),
	// wrapping at Width bytes.
	EditIncrement
	// EditRandom writes a fresh random value truncated to Width bytes.
	EditRandom
)

// FieldEdit mutates Width bytes of the per-packet buffer starting at Offset,
// after the template has been copied in, per spec §4.7's "fixed / increment
// / random" edit list.
type FieldEdit struct {
	Offset int
	Width  int // 1, 2, 4, or 8
	Kind   EditKind
	Value  uint64
}

// stopEvent signals a running stream's process to exit.
const stopEvent graph.EventType = 1

// Stream is one packet-generator stream descriptor.
type Stream struct {
	Name string

	// Template is the full per-packet byte template (L2 through whatever
	// layers the caller wants fixed); FieldEdit offsets are relative to it.
	Template []byte
	Edits    []FieldEdit

	// RatePPS is the target steady-state packets/sec; the generator's rate
	// accumulator (see streamState.acc) never exceeds this even across
	// scheduling jitter, so a stalled process catches up by at most one
	// second's worth of packets.
	RatePPS float64

	// LimitPackets caps total packets sent over the stream's lifetime; 0
	// means unbounded.
	LimitPackets uint64

	// NextName is the graph node name generated packets are enqueued to.
	NextName string

	RxSwIfIndex iface.SwIndex

	// WorkerIndex carries the stream's optional per-stream worker affinity
	// (spec §3) from configuration. Nothing in this package reads it: the
	// stream's process always runs on the graph passed to RegisterStream.
	WorkerIndex *int
}

// streamState is the live, mutable counterpart of a registered Stream.
type streamState struct {
	spec     Stream
	fl       *buffer.FreeList
	nextSlot int
	sent     uint64
	acc      float64
	ctx      *graph.ProcessContext
}

// Generator owns every registered stream's process and free list.
type Generator struct {
	pool    *buffer.Pool
	g       *graph.Graph
	streams map[string]*streamState
}

// New returns an empty Generator bound to pool; call RegisterStream once the
// owning graph exists.
func New(pool *buffer.Pool) *Generator {
	return &Generator{pool: pool, streams: make(map[string]*streamState)}
}

// RegisterStream registers s as a new process node and starts its generation
// loop. Registering the same stream name twice is an error.
func (gen *Generator) RegisterStream(g *graph.Graph, s Stream) error {
	gen.g = g

	if _, exists := gen.streams[s.Name]; exists {
		return fmt.Errorf("pg: stream %q already registered", s.Name)
	}
	if len(s.Template) == 0 {
		return fmt.Errorf("pg: stream %q has an empty template", s.Name)
	}

	fl := gen.pool.GetOrCreateFreeList("pg-"+s.Name, len(s.Template), func(b *buffer.Buffer, opaque any) {
		copy(b.Data, opaque.([]byte))
	}, s.Template)

	idx, err := g.RegisterNode(graph.Descriptor{
		Name: "pg-" + s.Name,
		Type: graph.TypeProcess,
	})
	if err != nil {
		return err
	}
	nextSlot := g.Node(idx).AddNext(s.NextName)

	st := &streamState{spec: s, fl: fl, nextSlot: nextSlot}
	gen.streams[s.Name] = st

	st.ctx = g.StartProcess(idx, func(ctx *graph.ProcessContext, g *graph.Graph, n *graph.Node) {
		runStream(ctx, g, n, st)
	})

	return nil
}

// Stop halts the named stream's generation loop.
func (gen *Generator) Stop(name string) {
	if st, ok := gen.streams[name]; ok {
		st.ctx.Signal(stopEvent)
	}
}

// Sent reports how many packets the named stream has generated so far.
func (gen *Generator) Sent(name string) uint64 {
	if st, ok := gen.streams[name]; ok {
		return st.sent
	}
	return 0
}

// tick is the generator's scheduling granularity: finer than this wastes
// goroutine wakeups on sub-packet accumulator deltas at any plausible rate,
// coarser visibly quantizes low-rate streams.
const tick = 10 * time.Millisecond

func runStream(ctx *graph.ProcessContext, g *graph.Graph, n *graph.Node, st *streamState) {
	last := time.Now()

	for {
		evs := ctx.WaitForEventOrClock(tick)
		for _, ev := range evs {
			if ev == stopEvent {
				return
			}
		}

		now := time.Now()
		dt := now.Sub(last)
		last = now

		generateBatch(g, n, st, dt)
	}
}

// generateBatch advances st's rate accumulator by dt and emits the integral
// number of packets now due, per spec §4.7's "acc += dt*pps; floor(acc)"
// rule — acc is capped at RatePPS, one second's worth of packets, so a long
// scheduling gap produces at most that many packets at once.
func generateBatch(g *graph.Graph, n *graph.Node, st *streamState, dt time.Duration) {
	st.acc += dt.Seconds() * st.spec.RatePPS
	if st.acc > st.spec.RatePPS {
		st.acc = st.spec.RatePPS
	}
	toSend := int(st.acc)
	if toSend <= 0 {
		return
	}
	st.acc -= float64(toSend)

	if st.spec.LimitPackets > 0 {
		remaining := st.spec.LimitPackets - st.sent
		if uint64(toSend) > remaining {
			toSend = int(remaining)
		}
	}
	if toSend <= 0 {
		return
	}

	var out [1]buffer.Index
	for i := 0; i < toSend; i++ {
		if nAllocated := st.fl.AllocFromFreeList(out[:], 1); nAllocated == 0 {
			break
		}

		b := g.Pool().Get(out[0])
		copy(b.Data, st.spec.Template)
		applyEdits(b.Data, st.spec.Edits, st.sent)

		b.CurrentData = 0
		b.CurrentLength = uint32(len(st.spec.Template))
		b.Flags |= buffer.FlagLocallyGenerated
		b.RXSwIfIndex = uint32(st.spec.RxSwIfIndex)

		g.EnqueueToNext(n.Index, out[0], st.nextSlot)
		st.sent++
	}

	g.FlushNext(n.Index, st.nextSlot)
}

func applyEdits(data []byte, edits []FieldEdit, packetsSent uint64) {
	for _, e := range edits {
		var v uint64
		switch e.Kind {
		case EditFixed:
			v = e.Value
		case EditIncrement:
			v = e.Value + packetsSent
		case EditRandom:
			v = rand.Uint64()
		}

		field := data[e.Offset : e.Offset+e.Width]
		switch e.Width {
		case 1:
			field[0] = byte(v)
		case 2:
			binary.BigEndian.PutUint16(field, uint16(v))
		case 4:
			binary.BigEndian.PutUint32(field, uint32(v))
		case 8:
			binary.BigEndian.PutUint64(field, v)
		}
	}
}
