// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package graph

import "github.com/flowgraph/vnet/internal/buffer"

// GetNextFrame returns a writable cursor into the current or a
// newly-allocated frame for the (from, nextSlot) edge, plus the number of
// free slots remaining. It must be paired with PutNextFrame once the caller
// is done appending.
func (g *Graph) GetNextFrame(from Index, nextSlot int) (*buffer.Frame, int) {
	key := edgeKey{from: from, next: nextSlot}

	f, ok := g.pending[key]
	if !ok {
		f = &buffer.Frame{}
		g.pending[key] = f
	}

	return f, f.Free()
}

// PutNextFrame commits a frame obtained via GetNextFrame. nLeft is the
// number of free slots the caller observed remain after its writes
// (informational, mirroring the original's signature); the frame itself
// already reflects every Push call made against it.
func (g *Graph) PutNextFrame(from Index, nextSlot int, nLeft int) {
	_ = nLeft // frame.Length is authoritative; nLeft is accepted for API fidelity.
}

// EnqueueToNext dispatches one buffer index to the next-edge named by
// nextDesired. Each (node, next-edge) pair keeps its own pending frame, so
// switching next-edges needs no flush; the frame for nextDesired is flushed
// and reallocated only when it is full. This is the
// generalization of the original's validate_buffer_enqueue_x1/x2: call it
// once per buffer to dispatch any number of buffers across possibly
// different next-edges from the same node invocation, while still batching
// runs to the same next-edge into one frame.
func (g *Graph) EnqueueToNext(from Index, bi buffer.Index, nextDesired int) {
	f, free := g.GetNextFrame(from, nextDesired)
	if free == 0 {
		g.FlushNext(from, nextDesired)
		f, _ = g.GetNextFrame(from, nextDesired)
	}

	f.Push(bi)
	g.nodes[from].mru = nextDesired
}

// FlushNext dispatches the pending frame for (from, nextSlot), if any, to
// its destination node's pending queue for the next scheduler pass, then
// resets the slot so a subsequent GetNextFrame starts a fresh frame. Frames
// bound for a FRAME_NO_FREE_AFTER_DISPATCH edge (the punt path) are left
// intact for the sink to inspect rather than recycled immediately.
func (g *Graph) FlushNext(from Index, nextSlot int) {
	key := edgeKey{from: from, next: nextSlot}

	f, ok := g.pending[key]
	if !ok || f.Length == 0 {
		return
	}

	fromNode := g.nodes[from]
	toIdx := g.resolveNext(fromNode, nextSlot)

	g.runQueue = append(g.runQueue, queuedFrame{to: toIdx, frame: f})
	delete(g.pending, key)
}

// resolveNext maps a node-local next-edge slot to the destination Node's
// graph index. Each node's nextNames[slot] is itself a graph-global node
// name, looked up once per flush (cheap relative to frame batching).
func (g *Graph) resolveNext(from *Node, slot int) Index {
	name := from.nextNames[slot]
	idx, ok := g.byName[name]
	if !ok {
		panic("graph: next-edge " + name + " declared but never registered as a node")
	}
	return idx
}

// queuedFrame is one frame waiting to be dispatched to its destination node
// on the next scheduler pass.
type queuedFrame struct {
	to    Index
	frame *buffer.Frame
}
