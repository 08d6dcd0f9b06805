// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package graph

import "github.com/flowgraph/vnet/internal/buffer"

// RunOnce performs one scheduler pass: every polling input node is visited,
// every interrupt-state input node with a pending signal is visited, and
// then the resulting frames are drained leaves-first through internal nodes
// until no node has further work queued. There is no preemption — each
// node's Function call runs to completion before the next is picked.
//
// It returns the number of node invocations performed, for tests and
// diagnostics.
func (g *Graph) RunOnce() int {
	invocations := 0

	for _, n := range g.nodes {
		if n.Type != TypeInput {
			continue
		}

		switch n.State {
		case StatePolling:
			n.Function(g, n, nil)
			invocations++
			g.flushAllNexts(n)
		case StateInterrupt:
			if mask := n.clearInterruptMask(); mask != 0 {
				n.Function(g, n, nil)
				invocations++
				g.flushAllNexts(n)
			}
		}
	}

	for len(g.runQueue) > 0 {
		qf := g.runQueue[0]
		g.runQueue = g.runQueue[1:]

		n := g.nodes[qf.to]
		n.Function(g, n, qf.frame)
		invocations++
		g.flushAllNexts(n)

		if !n.NFrameNoFree {
			g.recycleFrame(qf.frame)
		}
	}

	return invocations
}

// flushAllNexts commits every next-edge frame a node invocation may have
// written into, so cross-node ownership transfer is visible to the next
// scheduler pass even if the node never explicitly called FlushNext itself.
func (g *Graph) flushAllNexts(n *Node) {
	for slot := range n.nextNames {
		g.FlushNext(n.Index, slot)
	}
}

// recycleFrame returns a drained frame's buffer indices to the pool's
// default handling: by default a frame is freed after dispatch unless its
// destination edge is marked FRAME_NO_FREE_AFTER_DISPATCH (the punt path),
// in which case the sink owns the indices and is responsible for freeing
// them explicitly. A non-punt frame that reaches here was already consumed
// (rewritten onward or dropped) by its node, so only its backing storage is
// reset for reuse, not its buffer indices.
func (g *Graph) recycleFrame(f *buffer.Frame) {
	f.Reset()
}
