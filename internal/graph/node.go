// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package graph implements the node registry, next-edge table, and
// run-to-completion scheduler that hands frames of buffer indices between
// processing nodes, per spec §4.2. There is no preemption within one graph
// instance: a node invocation runs to completion before the scheduler picks
// the next runnable node.
package graph

import (
	"fmt"

	"github.com/flowgraph/vnet/internal/buffer"
)

// Type is a node's role in the graph.
type Type int

const (
	TypeInput Type = iota
	TypeInternal
	TypeOutput
	TypeProcess
	TypeDrop
	TypePunt
)

func (t Type) String() string {
	switch t {
	case TypeInput:
		return "input"
	case TypeInternal:
		return "internal"
	case TypeOutput:
		return "output"
	case TypeProcess:
		return "process"
	case TypeDrop:
		return "drop"
	case TypePunt:
		return "punt"
	default:
		return "unknown"
	}
}

// State governs whether and how an Input node is visited by the scheduler.
type State int

const (
	StateDisabled State = iota
	StatePolling
	StateInterrupt
)

// Index identifies a registered node.
type Index int

// InvalidIndex marks "no node", e.g. an unset next-edge.
const InvalidIndex Index = -1

// Function is a node's batch handler: it drains frame (owned by the caller
// for the duration of the call) and returns how many buffers it processed.
// Implementations dispatch each buffer onward via Graph.EnqueueToNext before
// returning.
type Function func(g *Graph, n *Node, frame *buffer.Frame) (nProcessed int)

// Descriptor is the static definition passed to RegisterNode.
type Descriptor struct {
	Name          string
	Type          Type
	Function      Function
	ErrorStrings  []string
	NFrameNoFree  bool // FRAME_NO_FREE_AFTER_DISPATCH, set for punt edges
}

// Node is one registered graph vertex.
type Node struct {
	Index Index
	Descriptor

	State State

	nextNames []string
	nextIndex map[string]int // name -> slot in nextNames/Graph edge table

	// runtimeMask is the 1-word interrupt mask: bit i set means next-edge or
	// driver-signaled work is pending for this interrupt-state input node.
	runtimeMask uint64

	// mru caches the most recently used next index for branch prediction in
	// the original; preserved here since some nodes (e.g. rewrite) rely on
	// "usually same next" framing to batch per-next frames.
	mru int

	// errorCounts is indexed by a node-local error code (the low 16 bits of
	// a buffer.ErrorCode); it grows lazily the first time a code is
	// counted, mirroring the original's per-node error heap.
	errorCounts []uint64
}

// CountError increments n's counter for the node-local error code,
// growing the backing slice if code has not been seen on n before.
func (n *Node) CountError(code uint16) {
	if int(code) >= len(n.errorCounts) {
		grown := make([]uint64, code+1)
		copy(grown, n.errorCounts)
		n.errorCounts = grown
	}
	n.errorCounts[code]++
}

// ErrorCount reports n's current counter for a node-local error code.
func (n *Node) ErrorCount(code uint16) uint64 {
	if int(code) >= len(n.errorCounts) {
		return 0
	}
	return n.errorCounts[code]
}

// ErrorCounts pairs every name in n.ErrorStrings with its current count,
// for the routes CLI and tests; codes with no matching name are omitted.
func (n *Node) ErrorCounts() map[string]uint64 {
	out := make(map[string]uint64, len(n.ErrorStrings))
	for code, name := range n.ErrorStrings {
		out[name] = n.ErrorCount(uint16(code))
	}
	return out
}

// AddNext declares (or looks up) a named next-edge from n, returning its
// slot index. Adding a next after registration appends a slot; it never
// invalidates previously returned indices.
func (n *Node) AddNext(name string) int {
	if idx, ok := n.nextIndex[name]; ok {
		return idx
	}

	idx := len(n.nextNames)
	n.nextNames = append(n.nextNames, name)
	n.nextIndex[name] = idx

	return idx
}

// NextIndex returns the slot index for an already-declared next-edge name,
// or false if the node never declared it.
func (n *Node) NextIndex(name string) (int, bool) {
	idx, ok := n.nextIndex[name]
	return idx, ok
}

// SignalInterruptBit sets bit i of the node's runtime mask, the mechanism a
// driver ISR (or equivalent) uses to mark an interrupt-state input node
// runnable for the next scheduler pass.
func (n *Node) SignalInterruptBit(bit uint) {
	n.runtimeMask |= 1 << bit
}

func (n *Node) clearInterruptMask() uint64 {
	mask := n.runtimeMask
	n.runtimeMask = 0
	return mask
}

// Graph is the node registry plus per-(node,next) pending-frame queue.
// Mutation (RegisterNode, AddNext, SetNodeState) is only safe at init time
// and from process-context callbacks, never from a running data-plane node,
// per spec §4.2's shared-resource policy.
type Graph struct {
	nodes   []*Node
	byName  map[string]Index
	pending map[edgeKey]*buffer.Frame
	pool    *buffer.Pool

	runQueue []queuedFrame
}

type edgeKey struct {
	from Index
	next int
}

// New returns an empty graph instance bound to pool for buffer dereference.
func New(pool *buffer.Pool) *Graph {
	return &Graph{
		byName:  make(map[string]Index),
		pending: make(map[edgeKey]*buffer.Frame),
		pool:    pool,
	}
}

// RegisterNode adds d to the graph and returns its index. Registering the
// same name twice is an error, mirroring the original's node-name registry.
func (g *Graph) RegisterNode(d Descriptor) (Index, error) {
	if _, exists := g.byName[d.Name]; exists {
		return InvalidIndex, fmt.Errorf("graph: node %q already registered", d.Name)
	}

	idx := Index(len(g.nodes))
	n := &Node{
		Index:      idx,
		Descriptor: d,
		nextIndex:  make(map[string]int),
	}
	g.nodes = append(g.nodes, n)
	g.byName[d.Name] = idx

	return idx, nil
}

// Node returns the registered node at idx.
func (g *Graph) Node(idx Index) *Node {
	return g.nodes[idx]
}

// NodeByName resolves a node by its registered name.
func (g *Graph) NodeByName(name string) (*Node, bool) {
	idx, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.nodes[idx], true
}

// SetNodeState transitions a node between disabled, polling and interrupt.
func (g *Graph) SetNodeState(idx Index, s State) {
	g.nodes[idx].State = s
}

// Pool returns the buffer pool this graph dereferences indices against.
func (g *Graph) Pool() *buffer.Pool {
	return g.pool
}

// CountError unpacks e's (node, local-code) pair and increments that
// node's error counter — the run-length aggregation spec §7 expects
// drop/punt sinks to maintain per upstream node that classified the
// error. A zero ErrorCode (no error recorded) is still counted, the same
// way the original always attributes a drop to some error slot.
func (g *Graph) CountError(e buffer.ErrorCode) {
	nodeIdx, code := e.Unpack()
	if int(nodeIdx) >= len(g.nodes) {
		return
	}
	g.nodes[nodeIdx].CountError(code)
}
