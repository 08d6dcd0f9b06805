// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package ip6

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowgraph/vnet/internal/adj"
	"github.com/flowgraph/vnet/internal/buffer"
	"github.com/flowgraph/vnet/internal/ethernet"
	"github.com/flowgraph/vnet/internal/fib"
	"github.com/flowgraph/vnet/internal/flowhash"
	"github.com/flowgraph/vnet/internal/graph"
	"github.com/flowgraph/vnet/internal/iface"
	"github.com/flowgraph/vnet/internal/listener"
)

// next-header values the local node consults the listener registry for.
const (
	nextHeaderTCP = 6
	nextHeaderUDP = 17
)

// srcCheckFeature mirrors internal/ip4's reverse-path-check feature name.
const srcCheckFeature = "source-check-via-rx"

// Error is internal/ip6's copy of internal/ip4.Error: the spec §7 IP
// forwarding error taxonomy, packed into Buffer.Error alongside the node
// index that classified it.
type Error uint16

const (
	ErrorNone Error = iota
	ErrorTimeExpired
	ErrorMTUExceeded
	ErrorTCPChecksum
	ErrorUDPChecksum
	ErrorUDPLength
	ErrorUnknownProtocol
	ErrorSrcLookupMiss
	ErrorDstLookupMiss
	ErrorAdjacencyDrop
	ErrorAdjacencyPunt
)

var errorStrings = []string{
	"none",
	"time-expired",
	"mtu-exceeded",
	"tcp-checksum",
	"udp-checksum",
	"udp-length",
	"unknown-protocol",
	"src-lookup-miss",
	"dst-lookup-miss",
	"adjacency-drop",
	"adjacency-punt",
}

func (e Error) String() string {
	if int(e) < len(errorStrings) {
		return errorStrings[e]
	}
	return "unknown"
}

// PuntReason mirrors internal/ip4's classification for the IPv6 path.
type PuntReason uint8

const (
	PuntNoRoute PuntReason = iota
	PuntProtocolUnreachable
	PuntAdminProhibit
	PuntOther
)

func (r PuntReason) String() string {
	switch r {
	case PuntNoRoute:
		return "no-route"
	case PuntProtocolUnreachable:
		return "protocol-unreachable"
	case PuntAdminProhibit:
		return "admin-prohibit"
	default:
		return "other"
	}
}

// Processor implements the IPv6 lookup, rewrite, local-delivery and
// neighbor-discovery nodes of spec §4.5. It shares its shape with
// internal/ip4.Processor deliberately: both walk the same fib/adj/iface
// substrate, differing only in header layout (hop limit vs TTL+checksum,
// no header checksum at all) and the neighbor-discovery vs ARP next-edge
// name.
type Processor struct {
	Pool      *buffer.Pool
	FIB       *fib.Table
	Heap      *adj.Heap
	Ifaces    *iface.Pool
	ND        *ethernet.Limiter
	Listeners *listener.Registry
	Log       *zap.Logger

	g *graph.Graph

	lookupNode  graph.Index
	rewriteNode graph.Index
	localNode   graph.Index
	ndNode      graph.Index
	dropNode    graph.Index
	puntNode    graph.Index

	dropSlot, puntSlot, localSlot, ndSlot, rewriteSlot int

	ndRequestSlot int
	haveNDRequest bool

	protoNext map[uint8]int

	// FlowHashSeed mirrors internal/ip4.Processor.FlowHashSeed.
	FlowHashSeed uint32
}

func New(pool *buffer.Pool, ft *fib.Table, heap *adj.Heap, ifaces *iface.Pool, nd *ethernet.Limiter, listeners *listener.Registry, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		Pool: pool, FIB: ft, Heap: heap, Ifaces: ifaces, ND: nd, Listeners: listeners, Log: log,
		protoNext: make(map[uint8]int),
	}
}

// RegisterListener mirrors internal/ip4.Processor.RegisterListener for the
// IPv6 local node.
func (p *Processor) RegisterListener(dstPort uint16, nextName string) uuid.UUID {
	slot := p.g.Node(p.localNode).AddNext(nextName)
	return p.Listeners.Register(dstPort, slot)
}

func (p *Processor) RegisterNodes(g *graph.Graph) error {
	p.g = g

	if n, ok := g.NodeByName("error-drop"); ok {
		p.dropNode = n.Index
	} else {
		idx, err := g.RegisterNode(graph.Descriptor{Name: "error-drop", Type: graph.TypeDrop, Function: dropNodeFn})
		if err != nil {
			return err
		}
		p.dropNode = idx
	}

	if n, ok := g.NodeByName("error-punt"); ok {
		p.puntNode = n.Index
	} else {
		idx, err := g.RegisterNode(graph.Descriptor{Name: "error-punt", Type: graph.TypePunt, Function: puntNodeFn, NFrameNoFree: true})
		if err != nil {
			return err
		}
		p.puntNode = idx
	}

	var err error
	if p.lookupNode, err = g.RegisterNode(graph.Descriptor{
		Name: "ip6-lookup", Type: graph.TypeInternal, Function: p.lookupNodeFn, ErrorStrings: errorStrings,
	}); err != nil {
		return err
	}
	if p.rewriteNode, err = g.RegisterNode(graph.Descriptor{
		Name: "ip6-rewrite", Type: graph.TypeInternal, Function: p.rewriteNodeFn, ErrorStrings: errorStrings,
	}); err != nil {
		return err
	}
	if p.localNode, err = g.RegisterNode(graph.Descriptor{
		Name: "ip6-local", Type: graph.TypeInternal, Function: p.localNodeFn, ErrorStrings: errorStrings,
	}); err != nil {
		return err
	}
	if p.ndNode, err = g.RegisterNode(graph.Descriptor{Name: "ip6-nd", Type: graph.TypeInternal, Function: p.ndNodeFn}); err != nil {
		return err
	}

	lookup := g.Node(p.lookupNode)
	p.dropSlot = lookup.AddNext("error-drop")
	p.puntSlot = lookup.AddNext("error-punt")
	p.localSlot = lookup.AddNext("ip6-local")
	p.ndSlot = lookup.AddNext("ip6-nd")
	p.rewriteSlot = lookup.AddNext("ip6-rewrite")

	g.Node(p.rewriteNode).AddNext("error-drop")
	g.Node(p.rewriteNode).AddNext("error-punt")
	g.Node(p.localNode).AddNext("error-drop")
	g.Node(p.localNode).AddNext("error-punt")
	g.Node(p.ndNode).AddNext("error-drop")

	return nil
}

func (p *Processor) RegisterTxNext(name string) int {
	return p.g.Node(p.rewriteNode).AddNext(name)
}

func (p *Processor) RegisterNDRequestNext(name string) {
	p.ndRequestSlot = p.g.Node(p.ndNode).AddNext(name)
	p.haveNDRequest = true
}

func (p *Processor) RegisterProtocol(nextHeader uint8, nextName string) {
	slot := p.g.Node(p.localNode).AddNext(nextName)
	p.protoNext[nextHeader] = slot
}

func (p *Processor) LookupNode() graph.Index  { return p.lookupNode }
func (p *Processor) RewriteNode() graph.Index { return p.rewriteNode }
func (p *Processor) LocalNode() graph.Index   { return p.localNode }
func (p *Processor) NDNode() graph.Index      { return p.ndNode }

func dropNodeFn(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
	idx := frame.Indices()
	for _, bi := range idx {
		g.CountError(g.Pool().Get(bi).Error)
	}
	g.Pool().Free(idx)
	return len(idx)
}

func puntNodeFn(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
	for _, bi := range frame.Indices() {
		g.CountError(g.Pool().Get(bi).Error)
	}
	return frame.Length
}

// lookupNodeFn is internal/ip4.Processor.lookupNodeFn's IPv6 counterpart:
// FIB lookup, §7 error classification, and the flow-hash multipath member
// selection of spec §4.4.
func (p *Processor) lookupNodeFn(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
	pool := g.Pool()

	for _, bi := range frame.Indices() {
		b := pool.Get(bi)
		hdr := ParseHeader(b.CurrentBytes())
		dst := netip.AddrFrom16(hdr.DstAddr())

		a, hit := p.FIB.LookupHit(dst)
		adjacency := p.Heap.Get(a)

		selected := a
		if adjacency.LookupNext == adj.NextRewrite && adjacency.NAdj > 1 {
			nh := hdr.NextHeader()
			isTCPUDP := nh == nextHeaderTCP || nh == nextHeaderUDP
			srcPort, dstPort := l4Ports(isTCPUDP, b.CurrentBytes()[HeaderLen:])
			h := flowhash.IPv6(p.FlowHashSeed, hdr.SrcAddr(), hdr.DstAddr(), nh, srcPort, dstPort, isTCPUDP)
			selected = a + adj.Index(h&uint32(adjacency.NAdj-1))
		}
		b.Opaque[0] = uint64(selected)

		g.EnqueueToNext(n.Index, bi, p.nextSlotFor(n, b, a, hit))
	}

	return frame.Length
}

func l4Ports(isTCPUDP bool, l4 []byte) (srcPort, dstPort uint16) {
	if !isTCPUDP || len(l4) < 4 {
		return 0, 0
	}
	return binary.BigEndian.Uint16(l4[0:2]), binary.BigEndian.Uint16(l4[2:4])
}

func (p *Processor) nextSlotFor(n *graph.Node, b *buffer.Buffer, a adj.Index, hit bool) int {
	switch p.Heap.Get(a).LookupNext {
	case adj.NextMiss, adj.NextDrop:
		if !hit {
			b.Error = buffer.PackError(uint16(n.Index), uint16(ErrorDstLookupMiss))
		} else {
			b.Error = buffer.PackError(uint16(n.Index), uint16(ErrorAdjacencyDrop))
		}
		return p.dropSlot
	case adj.NextPunt:
		b.Error = buffer.PackError(uint16(n.Index), uint16(ErrorAdjacencyPunt))
		b.Opaque[1] = uint64(PuntNoRoute)
		return p.puntSlot
	case adj.NextLocal:
		return p.localSlot
	case adj.NextArp:
		return p.ndSlot
	case adj.NextRewrite:
		return p.rewriteSlot
	default:
		b.Error = buffer.PackError(uint16(n.Index), uint16(ErrorDstLookupMiss))
		return p.dropSlot
	}
}

// rewriteNodeFn mirrors internal/ip4's rewrite node: hop-limit expiry drops
// to error-drop as TIME_EXPIRED (not punt), and the egress MTU is checked
// against the buffer's full fragment chain length before the L2 rewrite
// header is prepended.
func (p *Processor) rewriteNodeFn(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
	pool := g.Pool()
	dropSlot, _ := n.NextIndex("error-drop")

	for _, bi := range frame.Indices() {
		b := pool.Get(bi)
		a := adj.Index(b.Opaque[0])
		adjacency := p.Heap.Get(a)

		if b.Flags&buffer.FlagLocallyGenerated == 0 {
			hdr := ParseHeader(b.CurrentBytes())
			if !hdr.DecrementHopLimit() {
				b.Error = buffer.PackError(uint16(n.Index), uint16(ErrorTimeExpired))
				g.EnqueueToNext(n.Index, bi, dropSlot)
				continue
			}
		}

		if adjacency.Rewrite.MaxL3PacketBytes != 0 && pool.LengthInChain(bi) > adjacency.Rewrite.MaxL3PacketBytes {
			b.Error = buffer.PackError(uint16(n.Index), uint16(ErrorMTUExceeded))
			g.EnqueueToNext(n.Index, bi, dropSlot)
			continue
		}

		rw := adjacency.Rewrite.Bytes()
		b.Advance(-int32(len(rw)))
		copy(b.CurrentBytes()[:len(rw)], rw)
		b.TXSwIfIndex = adjacency.Rewrite.SwIfIndex

		p.Ifaces.Counters().AddTX(iface.SwIndex(b.TXSwIfIndex), 0, 1, uint64(b.CurrentLength), false)

		b.Error = buffer.PackError(uint16(n.Index), uint16(ErrorNone))
		g.EnqueueToNext(n.Index, bi, adjacency.Rewrite.NextIndex)
	}

	return frame.Length
}

// localNodeFn mirrors internal/ip4.Processor.localNodeFn: verify the L4
// checksum and length, run the source reverse-path check when nothing has
// already failed, then dispatch by listener/next-header.
func (p *Processor) localNodeFn(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
	pool := g.Pool()
	dropSlot, _ := n.NextIndex("error-drop")
	puntSlot, _ := n.NextIndex("error-punt")

	for _, bi := range frame.Indices() {
		b := pool.Get(bi)
		hdr := ParseHeader(b.CurrentBytes())
		nh := hdr.NextHeader()
		isUDP := nh == nextHeaderUDP
		isTCPUDP := isUDP || nh == nextHeaderTCP
		l4 := b.CurrentBytes()[HeaderLen:]

		errCode := ErrorNone

		if isTCPUDP {
			checksumOK, lengthOK := verifyL4(hdr, l4, isUDP)
			if isUDP && !lengthOK {
				errCode = ErrorUDPLength
			}
			if !checksumOK {
				if isUDP {
					errCode = ErrorUDPChecksum
				} else {
					errCode = ErrorTCPChecksum
				}
			}
		}

		if errCode == ErrorNone && p.Ifaces.HasFeature(iface.SwIndex(b.RXSwIfIndex), iface.DirUnicast, srcCheckFeature) {
			if !p.FIB.Reachable(netip.AddrFrom16(hdr.SrcAddr())) {
				errCode = ErrorSrcLookupMiss
			}
		}

		if errCode != ErrorNone {
			b.Error = buffer.PackError(uint16(n.Index), uint16(errCode))
			g.EnqueueToNext(n.Index, bi, dropSlot)
			continue
		}

		p.Ifaces.Counters().AddRX(iface.SwIndex(b.RXSwIfIndex), 0, 1, uint64(b.CurrentLength), false)

		if slot, ok := p.listenerSlot(hdr, l4); ok {
			b.Error = buffer.PackError(uint16(n.Index), uint16(ErrorNone))
			g.EnqueueToNext(n.Index, bi, slot)
			continue
		}

		slot, ok := p.protoNext[nh]
		if !ok {
			b.Error = buffer.PackError(uint16(n.Index), uint16(ErrorUnknownProtocol))
			b.Opaque[1] = uint64(PuntProtocolUnreachable)
			g.EnqueueToNext(n.Index, bi, puntSlot)
			continue
		}

		b.Error = buffer.PackError(uint16(n.Index), uint16(ErrorNone))
		g.EnqueueToNext(n.Index, bi, slot)
	}

	return frame.Length
}

// verifyL4 is internal/ip4's verifyL4 ported onto IPv6's pseudo header
// (RFC 2460 §8.1: 16-byte src + 16-byte dst + 32-bit upper-layer length +
// 3 zero bytes + next header).
func verifyL4(hdr Header, l4 []byte, isUDP bool) (checksumOK, lengthOK bool) {
	lengthOK = true
	checksumOffset := 16
	if isUDP {
		if len(l4) < 8 {
			return false, false
		}
		udpLen := int(binary.BigEndian.Uint16(l4[4:6]))
		lengthOK = udpLen <= len(l4)
		checksumOffset = 6
	} else if len(l4) < 18 {
		return false, true
	}

	checksum := binary.BigEndian.Uint16(l4[checksumOffset : checksumOffset+2])
	if isUDP && checksum == 0 {
		return true, lengthOK
	}

	pseudo := pseudoHeader(hdr, uint32(len(l4)))
	sum := Checksum(append(pseudo, l4...))
	return sum == 0, lengthOK
}

// pseudoHeader builds the 40-byte IPv6 TCP/UDP pseudo header.
func pseudoHeader(hdr Header, l4Len uint32) []byte {
	pseudo := make([]byte, 40)
	src := hdr.SrcAddr()
	dst := hdr.DstAddr()
	copy(pseudo[0:16], src[:])
	copy(pseudo[16:32], dst[:])
	binary.BigEndian.PutUint32(pseudo[32:36], l4Len)
	pseudo[39] = hdr.NextHeader()
	return pseudo
}

// listenerSlot is internal/ip4.Processor.listenerSlot's IPv6 counterpart.
func (p *Processor) listenerSlot(hdr Header, l4 []byte) (int, bool) {
	if p.Listeners == nil {
		return 0, false
	}
	nh := hdr.NextHeader()
	if nh != nextHeaderTCP && nh != nextHeaderUDP {
		return 0, false
	}

	if len(l4) < 4 {
		return 0, false
	}
	dstPort := uint16(l4[2])<<8 | uint16(l4[3])

	l, ok := p.Listeners.Lookup(dstPort)
	if !ok {
		return 0, false
	}
	return l.NextSlot, true
}

// ndNodeFn applies the same per-(dst,interface) rate limiter as ARP before
// handing a resolution request to the neighbor-solicitation builder.
func (p *Processor) ndNodeFn(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
	pool := g.Pool()
	dropSlot, _ := n.NextIndex("error-drop")
	now := time.Now()

	for _, bi := range frame.Indices() {
		b := pool.Get(bi)
		hdr := ParseHeader(b.CurrentBytes())
		dst := netip.AddrFrom16(hdr.DstAddr())

		if !p.ND.Allow(dst, iface.SwIndex(b.RXSwIfIndex), now) || !p.haveNDRequest {
			g.EnqueueToNext(n.Index, bi, dropSlot)
			continue
		}

		g.EnqueueToNext(n.Index, bi, p.ndRequestSlot)
	}

	return frame.Length
}
