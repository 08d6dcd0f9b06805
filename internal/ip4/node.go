// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package ip4

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

// protocols the local node consults the listener registry for, per spec
// §3.8 ("to listeners (TCP/UDP local)").
const (
	protoTCP = 6
	protoUDP = 17
)

// srcCheckFeature is the feature-chain name gating the local node's
// source-address reverse-path check, per spec §4.6's "[source-check-via-rx,
// lookup]" example chain.
const srcCheckFeature = "source-check-via-rx"

// Error is the IP forwarding error taxonomy of spec §7, packed into
// Buffer.Error alongside the node index that classified it. This is
// distinct from PuntReason: Error always describes why a buffer took the
// next-edge it took (including ErrorNone on the ordinary success path, so
// every buffer is counted under some code); PuntReason is only meaningful
// on buffers actually headed to an external punt sink.
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

// errorStrings indexes Error's values; shared across ip4-lookup,
// ip4-rewrite and ip4-local's Descriptor.ErrorStrings since the packed
// buffer.ErrorCode already carries the node index that detected the
// error.
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

// PuntReason classifies why a buffer was handed to the punt sink, for an
// external punt-sink collaborator (spec §3's supplemented punt-reason
// feature); carried in Opaque[1], separate from the Error taxonomy that
// Buffer.Error/the per-node counters use.
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

// Processor implements the IPv4 lookup, rewrite, local-delivery and ARP
// nodes of spec §4.5, wired into one graph instance.
type Processor struct {
	Pool      *buffer.Pool
	FIB       *fib.Table
	Heap      *adj.Heap
	Ifaces    *iface.Pool
	ARP       *ethernet.Limiter
	Listeners *listener.Registry
	Log       *zap.Logger

	g *graph.Graph

	lookupNode  graph.Index
	rewriteNode graph.Index
	localNode   graph.Index
	arpNode     graph.Index
	dropNode    graph.Index
	puntNode    graph.Index

	dropSlot, puntSlot, localSlot, arpSlot, rewriteSlot int

	// arpRequestSlot is the ip4-arp node's next-edge to the ARP wire-packet
	// builder, set by RegisterArpRequestNext. Until registered, every
	// rate-limiter-allowed resolution request has nowhere to go and is
	// dropped just like a suppressed one.
	arpRequestSlot int
	haveArpRequest bool

	// protoNext maps an IP protocol number to the next-edge slot on the local
	// node that an upper-layer handler registered via RegisterProtocol.
	// Protocols with no registered handler punt as PuntProtocolUnreachable.
	protoNext map[uint8]int

	// FlowHashSeed salts the multipath selector's flow hash (spec §4.4).
	// vnet picks this randomly per process to resist hash-collision
	// targeting; this rebuild defaults it to 0 and lets callers override it.
	FlowHashSeed uint32
}

// New returns a Processor with no nodes registered yet; call RegisterNodes
// once the owning graph exists. listeners may be nil, in which case no
// dst_port-based local delivery is ever matched and every TCP/UDP packet
// falls through to the RegisterProtocol-registered handler, if any.
func New(pool *buffer.Pool, ft *fib.Table, heap *adj.Heap, ifaces *iface.Pool, arp *ethernet.Limiter, listeners *listener.Registry, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		Pool: pool, FIB: ft, Heap: heap, Ifaces: ifaces, ARP: arp, Listeners: listeners, Log: log,
		protoNext: make(map[uint8]int),
	}
}

// RegisterListener interns nextName as a next-edge off the local node and
// registers it in Listeners under dstPort, returning the listener's ID. It
// panics if Listeners is nil; construct the Processor with a non-nil
// registry to use this.
func (p *Processor) RegisterListener(dstPort uint16, nextName string) uuid.UUID {
	slot := p.g.Node(p.localNode).AddNext(nextName)
	return p.Listeners.Register(dstPort, slot)
}

// RegisterNodes registers the lookup/rewrite/local/arp nodes (plus shared
// error-drop and error-punt sinks, if g does not already have them under
// those names) and wires their fixed next-edges.
func (p *Processor) RegisterNodes(g *graph.Graph) error {
	p.g = g

	if n, ok := g.NodeByName("error-drop"); ok {
		p.dropNode = n.Index
	} else {
		idx, err := g.RegisterNode(graph.Descriptor{
			Name: "error-drop", Type: graph.TypeDrop, Function: dropNodeFn,
		})
		if err != nil {
			return err
		}
		p.dropNode = idx
	}

	if n, ok := g.NodeByName("error-punt"); ok {
		p.puntNode = n.Index
	} else {
		idx, err := g.RegisterNode(graph.Descriptor{
			Name: "error-punt", Type: graph.TypePunt, Function: puntNodeFn, NFrameNoFree: true,
		})
		if err != nil {
			return err
		}
		p.puntNode = idx
	}

	var err error
	if p.lookupNode, err = g.RegisterNode(graph.Descriptor{
		Name: "ip4-lookup", Type: graph.TypeInternal, Function: p.lookupNodeFn, ErrorStrings: errorStrings,
	}); err != nil {
		return err
	}
	if p.rewriteNode, err = g.RegisterNode(graph.Descriptor{
		Name: "ip4-rewrite", Type: graph.TypeInternal, Function: p.rewriteNodeFn, ErrorStrings: errorStrings,
	}); err != nil {
		return err
	}
	if p.localNode, err = g.RegisterNode(graph.Descriptor{
		Name: "ip4-local", Type: graph.TypeInternal, Function: p.localNodeFn, ErrorStrings: errorStrings,
	}); err != nil {
		return err
	}
	if p.arpNode, err = g.RegisterNode(graph.Descriptor{
		Name: "ip4-arp", Type: graph.TypeInternal, Function: p.arpNodeFn,
	}); err != nil {
		return err
	}

	lookup := g.Node(p.lookupNode)
	p.dropSlot = lookup.AddNext("error-drop")
	p.puntSlot = lookup.AddNext("error-punt")
	p.localSlot = lookup.AddNext("ip4-local")
	p.arpSlot = lookup.AddNext("ip4-arp")
	p.rewriteSlot = lookup.AddNext("ip4-rewrite")

	g.Node(p.rewriteNode).AddNext("error-drop")
	g.Node(p.rewriteNode).AddNext("error-punt")
	g.Node(p.localNode).AddNext("error-drop")
	g.Node(p.localNode).AddNext("error-punt")
	g.Node(p.arpNode).AddNext("error-drop")

	return nil
}

// RegisterTxNext interns name (a per-interface TX node) as a next-edge of the
// rewrite node and returns its slot, which callers store into
// adj.Rewrite.NextIndex when building an adjacency that egresses there.
func (p *Processor) RegisterTxNext(name string) int {
	return p.g.Node(p.rewriteNode).AddNext(name)
}

// RegisterArpRequestNext interns name as the ip4-arp node's next-edge to an
// ARP wire-packet builder, for buffers the rate limiter allows through.
func (p *Processor) RegisterArpRequestNext(name string) {
	p.arpRequestSlot = p.g.Node(p.arpNode).AddNext(name)
	p.haveArpRequest = true
}

// RegisterProtocol routes successfully-verified local-delivery traffic for
// ipProtocol to the named next-edge off the local node (e.g. an ICMP echo
// responder). Unregistered protocols punt as PuntProtocolUnreachable.
func (p *Processor) RegisterProtocol(ipProtocol uint8, nextName string) {
	slot := p.g.Node(p.localNode).AddNext(nextName)
	p.protoNext[ipProtocol] = slot
}

// LookupNode, RewriteNode, LocalNode, ArpNode return the registered graph
// indices, for SetNodeState / StartProcess wiring by the caller.
func (p *Processor) LookupNode() graph.Index  { return p.lookupNode }
func (p *Processor) RewriteNode() graph.Index { return p.rewriteNode }
func (p *Processor) LocalNode() graph.Index   { return p.localNode }
func (p *Processor) ArpNode() graph.Index     { return p.arpNode }

func dropNodeFn(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
	idx := frame.Indices()
	for _, bi := range idx {
		g.CountError(g.Pool().Get(bi).Error)
	}
	g.Pool().Free(idx)
	return len(idx)
}

func puntNodeFn(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
	// NFrameNoFree: the frame is left intact for an external punt sink
	// (a control-plane socket, in a full deployment) to drain; this node
	// only counts the arrival.
	for _, bi := range frame.Indices() {
		g.CountError(g.Pool().Get(bi).Error)
	}
	return frame.Length
}

// lookupNodeFn performs the FIB longest-prefix-match lookup, classifies the
// outcome into spec §7's error taxonomy, and dispatches each buffer to the
// next-edge its resolved adjacency's LookupNext names. For a multipath
// block it also computes the 5-tuple flow hash (spec §4.4) and stashes the
// selected member's adjacency index in Opaque[0]; the rewrite node reads
// that slot unchanged, so every packet of one flow egresses via the same
// weighted member.
func (p *Processor) lookupNodeFn(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
	pool := g.Pool()

	for _, bi := range frame.Indices() {
		b := pool.Get(bi)
		hdr := ParseHeader(b.CurrentBytes())
		dst := netip.AddrFrom4(hdr.DstAddr())

		a, hit := p.FIB.LookupHit(dst)
		adjacency := p.Heap.Get(a)

		selected := a
		if adjacency.LookupNext == adj.NextRewrite && adjacency.NAdj > 1 {
			proto := hdr.Protocol()
			isTCPUDP := proto == protoTCP || proto == protoUDP
			srcPort, dstPort := l4Ports(isTCPUDP, b.CurrentBytes()[HeaderLen:])
			h := flowhash.IPv4(p.FlowHashSeed, hdr.SrcAddr(), hdr.DstAddr(), proto, srcPort, dstPort, isTCPUDP)
			selected = a + adj.Index(h&uint32(adjacency.NAdj-1))
		}
		b.Opaque[0] = uint64(selected)

		g.EnqueueToNext(n.Index, bi, p.nextSlotFor(n, b, a, hit))
	}

	return frame.Length
}

// l4Ports reads the source/destination port fields present at the start of
// l4 when isTCPUDP, returning zero ports otherwise or when l4 is too short
// to hold them (a malformed or fragmented packet).
func l4Ports(isTCPUDP bool, l4 []byte) (srcPort, dstPort uint16) {
	if !isTCPUDP || len(l4) < 4 {
		return 0, 0
	}
	return binary.BigEndian.Uint16(l4[0:2]), binary.BigEndian.Uint16(l4[2:4])
}

// nextSlotFor classifies a at's resolved next-hop and records the
// corresponding §7 error on b before returning the next-edge slot to
// dispatch to.
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
		return p.arpSlot
	case adj.NextRewrite:
		return p.rewriteSlot
	default:
		b.Error = buffer.PackError(uint16(n.Index), uint16(ErrorDstLookupMiss))
		return p.dropSlot
	}
}

// rewriteNodeFn decrements TTL (skipping locally generated buffers),
// validates the egress MTU against the buffer's full fragment chain length,
// prepends the adjacency's cached L2 rewrite header, and dispatches to the
// adjacency's own cached next-edge.
func (p *Processor) rewriteNodeFn(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
	pool := g.Pool()
	dropSlot, _ := n.NextIndex("error-drop")

	for _, bi := range frame.Indices() {
		b := pool.Get(bi)
		a := adj.Index(b.Opaque[0])
		adjacency := p.Heap.Get(a)

		hdr := ParseHeader(b.CurrentBytes())

		if b.Flags&buffer.FlagLocallyGenerated == 0 {
			if !hdr.DecrementTTLAndFixChecksum() {
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

// localNodeFn implements spec §4.5's local-node contract: verify the L4
// (TCP/UDP) checksum and length, run the source-address reverse-path check
// when nothing has already failed, and dispatch by listener/protocol.
// Header-level checksum verification is ip4-input's job in the original and
// is out of scope here (this rebuild has no separate ip4-input node).
func (p *Processor) localNodeFn(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
	pool := g.Pool()
	dropSlot, _ := n.NextIndex("error-drop")
	puntSlot, _ := n.NextIndex("error-punt")

	for _, bi := range frame.Indices() {
		b := pool.Get(bi)
		hdr := ParseHeader(b.CurrentBytes())
		proto := hdr.Protocol()
		isUDP := proto == protoUDP
		isTCPUDP := isUDP || proto == protoTCP
		l4 := b.CurrentBytes()[HeaderLen:]

		// errCode stays ErrorNone — the "nothing has gone wrong yet"
		// sentinel the reverse-path check below is gated on — unless the
		// L4 checksum/length check below finds a reason to drop first.
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
			if !p.FIB.Reachable(netip.AddrFrom4(hdr.SrcAddr())) {
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

		slot, ok := p.protoNext[proto]
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

// verifyL4 validates a TCP/UDP segment's checksum over the IPv4 pseudo
// header plus body, applying the "UDP checksum zero means not computed"
// exemption (UDP only), and, for UDP, that the header's self-declared
// length fits within the bytes actually carried. lengthOK is always true
// for TCP, which has no analogous self-declared length field.
func verifyL4(hdr Header, l4 []byte, isUDP bool) (checksumOK, lengthOK bool) {
	lengthOK = true
	checksumOffset := 16 // TCP checksum field offset
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

	pseudo := pseudoHeader(hdr, uint16(len(l4)))
	sum := Checksum(append(pseudo, l4...))
	return sum == 0, lengthOK
}

// pseudoHeader builds the 12-byte IPv4 TCP/UDP pseudo header (RFC 793 §3.1,
// RFC 768) that anchors the L4 checksum to the addresses and protocol it
// was computed over.
func pseudoHeader(hdr Header, l4Len uint16) []byte {
	pseudo := make([]byte, 12)
	src := hdr.SrcAddr()
	dst := hdr.DstAddr()
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], dst[:])
	pseudo[9] = hdr.Protocol()
	binary.BigEndian.PutUint16(pseudo[10:12], l4Len)
	return pseudo
}

// listenerSlot resolves dst-port-based local delivery for TCP/UDP packets
// per spec §3.8, consulted before the generic per-protocol handler so a
// registered listener takes priority over a catch-all protocol handler.
func (p *Processor) listenerSlot(hdr Header, l4 []byte) (int, bool) {
	if p.Listeners == nil {
		return 0, false
	}
	proto := hdr.Protocol()
	if proto != protoTCP && proto != protoUDP {
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

// arpNodeFn applies the per-(dst,interface) rate limiter before handing an
// unresolved-adjacency buffer onward to the ARP request builder; requests
// suppressed by the limiter are dropped and counted, never queued.
func (p *Processor) arpNodeFn(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
	pool := g.Pool()
	dropSlot, _ := n.NextIndex("error-drop")
	now := time.Now()

	for _, bi := range frame.Indices() {
		b := pool.Get(bi)
		hdr := ParseHeader(b.CurrentBytes())
		dst := netip.AddrFrom4(hdr.DstAddr())

		if !p.ARP.Allow(dst, iface.SwIndex(b.RXSwIfIndex), now) || !p.haveArpRequest {
			g.EnqueueToNext(n.Index, bi, dropSlot)
			continue
		}

		g.EnqueueToNext(n.Index, bi, p.arpRequestSlot)
	}

	return frame.Length
}
