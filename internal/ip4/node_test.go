// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package ip4

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"testing"

	"github.com/flowgraph/vnet/internal/adj"
	"github.com/flowgraph/vnet/internal/buffer"
	"github.com/flowgraph/vnet/internal/ethernet"
	"github.com/flowgraph/vnet/internal/fib"
	"github.com/flowgraph/vnet/internal/graph"
	"github.com/flowgraph/vnet/internal/iface"
	"github.com/flowgraph/vnet/internal/listener"
)

// buildPacket returns a well-formed 20-byte IPv4 header (no payload) with a
// valid checksum, addressed from src to dst with the given protocol and TTL.
func buildPacket(src, dst [4]byte, ttl, proto uint8) []byte {
	b := make([]byte, HeaderLen)
	b[0] = 0x45
	binary.BigEndian.PutUint16(b[2:4], HeaderLen)
	b[8] = ttl
	b[9] = proto
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
	Header(b).SetChecksum(0)
	Header(b).SetChecksum(Checksum(b))
	return b
}

type testHarness struct {
	t      *testing.T
	g      *graph.Graph
	pool   *buffer.Pool
	fl     *buffer.FreeList
	proc   *Processor
	heap   *adj.Heap
	fibTbl *fib.Table

	pending  []buffer.Index
	inputIdx graph.Index

	txSeen []buffer.Index
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	pool := buffer.NewPool()
	fl := pool.GetOrCreateFreeList("default", 256, nil, nil)

	h := adj.NewHeap()
	mp := adj.NewMultipath(h)
	ft := fib.New(h, mp)

	ifaces := iface.New(nil)
	ifaces.RegisterInterface("test0", "test", "test", [6]byte{0xaa, 0xbb, 0xcc, 0, 0, 1}, 1500, graph.InvalidIndex, graph.InvalidIndex)
	arpLimiter := ethernet.NewLimiter(1000)

	proc := New(pool, ft, h, ifaces, arpLimiter, listener.New(), nil)
	g := graph.New(pool)
	if err := proc.RegisterNodes(g); err != nil {
		t.Fatalf("RegisterNodes: %v", err)
	}

	harness := &testHarness{t: t, g: g, pool: pool, fl: fl, proc: proc, heap: h, fibTbl: ft}

	txIdx, err := g.RegisterNode(graph.Descriptor{
		Name: "test-tx", Type: graph.TypeOutput,
		Function: func(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
			harness.txSeen = append(harness.txSeen, frame.Indices()...)
			return frame.Length
		},
	})
	if err != nil {
		t.Fatalf("register test-tx: %v", err)
	}

	inputIdx, err := g.RegisterNode(graph.Descriptor{
		Name: "test-input", Type: graph.TypeInput,
		Function: func(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
			for _, bi := range harness.pending {
				g.EnqueueToNext(n.Index, bi, 0)
			}
			harness.pending = nil
			return 0
		},
	})
	if err != nil {
		t.Fatalf("register test-input: %v", err)
	}
	g.Node(inputIdx).AddNext("ip4-lookup")
	g.SetNodeState(inputIdx, graph.StatePolling)
	harness.inputIdx = inputIdx

	_ = txIdx
	return harness
}

// headroom reserves space before CurrentData for the rewrite node to prepend
// an L2 header into, mirroring the original's VLIB_BUFFER_PRE_DATA_SIZE.
const headroom = 128

func (h *testHarness) allocBuffer(pkt []byte) buffer.Index {
	h.t.Helper()
	var out [1]buffer.Index
	if n := h.fl.AllocFromFreeList(out[:], 1); n != 1 {
		h.t.Fatalf("AllocFromFreeList: got %d, want 1", n)
	}
	b := h.pool.Get(out[0])
	b.CurrentData = headroom
	b.CurrentLength = uint32(copy(b.Data[headroom:], pkt))
	return out[0]
}

func TestLookupDispatchesToRewriteOnRouteHit(t *testing.T) {
	h := newHarness(t)
	txSlot := h.proc.RegisterTxNext("test-tx")

	rw := adj.Rewrite{NextIndex: txSlot, MaxL3PacketBytes: 1500}
	rw.SetBytes([]byte{0xaa, 0xbb, 0xcc, 0, 0, 1, 1, 2, 3, 4, 5, 6, 0x08, 0x00})
	base := h.heap.Add(adj.Adjacency{LookupNext: adj.NextRewrite, Rewrite: rw}, 1)

	route := netip.MustParsePrefix("10.0.0.0/24")
	if err := h.fibTbl.AddDelRoute(route, fib.FlagAdd, base); err != nil {
		t.Fatalf("AddDelRoute: %v", err)
	}

	pkt := buildPacket([4]byte{192, 168, 1, 1}, [4]byte{10, 0, 0, 5}, 64, 17)
	bi := h.allocBuffer(pkt)
	h.pending = append(h.pending, bi)

	for i := 0; i < 3; i++ {
		h.g.RunOnce()
	}

	if len(h.txSeen) != 1 {
		t.Fatalf("tx-seen = %d, want 1", len(h.txSeen))
	}

	out := h.pool.Get(h.txSeen[0])
	rewriteLen := len(rw.Bytes())
	hdr := ParseHeader(out.CurrentBytes()[rewriteLen:])
	if hdr.TTL() != 63 {
		t.Errorf("TTL = %d, want 63", hdr.TTL())
	}
	if !VerifyChecksum(hdr) {
		t.Error("rewritten header checksum invalid")
	}
}

func TestLookupMissDropsToErrorDrop(t *testing.T) {
	h := newHarness(t)

	pkt := buildPacket([4]byte{192, 168, 1, 1}, [4]byte{172, 16, 0, 5}, 64, 17)
	bi := h.allocBuffer(pkt)
	h.pending = append(h.pending, bi)

	for i := 0; i < 3; i++ {
		h.g.RunOnce()
	}

	if len(h.txSeen) != 0 {
		t.Fatalf("tx-seen = %d, want 0 (no route installed)", len(h.txSeen))
	}
}

func TestRewriteExpiredTTLDropsWithTimeExpired(t *testing.T) {
	h := newHarness(t)
	txSlot := h.proc.RegisterTxNext("test-tx")

	rw := adj.Rewrite{NextIndex: txSlot}
	rw.SetBytes([]byte{1, 2, 3, 4, 5, 6})
	base := h.heap.Add(adj.Adjacency{LookupNext: adj.NextRewrite, Rewrite: rw}, 1)

	route := netip.MustParsePrefix("10.0.0.0/24")
	if err := h.fibTbl.AddDelRoute(route, fib.FlagAdd, base); err != nil {
		t.Fatalf("AddDelRoute: %v", err)
	}

	pkt := buildPacket([4]byte{192, 168, 1, 1}, [4]byte{10, 0, 0, 5}, 1, 17)
	bi := h.allocBuffer(pkt)
	h.pending = append(h.pending, bi)

	for i := 0; i < 3; i++ {
		h.g.RunOnce()
	}

	if len(h.txSeen) != 0 {
		t.Fatalf("tx-seen = %d, want 0 (TTL expired)", len(h.txSeen))
	}

	rewriteNode := h.g.Node(h.proc.RewriteNode())
	if got := rewriteNode.ErrorCount(uint16(ErrorTimeExpired)); got != 1 {
		t.Errorf("ip4-rewrite TIME_EXPIRED count = %d, want 1", got)
	}
}

func TestLocalNodeRoutesByProtocol(t *testing.T) {
	h := newHarness(t)

	udpIdx, err := h.g.RegisterNode(graph.Descriptor{
		Name: "test-udp", Type: graph.TypeOutput,
		Function: func(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
			h.txSeen = append(h.txSeen, frame.Indices()...)
			return frame.Length
		},
	})
	if err != nil {
		t.Fatalf("register test-udp: %v", err)
	}
	_ = udpIdx
	h.proc.RegisterProtocol(17, "test-udp")

	localAdj := h.heap.Add(adj.Adjacency{LookupNext: adj.NextLocal}, 1)
	route := netip.MustParsePrefix("10.0.0.5/32")
	if err := h.fibTbl.AddDelRoute(route, fib.FlagAdd, localAdj); err != nil {
		t.Fatalf("AddDelRoute: %v", err)
	}

	hdr := buildPacket([4]byte{192, 168, 1, 1}, [4]byte{10, 0, 0, 5}, 64, 17)
	pkt := append(hdr, make([]byte, 8)...) // zero UDP header: checksum 0 is exempt, length 0 <= 8
	bi := h.allocBuffer(pkt)
	h.pending = append(h.pending, bi)

	for i := 0; i < 3; i++ {
		h.g.RunOnce()
	}

	if len(h.txSeen) != 1 {
		t.Fatalf("tx-seen = %d, want 1", len(h.txSeen))
	}
}

func TestLocalNodeRoutesByListenerPort(t *testing.T) {
	h := newHarness(t)

	_, err := h.g.RegisterNode(graph.Descriptor{
		Name: "test-listener", Type: graph.TypeOutput,
		Function: func(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
			h.txSeen = append(h.txSeen, frame.Indices()...)
			return frame.Length
		},
	})
	if err != nil {
		t.Fatalf("register test-listener: %v", err)
	}
	// A catch-all UDP handler is also registered, to prove the listener
	// takes priority over it.
	_, err = h.g.RegisterNode(graph.Descriptor{
		Name: "test-udp-catchall", Type: graph.TypeOutput,
		Function: func(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int { return frame.Length },
	})
	if err != nil {
		t.Fatalf("register test-udp-catchall: %v", err)
	}
	h.proc.RegisterProtocol(17, "test-udp-catchall")
	h.proc.RegisterListener(53, "test-listener")

	localAdj := h.heap.Add(adj.Adjacency{LookupNext: adj.NextLocal}, 1)
	route := netip.MustParsePrefix("10.0.0.5/32")
	if err := h.fibTbl.AddDelRoute(route, fib.FlagAdd, localAdj); err != nil {
		t.Fatalf("AddDelRoute: %v", err)
	}

	hdr := buildPacket([4]byte{192, 168, 1, 1}, [4]byte{10, 0, 0, 5}, 64, 17)
	pkt := append(hdr, make([]byte, 8)...)
	pkt[HeaderLen+2] = 0
	pkt[HeaderLen+3] = 53

	bi := h.allocBuffer(pkt)
	h.pending = append(h.pending, bi)

	for i := 0; i < 3; i++ {
		h.g.RunOnce()
	}

	if len(h.txSeen) != 1 {
		t.Fatalf("tx-seen = %d, want 1 (listener should win over catch-all)", len(h.txSeen))
	}
}

func TestLookupMultipathSelectsMemberByFlowHash(t *testing.T) {
	h := newHarness(t)

	const nMembers = 4
	counts := make([]int, nMembers)
	memberAdj := make([]adj.Index, nMembers)

	for i := 0; i < nMembers; i++ {
		i := i
		txName := fmt.Sprintf("test-tx-member-%d", i)
		if _, err := h.g.RegisterNode(graph.Descriptor{
			Name: txName, Type: graph.TypeOutput,
			Function: func(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
				counts[i] += frame.Length
				return frame.Length
			},
		}); err != nil {
			t.Fatalf("register %s: %v", txName, err)
		}
		txSlot := h.proc.RegisterTxNext(txName)

		rw := adj.Rewrite{NextIndex: txSlot}
		rw.SetBytes([]byte{byte(i), 1, 2, 3, 4, 5})
		memberAdj[i] = h.heap.Add(adj.Adjacency{LookupNext: adj.NextRewrite, Rewrite: rw}, 1)
	}

	route := netip.MustParsePrefix("10.0.0.0/24")
	for i := 0; i < nMembers; i++ {
		if err := h.fibTbl.AddRouteNextHop(route, adj.NextHop{Adj: memberAdj[i], Weight: 1}); err != nil {
			t.Fatalf("AddRouteNextHop: %v", err)
		}
	}

	for i := 0; i < 200; i++ {
		src := [4]byte{192, 168, byte(i >> 8), byte(i)}
		pkt := buildPacket(src, [4]byte{10, 0, 0, 5}, 64, 17)
		bi := h.allocBuffer(pkt)
		h.pending = append(h.pending, bi)
		for j := 0; j < 3; j++ {
			h.g.RunOnce()
		}
	}

	hit := 0
	for _, c := range counts {
		if c > 0 {
			hit++
		}
	}
	if hit < 2 {
		t.Fatalf("flow hash selected only %d distinct multipath member(s) across 200 varied flows, want >= 2", hit)
	}
}

func TestRewriteMTUExceededDrops(t *testing.T) {
	h := newHarness(t)
	txSlot := h.proc.RegisterTxNext("test-tx")

	rw := adj.Rewrite{NextIndex: txSlot, MaxL3PacketBytes: 10}
	rw.SetBytes([]byte{1, 2, 3, 4, 5, 6})
	base := h.heap.Add(adj.Adjacency{LookupNext: adj.NextRewrite, Rewrite: rw}, 1)

	route := netip.MustParsePrefix("10.0.0.0/24")
	if err := h.fibTbl.AddDelRoute(route, fib.FlagAdd, base); err != nil {
		t.Fatalf("AddDelRoute: %v", err)
	}

	pkt := buildPacket([4]byte{192, 168, 1, 1}, [4]byte{10, 0, 0, 5}, 64, 17)
	bi := h.allocBuffer(pkt)
	h.pending = append(h.pending, bi)

	for i := 0; i < 3; i++ {
		h.g.RunOnce()
	}

	if len(h.txSeen) != 0 {
		t.Fatalf("tx-seen = %d, want 0 (MTU exceeded)", len(h.txSeen))
	}
	rewriteNode := h.g.Node(h.proc.RewriteNode())
	if got := rewriteNode.ErrorCount(uint16(ErrorMTUExceeded)); got != 1 {
		t.Errorf("ip4-rewrite MTU_EXCEEDED count = %d, want 1", got)
	}
}

func TestLocalNodeDropsBadUDPChecksum(t *testing.T) {
	h := newHarness(t)
	h.proc.RegisterProtocol(17, "test-udp-unreached")

	localAdj := h.heap.Add(adj.Adjacency{LookupNext: adj.NextLocal}, 1)
	route := netip.MustParsePrefix("10.0.0.5/32")
	if err := h.fibTbl.AddDelRoute(route, fib.FlagAdd, localAdj); err != nil {
		t.Fatalf("AddDelRoute: %v", err)
	}

	hdr := buildPacket([4]byte{192, 168, 1, 1}, [4]byte{10, 0, 0, 5}, 64, 17)
	udp := make([]byte, 8)
	binary.BigEndian.PutUint16(udp[4:6], 8)
	binary.BigEndian.PutUint16(udp[6:8], 0xdead) // bogus non-zero checksum
	pkt := append(hdr, udp...)
	bi := h.allocBuffer(pkt)
	h.pending = append(h.pending, bi)

	for i := 0; i < 3; i++ {
		h.g.RunOnce()
	}

	localNode := h.g.Node(h.proc.LocalNode())
	if got := localNode.ErrorCount(uint16(ErrorUDPChecksum)); got != 1 {
		t.Errorf("ip4-local UDP_CHECKSUM count = %d, want 1", got)
	}
}

func TestLocalNodeDropsUDPLengthMismatch(t *testing.T) {
	h := newHarness(t)

	localAdj := h.heap.Add(adj.Adjacency{LookupNext: adj.NextLocal}, 1)
	route := netip.MustParsePrefix("10.0.0.5/32")
	if err := h.fibTbl.AddDelRoute(route, fib.FlagAdd, localAdj); err != nil {
		t.Fatalf("AddDelRoute: %v", err)
	}

	hdr := buildPacket([4]byte{192, 168, 1, 1}, [4]byte{10, 0, 0, 5}, 64, 17)
	udp := make([]byte, 8)
	binary.BigEndian.PutUint16(udp[4:6], 100) // declares far more than the 8 bytes actually carried
	pkt := append(hdr, udp...)
	bi := h.allocBuffer(pkt)
	h.pending = append(h.pending, bi)

	for i := 0; i < 3; i++ {
		h.g.RunOnce()
	}

	localNode := h.g.Node(h.proc.LocalNode())
	if got := localNode.ErrorCount(uint16(ErrorUDPLength)); got != 1 {
		t.Errorf("ip4-local UDP_LENGTH count = %d, want 1", got)
	}
}

func TestLocalNodeDispatchesGoodTCPChecksum(t *testing.T) {
	h := newHarness(t)

	if _, err := h.g.RegisterNode(graph.Descriptor{
		Name: "test-tcp", Type: graph.TypeOutput,
		Function: func(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
			h.txSeen = append(h.txSeen, frame.Indices()...)
			return frame.Length
		},
	}); err != nil {
		t.Fatalf("register test-tcp: %v", err)
	}
	h.proc.RegisterProtocol(protoTCP, "test-tcp")

	localAdj := h.heap.Add(adj.Adjacency{LookupNext: adj.NextLocal}, 1)
	route := netip.MustParsePrefix("10.0.0.5/32")
	if err := h.fibTbl.AddDelRoute(route, fib.FlagAdd, localAdj); err != nil {
		t.Fatalf("AddDelRoute: %v", err)
	}

	hdr := buildPacket([4]byte{192, 168, 1, 1}, [4]byte{10, 0, 0, 5}, 64, protoTCP)
	tcp := make([]byte, 20)
	pseudo := pseudoHeader(Header(hdr), uint16(len(tcp)))
	sum := Checksum(append(append([]byte(nil), pseudo...), tcp...))
	binary.BigEndian.PutUint16(tcp[16:18], sum)

	pkt := append(hdr, tcp...)
	bi := h.allocBuffer(pkt)
	h.pending = append(h.pending, bi)

	for i := 0; i < 3; i++ {
		h.g.RunOnce()
	}

	if len(h.txSeen) != 1 {
		t.Fatalf("tx-seen = %d, want 1 (good TCP checksum)", len(h.txSeen))
	}
}

func TestLocalNodeSourceCheckPreemptsListenerDelivery(t *testing.T) {
	h := newHarness(t)

	if _, err := h.g.RegisterNode(graph.Descriptor{
		Name: "test-listener-src", Type: graph.TypeOutput,
		Function: func(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
			h.txSeen = append(h.txSeen, frame.Indices()...)
			return frame.Length
		},
	}); err != nil {
		t.Fatalf("register test-listener-src: %v", err)
	}
	h.proc.RegisterListener(53, "test-listener-src")
	h.proc.Ifaces.AddFeature(iface.SwIndex(0), iface.DirUnicast, []string{"source-check-via-rx"})

	localAdj := h.heap.Add(adj.Adjacency{LookupNext: adj.NextLocal}, 1)
	route := netip.MustParsePrefix("10.0.0.5/32")
	if err := h.fibTbl.AddDelRoute(route, fib.FlagAdd, localAdj); err != nil {
		t.Fatalf("AddDelRoute: %v", err)
	}
	// No route back to 192.168.1.1 is installed, so the reverse-path check
	// must fail even though a listener is registered on the dst port.

	hdr := buildPacket([4]byte{192, 168, 1, 1}, [4]byte{10, 0, 0, 5}, 64, 17)
	udp := make([]byte, 8)
	binary.BigEndian.PutUint16(udp[2:4], 53)
	pkt := append(hdr, udp...)
	bi := h.allocBuffer(pkt)
	h.pending = append(h.pending, bi)

	for i := 0; i < 3; i++ {
		h.g.RunOnce()
	}

	if len(h.txSeen) != 0 {
		t.Fatalf("tx-seen = %d, want 0 (source check should preempt listener delivery)", len(h.txSeen))
	}
	localNode := h.g.Node(h.proc.LocalNode())
	if got := localNode.ErrorCount(uint16(ErrorSrcLookupMiss)); got != 1 {
		t.Errorf("ip4-local SRC_LOOKUP_MISS count = %d, want 1", got)
	}
}

func TestLocalNodePuntsUnknownProtocol(t *testing.T) {
	h := newHarness(t)

	localAdj := h.heap.Add(adj.Adjacency{LookupNext: adj.NextLocal}, 1)
	route := netip.MustParsePrefix("10.0.0.5/32")
	if err := h.fibTbl.AddDelRoute(route, fib.FlagAdd, localAdj); err != nil {
		t.Fatalf("AddDelRoute: %v", err)
	}

	pkt := buildPacket([4]byte{192, 168, 1, 1}, [4]byte{10, 0, 0, 5}, 64, 41) // no handler registered
	bi := h.allocBuffer(pkt)
	h.pending = append(h.pending, bi)

	for i := 0; i < 3; i++ {
		h.g.RunOnce()
	}

	localNode := h.g.Node(h.proc.LocalNode())
	if got := localNode.ErrorCount(uint16(ErrorUnknownProtocol)); got != 1 {
		t.Errorf("ip4-local UNKNOWN_PROTOCOL count = %d, want 1", got)
	}
}

func TestArpNodeRateLimitsRequests(t *testing.T) {
	h := newHarness(t)

	arpAdj := h.heap.Add(adj.Adjacency{LookupNext: adj.NextArp}, 1)
	route := netip.MustParsePrefix("10.0.0.5/32")
	if err := h.fibTbl.AddDelRoute(route, fib.FlagAdd, arpAdj); err != nil {
		t.Fatalf("AddDelRoute: %v", err)
	}

	reqIdx, err := h.g.RegisterNode(graph.Descriptor{
		Name: "test-arp-request", Type: graph.TypeOutput,
		Function: func(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
			h.txSeen = append(h.txSeen, frame.Indices()...)
			return frame.Length
		},
	})
	if err != nil {
		t.Fatalf("register test-arp-request: %v", err)
	}
	_ = reqIdx
	h.proc.RegisterArpRequestNext("test-arp-request")

	pkt1 := buildPacket([4]byte{192, 168, 1, 1}, [4]byte{10, 0, 0, 5}, 64, 17)
	pkt2 := buildPacket([4]byte{192, 168, 1, 2}, [4]byte{10, 0, 0, 5}, 64, 17)

	bi1 := h.allocBuffer(pkt1)
	h.pending = append(h.pending, bi1)
	for i := 0; i < 3; i++ {
		h.g.RunOnce()
	}

	bi2 := h.allocBuffer(pkt2)
	h.pending = append(h.pending, bi2)
	for i := 0; i < 3; i++ {
		h.g.RunOnce()
	}

	if len(h.txSeen) != 1 {
		t.Fatalf("tx-seen = %d, want 1 (second request rate-limited within epoch)", len(h.txSeen))
	}
}
