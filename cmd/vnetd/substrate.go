// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"github.com/flowgraph/vnet/internal/adj"
	"github.com/flowgraph/vnet/internal/buffer"
	"github.com/flowgraph/vnet/internal/config"
	"github.com/flowgraph/vnet/internal/ethernet"
	"github.com/flowgraph/vnet/internal/fib"
	"github.com/flowgraph/vnet/internal/graph"
	"github.com/flowgraph/vnet/internal/iface"
	"github.com/flowgraph/vnet/internal/listener"
)

// maxARPND is the aggregate ARP/ND request budget, spec §4.5/§7's
// rate-limited resolution path; 1000/s is a generous default for a single
// forwarding instance and is not currently exposed via config.
const maxARPND = 1000

// substrate is the control-plane state shared by every worker graph
// instance: the FIB, adjacency heap, interface table and resolution rate
// limiters. Per spec §5, the FIB, adjacency heap and interface table are
// mutated only here (at startup, from config) and are never touched again
// once a worker's RunOnce loop starts, so data-plane reads against them need
// no further synchronization. The rate limiters are the exception: the
// ARP/ND nodes update them at run time, under each limiter's own mutex.
type substrate struct {
	log       *zap.Logger
	heap      *adj.Heap
	mp        *adj.Multipath
	fib       *fib.Table
	ifaces    *iface.Pool
	arp       *ethernet.Limiter
	nd        *ethernet.Limiter
	listeners *listener.Registry

	swIndexByName map[string]iface.SwIndex
}

func newSubstrate(log *zap.Logger) *substrate {
	heap := adj.NewHeap()
	mp := adj.NewMultipath(heap)

	return &substrate{
		log:           log,
		heap:          heap,
		mp:            mp,
		fib:           fib.New(heap, mp),
		ifaces:        iface.New(log),
		arp:           ethernet.NewLimiter(maxARPND),
		nd:            ethernet.NewLimiter(maxARPND),
		listeners:     listener.New(),
		swIndexByName: make(map[string]iface.SwIndex),
	}
}

// applyInterfaces registers every configured interface against g — each one
// gets its own "tx-<name>" output node, which stands in for the real NIC
// transmit path this pure-Go rebuild has no hardware driver for: it just
// frees the frame it is handed, since the rewrite node has already
// incremented the interface's TX counters by the time a buffer reaches it.
func applyInterfaces(s *substrate, g *graph.Graph, cfg *config.Config) error {
	for _, ifc := range cfg.Interfaces {
		mac, err := parseMAC(ifc.MAC)
		if err != nil {
			return fmt.Errorf("interface %s: %w", ifc.Name, err)
		}

		txName := "tx-" + ifc.Name
		txIdx, err := g.RegisterNode(graph.Descriptor{
			Name: txName, Type: graph.TypeOutput,
			Function: func(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
				g.Pool().Free(frame.Indices())
				return frame.Length
			},
		})
		if err != nil {
			return fmt.Errorf("interface %s: register %s: %w", ifc.Name, txName, err)
		}

		mtu := ifc.MTU
		if mtu <= 0 {
			mtu = 1500
		}

		_, swIdx := s.ifaces.RegisterInterface(ifc.Name, "vnetd", "userspace", mac, mtu, txIdx, txIdx)
		s.swIndexByName[ifc.Name] = swIdx

		if err := s.ifaces.SetAdminUp(swIdx, ifc.AdminUp, mtu); err != nil {
			return fmt.Errorf("interface %s: admin up: %w", ifc.Name, err)
		}
		s.ifaces.SetLinkUp(swIdx, ifc.AdminUp)

		for _, a := range ifc.Addresses {
			pfx, err := netip.ParsePrefix(a)
			if err != nil {
				return fmt.Errorf("interface %s: address %q: %w", ifc.Name, a, err)
			}
			s.ifaces.SetInterfaceAddress(swIdx, pfx, false)

			host := netip.PrefixFrom(pfx.Addr(), pfx.Addr().BitLen())
			localAdj := s.heap.Add(adj.Adjacency{LookupNext: adj.NextLocal}, 1)
			if err := s.fib.AddDelRoute(host, fib.FlagAdd, localAdj); err != nil {
				return fmt.Errorf("interface %s: install local route for %s: %w", ifc.Name, a, err)
			}
		}
	}

	return nil
}

func parseMAC(s string) ([6]byte, error) {
	var out [6]byte
	if s == "" {
		return out, nil
	}
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return out, fmt.Errorf("invalid MAC %q", s)
	}
	copy(out[:], hw)
	return out, nil
}
