// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"net/netip"

	"github.com/flowgraph/vnet/internal/adj"
	"github.com/flowgraph/vnet/internal/config"
	"github.com/flowgraph/vnet/internal/ethernet"
	"github.com/flowgraph/vnet/internal/fib"
	"github.com/flowgraph/vnet/internal/ip4"
	"github.com/flowgraph/vnet/internal/ip6"
)

// applyRoutes installs every configured static route, building one rewrite
// adjacency per next-hop interface and, for routes with more than one
// next-hop, resolving the weighted multipath block via fib.AddRouteNextHop
// per spec §4.4. TableID is accepted for config compatibility but ignored:
// this daemon wires a single FIB table (VRF 0), the multi-VRF surface spec
// §4.3 describes is left for a future control-plane extension.
func applyRoutes(s *substrate, ip4Proc *ip4.Processor, ip6Proc *ip6.Processor, cfg *config.Config) error {
	for _, r := range cfg.Routes {
		pfx, err := netip.ParsePrefix(r.Prefix)
		if err != nil {
			return fmt.Errorf("route %s: %w", r.Prefix, err)
		}

		if len(r.NextHops) == 1 {
			a, err := buildNextHopAdjacency(s, ip4Proc, ip6Proc, pfx, r.NextHops[0])
			if err != nil {
				return fmt.Errorf("route %s: %w", r.Prefix, err)
			}
			if err := s.fib.AddDelRoute(pfx, fib.FlagAdd, a); err != nil {
				return fmt.Errorf("route %s: %w", r.Prefix, err)
			}
			continue
		}

		for _, nh := range r.NextHops {
			a, err := buildNextHopAdjacency(s, ip4Proc, ip6Proc, pfx, nh)
			if err != nil {
				return fmt.Errorf("route %s: %w", r.Prefix, err)
			}
			if err := s.fib.AddRouteNextHop(pfx, adj.NextHop{Adj: a, Weight: nh.Weight}); err != nil {
				return fmt.Errorf("route %s: %w", r.Prefix, err)
			}
		}
	}

	return nil
}

// buildNextHopAdjacency builds the per-next-hop rewrite adjacency: an
// Ethernet header with the egress interface's source MAC and the
// destination MAC left unresolved (nothing in this daemon writes a resolved
// destination into it later), cached next-edge set to that interface's TX
// sink on whichever
// IP version's rewrite node the route's prefix family selects.
func buildNextHopAdjacency(s *substrate, ip4Proc *ip4.Processor, ip6Proc *ip6.Processor, pfx netip.Prefix, nh config.NextHop) (adj.Index, error) {
	swIdx, ok := s.swIndexByName[nh.Interface]
	if !ok {
		return 0, fmt.Errorf("next hop interface %q not registered", nh.Interface)
	}
	hw := s.ifaces.HW(s.ifaces.SW(swIdx).HwIndex)

	var rw adj.Rewrite
	if pfx.Addr().Is4() {
		rw.NextIndex = ip4Proc.RegisterTxNext("tx-" + nh.Interface)
		ethernet.BuildRewrite(&rw, hw.MAC, 0, ethernet.EtherTypeIPv4)
	} else {
		rw.NextIndex = ip6Proc.RegisterTxNext("tx-" + nh.Interface)
		ethernet.BuildRewrite(&rw, hw.MAC, 0, ethernet.EtherTypeIPv6)
	}
	rw.SwIfIndex = uint32(swIdx)
	rw.MaxL3PacketBytes = uint32(hw.MaxMTU)

	return s.heap.Add(adj.Adjacency{LookupNext: adj.NextRewrite, Rewrite: rw}, 1), nil
}
