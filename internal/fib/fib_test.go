// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package fib

import (
	"net/netip"
	"testing"

	"github.com/flowgraph/vnet/internal/adj"
)

func newTestTable() (*Table, *adj.Heap) {
	heap := adj.NewHeap()
	mp := adj.NewMultipath(heap)
	return New(heap, mp), heap
}

func TestAddDelRouteBasic(t *testing.T) {
	table, heap := newTestTable()

	a := heap.Add(adj.Adjacency{LookupNext: adj.NextRewrite}, 1)
	pfx := netip.MustParsePrefix("10.0.0.0/8")

	if err := table.AddDelRoute(pfx, FlagAdd, a); err != nil {
		t.Fatal(err)
	}

	got := table.Lookup(netip.MustParseAddr("10.1.2.3"))
	if got != a {
		t.Errorf("Lookup = %d, want %d", got, a)
	}

	if err := table.AddDelRoute(pfx, FlagDel, 0); err != nil {
		t.Fatal(err)
	}

	if got := table.Lookup(netip.MustParseAddr("10.1.2.3")); got != table.missAdj {
		t.Errorf("Lookup after delete = %d, want miss-adj %d", got, table.missAdj)
	}
}

func TestAddDelRouteDuplicateReplaces(t *testing.T) {
	table, heap := newTestTable()
	pfx := netip.MustParsePrefix("10.0.0.0/8")

	a1 := heap.Add(adj.Adjacency{LookupNext: adj.NextRewrite}, 1)
	a2 := heap.Add(adj.Adjacency{LookupNext: adj.NextRewrite}, 1)

	heap.IncRef(a1)
	if err := table.AddDelRoute(pfx, FlagAdd, a1); err != nil {
		t.Fatal(err)
	}
	if err := table.AddDelRoute(pfx, FlagAdd, a2); err != nil {
		t.Fatal(err)
	}

	if got := table.Lookup(netip.MustParseAddr("10.1.1.1")); got != a2 {
		t.Errorf("Lookup after replace = %d, want %d", got, a2)
	}
	if heap.Refcount(a1) != 1 {
		t.Errorf("old adjacency refcount = %d, want 1 (one decref from replace)", heap.Refcount(a1))
	}
}

func TestAddDelRouteDeleteNonexistentNoCallback(t *testing.T) {
	table, _ := newTestTable()

	fired := false
	table.RegisterCallback(func(pfx netip.Prefix, old, new adj.Index) {
		fired = true
	})

	if err := table.AddDelRoute(netip.MustParsePrefix("192.0.2.0/24"), FlagDel, 0); err != nil {
		t.Fatal(err)
	}
	if fired {
		t.Error("deleting a non-existent prefix must not fire the callback")
	}
}

func TestLongestPrefixMatch(t *testing.T) {
	table, heap := newTestTable()

	broad := heap.Add(adj.Adjacency{LookupNext: adj.NextRewrite}, 1)
	narrow := heap.Add(adj.Adjacency{LookupNext: adj.NextRewrite}, 1)

	if err := table.AddDelRoute(netip.MustParsePrefix("10.0.0.0/8"), FlagAdd, broad); err != nil {
		t.Fatal(err)
	}
	if err := table.AddDelRoute(netip.MustParsePrefix("10.1.0.0/16"), FlagAdd, narrow); err != nil {
		t.Fatal(err)
	}

	if got := table.Lookup(netip.MustParseAddr("10.1.2.3")); got != narrow {
		t.Errorf("Lookup(10.1.2.3) = %d, want narrow %d", got, narrow)
	}
	if got := table.Lookup(netip.MustParseAddr("10.2.2.3")); got != broad {
		t.Errorf("Lookup(10.2.2.3) = %d, want broad %d", got, broad)
	}
}

func TestAddRouteNextHopMultipath(t *testing.T) {
	table, heap := newTestTable()
	pfx := netip.MustParsePrefix("10.0.0.0/8")

	a := heap.Add(adj.Adjacency{LookupNext: adj.NextRewrite}, 1)
	b := heap.Add(adj.Adjacency{LookupNext: adj.NextRewrite}, 1)

	if err := table.AddRouteNextHop(pfx, adj.NextHop{Adj: a, Weight: 1}); err != nil {
		t.Fatal(err)
	}
	if err := table.AddRouteNextHop(pfx, adj.NextHop{Adj: b, Weight: 3}); err != nil {
		t.Fatal(err)
	}

	base := table.Lookup(netip.MustParseAddr("10.1.1.1"))
	block := heap.Get(base)
	if block.NAdj != 4 {
		t.Errorf("multipath block size = %d, want 4", block.NAdj)
	}
}

func TestForeachMatchingRoute(t *testing.T) {
	table, heap := newTestTable()

	a8 := heap.Add(adj.Adjacency{}, 1)
	a16 := heap.Add(adj.Adjacency{}, 1)

	table.AddDelRoute(netip.MustParsePrefix("10.0.0.0/8"), FlagAdd, a8)
	table.AddDelRoute(netip.MustParsePrefix("10.1.0.0/16"), FlagAdd, a16)

	var got []netip.Prefix
	for p, _ := range table.ForeachMatchingRoute(netip.MustParsePrefix("10.1.2.0/24"), 0) {
		got = append(got, p)
	}

	if len(got) != 2 {
		t.Fatalf("ForeachMatchingRoute returned %d prefixes, want 2: %v", len(got), got)
	}
}
