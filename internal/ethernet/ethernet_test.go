// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package ethernet

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/flowgraph/vnet/internal/adj"
	"github.com/flowgraph/vnet/internal/iface"
)

func TestBuildRewriteUntagged(t *testing.T) {
	var r adj.Rewrite
	src := [6]byte{0xaa, 0xbb, 0xcc, 0, 0, 1}

	BuildRewrite(&r, src, 0, EtherTypeIPv4)

	if len(r.Bytes()) != HeaderLen {
		t.Fatalf("header len = %d, want %d", len(r.Bytes()), HeaderLen)
	}
	if got := binary.BigEndian.Uint16(r.Bytes()[12:14]); got != EtherTypeIPv4 {
		t.Errorf("ethertype = %#x, want %#x", got, EtherTypeIPv4)
	}

	dst := [6]byte{1, 2, 3, 4, 5, 6}
	SetDestMAC(&r, dst)
	if r.Bytes()[0] != 1 || r.Bytes()[5] != 6 {
		t.Errorf("dest MAC not patched: %x", r.Bytes()[:6])
	}
}

func TestBuildRewriteVLAN(t *testing.T) {
	var r adj.Rewrite
	src := [6]byte{0xaa, 0xbb, 0xcc, 0, 0, 1}

	BuildRewrite(&r, src, 100, EtherTypeIPv4)

	if len(r.Bytes()) != VLANHeaderLen {
		t.Fatalf("header len = %d, want %d", len(r.Bytes()), VLANHeaderLen)
	}
	if got := binary.BigEndian.Uint16(r.Bytes()[12:14]); got != EtherTypeVLAN {
		t.Errorf("tpid = %#x, want %#x", got, EtherTypeVLAN)
	}
	if got := binary.BigEndian.Uint16(r.Bytes()[14:16]); got != 100 {
		t.Errorf("vlan tag = %d, want 100", got)
	}
}

func TestLimiterSuppressesSecondRequestInEpoch(t *testing.T) {
	l := NewLimiter(1_000_000)
	dst := netip.MustParseAddr("10.0.0.1")
	now := time.Now()

	if !l.Allow(dst, iface.SwIndex(0), now) {
		t.Fatal("first request in epoch should be allowed")
	}
	if l.Allow(dst, iface.SwIndex(0), now) {
		t.Error("second request for same dst/interface within epoch should be suppressed")
	}
}

func TestLimiterAllowsAfterEpoch(t *testing.T) {
	l := NewLimiter(1_000_000)
	dst := netip.MustParseAddr("10.0.0.1")
	now := time.Now()

	l.Allow(dst, iface.SwIndex(0), now)
	if !l.Allow(dst, iface.SwIndex(0), now.Add(2*time.Millisecond)) {
		t.Error("request after epoch elapsed should be allowed")
	}
}

func TestLimiterScopedPerInterface(t *testing.T) {
	l := NewLimiter(1_000_000)
	dst := netip.MustParseAddr("10.0.0.1")
	now := time.Now()

	l.Allow(dst, iface.SwIndex(0), now)
	if !l.Allow(dst, iface.SwIndex(1), now) {
		t.Error("suppression on interface 0 should not affect interface 1")
	}
}
