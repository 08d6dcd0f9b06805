// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package ethernet

import (
	"hash/maphash"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowgraph/vnet/internal/bitset"
	"github.com/flowgraph/vnet/internal/iface"
)

// RequestKind distinguishes a gratuitous/probe ARP (source protocol address
// 0.0.0.0) from a resolving request, per the original's arp.c. The
// rate-limiter contract applies identically to both.
type RequestKind int

const (
	RequestResolve RequestKind = iota
	RequestProbe
)

// epoch is the suppression window: at most one ARP/ND request per
// (dst, sw_if_index) per epoch, per spec §4.5.
const epoch = time.Millisecond

// Limiter rate-limits ARP/ND request emission. Rather than the original's
// single global 256-bit bitmap (which can spuriously cross-suppress
// requests hashing to the same bit on different interfaces), this keeps one
// bitmap per sw_if_index — the spec explicitly allows this as an
// improvement while preserving the "one request per dst/interface per
// ~1 ms, memory-bounded" contract.
type Limiter struct {
	mu         sync.Mutex
	seed       maphash.Seed
	bitmaps    map[iface.SwIndex]*bitset.BitSet256
	epochStart map[iface.SwIndex]time.Time

	// budget is a blunt, interface-agnostic backstop bounding total request
	// volume even under adversarial hash collisions across many interfaces.
	budget *rate.Limiter
}

// NewLimiter returns a Limiter allowing up to maxGlobalPPS requests/sec in
// aggregate across all interfaces, on top of the per-(dst,interface)
// suppression bitmap.
func NewLimiter(maxGlobalPPS float64) *Limiter {
	return &Limiter{
		seed:       maphash.MakeSeed(),
		bitmaps:    make(map[iface.SwIndex]*bitset.BitSet256),
		epochStart: make(map[iface.SwIndex]time.Time),
		budget:     rate.NewLimiter(rate.Limit(maxGlobalPPS), int(maxGlobalPPS)),
	}
}

// Allow reports whether a request for dst on swIdx may be sent now. A false
// result means the caller must count an ARP_ERROR_DROP and suppress the
// request; true means the caller should count ARP_ERROR_REQUEST_SENT and
// proceed to build and enqueue the request.
func (l *Limiter) Allow(dst netip.Addr, swIdx iface.SwIndex, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	bm, ok := l.bitmaps[swIdx]
	if !ok {
		bm = &bitset.BitSet256{}
		l.bitmaps[swIdx] = bm
		l.epochStart[swIdx] = now
	}

	if now.Sub(l.epochStart[swIdx]) >= epoch {
		*bm = bitset.BitSet256{}
		l.epochStart[swIdx] = now
	}

	bit := l.hash(dst)
	if bm.Test(bit) {
		return false
	}
	bm.MustSet(bit)

	return l.budget.AllowN(now, 1)
}

func (l *Limiter) hash(dst netip.Addr) uint8 {
	var h maphash.Hash
	h.SetSeed(l.seed)
	b := dst.As16()
	h.Write(b[:])
	return uint8(h.Sum64())
}
