// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package iface

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowgraph/vnet/internal/adj"
)

// combined is a {packets, bytes} pair, written from exactly one producer (the
// owning node) per spec §5, so plain atomics suffice for the occasional
// cross-goroutine read.
type combined struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (c *combined) add(packets, bytes uint64) {
	c.packets.Add(packets)
	c.bytes.Add(bytes)
}

// Counters holds every simple and combined counter vnet tracks: per-interface
// drop/punt simple counters, per-interface RX/TX combined counters (with
// sub-interfaces also bumping their parent hw_interface), and — per spec
// §3's supplemented-features note — per-adjacency combined counters, not
// just per-interface ones.
type Counters struct {
	drop []atomic.Uint64
	punt []atomic.Uint64

	rx []combined
	tx []combined

	adjCombined map[adj.Index]*combined

	dropGauge    *prometheus.GaugeVec
	puntGauge    *prometheus.GaugeVec
	rxPktsGauge  *prometheus.GaugeVec
	txPktsGauge  *prometheus.GaugeVec
	rxBytesGauge *prometheus.GaugeVec
	txBytesGauge *prometheus.GaugeVec
}

// NewCounters returns an empty counter set with its Prometheus collectors
// constructed but not yet registered against any registry.
func NewCounters() *Counters {
	labels := []string{"sw_if_index"}
	return &Counters{
		adjCombined:  make(map[adj.Index]*combined),
		dropGauge:    prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "vnet_interface_drop_total", Help: "Interface drop counter."}, labels),
		puntGauge:    prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "vnet_interface_punt_total", Help: "Interface punt counter."}, labels),
		rxPktsGauge:  prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "vnet_interface_rx_packets_total", Help: "Interface RX packets."}, labels),
		txPktsGauge:  prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "vnet_interface_tx_packets_total", Help: "Interface TX packets."}, labels),
		rxBytesGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "vnet_interface_rx_bytes_total", Help: "Interface RX bytes."}, labels),
		txBytesGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "vnet_interface_tx_bytes_total", Help: "Interface TX bytes."}, labels),
	}
}

// Collectors returns every Prometheus collector owned by Counters, for
// registration against a prometheus.Registerer at startup.
func (c *Counters) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.dropGauge, c.puntGauge,
		c.rxPktsGauge, c.txPktsGauge,
		c.rxBytesGauge, c.txBytesGauge,
	}
}

func (c *Counters) ensure(swIdx SwIndex) {
	for SwIndex(len(c.drop)) <= swIdx {
		c.drop = append(c.drop, atomic.Uint64{})
		c.punt = append(c.punt, atomic.Uint64{})
		c.rx = append(c.rx, combined{})
		c.tx = append(c.tx, combined{})
	}
}

// IncDrop bumps the drop simple counter for swIdx.
func (c *Counters) IncDrop(swIdx SwIndex) {
	c.drop[swIdx].Add(1)
	c.dropGauge.WithLabelValues(swLabel(swIdx)).Set(float64(c.drop[swIdx].Load()))
}

// IncPunt bumps the punt simple counter for swIdx.
func (c *Counters) IncPunt(swIdx SwIndex) {
	c.punt[swIdx].Add(1)
	c.puntGauge.WithLabelValues(swLabel(swIdx)).Set(float64(c.punt[swIdx].Load()))
}

// AddRX bumps swIdx's RX combined counter and, if parentHw is given (the
// sub-interface case), the parent's too.
func (c *Counters) AddRX(swIdx, parentHw SwIndex, packets, bytes uint64, hasParent bool) {
	c.rx[swIdx].add(packets, bytes)
	c.rxPktsGauge.WithLabelValues(swLabel(swIdx)).Set(float64(c.rx[swIdx].packets.Load()))
	c.rxBytesGauge.WithLabelValues(swLabel(swIdx)).Set(float64(c.rx[swIdx].bytes.Load()))

	if hasParent {
		c.rx[parentHw].add(packets, bytes)
	}
}

// AddTX bumps swIdx's TX combined counter and, if parentHw is given, the
// parent's too.
func (c *Counters) AddTX(swIdx, parentHw SwIndex, packets, bytes uint64, hasParent bool) {
	c.tx[swIdx].add(packets, bytes)
	c.txPktsGauge.WithLabelValues(swLabel(swIdx)).Set(float64(c.tx[swIdx].packets.Load()))
	c.txBytesGauge.WithLabelValues(swLabel(swIdx)).Set(float64(c.tx[swIdx].bytes.Load()))

	if hasParent {
		c.tx[parentHw].add(packets, bytes)
	}
}

// AddAdjacency bumps the combined counter for an adjacency index, created on
// first use.
func (c *Counters) AddAdjacency(a adj.Index, packets, bytes uint64) {
	cc, ok := c.adjCombined[a]
	if !ok {
		cc = &combined{}
		c.adjCombined[a] = cc
	}
	cc.add(packets, bytes)
}

// Drop reads swIdx's current drop count.
func (c *Counters) Drop(swIdx SwIndex) uint64 { return c.drop[swIdx].Load() }

// Punt reads swIdx's current punt count.
func (c *Counters) Punt(swIdx SwIndex) uint64 { return c.punt[swIdx].Load() }

// RX reads swIdx's current RX {packets, bytes}.
func (c *Counters) RX(swIdx SwIndex) (packets, bytes uint64) {
	return c.rx[swIdx].packets.Load(), c.rx[swIdx].bytes.Load()
}

// TX reads swIdx's current TX {packets, bytes}.
func (c *Counters) TX(swIdx SwIndex) (packets, bytes uint64) {
	return c.tx[swIdx].packets.Load(), c.tx[swIdx].bytes.Load()
}

// Adjacency reads the combined counter for adjacency a.
func (c *Counters) Adjacency(a adj.Index) (packets, bytes uint64) {
	cc, ok := c.adjCombined[a]
	if !ok {
		return 0, 0
	}
	return cc.packets.Load(), cc.bytes.Load()
}

func swLabel(swIdx SwIndex) string {
	return strconv.FormatUint(uint64(swIdx), 10)
}
