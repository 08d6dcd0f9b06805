// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package iface implements the two-level hw/sw interface model, admin/link
// state machine, feature-chain configuration, and counters of spec §3.7 and
// §4.6.
package iface

import (
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/flowgraph/vnet/internal/graph"
)

// HwIndex identifies a physical port.
type HwIndex uint32

// SwIndex identifies a logical (possibly sub-) interface.
type SwIndex uint32

// Feature-chain directions, indexing SwInterface.FeatureIndex.
const (
	DirUnicast = iota
	DirMulticast
)

// AdminUpDownHook is called on an admin state transition, e.g. by a device
// class that needs to arm or disarm its driver.
type AdminUpDownHook func(hw *HwInterface, up bool) error

// LinkUpDownHook is called on a link state transition, once for every hook
// added with RegisterLinkUpDown.
type LinkUpDownHook func(sw *SwInterface, up bool)

// HwInterface is a physical port: driver class, device class, output/TX
// nodes, MAC address, and the MTU ceiling the hardware supports.
type HwInterface struct {
	Index      HwIndex
	Name       string
	DevClass   string
	HwClass    string
	MAC        [6]byte
	MaxMTU     int
	OutputNode graph.Index
	TxNode     graph.Index

	AdminUp bool

	onAdminUpDown AdminUpDownHook
}

// SwInterface may be a sub-interface of a HwInterface (carrying a VLAN tag)
// or the hw interface's own primary software interface.
type SwInterface struct {
	Index   SwIndex
	HwIndex HwIndex

	IsSub   bool
	VlanTag uint16

	MTU     int
	AdminUp bool
	LinkUp  bool

	// FeatureIndex holds the configuration index selecting the RX feature
	// chain per direction: [0]=unicast, [1]=multicast.
	FeatureIndex [2]int

	Addresses []netip.Prefix
}

// Pool owns the hw/sw interface tables, their counters, and the feature
// chain registry. Deleted (hw, sw) pairs are recycled by RegisterInterface
// rather than leaving holes, mirroring the original's free-pair reuse.
type Pool struct {
	log *zap.Logger

	hw       []*HwInterface
	sw       []*SwInterface
	freeHw   []HwIndex
	linkCBs  []LinkUpDownHook
	features *FeatureRegistry
	counters *Counters
}

// New returns an empty interface pool.
func New(log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		log:      log,
		features: newFeatureRegistry(),
		counters: NewCounters(),
	}
}

// Counters returns the pool's counter set, for wiring into a Prometheus
// registry or for direct inspection in tests.
func (p *Pool) Counters() *Counters {
	return p.counters
}

// RegisterLinkUpDown appends cb to the link-state callback list, invoked
// whenever any sw interface transitions link state.
func (p *Pool) RegisterLinkUpDown(cb LinkUpDownHook) {
	p.linkCBs = append(p.linkCBs, cb)
}

// RegisterInterface allocates a hw_interface and its owning sw_interface,
// reusing a previously deleted (hw, sw) pair when one is available.
func (p *Pool) RegisterInterface(name, devClass, hwClass string, mac [6]byte, maxMTU int, outputNode, txNode graph.Index) (HwIndex, SwIndex) {
	var hwIdx HwIndex
	if n := len(p.freeHw); n > 0 {
		hwIdx = p.freeHw[n-1]
		p.freeHw = p.freeHw[:n-1]
	} else {
		hwIdx = HwIndex(len(p.hw))
		p.hw = append(p.hw, nil)
		p.sw = append(p.sw, nil)
	}

	p.hw[hwIdx] = &HwInterface{
		Index: hwIdx, Name: name, DevClass: devClass, HwClass: hwClass,
		MAC: mac, MaxMTU: maxMTU, OutputNode: outputNode, TxNode: txNode,
	}
	p.sw[hwIdx] = &SwInterface{Index: SwIndex(hwIdx), HwIndex: hwIdx, MTU: maxMTU}

	p.counters.ensure(SwIndex(hwIdx))

	return hwIdx, SwIndex(hwIdx)
}

// DeleteInterface retires a (hw, sw) pair so a later RegisterInterface call
// can reuse its slot.
func (p *Pool) DeleteInterface(hwIdx HwIndex) {
	p.hw[hwIdx] = nil
	p.sw[hwIdx] = nil
	p.freeHw = append(p.freeHw, hwIdx)
}

// HW dereferences hwIdx.
func (p *Pool) HW(hwIdx HwIndex) *HwInterface { return p.hw[hwIdx] }

// SW dereferences swIdx.
func (p *Pool) SW(swIdx SwIndex) *SwInterface { return p.sw[swIdx] }

// SetAdminUp brings swIdx administratively up or down, clamping its
// configured MTU against the owning hw_interface's MaxMTU on the up
// transition (the original's interface.c behavior, not just enforced at
// rewrite time) and invoking the hw_interface's AdminUpDownHook.
func (p *Pool) SetAdminUp(swIdx SwIndex, up bool, mtu int) error {
	sw := p.sw[swIdx]
	hw := p.hw[sw.HwIndex]

	if up {
		if mtu <= 0 || mtu > hw.MaxMTU {
			p.log.Debug("clamping interface MTU to hardware maximum",
				zap.String("hw_class", hw.HwClass),
				zap.Int("requested_mtu", mtu),
				zap.Int("max_mtu", hw.MaxMTU),
			)
			mtu = hw.MaxMTU
		}
		sw.MTU = mtu
	}

	sw.AdminUp = up
	hw.AdminUp = up

	if hw.onAdminUpDown != nil {
		if err := hw.onAdminUpDown(hw, up); err != nil {
			return fmt.Errorf("iface: admin %v hook for %s: %w", up, hw.Name, err)
		}
	}

	return nil
}

// SetLinkUp transitions swIdx's link state and fires every registered
// LinkUpDownHook.
func (p *Pool) SetLinkUp(swIdx SwIndex, up bool) {
	sw := p.sw[swIdx]
	sw.LinkUp = up

	for _, cb := range p.linkCBs {
		cb(sw, up)
	}
}

// SetInterfaceAddress records addr on swIdx. Installing the corresponding
// local/host routes in the FIB is the caller's responsibility (fib and
// iface are deliberately decoupled; the control-plane orchestrator wires
// them together), per spec §6's set_interface_address contract.
func (p *Pool) SetInterfaceAddress(swIdx SwIndex, addr netip.Prefix, isDel bool) {
	sw := p.sw[swIdx]

	if isDel {
		for i, a := range sw.Addresses {
			if a == addr {
				sw.Addresses = append(sw.Addresses[:i], sw.Addresses[i+1:]...)
				return
			}
		}
		return
	}

	sw.Addresses = append(sw.Addresses, addr)
}
