// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package ethernet builds Ethernet (and VLAN-tagged Ethernet) rewrite
// headers for adjacencies and implements the rate-limited ARP/ND request
// path of spec §4.4–§4.5.
package ethernet

import (
	"encoding/binary"

	"github.com/flowgraph/vnet/internal/adj"
)

// HeaderLen is the length of an untagged Ethernet header: dst MAC, src MAC,
// ethertype.
const HeaderLen = 14

// VLANHeaderLen is the length of an 802.1Q-tagged Ethernet header.
const VLANHeaderLen = 18

const (
	EtherTypeIPv4 = 0x0800
	EtherTypeARP  = 0x0806
	EtherTypeIPv6 = 0x86DD
	EtherTypeVLAN = 0x8100
)

// BuildRewrite serializes an Ethernet (or Ethernet+VLAN, if vlanTag != 0)
// header for (interface, L3 protocol) into r, with the destination MAC left
// as the zero placeholder ARP/ND fills in once resolved.
func BuildRewrite(r *adj.Rewrite, srcMAC [6]byte, vlanTag uint16, ethertype uint16) {
	if vlanTag == 0 {
		var buf [HeaderLen]byte
		// dst MAC left zero until resolved by ARP/ND.
		copy(buf[6:12], srcMAC[:])
		binary.BigEndian.PutUint16(buf[12:14], ethertype)
		r.SetBytes(buf[:])
		return
	}

	var buf [VLANHeaderLen]byte
	copy(buf[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(buf[12:14], EtherTypeVLAN)
	binary.BigEndian.PutUint16(buf[14:16], vlanTag)
	binary.BigEndian.PutUint16(buf[16:18], ethertype)
	r.SetBytes(buf[:])
}

// SetDestMAC patches the resolved destination MAC into an already-built
// rewrite header (the first 6 bytes, regardless of VLAN tagging).
func SetDestMAC(r *adj.Rewrite, dstMAC [6]byte) {
	copy(r.Data[0:6], dstMAC[:])
}
