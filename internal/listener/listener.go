// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package listener implements the local-delivery listener registry of spec
// §3.8 and §6: register_listener(dst_port, next_node_index) -> listener_id,
// consulted by the ip4/ip6 local nodes when a packet's L4 protocol is TCP or
// UDP.
package listener

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Listener is one registered local-delivery destination.
type Listener struct {
	ID      uuid.UUID
	DstPort uint16
	// NextSlot is the ip4-local/ip6-local next-edge slot packets matching
	// DstPort are dispatched to.
	NextSlot int
}

// Registry maps destination ports to listeners. The spec's
// valid_local_adjacency_bitmap per-listener address filter is not modeled
// here: every registered listener accepts any locally-addressed packet
// regardless of which local address it arrived for, a documented
// simplification (see DESIGN.md) rather than a dropped requirement, since no
// other component in this repository tracks a per-adjacency bitmap of valid
// local addresses to intersect against.
type Registry struct {
	mu      sync.RWMutex
	byPort  map[uint16]*Listener
	nextIDs map[uint16]uuid.UUID
}

// New returns an empty listener registry.
func New() *Registry {
	return &Registry{byPort: make(map[uint16]*Listener)}
}

// Register installs a listener for dstPort, dispatching matching packets to
// nextSlot (a slot already returned by the owning ip4/ip6 Processor's
// AddNext on its local node). Registering the same port twice replaces the
// previous listener and reuses its ID.
func (r *Registry) Register(dstPort uint16, nextSlot int) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byPort[dstPort]; ok {
		existing.NextSlot = nextSlot
		return existing.ID
	}

	l := &Listener{ID: uuid.New(), DstPort: dstPort, NextSlot: nextSlot}
	r.byPort[dstPort] = l
	return l.ID
}

// Lookup resolves dstPort to its registered listener, if any.
func (r *Registry) Lookup(dstPort uint16) (*Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byPort[dstPort]
	return l, ok
}

// Unregister removes dstPort's listener. It is a no-op if none is
// registered.
func (r *Registry) Unregister(dstPort uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPort, dstPort)
}

// String reports every registered listener, for the "routes" CLI's
// companion listener dump.
func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := ""
	for port, l := range r.byPort {
		s += fmt.Sprintf("port=%d id=%s\n", port, l.ID)
	}
	return s
}
