// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package iface

import "strings"

// FeatureRegistry manages reference-counted feature-chain configuration
// strings, e.g. "source-check-via-rx, lookup", per spec §4.6. Each distinct
// chain is interned once; SwInterface.FeatureIndex stores the interned
// index, swapped by the control path via AddFeature.
type FeatureRegistry struct {
	chains  []string
	byChain map[string]int
	refs    []int
}

func newFeatureRegistry() *FeatureRegistry {
	r := &FeatureRegistry{byChain: make(map[string]int)}
	r.intern(nil) // index 0 is always the empty chain, matching a fresh SwInterface's zero-value FeatureIndex.
	return r
}

// key canonicalizes a feature list into its chain string.
func key(features []string) string {
	return strings.Join(features, ", ")
}

// intern returns the configuration index for features, creating it if this
// exact chain has never been seen.
func (r *FeatureRegistry) intern(features []string) int {
	k := key(features)
	if idx, ok := r.byChain[k]; ok {
		return idx
	}

	idx := len(r.chains)
	r.chains = append(r.chains, k)
	r.refs = append(r.refs, 0)
	r.byChain[k] = idx

	return idx
}

// Chain returns the feature list for a previously interned index.
func (r *FeatureRegistry) Chain(idx int) []string {
	if r.chains[idx] == "" {
		return nil
	}
	return strings.Split(r.chains[idx], ", ")
}

// AddFeature swaps swIdx's feature chain for dir (0=unicast, 1=multicast) to
// features, reference-counting the old and new chains.
func (p *Pool) AddFeature(swIdx SwIndex, dir int, features []string) {
	sw := p.sw[swIdx]
	old := sw.FeatureIndex[dir]

	newIdx := p.features.intern(features)
	p.features.refs[newIdx]++
	sw.FeatureIndex[dir] = newIdx

	if p.features.refs[old] > 0 {
		p.features.refs[old]--
	}
}

// Features returns swIdx's current feature chain for dir.
func (p *Pool) Features(swIdx SwIndex, dir int) []string {
	return p.features.Chain(p.sw[swIdx].FeatureIndex[dir])
}

// HasFeature reports whether name is enabled on swIdx's feature chain for
// dir, e.g. "source-check-via-rx" gating the local node's reverse-path
// check.
func (p *Pool) HasFeature(swIdx SwIndex, dir int, name string) bool {
	for _, f := range p.Features(swIdx, dir) {
		if f == name {
			return true
		}
	}
	return false
}
