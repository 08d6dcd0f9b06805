// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package config loads vnet's startup configuration — interfaces, addresses,
// static routes, packet-generator streams, and listener registrations — from
// a YAML document and validates it. Applying it to a running instance is
// done by cmd/vnetd.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the typed root of a vnetd configuration document.
type Config struct {
	Interfaces []Interface `yaml:"interfaces"`
	Routes     []Route     `yaml:"routes"`
	Streams    []Stream    `yaml:"streams"`
	Listeners  []Listener  `yaml:"listeners"`
}

// Interface describes one software interface to register and its addresses.
type Interface struct {
	Name      string   `yaml:"name"`
	MAC       string   `yaml:"mac"`
	MTU       int      `yaml:"mtu"`
	AdminUp   bool     `yaml:"admin_up"`
	Addresses []string `yaml:"addresses"`
}

// Route is one static FIB entry, possibly multipath.
type Route struct {
	Prefix   string    `yaml:"prefix"`
	NextHops []NextHop `yaml:"next_hops"`
	TableID  uint32    `yaml:"table_id"`
}

// NextHop is one weighted next-hop of a (possibly multipath) route.
type NextHop struct {
	Interface string `yaml:"interface"`
	Address   string `yaml:"address"`
	Weight    uint32 `yaml:"weight"`
}

// Stream is a packet-generator stream descriptor, mirroring §4.7.
type Stream struct {
	Name        string  `yaml:"name"`
	Interface   string  `yaml:"interface"`
	Template    string  `yaml:"template_hex"`
	RatePPS     float64 `yaml:"rate_pps"`
	LimitPacket uint64  `yaml:"limit_packets"`
	WorkerIndex *int    `yaml:"worker_index"`
}

// Listener registers a local TCP/UDP delivery callback by destination port.
type Listener struct {
	DstPort uint16 `yaml:"dst_port"`
	Name    string `yaml:"name"`
}

// Load reads and parses the YAML document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks structural invariants that yaml.Unmarshal cannot enforce,
// e.g. that every next-hop weight is positive and every route names at least
// one next-hop.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Interfaces))
	for _, ifc := range c.Interfaces {
		if ifc.Name == "" {
			return fmt.Errorf("interface entry missing name")
		}
		if seen[ifc.Name] {
			return fmt.Errorf("duplicate interface name %q", ifc.Name)
		}
		seen[ifc.Name] = true
	}

	for _, r := range c.Routes {
		if r.Prefix == "" {
			return fmt.Errorf("route entry missing prefix")
		}
		if len(r.NextHops) == 0 {
			return fmt.Errorf("route %s has no next hops", r.Prefix)
		}
		for _, nh := range r.NextHops {
			if nh.Weight == 0 {
				return fmt.Errorf("route %s: next hop %s has zero weight", r.Prefix, nh.Address)
			}
		}
	}

	return nil
}
