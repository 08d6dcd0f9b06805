// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowgraph/vnet/internal/buffer"
	"github.com/flowgraph/vnet/internal/config"
	"github.com/flowgraph/vnet/internal/graph"
	"github.com/flowgraph/vnet/internal/ip4"
	"github.com/flowgraph/vnet/internal/ip6"
	"github.com/flowgraph/vnet/internal/logging"
)

func newRoutesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "print the FIB and listener registry that a config document produces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoutes(cmd, flags)
		},
	}
}

// runRoutes loads cfg and replays the same interface/route/listener
// application logic serve would, against a graph that never runs — this is
// a read-only dump, grounded in gaissmai-bart/cmd/routes.go's role as an
// inspection tool rather than a dataplane driver.
func runRoutes(cmd *cobra.Command, flags *globalFlags) error {
	log, err := logging.New(flags.logLevel)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	s := newSubstrate(log)
	pool := buffer.NewPool()
	g := graph.New(pool)

	ip4Proc := ip4.New(pool, s.fib, s.heap, s.ifaces, s.arp, s.listeners, log)
	ip6Proc := ip6.New(pool, s.fib, s.heap, s.ifaces, s.nd, s.listeners, log)
	if err := ip4Proc.RegisterNodes(g); err != nil {
		return err
	}
	if err := ip6Proc.RegisterNodes(g); err != nil {
		return err
	}

	if err := applyInterfaces(s, g, cfg); err != nil {
		return err
	}
	if err := applyRoutes(s, ip4Proc, ip6Proc, cfg); err != nil {
		return err
	}
	if err := applyListeners(s, g, ip4Proc, ip6Proc, cfg); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for pfx, a := range s.fib.All() {
		adjacency := s.heap.Get(a)
		fmt.Fprintf(out, "%-24s adj=%-6d next=%s\n", pfx, a, adjacency.LookupNext)
	}

	listeners := s.listeners.String()
	if listeners != "" {
		fmt.Fprintln(out, listeners)
	}

	return nil
}
