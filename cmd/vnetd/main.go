// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Command vnetd runs the vnet packet-processing graph as a standalone
// daemon: it loads a YAML configuration (interfaces, routes, packet
// generator streams, listeners), wires the buffer/graph/fib/adjacency/
// interface substrate together, and drives the scheduler until signaled to
// stop.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
