// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package graph

import "time"

var processStart = time.Now()

// TimeNow returns seconds elapsed since the graph's process started, as the
// original's time_now() returns an f64 seconds value rather than a wall
// clock timestamp.
func TimeNow() float64 {
	return time.Since(processStart).Seconds()
}

// CPUTimeNow returns a monotonic nanosecond count, standing in for the
// original's cycle counter; Go has no portable cycle-counter intrinsic, so
// elapsed time at nanosecond resolution is the idiomatic substitute.
func CPUTimeNow() uint64 {
	return uint64(time.Since(processStart))
}
