// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package graph

import (
	"time"
)

// EventType names one kind of event a process can wait for and be signaled
// with.
type EventType int

// ClockTimeout is the sentinel EventType value returned by WaitForEventOrClock
// when the timer fires with no event pending, mirroring the original's ~0
// "timer only" return. The process is responsible for polling its own
// deadlines when it receives this.
const ClockTimeout EventType = -1

// ProcessFunction is a cooperatively scheduled long-lived task. It runs on
// its own goroutine; a blocking receive on the ctx channel is this
// implementation's stand-in for the original's saved-stack continuation —
// the only points at which a process may suspend are the three ProcessContext
// methods below, exactly as the spec enumerates.
type ProcessFunction func(ctx *ProcessContext, g *Graph, n *Node)

// ProcessContext is handed to a ProcessFunction and exposes its suspension
// points. Events of the same type delivered before the process wakes are
// coalesced into one pending event, matching "event delivered to next wake,
// coalesced per type".
type ProcessContext struct {
	events  chan EventType
	pending map[EventType]bool
	stop    chan struct{}
}

func newProcessContext() *ProcessContext {
	return &ProcessContext{
		events:  make(chan EventType, 1),
		pending: make(map[EventType]bool),
		stop:    make(chan struct{}),
	}
}

// WaitForEvent blocks until Signal delivers at least one event, then
// returns every distinct event type pending since the last wake.
func (c *ProcessContext) WaitForEvent() []EventType {
	return c.wait(nil)
}

// WaitForEventOrClock blocks until either an event arrives or dt elapses.
// On a bare timeout it returns []EventType{ClockTimeout}.
func (c *ProcessContext) WaitForEventOrClock(dt time.Duration) []EventType {
	timer := time.NewTimer(dt)
	defer timer.Stop()
	return c.wait(timer.C)
}

// Suspend blocks for exactly dt with no way to be woken early by an event;
// used by process nodes with no event sources (e.g. a pure stats ticker).
func (c *ProcessContext) Suspend(dt time.Duration) {
	timer := time.NewTimer(dt)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-c.stop:
	}
}

func (c *ProcessContext) wait(clock <-chan time.Time) []EventType {
	select {
	case ev := <-c.events:
		c.pending[ev] = true
		c.drainNonBlocking()
		return c.takePending()
	case <-clock:
		return []EventType{ClockTimeout}
	case <-c.stop:
		return nil
	}
}

func (c *ProcessContext) drainNonBlocking() {
	for {
		select {
		case ev := <-c.events:
			c.pending[ev] = true
		default:
			return
		}
	}
}

func (c *ProcessContext) takePending() []EventType {
	out := make([]EventType, 0, len(c.pending))
	for ev := range c.pending {
		out = append(out, ev)
		delete(c.pending, ev)
	}
	return out
}

// Signal delivers ev to the process, waking it if it is currently blocked in
// WaitForEvent or WaitForEventOrClock.
func (c *ProcessContext) Signal(ev EventType) {
	select {
	case c.events <- ev:
	default:
		// A signal is already queued; it will be coalesced with ev on the
		// next drain since both are recorded in pending on wake.
		c.pending[ev] = true
	}
}

// Stop releases a blocked process permanently, used on graph shutdown.
func (c *ProcessContext) Stop() {
	close(c.stop)
}

// StartProcess launches fn as the long-lived body of the already registered
// process node idx, returning the ProcessContext used to signal it.
//
// fn runs on its own goroutine, but the Graph it is handed is not safe for
// concurrent use: every EnqueueToNext/FlushNext call fn makes must be
// externally serialized against any concurrent RunOnce call on the same
// Graph, e.g. by funneling both through one worker loop's single goroutine,
// or by the caller's own mutex. This mirrors the original's single-threaded
// run-to-completion model — goroutines-and-channels stand in for
// saved-stack coroutines here, they do not grant the graph itself
// thread-safety.
func (g *Graph) StartProcess(idx Index, fn ProcessFunction) *ProcessContext {
	ctx := newProcessContext()
	n := g.nodes[idx]

	go fn(ctx, g, n)

	return ctx
}
