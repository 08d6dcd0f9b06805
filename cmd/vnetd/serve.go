// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowgraph/vnet/internal/buffer"
	"github.com/flowgraph/vnet/internal/config"
	"github.com/flowgraph/vnet/internal/graph"
	"github.com/flowgraph/vnet/internal/ip4"
	"github.com/flowgraph/vnet/internal/ip6"
	"github.com/flowgraph/vnet/internal/logging"
	"github.com/flowgraph/vnet/internal/pg"
)

// schedulerTick is how often the daemon's single worker loop calls
// graph.Graph.RunOnce, on a fixed ticker whether or not any input node has
// work pending; this is the polling granularity for the packet generator's own streams,
// the only input source this pure-Go rebuild has without a hardware driver.
const schedulerTick = 5 * time.Millisecond

// metricsAddr is the Prometheus /metrics listen address. Not currently
// exposed via config; a production deployment would want this configurable.
const metricsAddr = ":9273"

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the vnet forwarding graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags)
		},
	}
}

func runServe(flags *globalFlags) error {
	log, err := logging.New(flags.logLevel)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	undo, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof))
	defer undo()
	if err != nil {
		log.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	s := newSubstrate(log)
	pool := buffer.NewPool()
	g := graph.New(pool)

	// Override the shared error-punt sink before ip4/ip6 register their own
	// default (which only counts errors and frees nothing): this daemon has no control-plane socket to hand
	// punted frames to, so the punt sink here simply frees them, avoiding
	// the unbounded buffer growth an un-drained FRAME_NO_FREE_AFTER_DISPATCH
	// edge would otherwise cause in a long-running process.
	if _, err := g.RegisterNode(graph.Descriptor{
		Name: "error-punt", Type: graph.TypePunt, NFrameNoFree: true,
		Function: func(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
			idx := frame.Indices()
			g.Pool().Free(idx)
			return len(idx)
		},
	}); err != nil {
		return fmt.Errorf("register error-punt: %w", err)
	}

	ip4Proc := ip4.New(pool, s.fib, s.heap, s.ifaces, s.arp, s.listeners, log)
	ip6Proc := ip6.New(pool, s.fib, s.heap, s.ifaces, s.nd, s.listeners, log)
	if err := ip4Proc.RegisterNodes(g); err != nil {
		return fmt.Errorf("register ip4 nodes: %w", err)
	}
	if err := ip6Proc.RegisterNodes(g); err != nil {
		return fmt.Errorf("register ip6 nodes: %w", err)
	}

	if err := applyInterfaces(s, g, cfg); err != nil {
		return fmt.Errorf("apply interfaces: %w", err)
	}
	if err := applyRoutes(s, ip4Proc, ip6Proc, cfg); err != nil {
		return fmt.Errorf("apply routes: %w", err)
	}

	gen := pg.New(pool)
	if err := applyStreams(s, g, gen, cfg); err != nil {
		return fmt.Errorf("apply streams: %w", err)
	}

	if err := applyListeners(s, g, ip4Proc, ip6Proc, cfg); err != nil {
		return fmt.Errorf("apply listeners: %w", err)
	}

	reg := prometheus.NewRegistry()
	for _, c := range s.ifaces.Counters().Collectors() {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register metrics collector: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grp, ctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		return serveMetrics(ctx, reg)
	})

	grp.Go(func() error {
		runScheduler(ctx, g)
		for _, st := range cfg.Streams {
			gen.Stop(st.Name)
		}
		return nil
	})

	log.Info("vnetd started", zap.String("config", flags.configPath))
	err = grp.Wait()
	log.Info("vnetd stopped")
	return err
}

// runScheduler drives g.RunOnce on a fixed tick until ctx is canceled. This
// is the single goroutine permitted to touch g's EnqueueToNext/FlushNext
// path concurrently with the packet-generator processes it starts (see
// internal/graph.Graph.StartProcess's concurrency note) — the generator's
// own goroutines only ever enqueue onto the graph between ticks here, which
// is safe only because nothing else calls RunOnce concurrently. A
// multi-worker deployment would need either a per-worker Graph (as spec
// §4.2 describes) or explicit synchronization; this daemon runs exactly one
// worker, documented in DESIGN.md as an Open Question resolved toward
// correctness over the multi-worker feature.
func runScheduler(ctx context.Context, g *graph.Graph) {
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.RunOnce()
		}
	}
}

func serveMetrics(ctx context.Context, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: metricsAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// applyListeners registers every configured local-delivery listener on both
// IP processors: since a destination port is not itself address-family
// specific, each configured listener gets one ip4-local and one ip6-local
// edge sharing a name, both dispatching to the same logging sink node. No
// application-layer socket exists in this pure-Go rebuild, so the sink just
// logs and frees the delivered frame.
func applyListeners(s *substrate, g *graph.Graph, ip4Proc *ip4.Processor, ip6Proc *ip6.Processor, cfg *config.Config) error {
	for _, l := range cfg.Listeners {
		sinkName := "listen-" + l.Name
		if _, ok := g.NodeByName(sinkName); !ok {
			if _, err := g.RegisterNode(graph.Descriptor{
				Name: sinkName, Type: graph.TypePunt,
				Function: func(g *graph.Graph, n *graph.Node, frame *buffer.Frame) int {
					idx := frame.Indices()
					s.log.Debug("listener delivery", zap.String("listener", sinkName), zap.Int("count", len(idx)))
					g.Pool().Free(idx)
					return len(idx)
				},
			}); err != nil {
				return fmt.Errorf("listener %s: register sink: %w", l.Name, err)
			}
		}

		ip4Proc.RegisterListener(l.DstPort, sinkName)
		ip6Proc.RegisterListener(l.DstPort, sinkName)
	}

	return nil
}

// applyStreams registers every configured packet-generator stream. Stream
// templates are treated as raw IPv4 packets entering the graph at
// "ip4-lookup", matching how this repository's own ip4 tests inject
// synthetic traffic; a richer deployment would let config select the
// entry node per stream.
func applyStreams(s *substrate, g *graph.Graph, gen *pg.Generator, cfg *config.Config) error {
	for _, st := range cfg.Streams {
		tmpl, err := hex.DecodeString(st.Template)
		if err != nil {
			return fmt.Errorf("stream %s: decode template_hex: %w", st.Name, err)
		}

		spec := pg.Stream{
			Name:         st.Name,
			Template:     tmpl,
			RatePPS:      st.RatePPS,
			LimitPackets: st.LimitPacket,
			NextName:     "ip4-lookup",
			WorkerIndex:  st.WorkerIndex,
		}
		if swIdx, ok := s.swIndexByName[st.Interface]; ok {
			spec.RxSwIfIndex = swIdx
		}

		if err := gen.RegisterStream(g, spec); err != nil {
			return fmt.Errorf("stream %s: %w", st.Name, err)
		}
	}

	return nil
}
