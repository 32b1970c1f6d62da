// Command ibnetd runs a single ibnet node: it brings up a Runtime, adds any
// peers named on the command line, and serves Prometheus metrics until it
// receives SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-ibnet/ibnet"
	"github.com/go-ibnet/ibnet/internal/config"
	"github.com/go-ibnet/ibnet/internal/logging"
	"github.com/go-ibnet/ibnet/internal/verbs/simulated"
)

// peerFlag accumulates repeated -peer nodeID=ip flags into a map.
type peerFlag map[uint16]string

func (p peerFlag) String() string {
	var b strings.Builder
	for id, ip := range p {
		fmt.Fprintf(&b, "%d=%s ", id, ip)
	}
	return b.String()
}

func (p peerFlag) Set(s string) error {
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expected nodeID=ip, got %q", s)
	}
	id, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid node id %q: %w", parts[0], err)
	}
	p[uint16(id)] = parts[1]
	return nil
}

func main() {
	var (
		nodeID      = flag.Uint("node", 0, "this node's id")
		port        = flag.Int("port", 9990, "UDP discovery/exchange port (shared cluster-wide)")
		bindAddr    = flag.String("bind", "", "local IP the exchange socket binds to (empty means all interfaces)")
		topologyStr = flag.String("topology", "simple", "connection topology: simple or datapath")
		metricsAddr = flag.String("metrics-addr", "", "address to serve /metrics on (empty disables)")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	peers := make(peerFlag)
	flag.Var(peers, "peer", "peer to discover, as nodeID=ip (repeatable)")
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	var topology ibnet.Topology
	switch strings.ToLower(*topologyStr) {
	case "simple":
		topology = ibnet.TopologySimple
	case "datapath":
		topology = ibnet.TopologyDatapath
	default:
		logger.Error("unrecognized topology", "topology", *topologyStr)
		os.Exit(1)
	}

	cfg := *config.DefaultConfig(uint16(*nodeID))
	cfg.SocketPort = *port
	cfg.BindAddr = *bindAddr

	// The bundled verbs provider is a deterministic in-process simulation
	// (internal/verbs/simulated): every part of a real InfiniBand fabric is
	// modeled except the one that matters across a process boundary. Two
	// ibnetd processes discover each other fine over the real UDP socket
	// below, but a connection between them will never reach RTS, because
	// each process's simulated Provider is backed by its own private Fabric
	// with no shared memory or wire transport standing in for verbs SEND.
	// Point multiple Runtimes within one process at the same
	// simulated.NewFabric() to see a full handshake (see
	// TestRuntimeConnectAndSendRoundTrip in runtime_test.go).
	fabric := simulated.NewFabric()
	provider := fabric.NewProvider(uint16(*nodeID))

	rt, err := ibnet.New(ibnet.Options{
		Config:   cfg,
		Provider: provider,
		Topology: topology,
	})
	if err != nil {
		logger.Error("failed to construct runtime", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		logger.Error("failed to start runtime", "err", err)
		os.Exit(1)
	}

	for id, ip := range peers {
		rt.AddNode(id, ip)
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		if c := rt.Collector(); c != nil {
			registry := prometheus.NewRegistry()
			registry.MustRegister(c)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux}
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server failed", "err", err)
				}
			}()
			logger.Info("serving metrics", "addr", *metricsAddr)
		} else {
			logger.Warn("metrics-addr set but the runtime was built with MetricsEnabled=false, ignoring")
		}
	}

	go func() {
		for ev := range rt.Events() {
			logger.Info("event", "kind", ev.Kind.String(), "node", ev.NodeID)
		}
	}()

	logger.Info("ibnetd started", "node", *nodeID, "port", *port, "topology", *topologyStr)
	fmt.Printf("ibnetd listening on port %d as node %d (topology=%s)\n", *port, *nodeID, *topologyStr)
	fmt.Printf("Press Ctrl+C to stop...\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	stopped := make(chan struct{})
	go func() {
		rt.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		logger.Info("runtime stopped")
	case <-time.After(5 * time.Second):
		logger.Warn("shutdown timed out, exiting anyway")
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
}
