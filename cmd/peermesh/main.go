package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"peermesh/internal/addrutil"
	"peermesh/internal/config"
	"peermesh/internal/discovery"
	"peermesh/internal/logging"
	"peermesh/internal/peer"
	"peermesh/internal/probestat"
	"peermesh/internal/registry"
	"peermesh/internal/server"
	"peermesh/internal/store"
	"peermesh/internal/telemetry"
	"peermesh/internal/topology"
	"peermesh/internal/wire"
)

const usage = `peermesh - peer discovery, health and topology for distributed inference nodes

Usage:
  peermesh run --config <path>
  peermesh check --config <path> [--peer <addr>]
  peermesh topology --config <path> [--addr <host:port>] [--depth <n>]
  peermesh discover --config <path> [--timeout 30s]
  peermesh stats --config <path> [--window 5m]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "run":
		handleRun(os.Args[2:])
	case "check":
		handleCheck(os.Args[2:])
	case "topology":
		handleTopology(os.Args[2:])
	case "discover":
		handleDiscover(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	log, err := logging.New(cfg.Node.LogLevel)
	if err != nil {
		fatal(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(registry.Options{
		ProbeInterval: time.Duration(cfg.Health.IntervalSec) * time.Second,
		ProbeTimeout:  time.Duration(cfg.Health.TimeoutSec) * time.Second,
		ProbeLogPath:  cfg.Node.ProbeLogPath,
		CachePath:     cfg.Node.PeerCachePath,
	}, log)
	defer reg.Close()

	if cfg.Node.PeerCachePath != "" {
		cache, err := store.LoadCache(cfg.Node.PeerCachePath)
		if err != nil {
			log.Warn("loading peer cache failed", zap.Error(err))
		} else {
			reg.Seed(cache)
		}
	}

	provider, err := buildProvider(*configPath, cfg, log)
	if err != nil {
		fatal(err)
	}

	col := topology.NewCollector(cfg.Node.ID, cfg.Node.Capability, reg, topology.Options{
		Interval: time.Duration(cfg.Topology.IntervalSec) * time.Second,
		MaxDepth: cfg.Topology.MaxDepth,
	}, log)

	ln, err := net.Listen("tcp", cfg.Node.Listen)
	if err != nil {
		fatal(err)
	}
	log.Info("node listening",
		zap.String("node", cfg.Node.ID),
		zap.String("addr", ln.Addr().String()),
		zap.String("discovery", cfg.Discovery.Mode))

	obs := make(chan discovery.Observation, 64)
	go func() {
		if err := provider.Run(ctx, obs); err != nil {
			log.Error("discovery provider stopped", zap.Error(err))
		}
	}()
	go reg.Run(ctx, obs)
	go col.Run(ctx, reg.Changed())

	if cfg.Node.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.MetricsHandler())
		msrv := &http.Server{Addr: cfg.Node.MetricsListen, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			msrv.Shutdown(shutdownCtx)
		}()
		go func() {
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener failed", zap.Error(err))
			}
		}()
		log.Info("metrics listening", zap.String("addr", cfg.Node.MetricsListen))
	}

	srv := server.New(nil, col, log)
	if err := srv.Serve(ctx, ln); err != nil {
		fatal(err)
	}
	log.Info("shutting down")
}

func handleCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	peerAddr := fs.String("peer", "", "peer address (default: local node)")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	addr := *peerAddr
	if addr == "" {
		addr = localAddr(cfg.Node.Listen)
	}

	ctx, cancel := context.WithTimeout(context.Background(), peer.HealthCheckTimeout)
	defer cancel()

	c := peer.New("check", addr, zap.NewNop())
	defer c.Close()
	if c.HealthCheck(ctx) {
		fmt.Printf("%s healthy\n", addr)
		return
	}
	fmt.Printf("%s unhealthy\n", addr)
	os.Exit(1)
}

func handleTopology(args []string) {
	fs := flag.NewFlagSet("topology", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	addr := fs.String("addr", "", "node to query (default: local node)")
	depth := fs.Int("depth", 0, "collection depth (default: config)")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	target := *addr
	if target == "" {
		target = localAddr(cfg.Node.Listen)
	}
	maxDepth := *depth
	if maxDepth <= 0 {
		maxDepth = cfg.Topology.MaxDepth
	}

	ctx, cancel := context.WithTimeout(context.Background(), peer.DefaultCallTimeout)
	defer cancel()

	c := peer.New("query", target, zap.NewNop())
	defer c.Close()

	payload, err := wire.EncodeJSON(wire.TopologyRequest{MaxDepth: maxDepth})
	if err != nil {
		fatal(err)
	}
	resp, err := c.Call(ctx, wire.MsgCollectTopologyRequest, payload, wire.MsgCollectTopologyResponse)
	if err != nil {
		fatal(err)
	}
	var body wire.TopologyResponse
	if err := wire.DecodeJSON(resp, &body); err != nil {
		fatal(err)
	}

	g := topology.NewGraph()
	for id, cap := range body.Nodes {
		g.AddNode(id, cap)
	}
	for from, edges := range body.PeerGraph {
		for _, e := range edges {
			g.AddEdge(from, topology.Edge{ToID: e.ToID, Method: e.Method})
		}
	}
	fmt.Print(g.String())
}

func handleDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	timeout := fs.Duration("timeout", 30*time.Second, "how long to listen for peers")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	log, err := logging.New("warn")
	if err != nil {
		fatal(err)
	}
	provider, err := buildProvider(*configPath, cfg, log)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	obs := make(chan discovery.Observation, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		provider.Run(ctx, obs)
	}()

	fmt.Printf("%-20s  %-22s  %-10s  %s\n", "PEER", "ADDR", "METHOD", "CAPABILITY")
	for {
		select {
		case o := <-obs:
			if o.Retract {
				fmt.Printf("%-20s  %-22s  %-10s  retracted\n", o.ID, "", o.Method)
				continue
			}
			fmt.Printf("%-20s  %-22s  %-10s  %s\n", o.ID, o.Addr, o.Method, o.Capability)
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	window := fs.Duration("window", 5*time.Minute, "stats window")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Node.ProbeLogPath == "" {
		fatal(errors.New("node.probe_log_path is required for stats"))
	}

	samples, err := probestat.ReadCSV(cfg.Node.ProbeLogPath)
	if err != nil {
		fatal(err)
	}
	s := probestat.Summarize(samples, time.Now().Add(-*window))
	if s.Count == 0 {
		fmt.Println("no probes in window")
		return
	}

	fmt.Printf("probes:   %d (%s .. %s)\n", s.Count,
		s.From.UTC().Format(time.RFC3339), s.To.UTC().Format(time.RFC3339))
	fmt.Printf("healthy:  %.1f%%\n", s.HealthyPct)
	fmt.Printf("rtt ms:   avg=%.2f p95=%.2f min=%.2f max=%.2f\n",
		s.AvgRTTMs, s.P95RTTMs, s.MinRTTMs, s.MaxRTTMs)
}

// buildProvider assembles the discovery provider the config selects.
func buildProvider(configPath string, cfg config.Config, log *zap.Logger) (discovery.Provider, error) {
	interval := time.Duration(cfg.Discovery.AnnounceSec) * time.Second

	switch cfg.Discovery.Mode {
	case "manual":
		load := func() (map[string]discovery.StaticPeer, error) {
			fresh, err := config.Load(configPath)
			if err != nil {
				return nil, err
			}
			if err := config.Validate(fresh); err != nil {
				return nil, err
			}
			peers := make(map[string]discovery.StaticPeer, len(fresh.Discovery.Peers))
			for id, p := range fresh.Discovery.Peers {
				peers[id] = discovery.StaticPeer{Addr: p.Addr, Capability: p.Capability}
			}
			return peers, nil
		}
		return discovery.NewManual(load, interval, log), nil

	case "direct":
		return discovery.NewDirect(cfg.Discovery.Peer, log), nil

	case "broadcast":
		self := discovery.NewAnnouncement(cfg.Node.ID, listenPort(cfg.Node.Listen), cfg.Node.Capability)
		return discovery.NewBroadcast(self, cfg.Discovery.ListenPort, interval,
			cfg.Discovery.RetractAfterMiss, cfg.Discovery.STUNServers, log), nil

	case "scan":
		self := discovery.NewAnnouncement(cfg.Node.ID, listenPort(cfg.Node.Listen), cfg.Node.Capability)
		return discovery.NewScan(self, cfg.Discovery.ListenPort, interval, cfg.Discovery.ScanHosts,
			cfg.Discovery.RetractAfterMiss, cfg.Discovery.STUNServers, log), nil

	case "etcd":
		return discovery.NewEtcd(cfg.Discovery.Etcd.Endpoints, cfg.Discovery.Etcd.Prefix,
			cfg.Discovery.Etcd.TTLSec, cfg.Node.ID, advertiseAddr(cfg.Node.Listen),
			cfg.Node.Capability, log), nil
	}
	return nil, fmt.Errorf("unknown discovery mode %q", cfg.Discovery.Mode)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, errors.New("--config is required")
	}
	return config.Load(path)
}

// listenPort extracts the port from a listen address like ":52415".
func listenPort(listen string) int {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return config.DefaultListenPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return config.DefaultListenPort
	}
	return port
}

// localAddr turns a listen address into something dialable from this host.
func localAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// advertiseAddr picks the address other nodes should dial: the first
// non-loopback interface address joined with the protocol port.
func advertiseAddr(listen string) string {
	port := strconv.Itoa(listenPort(listen))
	prefixes, err := addrutil.LocalPrefixes()
	if err != nil || len(prefixes) == 0 {
		return net.JoinHostPort("127.0.0.1", port)
	}
	return net.JoinHostPort(prefixes[0].Addr().String(), port)
}

func fatal(err error) {
	if err == nil {
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
