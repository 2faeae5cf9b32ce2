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
	"go.opentelemetry.io/otel"

	"github.com/kplusq/lisk-sdk/nodeconfig"
	"github.com/kplusq/lisk-sdk/observability/logging"
	"github.com/kplusq/lisk-sdk/observability/otelinit"
	"github.com/kplusq/lisk-sdk/p2p"
	"github.com/kplusq/lisk-sdk/p2p/seeds"
	"github.com/kplusq/lisk-sdk/p2p/wsconn"
)

func main() {
	configFile := flag.String("config", "./peernode.toml", "Path to the configuration file")
	metricsAddr := flag.String("metrics", ":9464", "Address for the Prometheus /metrics endpoint")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("PEERNODE_ENV"))
	cfg, err := nodeconfig.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logger := logging.Setup(logging.Config{Service: "peernode", Env: env, FilePath: cfg.LogFilePath})

	otlpEndpoint := strings.TrimSpace(cfg.OTELEndpoint)
	insecure := cfg.OTELInsecure
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := otelinit.Init(context.Background(), otelinit.Config{
		ServiceName: "peernode",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otelinit.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	banStore, err := p2p.OpenBanStore(cfg.BanStorePath)
	if err != nil {
		logger.Error("failed to open ban store", "error", err)
		os.Exit(1)
	}
	defer banStore.Close()

	directory, err := p2p.NewPeerDirectory(256)
	if err != nil {
		logger.Error("failed to build peer directory", "error", err)
		os.Exit(1)
	}

	identity, err := p2p.LoadOrCreateNodeIdentity(cfg.IdentityKeyPath)
	if err != nil {
		logger.Error("failed to load node identity", "error", err)
		os.Exit(1)
	}
	logger.Info("node identity ready", "nodeId", identity.NodeID)

	registry := prometheus.NewRegistry()
	metrics := p2p.NewMetrics(registry, otel.GetMeterProvider().Meter("peerpool"))

	dialer := wsconn.DialerFunc(func(info p2p.PeerInfo) string {
		return fmt.Sprintf("ws://%s:%d/p2p?nodeId=%s", info.IPAddress, info.WSPort, identity.NodeID)
	})

	poolCfg := cfg.ToPoolConfig()
	pool := p2p.NewPool(poolCfg, dialer, directory, banStore, metrics, logger)

	events, unsubscribe := pool.Subscribe(256)
	defer unsubscribe()
	go logEvents(logger, events)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(*metricsAddr, metricsMux); err != nil {
			logger.Error("metrics server exited", "error", err)
		}
	}()

	http.HandleFunc("/p2p", func(w http.ResponseWriter, r *http.Request) {
		socket, err := wsconn.Accept(w, r)
		if err != nil {
			logger.Warn("failed to accept inbound socket", "error", err)
			return
		}
		remoteIP := r.RemoteAddr
		remoteNodeID := r.URL.Query().Get("nodeId")
		info := p2p.PeerInfo{IPAddress: remoteIP, WSPort: 0}
		if _, err := pool.AddInboundPeer(r.Context(), info, socket); err != nil {
			logger.Warn("failed to register inbound peer", "error", err)
			_ = socket.Close()
			return
		}
		logger.Info("accepted inbound peer", "peer", remoteIP, "remoteNodeId", remoteNodeID)
	})
	go func() {
		if err := http.ListenAndServe(cfg.ListenAddress, nil); err != nil {
			logger.Error("http server exited", "error", err)
		}
	}()

	bootSeeds := make([]p2p.PeerInfo, 0, len(cfg.Bootnodes))
	for _, addr := range cfg.Bootnodes {
		host, port, err := splitBootnode(addr)
		if err != nil {
			logger.Warn("skipping malformed bootnode", "address", addr, "error", err)
			continue
		}
		bootSeeds = append(bootSeeds, p2p.PeerInfo{IPAddress: host, WSPort: port})
	}

	if book, err := nodeconfig.LoadPeerBook(cfg.PeerBookPath); err != nil {
		logger.Warn("failed to load peer book", "error", err)
	} else {
		bootSeeds = append(bootSeeds, book...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if registrySeeds, err := resolveRegistrySeeds(ctx, cfg.SeedsRegistryPath); err != nil {
		logger.Warn("failed to resolve seed registry", "error", err)
	} else {
		bootSeeds = append(bootSeeds, registrySeeds...)
	}

	if len(bootSeeds) > 0 {
		pool.FetchStatusAndCreatePeers(ctx, bootSeeds)
	}

	go runDiscoveryLoop(ctx, pool, logger)
	go runPeerBookSnapshotLoop(ctx, pool, cfg.PeerBookPath, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	pool.RemoveAllPeers()
}

func logEvents(logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}, events <-chan p2p.Event) {
	for ev := range events {
		if ev.Err != nil {
			logger.Warn("peer event", "kind", ev.Kind.String(), "peer", ev.PeerID, "error", ev.Err)
			continue
		}
		logger.Info("peer event", "kind", ev.Kind.String(), "peer", ev.PeerID)
	}
}

func runDiscoveryLoop(ctx context.Context, pool *p2p.PeerPool, logger interface {
	Warn(msg string, args ...any)
}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			known := pool.GetAllPeerInfos()
			pool.RunDiscovery(ctx, known, nil)
			pool.TriggerNewConnections(ctx, known)
		}
	}
}

func runPeerBookSnapshotLoop(ctx context.Context, pool *p2p.PeerPool, path string, logger interface {
	Warn(msg string, args ...any)
}) {
	if strings.TrimSpace(path) == "" {
		return
	}
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := nodeconfig.SavePeerBook(path, pool.GetAllPeerInfos()); err != nil {
				logger.Warn("failed to snapshot peer book", "error", err)
			}
		}
	}
}

func resolveRegistrySeeds(ctx context.Context, registryPath string) ([]p2p.PeerInfo, error) {
	if strings.TrimSpace(registryPath) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	registry, err := seeds.Parse(raw)
	if err != nil {
		return nil, err
	}
	resolved, err := registry.Resolve(ctx, time.Now(), seeds.NewDNSResolver(""))
	out := make([]p2p.PeerInfo, 0, len(resolved))
	for _, seed := range resolved {
		out = append(out, p2p.PeerInfo{IPAddress: seed.IPAddress, WSPort: seed.WSPort})
	}
	return out, err
}

func splitBootnode(addr string) (string, int, error) {
	host, portStr, err := splitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return host, port, nil
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing port in %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}
