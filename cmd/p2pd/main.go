package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chainp2p/cmd/internal/passphrase"
	"chainp2p/config"
	"chainp2p/consensus"
	"chainp2p/mempool"
	"chainp2p/observability/logging"
	telemetry "chainp2p/observability/otel"
	"chainp2p/p2p"
	"chainp2p/p2p/seeds"
	"chainp2p/storage"
)

const serviceName = "p2pd"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file (TOML or YAML)")
	metricsAddr := flag.String("metrics", "", "Override the metrics and health listen address")
	flag.Parse()

	if err := run(*configFile, *metricsAddr); err != nil {
		fmt.Fprintf(os.Stderr, "p2pd: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, metricsOverride string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr := strings.TrimSpace(metricsOverride); addr != "" {
		cfg.MetricsAddress = addr
	}

	logger, logCloser := logging.Setup(serviceName, cfg.Environment, logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 14,
	})
	if logCloser != nil {
		defer logCloser.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	passSource := passphrase.NewSource(cfg.NodeKeystorePassEnv)
	identity, err := loadIdentity(cfg, passSource.Get)
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		NodeID:      identity.NodeID,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.MergeHeaders(cfg.Telemetry.Headers, telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	db, err := storage.NewLevelDB(cfg.ChainPath())
	if err != nil {
		return fmt.Errorf("open chain database: %w", err)
	}
	defer db.Close()

	chain, err := storage.NewChainStore(db, cfg.NetworkName)
	if err != nil {
		return fmt.Errorf("open chain: %w", err)
	}

	peerstore, err := openPeerstore(cfg)
	if err != nil {
		return fmt.Errorf("open peerstore: %w", err)
	}
	defer peerstore.Close()

	pool := mempool.New(cfg.Mempool.Capacity)
	engine := consensus.New(consensus.Config{
		MaxPayloadSize:    cfg.Consensus.MaxPayloadSize,
		MaxTxSize:         cfg.Consensus.MaxTxSize,
		MaxClockDrift:     cfg.Consensus.MaxClockDrift,
		RequireSignatures: cfg.Consensus.RequireSignatures,
	}, chain, pool)

	deps := p2p.Deps{
		Storage:   chain,
		Consensus: engine,
		Mempool:   pool,
		Peerstore: peerstore,
	}
	if len(cfg.P2P.DNSSeeds) > 0 {
		resolver, err := seeds.NewResolver(cfg.P2P.DNSResolver, cfg.P2P.DNSSeedPort)
		if err != nil {
			return fmt.Errorf("configure DNS seeds: %w", err)
		}
		deps.Resolver = resolver
	}

	network, err := p2p.New(cfg.NetworkConfig(), identity, deps, p2p.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("initialise network: %w", err)
	}
	if err := network.Start(ctx); err != nil {
		return fmt.Errorf("start network: %w", err)
	}
	defer network.Stop()

	server := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           newHTTPHandler(networkStatus(cfg.NetworkName, network)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics", slog.String("address", cfg.MetricsAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("p2pd running",
		slog.String("network", cfg.NetworkName),
		logging.MaskField("node_id", identity.NodeID),
		slog.Uint64("height", uint64(chain.CurrentHeight())))

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		logger.Error("Metrics server failed", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", slog.Any("error", err))
	}
	return nil
}
