package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"btcbridge/bitcoin"
	"btcbridge/config"
	"btcbridge/core"
	"btcbridge/core/events"
	gwconfig "btcbridge/gateway/config"
	"btcbridge/gateway/middleware"
	"btcbridge/gateway/routes"
	"btcbridge/observability"
	"btcbridge/observability/logging"
	telemetry "btcbridge/observability/otel"
	"btcbridge/services/relayer"
	"btcbridge/storage"
)

const serviceName = "btcbridged"

func main() {
	var (
		cfgPath       string
		allowInsecure bool
	)
	flag.StringVar(&cfgPath, "config", "./config.toml", "path to the node configuration")
	flag.BoolVar(&allowInsecure, "allow-insecure", false, "DEV ONLY: permit a plaintext listener on a non-loopback address")
	flag.Parse()

	if err := run(cfgPath, allowInsecure); err != nil {
		slog.Error("btcbridged: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string, allowInsecure bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.SetupWithFile(serviceName, cfg.Environment, logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.ConfigFromEnv(serviceName, cfg.Environment))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	opts, err := nodeOptions(cfg, logger)
	if err != nil {
		return err
	}
	db, err := storage.Open(cfg.DBBackend, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.DBBackend, err)
	}
	node, err := core.NewNode(db, opts)
	if err != nil {
		db.Close()
		return fmt.Errorf("start node: %w", err)
	}
	defer node.Close()

	best, err := node.BestChain()
	if err != nil {
		return err
	}
	logger.Info("btcbridged: node ready",
		slog.String("network", opts.Bridge.Network.String()),
		slog.String("backend", cfg.DBBackend),
		slog.Uint64("best_height", best.Height),
		slog.String("best_hash", best.Hash.String()))

	if strings.TrimSpace(cfg.RelayerConfig) != "" {
		worker, err := newRelayer(cfg, node)
		if err != nil {
			return err
		}
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("btcbridged: relayer stopped", "error", err)
			}
		}()
	}

	return serve(ctx, cfg, node, opts.Bridge.Network, allowInsecure, logger)
}

func nodeOptions(cfg *config.Config, logger *slog.Logger) (core.Options, error) {
	var opts core.Options
	var err error
	if opts.Headers, err = cfg.HeaderParams(); err != nil {
		return opts, err
	}
	if opts.Bridge, err = cfg.BridgeParams(); err != nil {
		return opts, err
	}
	if opts.Vault, err = cfg.VaultParams(); err != nil {
		return opts, err
	}
	if opts.Session, err = cfg.TrusteeSession(); err != nil {
		return opts, err
	}
	if opts.Genesis, err = cfg.GenesisHeader(); err != nil {
		return opts, err
	}
	opts.GenesisHeight = cfg.Genesis.Height
	if len(opts.Genesis) == 0 {
		opts.Genesis = bitcoin.EncodeHeader(&opts.Headers.Network.Params().GenesisBlock.Header)
		opts.GenesisHeight = 0
	}
	opts.Emitter = events.Fanout{
		events.LogEmitter{Logger: logger},
		observability.EventCounter{},
	}
	return opts, nil
}

func newRelayer(cfg *config.Config, node *core.Node) (*relayer.Worker, error) {
	rcfg, err := relayer.LoadConfig(cfg.RelayerConfig)
	if err != nil {
		return nil, fmt.Errorf("load relayer config: %w", err)
	}
	if !strings.EqualFold(rcfg.Network, cfg.Network) {
		return nil, fmt.Errorf("relayer network %q does not match node network %q", rcfg.Network, cfg.Network)
	}
	base, err := url.Parse(rcfg.Explorer.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse explorer url: %w", err)
	}
	autoUpgrade, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv("BTCBRIDGE_AUTO_HTTPS")))
	secured, upgraded, err := gwconfig.EnforceSecureScheme(cfg.Environment, base, autoUpgrade)
	if err != nil {
		return nil, fmt.Errorf("explorer url: %w", err)
	}
	if upgraded {
		slog.Warn("btcbridged: explorer url upgraded to https", "url", logging.MaskURL(secured.String()))
	}
	rcfg.Explorer.BaseURL = secured.String()
	explorer, err := relayer.NewExplorer(rcfg.Explorer)
	if err != nil {
		return nil, err
	}
	return relayer.NewWorker(explorer, node, rcfg)
}

func serve(ctx context.Context, cfg *config.Config, node *core.Node, network bitcoin.Network, allowInsecure bool, logger *slog.Logger) error {
	gw, err := gwconfig.Load(cfg.GatewayConfig)
	if err != nil {
		return fmt.Errorf("load gateway config: %w", err)
	}
	router, err := routes.New(routes.Config{
		Backend:       node,
		Network:       network,
		Authenticator: middleware.NewAuthenticator(gw.Authentication()),
		RateLimiter:   middleware.NewRateLimiter(gw.Limits()),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: gw.Observability.ServiceName,
			LogRequests: gw.Observability.LogRequests,
			Enabled:     gw.Observability.Metrics,
		}),
		CORS: middleware.CORSConfig{
			AllowedOrigins: gw.CORS.AllowedOrigins,
			AllowedHeaders: []string{"Content-Type", "Authorization", middleware.DevAccountHeader},
		},
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}

	var tlsConfig *tls.Config
	if gw.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(gw.Security.TLSCertFile, gw.Security.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	} else if !allowInsecure && !strings.EqualFold(cfg.Environment, "dev") && !isLoopbackAddress(gw.ListenAddress) {
		return fmt.Errorf("plaintext listener is restricted to loopback addresses outside dev; configure TLS or pass -allow-insecure")
	}

	server := &http.Server{
		Addr:         gw.ListenAddress,
		Handler:      router,
		ReadTimeout:  gw.ReadTimeout,
		WriteTimeout: gw.WriteTimeout,
		IdleTimeout:  gw.IdleTimeout,
		TLSConfig:    tlsConfig,
	}
	listener, err := net.Listen("tcp", gw.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("btcbridged: gateway listening", "addr", listener.Addr().String(), "tls", tlsConfig != nil)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("btcbridged: graceful shutdown failed", "error", err)
	}
	return nil
}

func isLoopbackAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
