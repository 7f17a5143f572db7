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
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	poolconfig "lendpool/config"
	"lendpool/core"
	"lendpool/gateway/middleware"
	nativecommon "lendpool/native/common"
	"lendpool/native/oracle"
	"lendpool/observability/logging"
	telemetry "lendpool/observability/otel"
	"lendpool/services/poold/chain"
	"lendpool/services/poold/config"
	"lendpool/services/poold/journal"
	"lendpool/services/poold/pausestore"
	"lendpool/services/poold/server"
	"lendpool/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/poold/config.yaml", "path to poold config")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("poold exited", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	env := strings.TrimSpace(os.Getenv("POOL_ENV"))
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.SetupWithOptions("poold", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	poolFile, err := poolconfig.LoadPool(cfg.PoolConfig)
	if err != nil {
		return err
	}
	genesis, allocations, err := poolFile.Genesis()
	if err != nil {
		return fmt.Errorf("pool genesis: %w", err)
	}

	telemetryCfg := telemetry.ConfigFromEnv("poold", env)
	telemetryCfg.Attributes = map[string]string{"lendpool.pool": genesis.Address.String()}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	node, err := chain.NewClient(chain.Config{
		BaseURL:         cfg.Chain.RPCURL,
		BearerToken:     cfg.Chain.Token,
		Timeout:         cfg.Chain.Timeout,
		TLSClientCAFile: cfg.Chain.TLSCAFile,
		AllowInsecure:   cfg.Chain.AllowInsecure,
	})
	if err != nil {
		return fmt.Errorf("chain client: %w", err)
	}
	if cfg.Chain.AllowInsecure {
		logger.Warn("chain client skips TLS verification", slog.String("rpc_url", cfg.Chain.RPCURL))
	}
	logger.Info("chain client configured",
		slog.String("rpc_url", cfg.Chain.RPCURL),
		logging.MaskField("chain_token", cfg.Chain.Token),
		logging.MaskField("journal_dsn", cfg.Journal.DSN))
	prices := oracle.NewAggregator(node, oracle.WithMaxAge(uint64(poolFile.MaxOracleAge()/time.Second)))

	hub := server.NewHub(0, logger)
	publishers := []core.Publisher{hub}
	var backlog server.Backlog
	var checkpoint core.Checkpointer
	if cfg.Journal.Enabled() {
		events, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			return err
		}
		defer events.Close()
		checked, err := events.Verify(context.Background())
		if err != nil {
			return fmt.Errorf("verify event journal: %w", err)
		}
		logger.Info("event journal verified", "rows", checked)
		publishers = append([]core.Publisher{events}, publishers...)
		backlog = events
		checkpoint = events
	}

	pauses, closePauses, err := openPauses(cfg.PauseStore)
	if err != nil {
		return err
	}
	defer closePauses()
	if paused := pauses.List(); len(paused) > 0 {
		logger.Warn("modules restored paused", "modules", paused)
	}
	exec := core.NewExecutor(db, prices,
		core.WithLogger(logger),
		core.WithVaults(node),
		core.WithPauses(pauses),
		core.WithPublisher(core.Fanout(publishers...)),
		core.WithCheckpoint(checkpoint),
	)
	created, err := exec.Init(genesis, allocations)
	if err != nil {
		return fmt.Errorf("initialise pool: %w", err)
	}
	logger.Info("pool ready", "address", genesis.Address.String(), "created", created)

	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		server.GroupRead:  {RatePerSecond: cfg.RateLimit.Read.RatePerSecond, Burst: cfg.RateLimit.Read.Burst},
		server.GroupWrite: {RatePerSecond: cfg.RateLimit.Write.RatePerSecond, Burst: cfg.RateLimit.Write.Burst},
		server.GroupAdmin: {RatePerSecond: cfg.RateLimit.Admin.RatePerSecond, Burst: cfg.RateLimit.Admin.Burst},
	}, cfg.RateLimit.TrustProxy, logger)
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew,
	}, logger)
	srv, err := server.New(server.Config{
		Executor: exec,
		Auth:     auth,
		Limiter:  limiter,
		Pauses:   pauses,
		Hub:      hub,
		Backlog:  backlog,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if !cfg.TLS.Enabled() {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			_ = listener.Close()
			return errors.New("plaintext poold mode is restricted to loopback listeners or dev environment")
		}
	}

	listener = netutil.LimitListener(listener, cfg.MaxConnections)

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if cfg.TLS.Enabled() {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("poold listening", "address", cfg.ListenAddress, "tls", cfg.TLS.Enabled())
		if cfg.TLS.Enabled() {
			serverErr <- httpServer.ServeTLS(listener, cfg.TLS.CertPath, cfg.TLS.KeyPath)
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func openDatabase(dir string) (storage.Database, error) {
	if dir == "" {
		return storage.NewMemDB(), nil
	}
	db, err := storage.NewLevelDB(dir)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	return db, nil
}

func openPauses(path string) (*nativecommon.Pauses, func(), error) {
	if path == "" {
		return nativecommon.NewPauses(), func() {}, nil
	}
	store, err := pausestore.Open(path, nil)
	if err != nil {
		return nil, nil, err
	}
	pauses, err := nativecommon.LoadPauses(store)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("load pause switches: %w", err)
	}
	return pauses, func() { _ = store.Close() }, nil
}
