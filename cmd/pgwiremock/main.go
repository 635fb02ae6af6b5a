package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/api"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/config"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/health"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/hub"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/metrics"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pool"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/query"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/server"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/wire"
)

const (
	defaultConfigPath = "configs/pgwiremock.yaml"
	shutdownGrace     = 60 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
	listen := flag.String("listen", "", "listen address override (host:port)")
	logLevel := flag.String("log-level", "", "log level override (debug, info, warn, error)")
	flag.Parse()

	// Load configuration. The default path is optional; an explicit -config
	// that does not exist is fatal.
	cfg, err := config.Load(*configPath)
	if err != nil {
		if *configPath == defaultConfigPath && errors.Is(err, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			slog.Error("failed to load config", "err", err)
			os.Exit(1)
		}
	}
	if *listen != "" {
		if err := applyListenOverride(cfg, *listen); err != nil {
			slog.Error("invalid -listen address", "listen", *listen, "err", err)
			os.Exit(1)
		}
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		slog.Error("failed to set up logging", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("pg-wire-mock starting...", "config", *configPath)

	// Initialize components
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	types := wire.NewTypeRegistry()
	for _, ct := range cfg.CustomTypes {
		t := wire.Type{Name: ct.Name, OID: ct.OID, Size: ct.Typlen, ArrayOID: ct.ArrayOID}
		if ct.Typtype != "" {
			t.Typtype = ct.Typtype[0]
		}
		if err := types.Register(t); err != nil {
			logger.Warn("skipping custom type", "name", ct.Name, "err", err)
		}
	}

	h := hub.New(hub.Config{
		MaxChannels:            cfg.Notifications.MaxChannels,
		MaxListenersPerChannel: cfg.Notifications.MaxListenersPerChannel,
		ChannelNameMaxLength:   cfg.Notifications.ChannelNameMaxLength,
		PayloadMaxLength:       cfg.Notifications.PayloadMaxLength,
		CleanupInterval:        cfg.Notifications.CleanupInterval,
	}, logger, m)

	disp := query.New(h, types, cfg.Settings, logger)

	// Session pool is optional
	var (
		p            *pool.Pool
		stopPoolLoop func()
	)
	if cfg.Pool.Enabled {
		p = pool.New(pool.Config{
			MinConnections:      cfg.Pool.MinConnections,
			MaxConnections:      cfg.Pool.MaxConnections,
			MaxIdleConnections:  cfg.Pool.MaxIdleConnections,
			IdleTimeout:         cfg.Pool.IdleTimeout,
			AcquireTimeout:      cfg.Pool.AcquireTimeout,
			ValidateConnections: cfg.Pool.ValidationEnabled(),
			ValidationInterval:  cfg.Pool.ValidationInterval,
			CleanupInterval:     cfg.Pool.CleanupInterval,
		}, logger)
		if err := p.Initialize(); err != nil {
			logger.Error("failed to initialize session pool", "err", err)
			os.Exit(1)
		}
		p.SetAcquireObserver(m.PoolAcquireLatency)
		stopPoolLoop = m.StartPoolLoop(p, 5*time.Second)
	}

	// Start wire server
	srv := server.New(server.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		MaxConnections:    cfg.Server.MaxConnections,
		ConnectionTimeout: cfg.Server.ConnectionTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		Dispatcher:        disp,
		Hub:               h,
		Pool:              p,
		Stats:             m,
		Logger:            logger,
	})
	if err := srv.Start(); err != nil {
		logger.Error("failed to start wire server", "err", err)
		os.Exit(1)
	}

	// Start health checker probing our own listener
	hc := health.NewChecker(probeAddr(srv.Addr()), m, cfg.Health, logger)
	hc.Start()

	// Start admin API
	var apiServer *api.Server
	if cfg.API.Port > 0 {
		apiServer = api.NewServer(api.Config{
			Bind:     cfg.API.Bind,
			Key:      cfg.API.Key,
			Wire:     srv,
			Hub:      h,
			Pool:     p,
			Health:   hc,
			Loaded:   cfg,
			Gatherer: reg,
			Logger:   logger,
		})
		if err := apiServer.Start(cfg.API.Port); err != nil {
			logger.Error("failed to start API server", "err", err)
			os.Exit(1)
		}
	}

	// Set up config hot-reload. Only the SHOW parameter overrides are applied
	// at runtime; address, pool and channel limits need a restart.
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		disp.UpdateSettings(newCfg.Settings)
		if apiServer != nil {
			apiServer.SetConfig(newCfg)
		}
	})
	if err != nil {
		logger.Warn("config hot-reload not available", "err", err)
	}

	logger.Info("pg-wire-mock ready",
		"listen", srv.Addr().String(),
		"api_port", cfg.API.Port,
		"pooling", cfg.Pool.Enabled)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down...", "signal", sig)

	// Graceful shutdown with timeout
	done := make(chan struct{})
	go func() {
		if configWatcher != nil {
			configWatcher.Stop()
		}
		if apiServer != nil {
			apiServer.Stop()
		}
		hc.Stop()
		srv.Shutdown(context.Background())
		if p != nil {
			p.Shutdown(cfg.Server.ShutdownTimeout)
		}
		if stopPoolLoop != nil {
			stopPoolLoop()
		}
		h.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("pg-wire-mock stopped")
	case <-time.After(shutdownGrace):
		logger.Error("shutdown timed out, forcing exit", "timeout", shutdownGrace)
		os.Exit(1)
	}
}

// applyListenOverride splits a -listen host:port value into the server
// config. An empty host keeps the configured bind address.
func applyListenOverride(cfg *config.Config, listen string) error {
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q", portStr)
	}
	if host != "" {
		cfg.Server.Host = host
	}
	cfg.Server.Port = port
	return nil
}

func buildLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// probeAddr rewrites an unspecified listen address (0.0.0.0, ::) to loopback
// so the health checker can dial it.
func probeAddr(addr net.Addr) string {
	s := addr.String()
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return s
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return net.JoinHostPort("127.0.0.1", port)
	}
	return s
}
