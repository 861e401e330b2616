// Package main provides the entry point for clustermesh-node.
//
// clustermesh-node runs the cluster transport core: a symmetric TCP
// mesh that keeps a fixed fan-out of connections per peer machine and
// multiplexes framed application messages over them.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/clustermesh-go/internal/cluster"
	"github.com/yndnr/clustermesh-go/internal/infra/confloader"
	"github.com/yndnr/clustermesh-go/internal/infra/shutdown"
	"github.com/yndnr/clustermesh-go/internal/server/config"
	"github.com/yndnr/clustermesh-go/internal/telemetry/logger"
	"github.com/yndnr/clustermesh-go/internal/telemetry/metric"
)

// Build information, set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("clustermesh-node %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return nil
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)

	bootID := ulid.MustNew(ulid.Timestamp(time.Now()), rand.New(rand.NewSource(time.Now().UnixNano()))).String()
	log = log.With("boot_id", bootID)

	log.Info("starting clustermesh-node",
		"version", version,
		"commit", commit,
		"config", *configFile)

	metrics := metric.NewRegistry()
	metrics.InstanceInfo.WithLabelValues(bootID).Set(1)

	rt, err := cluster.New(cluster.Config{
		SelfIP:               cfg.Node.IP,
		BindAddr:             cfg.Node.BindAddr,
		Port:                 cfg.Cluster.Port,
		Threads:              cfg.Cluster.Threads,
		Connections:          cfg.Cluster.Connections,
		MaxMachines:          cfg.Cluster.MaxMachines,
		ConnectTimeout:       cfg.Cluster.ConnectTimeout,
		PingSendInterval:     cfg.Cluster.PingSendInterval,
		PingLatencyThreshold: cfg.Cluster.PingLatencyThreshold,
		PingRetries:          cfg.Cluster.PingRetries,
		SendMinWaitTime:      int64(cfg.Cluster.SendMinWaitTime),
		SendMaxWaitTime:      int64(cfg.Cluster.SendMaxWaitTime),
		MinLoopInterval:      int64(cfg.Cluster.MinLoopInterval),
		MaxLoopInterval:      int64(cfg.Cluster.MaxLoopInterval),
		FlowCtrlMinBps:       cfg.Cluster.FlowCtrlMinBps,
		FlowCtrlMaxBps:       cfg.Cluster.FlowCtrlMaxBps,
		SendBufferSize:       cfg.Cluster.SendBufferSize,
		ReceiveBufferSize:    cfg.Cluster.ReceiveBufferSize,
		ReadBufferSize:       cfg.Cluster.ReadBufferSize,
		CheckMagic:           cfg.Cluster.CheckMagic,
		Logger:               log.Slog(),
		Metrics:              metrics,
	})
	if err != nil {
		return fmt.Errorf("init cluster runtime: %w", err)
	}

	rt.Start()

	for _, peer := range cfg.Cluster.Peers {
		if _, err := rt.AddPeer(peer); err != nil {
			log.Error("add peer failed", "peer", peer, "error", err)
		}
	}

	var adminServer *http.Server
	if cfg.Admin.Addr != "" {
		adminServer = newAdminServer(cfg, rt, metrics)
		go func() {
			log.Info("admin endpoint listening", "addr", cfg.Admin.Addr)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("admin server error", "error", err)
			}
		}()
	}

	watcher := startConfigWatcher(*configFile, rt, log)

	shutdownHandler := shutdown.NewHandler(30 * time.Second)
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("shutting down cluster runtime")
		rt.Close()
		return nil
	})
	if adminServer != nil {
		shutdownHandler.OnShutdown(func(ctx context.Context) error {
			log.Info("shutting down admin endpoint")
			return adminServer.Shutdown(ctx)
		})
	}
	if watcher != nil {
		shutdownHandler.OnShutdown(func(ctx context.Context) error {
			return watcher.Stop()
		})
	}

	log.Info("node started")
	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("node stopped gracefully")
	return nil
}

// loadConfig loads configuration from file and environment on top of
// the defaults.
func loadConfig(configFile string) (*config.NodeConfig, error) {
	cfg := config.Default()

	opts := []confloader.Option{}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}
	loader := confloader.NewLoader(opts...)

	if err := loader.Load(cfg); err != nil {
		return nil, err
	}
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// startConfigWatcher wires live reload of the log level and the flow
// control bounds. Nil when no config file is in use.
func startConfigWatcher(configFile string, rt *cluster.Runtime, log logger.Logger) *confloader.Watcher {
	if configFile == "" {
		return nil
	}
	watcher, err := confloader.NewWatcher(configFile, log.Slog())
	if err != nil {
		log.Warn("config watcher unavailable", "error", err)
		return nil
	}
	watcher.OnChange(func(path string) {
		cfg, err := loadConfig(path)
		if err != nil {
			log.Error("config reload rejected", "error", err)
			return
		}
		logger.SetLevel(cfg.Log.Level)
		rt.ApplyFlowControl(cluster.FlowControl{
			SendMinWaitTime: int64(cfg.Cluster.SendMinWaitTime),
			SendMaxWaitTime: int64(cfg.Cluster.SendMaxWaitTime),
			MinLoopInterval: int64(cfg.Cluster.MinLoopInterval),
			MaxLoopInterval: int64(cfg.Cluster.MaxLoopInterval),
			MinBps:          cfg.Cluster.FlowCtrlMinBps,
			MaxBps:          cfg.Cluster.FlowCtrlMaxBps,
		})
		log.Info("configuration reloaded", "log_level", cfg.Log.Level)
	})
	watcher.Start()
	return watcher
}
