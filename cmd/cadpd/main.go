// cadpd is the CADP node daemon: it hosts the agent registry and trust
// chain behind a small HTTP surface.
//
// Usage:
//
//	cadpd serve                    # start the node
//	cadpd serve --config cadp.yaml # with a config file
//	cadpd version                  # print version information
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cortexos/cadp/config"
	"github.com/cortexos/cadp/discovery"
	redisstore "github.com/cortexos/cadp/discovery/store/redis"
	"github.com/cortexos/cadp/internal/metrics"
	"github.com/cortexos/cadp/trust"
)

// Version information, injected at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "cadpd: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("cadpd %s (%s)\n", Version, GitCommit)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: cadpd <serve|version> [flags]")
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector("cadp", nil, logger)

	regOpts := []discovery.Option{discovery.WithMetrics(collector)}
	if cfg.Redis.Addr != "" {
		store, err := redisstore.New(ctx, &redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck
		regOpts = append(regOpts, discovery.WithStore(store))
		logger.Info("using redis record store", zap.String("addr", cfg.Redis.Addr))
	}

	registry := discovery.NewRegistry(&discovery.RegistryConfig{
		DefaultTTLSeconds: cfg.Registry.DefaultTTLSeconds,
		MaxRecords:        cfg.Registry.MaxRecords,
		CleanupInterval:   cfg.Registry.CleanupInterval,
		ProbeTimeout:      cfg.Registry.ProbeTimeout,
		ProbeConcurrency:  cfg.Registry.ProbeConcurrency,
	}, logger, regOpts...)
	registry.Start(ctx)
	defer registry.Stop()

	chain := trust.NewChain(&trust.Config{
		CertificateValidity: cfg.Trust.CertificateValidity,
		IssuedAtTolerance:   cfg.Trust.IssuedAtTolerance,
	}, logger)
	if _, err := chain.GenerateKeyPair(); err != nil {
		return err
	}

	srv := newServer(cfg.Server, registry, chain, logger)
	return srv.run(ctx)
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
