package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/OrrinLabs/tally/config"
	"github.com/OrrinLabs/tally/counter"
	"github.com/OrrinLabs/tally/events"
	"github.com/OrrinLabs/tally/monitor"
	"github.com/OrrinLabs/tally/pool"
	"github.com/OrrinLabs/tally/service"
	"github.com/OrrinLabs/tally/store"
)

func main() {
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("Received signal, initiating shutdown...", "signal", sig)
		appCancel()
	}()

	var (
		configFile    string
		genConfigFile string
		demo          bool
	)
	fs := flag.NewFlagSet("tallyd", flag.ContinueOnError)
	fs.StringVar(&configFile, "config", "tally.yaml", "Path to the service configuration file.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new configuration file to a given path.")
	fs.BoolVar(&demo, "demo", false, "Run on the in-memory backend with a generated secret. State is lost on exit.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if genConfigFile != "" {
		if err := writeGeneratedConfig(genConfigFile); err != nil {
			slog.Error("Failed to generate configuration", "error", err)
			os.Exit(1)
		}
		slog.Info("Successfully generated new configuration file", "path", genConfigFile)
		return
	}

	var (
		cfg *config.Service
		err error
	)
	if demo {
		cfg, err = demoConfig()
	} else {
		cfg, err = config.LoadConfig(configFile)
	}
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Logging.Level),
	})).With("service", "tallyd")

	if demo {
		color.HiYellow("Demo mode: counters live in memory and vanish on exit.")
		color.HiGreen("Root API key: %s", service.RootKey(cfg.InstanceSecret))
	}

	if err := run(appCtx, appCancel, logger, cfg); err != nil {
		logger.Error("Daemon exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Application exiting.")
}

func writeGeneratedConfig(path string) error {
	cfg, err := config.GenerateConfig(path)
	if err != nil {
		return err
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal generated config to YAML: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for config file %s: %w", path, err)
		}
	}

	return os.WriteFile(path, yamlData, 0644)
}

func demoConfig() (*config.Service, error) {
	cfg, err := config.GenerateConfig("")
	if err != nil {
		return nil, err
	}
	cfg.Store.Backend = config.StoreBackendMemory
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		color.HiYellow("Unknown logging level: %s, defaulting to info", level)
		return slog.LevelInfo
	}
}

func run(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, cfg *config.Service) error {
	st, err := store.New(store.Config{
		Logger:        logger,
		Backend:       cfg.Store.Backend,
		Directory:     filepath.Join(cfg.Store.Home, config.BadgerCountersDirName),
		RedisAddr:     cfg.Store.Redis.Addr,
		RedisPassword: cfg.Store.Redis.Password,
		RedisDB:       cfg.Store.Redis.DB,
		AppCtx:        ctx,
	})
	if err != nil {
		return fmt.Errorf("failed to open shard store: %w", err)
	}
	defer st.Close()

	hub := events.NewHub(events.Config{
		Logger:      logger,
		ChannelSize: cfg.Sessions.EventChannelSize,
	})

	pl, err := pool.New(pool.Config{
		Logger:         logger,
		Store:          st,
		Events:         hub,
		TombstoneGrace: cfg.Rebalance.TombstoneGrace,
	})
	if err != nil {
		return err
	}

	agg := counter.NewAggregator(logger, st)

	ops, err := counter.NewOperational(counter.OperationalConfig{
		Logger:        logger,
		Store:         st,
		Events:        hub,
		RetryBudget:   cfg.Counters.ApplyRetryBudget,
		BaseBackoff:   cfg.Counters.RetryBaseBackoff,
		MembershipTTL: cfg.Counters.ShardCacheTTL,
	})
	if err != nil {
		return err
	}
	defer ops.Close()

	mgmt, err := counter.NewManagement(counter.ManagementConfig{
		Logger:     logger,
		Store:      st,
		Pool:       pl,
		Aggregator: agg,
		Heuristic: counter.ThresholdHeuristic{
			SplitThresholdPct:   cfg.Rebalance.SplitThresholdPct,
			SplitFactor:         cfg.Rebalance.SplitFactor,
			MergeTargetPoolSize: cfg.Rebalance.MergeTargetPoolSize,
			MergeMinAverage:     cfg.Rebalance.MergeMinAverage,
			MaxShards:           cfg.Counters.MaxShards,
		},
		DefaultSeedShards: cfg.Counters.DefaultSeedShards,
	})
	if err != nil {
		return err
	}

	svc, err := service.New(ctx, logger, cfg, st, ops, mgmt, hub)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	if cfg.Rebalance.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rebalanceLoop(ctx, mgmt, cfg.Rebalance.Interval)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweepLoop(ctx, logger, pl, cfg.Rebalance.TombstoneSweepInterval)
		}()
	}

	if cfg.Monitor.Enabled {
		mon, err := monitor.New(ctx, monitor.Config{
			Logger:     logger,
			Monitor:    cfg.Monitor,
			Management: mgmt,
			Events:     hub,
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mon.Run(); err != nil {
				logger.Error("Dashboard server failed", "error", err)
			}
		}()
	}

	err = svc.Run()

	// Stop the background loops even when the listener fell over on its
	// own rather than through a signal.
	cancel()
	wg.Wait()
	return err
}

func rebalanceLoop(ctx context.Context, mgmt *counter.Management, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgmt.RebalanceAll(ctx)
		}
	}
}

func sweepLoop(ctx context.Context, logger *slog.Logger, pl *pool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := pl.SweepTombstones(ctx)
			if err != nil {
				logger.Warn("Tombstone sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("Tombstone sweep complete", "removed", removed)
			}
		}
	}
}
