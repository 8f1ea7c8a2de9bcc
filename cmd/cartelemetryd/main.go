// Package main implements the entry point for cartelemetryd, the vehicle
// telemetry pipeline daemon. It wires publishers, the scheduling broker,
// the script runner transport and the durable result store into one
// process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/cartelemetry/admission"
	"github.com/c360/cartelemetry/broker"
	"github.com/c360/cartelemetry/config"
	"github.com/c360/cartelemetry/metric"
	"github.com/c360/cartelemetry/natsclient"
	"github.com/c360/cartelemetry/publisher"
	"github.com/c360/cartelemetry/resultstore"
	"github.com/c360/cartelemetry/runner"
	"github.com/c360/cartelemetry/stream"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "cartelemetryd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Daemon failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.LoadDaemon(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := cfg.LogLevel
	if cliCfg.LogLevel != "" {
		logLevel = cliCfg.LogLevel
	}
	logger := setupLogger(logLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting cartelemetryd (vehicle telemetry pipeline)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	return runPipeline(signalCtx, cfg, logger, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and handles the version/help short-circuits.
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}

	return cliCfg, false, nil
}

// runPipeline builds every pipeline stage, runs until the context is
// cancelled and tears the stages down in reverse order.
func runPipeline(
	ctx context.Context,
	cfg config.Daemon,
	logger *slog.Logger,
	shutdownTimeout time.Duration,
) error {
	registry := metric.NewRegistry()
	metrics := registry.CoreMetrics()

	// The broker is created further down; failure callbacks registered
	// before that capture the variable and tolerate the window where it
	// is still nil.
	var brk *broker.Broker

	natsClient, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithTimeout(cfg.NATS.Timeout.Std()),
		natsclient.WithLogger(logger),
		natsclient.WithConnectionLostCallback(func(cause error) {
			if brk != nil {
				brk.NotifyPublisherFailure(cause)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	if err := natsClient.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer natsClient.Close()

	store, err := resultstore.New(cfg.Store.Directory, resultstore.Options{
		Retention: cfg.Store.Retention.Std(),
		IOWorkers: cfg.Store.IOWorkers,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create result store: %w", err)
	}
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("start result store: %w", err)
	}
	defer func() { _ = store.Stop(shutdownTimeout) }()

	pubs := publisher.NewRegistry(publisher.Deps{
		Logger:          logger,
		Metrics:         metrics,
		Bus:             natsclient.NewPropertyBus(natsClient, "", logger),
		Netstats:        publisher.NewQTaguidSource(""),
		Stats:           publisher.NewProcStatsSource(""),
		BatchWindow:     cfg.Broker.BatchWindow.Std(),
		ThrottleBacklog: cfg.Broker.ThrottleBacklog,
		OnFailure: func(cause error) {
			if brk != nil {
				brk.NotifyPublisherFailure(cause)
			}
		},
	})
	defer pubs.RemoveAll()

	scriptRunner, err := runner.NewNATSRunner(natsClient, runner.NATSRunnerOptions{
		Subject:       cfg.Runner.Subject,
		InvokeTimeout: cfg.Runner.InvokeTimeout.Std(),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create script runner: %w", err)
	}

	var streamServer *stream.Server
	if cfg.Stream.Enabled {
		streamServer = stream.NewServer(stream.Options{
			Port:   cfg.Stream.Port,
			Logger: logger,
		})
	}

	brokerOpts := broker.Options{
		Logger:          logger,
		Metrics:         metrics,
		Publishers:      pubs,
		Store:           store,
		Runner:          scriptRunner,
		InitialPriority: cfg.Broker.InitialPriority,
		LargeDataBytes:  cfg.Broker.LargeDataBytes,
	}
	if streamServer != nil {
		brokerOpts.OnFinalResult = streamServer.Broadcast
		brokerOpts.OnScriptError = streamServer.BroadcastError
	}
	brk, err = broker.New(brokerOpts)
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}
	if err := brk.Start(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	defer func() { _ = brk.Stop(shutdownTimeout) }()

	if streamServer != nil {
		if err := streamServer.Start(ctx); err != nil {
			return fmt.Errorf("start result stream: %w", err)
		}
		defer func() { _ = streamServer.Stop(shutdownTimeout) }()
	}

	monitor, err := admission.NewMonitor(brk, admission.Options{
		Source:         admission.NewProcSource(cfg.Admission.LoadAvgPath, cfg.Admission.MemInfoPath),
		Interval:       cfg.Admission.Interval.Std(),
		HighLoadPerCPU: cfg.Admission.HighLoadPerCPU,
		MedLoadPerCPU:  cfg.Admission.MedLoadPerCPU,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("create admission monitor: %w", err)
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("start admission monitor: %w", err)
	}
	defer func() { _ = monitor.Stop(shutdownTimeout) }()

	if cfg.ConfigDir != "" {
		if err := installConfigs(cfg.ConfigDir, brk); err != nil {
			return err
		}
	}

	metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Metrics endpoint listening", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
		return metricsServer.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		return metricsServer.Stop(shutdownTimeout)
	})
	g.Go(func() error {
		return flushLoop(gctx, store, cfg.Store.FlushInterval.Std())
	})

	slog.Info("cartelemetryd started")
	err = g.Wait()
	slog.Info("Shutting down")
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// installConfigs loads every *.json metrics config under dir into the
// broker. A bad file fails startup rather than being skipped.
func installConfigs(dir string, brk *broker.Broker) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read config dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read metrics config %s: %w", path, err)
		}
		mc, err := config.ParseMetricsConfig(data)
		if err != nil {
			return fmt.Errorf("parse metrics config %s: %w", path, err)
		}
		if err := brk.AddConfig(mc); err != nil {
			return fmt.Errorf("install metrics config %s: %w", path, err)
		}
		slog.Info("Installed metrics config", "name", mc.Name, "version", mc.Version, "path", path)
	}
	return nil
}

// flushLoop persists dirty result records on a fixed cadence. The final
// flush on shutdown runs with a fresh context so cancellation does not
// drop buffered results.
func flushLoop(ctx context.Context, store *resultstore.Store, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := store.Flush(flushCtx); err != nil {
				slog.Error("Final flush failed", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if err := store.Flush(ctx); err != nil {
				slog.Error("Periodic flush failed", "error", err)
			}
		}
	}
}
