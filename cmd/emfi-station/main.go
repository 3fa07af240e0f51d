// Package main implements the entry point for the EMFI station: a single
// process that owns a 3-axis stage behind a Marlin G-code controller, a set
// of camera and thermal feeds, a registry of fault-injection attacks, and a
// WebSocket control surface for any number of operator sessions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fgsect/EM-Fault-It-Yourself/attack"
	"github.com/fgsect/EM-Fault-It-Yourself/bus"
	"github.com/fgsect/EM-Fault-It-Yourself/config"
	"github.com/fgsect/EM-Fault-It-Yourself/metric"
	"github.com/fgsect/EM-Fault-It-Yourself/motion"
	"github.com/fgsect/EM-Fault-It-Yourself/orchestrator"
	"github.com/fgsect/EM-Fault-It-Yourself/sensor"
	"github.com/fgsect/EM-Fault-It-Yourself/session"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "emfi-station"
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
		slog.Error("station failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat, cliCfg.LogFile)
	slog.SetDefault(logger)
	slog.Info("starting station", "version", Version, "config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Simulate {
		cfg.Simulate = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	ctx := context.Background()
	registry := metric.NewRegistry()

	stage, err := openStage(cfg, logger, registry)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := stage.Close(); cerr != nil {
			slog.Warn("stage close failed", "error", cerr)
		}
	}()

	attacks, err := loadAttacks(cfg)
	if err != nil {
		return fmt.Errorf("load attacks: %w", err)
	}
	slog.Info("attacks registered", "count", len(attacks.Names()), "attacks", attacks.Names())

	eventBus, err := bus.Connect(cfg.NATS, logger)
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	defer eventBus.Close()

	return runStation(ctx, cfg, logger, registry, stage, attacks, eventBus, cliCfg.ShutdownTimeout)
}

// openStage builds the motion stage over a real serial port or the simulator
func openStage(cfg *config.Config, logger *slog.Logger, registry *metric.Registry) (*motion.Stage, error) {
	home := motion.Position{X: cfg.Motion.HomeX, Y: cfg.Motion.HomeY, Z: cfg.Motion.HomeZ}

	var link motion.Link
	if cfg.Simulate {
		slog.Info("using simulated motion controller")
		link = motion.NewSimLink(home, cfg.Motion.SimAckDelay.Std())
	} else {
		serialLink, err := motion.OpenSerial(motion.SerialConfig{
			Device:     cfg.Motion.Device,
			BaudRate:   cfg.Motion.BaudRate,
			AckTimeout: cfg.Motion.AckTimeout.Std(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open motion controller: %w", err)
		}
		link = serialLink
	}

	return motion.NewStage(link, home, logger, motion.NewMetrics(registry)), nil
}

// loadAttacks registers the builtin units and every Lua script in the
// configured attack directory. Duplicate names abort startup.
func loadAttacks(cfg *config.Config) (*attack.Registry, error) {
	registry := attack.NewRegistry()

	gridScan, err := attack.NewGridScan("probe-scan", attack.GridScanConfig{
		Start:       motion.Position{X: 0, Y: 0, Z: 0},
		End:         motion.Position{X: 10, Y: 10, Z: 0},
		StepX:       0.5,
		StepY:       0.5,
		Repetitions: 1,
		MaxTemp:     70,
		CoolTo:      45,
	})
	if err != nil {
		return nil, err
	}
	if err := registry.Register(gridScan); err != nil {
		return nil, err
	}

	if cfg.AttackDir != "" {
		if err := attack.LoadScriptDir(cfg.AttackDir, registry); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// runStation wires the remaining components and blocks until a shutdown
// signal, then tears everything down in reverse order.
func runStation(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	registry *metric.Registry,
	stage *motion.Stage,
	attacks *attack.Registry,
	eventBus *bus.Bus,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	orch := orchestrator.New(orchestrator.Options{
		Stage:    stage,
		Registry: attacks,
		Bus:      eventBus,
		Timing:   cfg.Timing,
		SafeZ:    cfg.SafeZ,
		LogDir:   cfg.LogDir,
		Logger:   logger,
		Metrics:  orchestrator.NewMetrics(registry),
	})

	broadcaster := session.NewBroadcaster(session.Options{
		Orchestrator:  orch,
		WriteTimeout:  cfg.Timing.SessionWriteTimeout.Std(),
		StateInterval: cfg.Timing.StateInterval.Std(),
		Logger:        logger,
		Metrics:       session.NewMetrics(registry),
	})

	hub, err := buildHub(cfg, logger, registry, broadcaster)
	if err != nil {
		return err
	}
	orch.AttachHub(hub)
	broadcaster.SetSources(hub.Names())

	if err := hub.Start(signalCtx); err != nil {
		return fmt.Errorf("start sensor hub: %w", err)
	}
	defer hub.Stop()

	if cfg.Motion.Acceleration > 0 {
		actx, cancel := context.WithTimeout(signalCtx, cfg.Timing.CommandTimeoutMove.Std())
		err := stage.SetAcceleration(actx, cfg.Motion.Acceleration)
		cancel()
		if err != nil {
			return fmt.Errorf("set stage acceleration: %w", err)
		}
	}

	if err := orch.Start(signalCtx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer func() {
		if serr := orch.Stop(shutdownTimeout); serr != nil {
			slog.Warn("orchestrator stop failed", "error", serr)
		}
	}()

	if err := broadcaster.Start(signalCtx); err != nil {
		return fmt.Errorf("start broadcaster: %w", err)
	}
	defer broadcaster.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := session.NewServer(addr, broadcaster, registry, logger)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer func() {
		if serr := server.Stop(shutdownTimeout); serr != nil {
			slog.Warn("server stop failed", "error", serr)
		}
	}()

	slog.Info("station ready", "addr", server.Addr(), "simulate", cfg.Simulate)

	select {
	case <-signalCtx.Done():
		slog.Info("received shutdown signal")
	case err := <-server.Err():
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	slog.Info("station shutdown complete")
	return nil
}

// buildHub creates the sensor hub with configured or simulated sources
func buildHub(cfg *config.Config, logger *slog.Logger, registry *metric.Registry, b *session.Broadcaster) (*sensor.Hub, error) {
	hub := sensor.NewHub(b.FrameSink, logger, sensor.NewMetrics(registry))

	for _, sourceCfg := range cfg.Sources {
		if cfg.Simulate {
			sourceCfg = simulatedSource(sourceCfg)
		}
		src, err := sensor.NewSource(sourceCfg)
		if err != nil {
			return nil, fmt.Errorf("create source %s: %w", sourceCfg.Name, err)
		}
		if err := hub.AddSource(src, sourceCfg.Interval.Std()); err != nil {
			return nil, fmt.Errorf("add source %s: %w", sourceCfg.Name, err)
		}
	}
	return hub, nil
}

// simulatedSource swaps a hardware source kind for its simulated twin
func simulatedSource(cfg config.SourceConfig) config.SourceConfig {
	switch cfg.Kind {
	case "thermal", "thermal-sim":
		cfg.Kind = "thermal-sim"
	default:
		cfg.Kind = "sim"
	}
	cfg.Device = ""
	return cfg
}
