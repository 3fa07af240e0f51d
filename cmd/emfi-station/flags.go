package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	LogFile         string
	Simulate        bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("EMFI_CONFIG", ""),
		"Path to configuration file; built-in defaults when empty (env: EMFI_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("EMFI_CONFIG", ""),
		"Path to configuration file; built-in defaults when empty (env: EMFI_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("EMFI_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: EMFI_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("EMFI_LOG_FORMAT", "text"),
		"Log format: json, text (env: EMFI_LOG_FORMAT)")

	flag.StringVar(&cfg.LogFile, "log-file",
		getEnv("EMFI_LOG_FILE", ""),
		"Rotated station log file in addition to stdout, empty to disable (env: EMFI_LOG_FILE)")

	flag.BoolVar(&cfg.Simulate, "simulate",
		getEnvBool("EMFI_SIMULATE", false),
		"Run against a simulated stage and sensors, no hardware needed (env: EMFI_SIMULATE)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("EMFI_SHUTDOWN_TIMEOUT", 15*time.Second),
		"Graceful shutdown timeout (env: EMFI_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp
	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - EMFI test rig orchestration

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run against real hardware with a custom config
  %s --config=/etc/emfi/station.json

  # Bench run without any hardware attached
  %s --simulate --log-level=debug

  # Validate configuration only
  %s --config=/etc/emfi/station.json --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
