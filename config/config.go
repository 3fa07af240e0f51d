// Package config provides configuration loading and validation for the EMFI
// station. Configuration is a single JSON document; every field has a safe
// default so the station can start with no config file at all (simulation
// mode aside, which is an explicit choice).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fgsect/EM-Fault-It-Yourself/errors"
)

// Duration wraps time.Duration with JSON support for both "250ms" style
// strings and raw nanosecond numbers.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
		return nil
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration type %T", v)
	}
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete station configuration
type Config struct {
	Host      string `json:"host"`       // Bind address for the control server
	Port      int    `json:"port"`       // Control server port (WebSocket + metrics)
	Simulate  bool   `json:"simulate"`   // Simulate the motion controller and cameras
	AttackDir string `json:"attack_dir"` // Directory of Lua attack scripts (optional)
	LogDir    string `json:"log_dir"`    // Directory for station and attack run logs

	SafeZ float64 `json:"safe_z"` // Initial safe-z floor in stage units

	Motion  MotionConfig   `json:"motion"`
	Sources []SourceConfig `json:"sources"`
	Timing  TimingConfig   `json:"timing"`
	NATS    NATSConfig     `json:"nats"`
}

// MotionConfig defines the motion controller connection
type MotionConfig struct {
	Device       string   `json:"device"`        // Serial device path (e.g. /dev/ttyACM0)
	BaudRate     int      `json:"baud_rate"`     // Serial baud rate
	AckTimeout   Duration `json:"ack_timeout"`   // Max quiet time before a command is considered lost
	Acceleration int      `json:"acceleration"`  // Starting acceleration in mm/s/s (0 = controller default)
	HomeX        float64  `json:"home_x"`        // Home reference position
	HomeY        float64  `json:"home_y"`        //
	HomeZ        float64  `json:"home_z"`        //
	SimAckDelay  Duration `json:"sim_ack_delay"` // Ack latency of the simulated link
}

// SourceConfig defines one camera/sensor capture source
type SourceConfig struct {
	Name     string   `json:"name"`     // Unique source name, used as the frame message type
	Kind     string   `json:"kind"`     // "microscope", "thermal" or "sim"
	Device   string   `json:"device"`   // Device path (ignored for sim sources)
	Interval Duration `json:"interval"` // Capture interval
}

// TimingConfig groups the station's operational deadlines
type TimingConfig struct {
	CommandTimeoutHome  Duration `json:"command_timeout_home"`  // Overall homing deadline
	CommandTimeoutMove  Duration `json:"command_timeout_move"`  // Overall move deadline
	AttackStopGrace     Duration `json:"attack_stop_grace"`     // Cooperative cancellation grace period
	SessionWriteTimeout Duration `json:"session_write_timeout"` // Per-session broadcast write deadline
	StateInterval       Duration `json:"state_interval"`        // Periodic state broadcast interval
}

// NATSConfig defines the optional lab event bus connection.
// An empty URL disables publishing entirely.
type NATSConfig struct {
	URL           string   `json:"url,omitempty"`
	Name          string   `json:"name,omitempty"`
	MaxReconnects int      `json:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty"`
}

// Default returns the default station configuration
func Default() *Config {
	return &Config{
		Host:     "localhost",
		Port:     9118,
		Simulate: false,
		LogDir:   "logs",
		SafeZ:    -100,
		Motion: MotionConfig{
			Device:      "/dev/ttyACM0",
			BaudRate:    115200,
			AckTimeout:  Duration(3 * time.Second),
			SimAckDelay: Duration(5 * time.Millisecond),
		},
		Sources: []SourceConfig{
			{Name: "microscope", Kind: "microscope", Device: "/dev/video0", Interval: Duration(100 * time.Millisecond)},
			{Name: "calibration", Kind: "microscope", Device: "/dev/video1", Interval: Duration(100 * time.Millisecond)},
			{Name: "thermal_camera", Kind: "thermal", Interval: Duration(500 * time.Millisecond)},
		},
		Timing: TimingConfig{
			CommandTimeoutHome:  Duration(2 * time.Minute),
			CommandTimeoutMove:  Duration(1 * time.Minute),
			AttackStopGrace:     Duration(5 * time.Second),
			SessionWriteTimeout: Duration(5 * time.Second),
			StateInterval:       Duration(1 * time.Second),
		},
		NATS: NATSConfig{
			Name:          "emfi-station",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
	}
}

// Load reads configuration from a JSON file, layered over defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "Load", "read config file")
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapFatal(err, "Config", "Load", "parse config file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for startup-fatal mistakes
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("port %d out of range", c.Port))
	}

	if !c.Simulate && c.Motion.Device == "" {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			"motion device path required outside simulation mode")
	}

	if c.Motion.BaudRate <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("baud rate %d invalid", c.Motion.BaudRate))
	}

	if c.Motion.AckTimeout <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			"motion ack timeout must be positive")
	}

	seen := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		if src.Name == "" {
			return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
				"source name cannot be empty")
		}
		if seen[src.Name] {
			return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("duplicate source name %q", src.Name))
		}
		seen[src.Name] = true
		if src.Interval <= 0 {
			return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("source %q interval must be positive", src.Name))
		}
	}

	if c.AttackDir != "" {
		info, err := os.Stat(c.AttackDir)
		if err != nil {
			return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("attack directory %q not accessible", c.AttackDir))
		}
		if !info.IsDir() {
			return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("attack directory %q is not a directory", c.AttackDir))
		}
	}

	return nil
}
