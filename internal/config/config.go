// Package config defines the daemon configuration and its defaults.
package config

import (
	"fmt"
	"time"

	"github.com/sweeney/launch-timer/internal/logic"
)

// Source kinds.
const (
	SourceSim    = "sim"
	SourceSerial = "serial"
	SourceMQTT   = "mqtt"
)

// MaxInterval is the slowest supported measurement interval.
const MaxInterval = 5 * time.Second

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// HTTPAddr is the status server address; empty disables it.
	HTTPAddr string `koanf:"http_addr"`

	// Broker is the MQTT broker URL; empty disables MQTT.
	Broker   string `koanf:"broker"`
	ClientID string `koanf:"client_id"`

	// DBPath is the SQLite run history file; empty disables history.
	DBPath string `koanf:"db_path"`

	// Unit is the display unit, Targets are thresholds in that unit.
	Unit    string    `koanf:"unit"`
	Targets []float64 `koanf:"targets"`

	// Interval is the measurement interval of the sample source.
	Interval time.Duration `koanf:"interval"`

	// Precision is the number of decimals shown on the status page (0..2).
	Precision int `koanf:"precision"`

	// Source selects the sample source: sim, serial or mqtt.
	Source      string  `koanf:"source"`
	SerialPort  string  `koanf:"serial_port"`
	SerialBaud  int     `koanf:"serial_baud"`
	SimAccel    float64 `koanf:"sim_accel"`     // m/s²
	SimMaxSpeed float64 `koanf:"sim_max_speed"` // m/s

	// GPIO enables the ARM/RESET push buttons.
	GPIO     bool          `koanf:"gpio"`
	PinArm   int           `koanf:"pin_arm"`
	PinReset int           `koanf:"pin_reset"`
	Poll     time.Duration `koanf:"poll"`
	Debounce time.Duration `koanf:"debounce"`

	// Heartbeat is the MQTT heartbeat interval (0 disables).
	Heartbeat time.Duration `koanf:"heartbeat"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:    "info",
		HTTPAddr:    ":8080",
		Broker:      "",
		ClientID:    "launch-timer",
		DBPath:      "launch-timer.db",
		Unit:        string(logic.UnitKMH),
		Targets:     []float64{100, 200},
		Interval:    time.Second,
		Precision:   1,
		Source:      SourceSim,
		SerialPort:  "/dev/ttyACM0",
		SerialBaud:  9600,
		SimAccel:    4.5,
		SimMaxSpeed: 70,
		PinArm:      26,
		PinReset:    16,
		Poll:        20 * time.Millisecond,
		Debounce:    50 * time.Millisecond,
		Heartbeat:   15 * time.Minute,
	}
}

// DisplayUnit parses the configured unit.
func (c *Config) DisplayUnit() (logic.Unit, error) {
	return logic.ParseUnit(c.Unit)
}

// TargetList builds the ascending target list in the display unit.
func (c *Config) TargetList() ([]logic.Target, error) {
	u, err := c.DisplayUnit()
	if err != nil {
		return nil, err
	}
	return logic.NewTargets(u, c.Targets...)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if _, err := c.TargetList(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Interval <= 0 || c.Interval > MaxInterval {
		return fmt.Errorf("%w: interval %v must be in (0, %v]", ErrInvalidConfig, c.Interval, MaxInterval)
	}
	if c.Precision < 0 || c.Precision > 2 {
		return fmt.Errorf("%w: precision %d must be 0..2", ErrInvalidConfig, c.Precision)
	}
	switch c.Source {
	case SourceSim:
		if c.SimAccel <= 0 || c.SimMaxSpeed <= 0 {
			return fmt.Errorf("%w: sim_accel and sim_max_speed must be positive", ErrInvalidConfig)
		}
	case SourceSerial:
		if c.SerialPort == "" {
			return fmt.Errorf("%w: serial_port must not be empty", ErrInvalidConfig)
		}
	case SourceMQTT:
		if c.Broker == "" {
			return fmt.Errorf("%w: source mqtt requires a broker", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown source %q", ErrInvalidConfig, c.Source)
	}
	if c.GPIO && (c.Poll <= 0 || c.Debounce < 0) {
		return fmt.Errorf("%w: gpio requires a positive poll interval", ErrInvalidConfig)
	}
	return nil
}
