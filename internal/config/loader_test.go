package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/launch-timer/internal/config"
	"github.com/sweeney/launch-timer/internal/logic"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")

	cfg, err := config.Load(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "kmh", cfg.Unit)
	assert.Equal(t, []float64{100, 200}, cfg.Targets)
	assert.Equal(t, time.Second, cfg.Interval)
	assert.Equal(t, 1, cfg.Precision)
	assert.Equal(t, config.SourceSim, cfg.Source)
	assert.False(t, cfg.GPIO)

	targets, err := cfg.TargetList()
	require.NoError(t, err)
	assert.Equal(t, []logic.Target{{Threshold: 100, Unit: logic.UnitKMH}, {Threshold: 200, Unit: logic.UnitKMH}}, targets)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	t.Setenv("LAUNCH_UNIT", "mph")
	t.Setenv("LAUNCH_TARGETS", "30,60")
	t.Setenv("LAUNCH_INTERVAL", "500ms")
	t.Setenv("LAUNCH_PRECISION", "2")
	t.Setenv("LAUNCH_GPIO", "true")
	t.Setenv("LAUNCH_PIN_ARM", "5")

	cfg, err := config.Load(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "mph", cfg.Unit)
	assert.Equal(t, []float64{30, 60}, cfg.Targets)
	assert.Equal(t, 500*time.Millisecond, cfg.Interval)
	assert.Equal(t, 2, cfg.Precision)
	assert.True(t, cfg.GPIO)
	assert.Equal(t, 5, cfg.PinArm)
}

func TestLoadYAMLFile(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	path := filepath.Join(t.TempDir(), "launch.yaml")
	yaml := `
unit: kmh
targets: [50, 100, 150]
interval: 200ms
source: serial
serial_port: /dev/ttyUSB0
serial_baud: 38400
db_path: ""
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := config.Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, []float64{50, 100, 150}, cfg.Targets)
	assert.Equal(t, 200*time.Millisecond, cfg.Interval)
	assert.Equal(t, config.SourceSerial, cfg.Source)
	assert.Equal(t, "/dev/ttyUSB0", cfg.SerialPort)
	assert.Equal(t, 38400, cfg.SerialBaud)
	assert.Empty(t, cfg.DBPath)
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "launch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("precision: 0\n"), 0o600))
	t.Setenv(config.EnvConfigPath, path)
	t.Setenv("LAUNCH_PRECISION", "2")

	cfg, err := config.Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Precision)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, config.ErrLoadConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"descending targets", func(c *config.Config) { c.Targets = []float64{200, 100} }},
		{"no targets", func(c *config.Config) { c.Targets = nil }},
		{"bad unit", func(c *config.Config) { c.Unit = "knots" }},
		{"zero interval", func(c *config.Config) { c.Interval = 0 }},
		{"slow interval", func(c *config.Config) { c.Interval = 6 * time.Second }},
		{"precision", func(c *config.Config) { c.Precision = 3 }},
		{"unknown source", func(c *config.Config) { c.Source = "radio" }},
		{"mqtt without broker", func(c *config.Config) { c.Source = config.SourceMQTT }},
		{"serial without port", func(c *config.Config) { c.Source = config.SourceSerial; c.SerialPort = "" }},
		{"sim without accel", func(c *config.Config) { c.SimAccel = 0 }},
		{"gpio without poll", func(c *config.Config) { c.GPIO = true; c.Poll = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidConfig)
		})
	}

	assert.NoError(t, config.New().Validate())
}
