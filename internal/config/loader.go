package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides, e.g. LAUNCH_UNIT=mph.
const EnvPrefix = "LAUNCH_"

// EnvConfigPath names the variable consulted when no file path is given.
const EnvConfigPath = EnvPrefix + "CONFIG"

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. YAML file at path, or at $LAUNCH_CONFIG if path is empty
//  3. env (prefix LAUNCH_)
func Load(_ context.Context, path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// LAUNCH_SERIAL_PORT -> serial_port (flat keys, underscores preserved).
	// LAUNCH_TARGETS is a comma separated list.
	envProvider := env.ProviderWithValue(EnvPrefix, ".", func(k, v string) (string, interface{}) {
		key := strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
		if key == "targets" {
			return key, splitList(v)
		}
		return key, v
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}
	cfg := New()
	if k.Exists("targets") {
		// replace, don't merge into, the default list
		cfg.Targets = nil
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
