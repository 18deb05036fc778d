package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every env tag in Config.
const EnvPrefix = "TGCAST_"

// ApplyEnv overlays TGCAST_* environment variables onto cfg.
// Variables that are not set leave the corresponding field untouched.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, nil)
}

func applyEnv(cfg *Config, environ map[string]string) error {
	if cfg == nil {
		return nil
	}
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("env config: %w", err)
	}
	return nil
}
