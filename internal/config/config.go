// Package config loads the proxy's process-wide configuration: environment
// variables via caarlos0/env and the static TOML file via pelletier/go-toml.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// EnvConfig holds process-wide settings supplied through the environment.
type EnvConfig struct {
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	Secret           string `env:"MQTT_PROXY_SECRET"`
	StaticConfigFile string `env:"MQTT_PROXY_CONFIG_FILE" envDefault:"config.toml"`
}

// StaticConfig holds the static proxy options read from the TOML file named
// by EnvConfig.StaticConfigFile.
type StaticConfig struct {
	ListenAddr string `toml:"listenAddr" validate:"required"`
	DataDir    string `toml:"dataDir" validate:"required"`
}

// defaultStaticConfig is used when the TOML file does not exist — a fresh
// install should come up with sane defaults rather than a fatal error.
func defaultStaticConfig() StaticConfig {
	return StaticConfig{
		ListenAddr: ":3000",
		DataDir:    ".",
	}
}

// LoadEnv parses EnvConfig from the process environment.
func LoadEnv() (*EnvConfig, error) {
	cfg := new(EnvConfig)
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

// LoadStatic reads and validates the TOML file at path. A missing file is
// not an error: it yields defaultStaticConfig so the proxy can run without
// one.
func LoadStatic(path string) (*StaticConfig, error) {
	cfg := defaultStaticConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("static config file not found, using defaults", "path", path)
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: read static config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode static config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid static config: %w", err)
	}

	return &cfg, nil
}

// EffectiveSecret returns the operator-supplied secret, or a default
// constant with a logged warning when none is configured.
func (e *EnvConfig) EffectiveSecret(defaultSecret string) string {
	if e.Secret == "" {
		slog.Warn("MQTT_PROXY_SECRET not set, using built-in default — passwords at rest are not meaningfully protected")
		return defaultSecret
	}
	return e.Secret
}
