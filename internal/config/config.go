// Package config describes the TOML files read by keychainctl and
// keychainsim, and validates them for configgen.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// KeychainConfig is the keychainctl config file.
type KeychainConfig struct {
	Port             string `toml:"port"`
	BaudRate         int    `toml:"baud_rate"`
	Addr             string `toml:"addr"`
	ExchangeTimeout  string `toml:"exchange_timeout"`
	ConfirmTimeout   string `toml:"confirm_timeout"`
	VerifySignatures *bool  `toml:"verify_signatures"`
	MaxArtifactBytes int64  `toml:"max_artifact_bytes"`
	CacheDir         string `toml:"cache_dir"`
	StatusURL        string `toml:"status_url"`
	DeviceURL        string `toml:"device_url"`
	LogLevel         string `toml:"log_level"`
}

// SimulatorConfig is the keychainsim config file.
type SimulatorConfig struct {
	LinkAddr       string   `toml:"link_addr"`
	HTTPAddr       string   `toml:"http_addr"`
	Slots          int      `toml:"slots"`
	ChunkSize      int      `toml:"chunk_size"`
	Noise          []string `toml:"noise"`
	HighS          bool     `toml:"high_s"`
	StatusInterval string   `toml:"status_interval"`
	CorsOrigins    []string `toml:"cors_origins"`
	ArtifactPath   string   `toml:"artifact_path"`
	Generate       []int    `toml:"generate"`
	LogLevel       string   `toml:"log_level"`
}

func LoadKeychainConfig(path string) (KeychainConfig, error) {
	var cfg KeychainConfig
	if err := loadToml(path, &cfg); err != nil {
		return KeychainConfig{}, err
	}
	if err := ValidateKeychainConfig(cfg); err != nil {
		return KeychainConfig{}, err
	}
	return cfg, nil
}

func LoadSimulatorConfig(path string) (SimulatorConfig, error) {
	var cfg SimulatorConfig
	if err := loadToml(path, &cfg); err != nil {
		return SimulatorConfig{}, err
	}
	if err := ValidateSimulatorConfig(cfg); err != nil {
		return SimulatorConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateKeychainConfig(cfg KeychainConfig) error {
	if strings.TrimSpace(cfg.Port) == "" && strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("keychain config needs port or addr")
	}
	if cfg.BaudRate < 0 {
		return fmt.Errorf("keychain config baud_rate must be positive")
	}
	if cfg.MaxArtifactBytes < 0 {
		return fmt.Errorf("keychain config max_artifact_bytes must be positive")
	}
	if err := validDuration("exchange_timeout", cfg.ExchangeTimeout); err != nil {
		return err
	}
	if err := validDuration("confirm_timeout", cfg.ConfirmTimeout); err != nil {
		return err
	}
	for key, url := range map[string]string{"status_url": cfg.StatusURL, "device_url": cfg.DeviceURL} {
		if url == "" {
			continue
		}
		if !strings.Contains(url, "://") {
			return fmt.Errorf("keychain config %s %q missing scheme", key, url)
		}
	}
	return nil
}

func ValidateSimulatorConfig(cfg SimulatorConfig) error {
	if strings.TrimSpace(cfg.LinkAddr) == "" {
		return fmt.Errorf("simulator config missing link_addr")
	}
	if cfg.Slots < 0 || cfg.ChunkSize < 0 {
		return fmt.Errorf("simulator config slots and chunk_size must be positive")
	}
	for _, idx := range cfg.Generate {
		if idx < 0 || (cfg.Slots > 0 && idx >= cfg.Slots) {
			return fmt.Errorf("simulator config generate index %d out of range", idx)
		}
	}
	return validDuration("status_interval", cfg.StatusInterval)
}

func validDuration(key, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", key)
	}
	return nil
}
