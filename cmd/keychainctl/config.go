package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/keychainctl/internal/device"
	"github.com/danmuck/keychainctl/internal/logging"
	"github.com/danmuck/keychainctl/internal/transport"
	"github.com/rs/zerolog"
)

// keychainctl config.toml key mapping to client settings.
type fileConfig struct {
	Port             string `toml:"port"`
	BaudRate         int    `toml:"baud_rate"`
	Addr             string `toml:"addr"`
	ExchangeTimeout  string `toml:"exchange_timeout"`
	ConfirmTimeout   string `toml:"confirm_timeout"`
	VerifySignatures bool   `toml:"verify_signatures"`
	MaxArtifactBytes int64  `toml:"max_artifact_bytes"`
	CacheDir         string `toml:"cache_dir"`
	StatusURL        string `toml:"status_url"`
	DeviceURL        string `toml:"device_url"`
	LogLevel         string `toml:"log_level"`
}

type clientConfig struct {
	Transport transport.Config
	Device    device.Config
	CacheDir  string
	StatusURL string
	DeviceURL string
	LogLevel  zerolog.Level
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		Transport: transport.Config{BaudRate: transport.DefaultBaudRate},
		Device:    device.DefaultConfig(),
		CacheDir:  ".keychainctl",
		StatusURL: "ws://keychain.local:8080/",
		DeviceURL: "http://keychain.local:8080",
		LogLevel:  zerolog.InfoLevel,
	}
}

// loadClientConfig overlays the keys present in path onto the defaults. An
// empty path yields the defaults.
func loadClientConfig(path string) (clientConfig, error) {
	cfg := defaultClientConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return clientConfig{}, fmt.Errorf("load keychainctl config: %w", err)
	}

	if meta.IsDefined("port") {
		cfg.Transport.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("baud_rate") {
		cfg.Transport.BaudRate = raw.BaudRate
	}
	if meta.IsDefined("addr") {
		cfg.Transport.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("exchange_timeout") {
		d, err := parseDuration("exchange_timeout", raw.ExchangeTimeout)
		if err != nil {
			return clientConfig{}, err
		}
		cfg.Device.ExchangeTimeout = d
	}
	if meta.IsDefined("confirm_timeout") {
		d, err := parseDuration("confirm_timeout", raw.ConfirmTimeout)
		if err != nil {
			return clientConfig{}, err
		}
		cfg.Device.ConfirmTimeout = d
	}
	if meta.IsDefined("verify_signatures") {
		cfg.Device.VerifySignatures = raw.VerifySignatures
	}
	if meta.IsDefined("max_artifact_bytes") {
		cfg.Device.Session.MaxArtifactBytes = raw.MaxArtifactBytes
	}
	if meta.IsDefined("cache_dir") {
		cfg.CacheDir = strings.TrimSpace(raw.CacheDir)
	}
	if meta.IsDefined("status_url") {
		cfg.StatusURL = strings.TrimSpace(raw.StatusURL)
	}
	if meta.IsDefined("device_url") {
		cfg.DeviceURL = strings.TrimSpace(raw.DeviceURL)
	}
	if meta.IsDefined("log_level") {
		lvl, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return clientConfig{}, fmt.Errorf("load keychainctl config: unknown log_level %q", raw.LogLevel)
		}
		cfg.LogLevel = lvl
	}

	cfg.Transport = cfg.Transport.WithDefaults()
	cfg.Device = cfg.Device.WithDefaults()
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("load keychainctl config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("load keychainctl config: %s must be positive", key)
	}
	return d, nil
}
