package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/keychainctl/internal/emulator"
	"github.com/danmuck/keychainctl/internal/logging"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// keychainsim config.toml key mapping to emulator settings.
type fileConfig struct {
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

type simConfig struct {
	LinkAddr    string
	HTTPAddr    string
	Device      emulator.Config
	CorsOrigins []string
	Generate    []int
	LogLevel    zerolog.Level
}

func defaultSimConfig() simConfig {
	return simConfig{
		LinkAddr: "127.0.0.1:7070",
		HTTPAddr: "127.0.0.1:8080",
		Device:   emulator.DefaultConfig(),
		Generate: []int{0},
		LogLevel: zerolog.InfoLevel,
	}
}

func loadSimConfig(path string) (simConfig, error) {
	cfg := defaultSimConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return simConfig{}, fmt.Errorf("load keychainsim config: %w", err)
	}

	if meta.IsDefined("link_addr") {
		cfg.LinkAddr = strings.TrimSpace(raw.LinkAddr)
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("slots") {
		cfg.Device.Slots = raw.Slots
	}
	if meta.IsDefined("chunk_size") {
		cfg.Device.ChunkSize = raw.ChunkSize
	}
	if meta.IsDefined("noise") {
		cfg.Device.Noise = raw.Noise
	}
	if meta.IsDefined("high_s") {
		cfg.Device.HighS = raw.HighS
	}
	if meta.IsDefined("status_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StatusInterval))
		if err != nil || d <= 0 {
			return simConfig{}, fmt.Errorf("load keychainsim config: invalid status_interval %q", raw.StatusInterval)
		}
		cfg.Device.StatusInterval = d
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("artifact_path") && strings.TrimSpace(raw.ArtifactPath) != "" {
		doc, err := os.ReadFile(strings.TrimSpace(raw.ArtifactPath))
		if err != nil {
			return simConfig{}, fmt.Errorf("load keychainsim config: artifact: %w", err)
		}
		if !json.Valid(doc) {
			return simConfig{}, fmt.Errorf("load keychainsim config: artifact %s is not JSON", raw.ArtifactPath)
		}
		cfg.Device.Artifact = json.RawMessage(doc)
	}
	if meta.IsDefined("generate") {
		cfg.Generate = raw.Generate
	}
	if meta.IsDefined("log_level") {
		lvl, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return simConfig{}, fmt.Errorf("load keychainsim config: unknown log_level %q", raw.LogLevel)
		}
		cfg.LogLevel = lvl
	}

	cfg.Device = cfg.Device.WithDefaults()
	for _, idx := range cfg.Generate {
		if idx < 0 || idx >= cfg.Device.Slots {
			return simConfig{}, fmt.Errorf("load keychainsim config: generate index %d out of range", idx)
		}
	}
	return cfg, nil
}
