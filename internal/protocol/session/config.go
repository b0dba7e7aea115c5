package session

import "time"

// BackoffConfig defines retry backoff behavior for links that reconnect on
// their own, such as the status push channel.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config bounds the memory one session may hold.
type Config struct {
	// MaxControlBytes caps a command-mode segment; longer ones are dropped as malformed.
	MaxControlBytes int
	// MaxArtifactBytes caps the declared size of a data-mode transfer.
	MaxArtifactBytes int64
	// MaxInflatedBytes caps the decompressed artifact text.
	MaxInflatedBytes int64
}

func DefaultConfig() Config {
	return Config{
		MaxControlBytes:  128 * 1024,
		MaxArtifactBytes: 8 * 1024 * 1024,
		MaxInflatedBytes: 64 * 1024 * 1024,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.MaxControlBytes <= 0 {
		c.MaxControlBytes = def.MaxControlBytes
	}
	if c.MaxArtifactBytes <= 0 {
		c.MaxArtifactBytes = def.MaxArtifactBytes
	}
	if c.MaxInflatedBytes <= 0 {
		c.MaxInflatedBytes = def.MaxInflatedBytes
	}
	return c
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}
