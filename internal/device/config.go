package device

import (
	"time"

	"github.com/danmuck/keychainctl/internal/protocol/session"
)

type Config struct {
	Session session.Config
	// ExchangeTimeout bounds requests the device answers on its own.
	ExchangeTimeout time.Duration
	// ConfirmTimeout bounds requests that wait on the device user.
	ConfirmTimeout time.Duration
	ReadBufferSize int
	// VerifySignatures checks accepted signatures against the request key.
	VerifySignatures bool
}

func DefaultConfig() Config {
	return Config{
		Session:          session.DefaultConfig(),
		ExchangeTimeout:  10 * time.Second,
		ConfirmTimeout:   2 * time.Minute,
		ReadBufferSize:   4096,
		VerifySignatures: true,
	}
}

// WithDefaults fills zero fields from DefaultConfig. VerifySignatures is kept
// as given.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Session = c.Session.WithDefaults()
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = def.ExchangeTimeout
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = def.ConfirmTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	return c
}
