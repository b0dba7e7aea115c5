// Package transport opens the byte stream a keychain is reached over: a USB
// serial port for real hardware or a TCP connection to the simulator.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

const DefaultBaudRate = 115200

var ErrNoEndpoint = errors.New("transport: no serial port or address configured")

type Config struct {
	// Port is a serial device path such as /dev/ttyUSB0.
	Port     string
	BaudRate int
	// Addr is a host:port of a simulator; used when Port is empty.
	Addr        string
	DialTimeout time.Duration
}

func (c Config) WithDefaults() Config {
	if c.BaudRate <= 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	c.Port = strings.TrimSpace(c.Port)
	c.Addr = strings.TrimSpace(c.Addr)
	return c
}

func Open(ctx context.Context, cfg Config) (io.ReadWriteCloser, error) {
	cfg = cfg.WithDefaults()
	switch {
	case cfg.Port != "":
		return OpenSerial(cfg.Port, cfg.BaudRate)
	case cfg.Addr != "":
		d := net.Dialer{Timeout: cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", cfg.Addr, err)
		}
		log.Debug().Str("addr", cfg.Addr).Msg("transport: connected")
		return conn, nil
	default:
		return nil, ErrNoEndpoint
	}
}

// OpenSerial opens port at 8N1 and drops whatever the device printed before
// we attached.
func OpenSerial(port string, baud int) (serial.Port, error) {
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", port, err)
	}
	if err := p.ResetInputBuffer(); err != nil {
		log.Debug().Err(err).Str("port", port).Msg("transport: reset input buffer")
	}
	log.Debug().Str("port", port).Int("baud", baud).Msg("transport: serial open")
	return p, nil
}

// Ports lists serial devices present on this host.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: list ports: %w", err)
	}
	return ports, nil
}
