// Package device drives a keychain over one byte-stream transport: a single
// outstanding request at a time, answered by the first terminal command the
// session produces.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/keychainctl/internal/observability"
	"github.com/danmuck/keychainctl/internal/protocol"
	"github.com/danmuck/keychainctl/internal/protocol/command"
	"github.com/danmuck/keychainctl/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Client owns the transport. Exchanges are serialized: a second caller waits
// for the first to finish, or for its own context.
type Client struct {
	rw   io.ReadWriter
	cfg  Config
	sess *session.Session
	sem  *semaphore.Weighted

	chunks chan []byte
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	readErr error
	failure error
}

// NewClient starts the reader pump on rw. Close stops it and closes rw when
// rw is an io.Closer.
func NewClient(rw io.ReadWriter, cfg Config) *Client {
	cfg = cfg.WithDefaults()
	c := &Client{
		rw:     rw,
		cfg:    cfg,
		sess:   session.New(cfg.Session),
		sem:    semaphore.NewWeighted(1),
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *Client) Config() Config {
	return c.cfg
}

func (c *Client) pump() {
	defer close(c.chunks)
	buf := make([]byte, c.cfg.ReadBufferSize)
	for {
		n, err := c.rw.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case c.chunks <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			select {
			case <-c.done:
			default:
				log.Warn().Err(err).Msg("device: transport read failed")
			}
			return
		}
	}
}

// Exchange sends cmd and waits for one terminal response under the client's
// exchange timeout.
func (c *Client) Exchange(ctx context.Context, cmd command.Command) (command.Command, error) {
	return c.ExchangeTimeout(ctx, cmd, c.cfg.ExchangeTimeout)
}

// ExchangeTimeout is Exchange with an explicit timeout. The timeout starts once
// the transport is owned; waiting for ownership is bounded by ctx alone.
func (c *Client) ExchangeTimeout(ctx context.Context, cmd command.Command, timeout time.Duration) (command.Command, error) {
	frame, err := command.Encode(cmd)
	if err != nil {
		return command.Command{}, err
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return command.Command{}, err
	}
	defer c.sem.Release(1)

	id := uuid.NewString()
	start := time.Now()
	resp, outcome, err := c.exchange(ctx, id, cmd.Type, frame, timeout)
	observability.RecordExchange(cmd.Type.String(), outcome, time.Since(start))
	if err != nil {
		log.Debug().Str("exchange", id).Str("request", cmd.Type.String()).Str("outcome", outcome).Err(err).Msg("device: exchange failed")
		return command.Command{}, err
	}
	log.Debug().Str("exchange", id).Str("request", cmd.Type.String()).Str("response", resp.Type.String()).
		Dur("elapsed", time.Since(start)).Msg("device: exchange complete")
	return resp, nil
}

func (c *Client) exchange(ctx context.Context, id string, req command.Type, frame []byte, timeout time.Duration) (command.Command, string, error) {
	if err := c.failed(); err != nil {
		return command.Command{}, "transport", err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := c.discardStale(); err != nil {
		return command.Command{}, "transport", err
	}

	log.Debug().Str("exchange", id).Str("request", req.String()).Msg("device: send")
	if err := c.write(ctx, req, timeout, frame); err != nil {
		switch {
		case errors.Is(err, protocol.ErrTimeout):
			return command.Command{}, "timeout", err
		case errors.Is(err, context.Canceled):
			return command.Command{}, "canceled", err
		case errors.Is(err, protocol.ErrClosed):
			return command.Command{}, "closed", err
		}
		return command.Command{}, "transport", err
	}

	for {
		select {
		case chunk, ok := <-c.chunks:
			if !ok {
				return command.Command{}, "transport", c.readFailure()
			}
			cmds, err := c.sess.Feed(chunk)
			if err != nil {
				return command.Command{}, "integrity", err
			}
			if len(cmds) == 0 {
				continue
			}
			if len(cmds) > 1 {
				log.Debug().Str("exchange", id).Int("dropped", len(cmds)-1).Msg("device: extra terminal commands in chunk")
			}
			return cmds[0], "ok", nil
		case <-c.done:
			return command.Command{}, "closed", protocol.ErrClosed
		case <-ctx.Done():
			c.sess.Reset()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return command.Command{}, "timeout", fmt.Errorf("%w: %s after %s", protocol.ErrTimeout, req, timeout)
			}
			return command.Command{}, "canceled", ctx.Err()
		}
	}
}

// discardStale drops chunks that arrived while nobody was waiting, along with
// any partial frame state they left behind.
func (c *Client) discardStale() error {
	dropped := 0
	for {
		select {
		case chunk, ok := <-c.chunks:
			if !ok {
				return c.readFailure()
			}
			dropped += len(chunk)
		default:
			if dropped > 0 {
				log.Debug().Int("bytes", dropped).Msg("device: discarded stale input")
			}
			c.sess.Reset()
			return nil
		}
	}
}

// write sends frame, giving up when ctx ends. A write that does not finish in
// time leaves the link in an unknown state: the client is marked failed and the
// transport closed so the blocked writer returns.
func (c *Client) write(ctx context.Context, req command.Type, timeout time.Duration, frame []byte) error {
	if wd, ok := c.rw.(writeDeadliner); ok {
		if deadline, ok := ctx.Deadline(); ok {
			_ = wd.SetWriteDeadline(deadline)
			defer wd.SetWriteDeadline(time.Time{})
		}
	}
	errc := make(chan error, 1)
	go func() {
		_, err := c.rw.Write(frame)
		errc <- err
	}()

	select {
	case err := <-errc:
		if err == nil {
			return nil
		}
		if ctx.Err() == nil {
			return c.fail(fmt.Errorf("%w: write: %w", protocol.ErrTransport, err))
		}
	case <-c.done:
		return protocol.ErrClosed
	case <-ctx.Done():
	}

	_ = c.fail(fmt.Errorf("%w: write abandoned: %w", protocol.ErrTransport, ctx.Err()))
	if closer, ok := c.rw.(io.Closer); ok {
		_ = closer.Close()
	}
	log.Warn().Str("request", req.String()).Msg("device: write did not complete, transport closed")
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s write after %s", protocol.ErrTimeout, req, timeout)
	}
	return ctx.Err()
}

// fail records err as the sticky failure unless one is already set, and
// returns the failure in effect.
func (c *Client) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure == nil {
		c.failure = err
	}
	return c.failure
}

func (c *Client) failed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

func (c *Client) readFailure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return protocol.ErrClosed
	default:
	}
	if c.failure == nil {
		err := c.readErr
		if err == nil {
			err = io.EOF
		}
		c.failure = fmt.Errorf("%w: read: %w", protocol.ErrTransport, err)
	}
	return c.failure
}

// Close stops the reader pump. Exchanges in flight return protocol.ErrClosed.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		if closer, ok := c.rw.(io.Closer); ok {
			err = closer.Close()
		}
	})
	return err
}
