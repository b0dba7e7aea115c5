package status

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/keychainctl/internal/protocol/command"
	"github.com/danmuck/keychainctl/internal/protocol/session"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type FeedConfig struct {
	// URL of the device status websocket, e.g. ws://keychain.local:8080/.
	URL     string
	Backoff session.BackoffConfig
}

// RunFeed keeps a websocket open to cfg.URL and hands every message to l,
// reconnecting with backoff. It returns when ctx ends.
func RunFeed(ctx context.Context, cfg FeedConfig, l *Listener) error {
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = session.DefaultBackoff()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		connected, err := readFeed(ctx, cfg.URL, l)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}
		attempt++
		delay := cfg.Backoff.Delay(attempt, rng)
		log.Debug().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("status: feed disconnected")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func readFeed(ctx context.Context, url string, l *Listener) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log.Info().Str("url", url).Msg("status: feed connected")
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if err := l.Apply(ctx, string(msg)); err != nil {
			log.Warn().Err(err).Msg("status: apply failed")
		}
	}
}

// HTTPRejecter declines the pending signature through the device's HTTP API.
type HTTPRejecter struct {
	BaseURL string
	Client  *http.Client
}

func (r HTTPRejecter) RejectSignature(ctx context.Context) error {
	body, err := json.Marshal(struct {
		Approve bool `json:"approve"`
	}{})
	if err != nil {
		return err
	}
	url := strings.TrimRight(r.BaseURL, "/") + "/signature"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("status: reject signature: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status: reject signature: %s", resp.Status)
	}
	return nil
}

// HTTPAccounts reads the account slots through the device's HTTP API, the
// same view the companion app uses. A 404 ends the slot list early.
type HTTPAccounts struct {
	BaseURL string
	Client  *http.Client
	// Slots is the number of slots to read; zero means DefaultSlots.
	Slots int
}

const DefaultSlots = 5

func (a HTTPAccounts) Accounts() ([]command.Account, error) {
	slots := a.Slots
	if slots <= 0 {
		slots = DefaultSlots
	}
	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	base := strings.TrimRight(a.BaseURL, "/")
	out := make([]command.Account, 0, slots)
	for i := range slots {
		acct, ok, err := a.fetch(client, fmt.Sprintf("%s/accounts?index=%d", base, i))
		if err != nil {
			return nil, fmt.Errorf("status: read account %d: %w", i, err)
		}
		if !ok {
			break
		}
		out = append(out, acct)
	}
	return out, nil
}

func (a HTTPAccounts) fetch(client *http.Client, url string) (command.Account, bool, error) {
	resp, err := client.Get(url)
	if err != nil {
		return command.Account{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return command.Account{}, false, nil
	}
	if resp.StatusCode/100 != 2 {
		return command.Account{}, false, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var acct command.Account
	if err := json.NewDecoder(resp.Body).Decode(&acct); err != nil {
		return command.Account{}, false, err
	}
	return acct, true, nil
}
