package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/keychainctl/internal/device"
	"github.com/danmuck/keychainctl/internal/logging"
	"github.com/danmuck/keychainctl/internal/observability"
	"github.com/danmuck/keychainctl/internal/protocol/command"
	"github.com/danmuck/keychainctl/internal/status"
	"github.com/danmuck/keychainctl/internal/store"
	"github.com/danmuck/keychainctl/internal/transport"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "keychainctl",
		Usage: "talk to a hardware keychain over serial or TCP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a keychainctl TOML config"},
			&cli.StringFlag{Name: "port", Usage: "serial port, e.g. /dev/ttyUSB0"},
			&cli.StringFlag{Name: "addr", Usage: "TCP address of a keychain or keychainsim link"},
			&cli.StringFlag{Name: "log-level", Usage: "trace|debug|info|warn|error"},
			&cli.StringFlag{Name: "cache-dir", Usage: "badger cache directory; empty disables the cache"},
		},
		Commands: []*cli.Command{
			{
				Name:  "account",
				Usage: "read the account in a slot",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "index", Usage: "account slot", Required: true},
				},
				Action: withKeychain(accountCommand),
			},
			{
				Name:   "select",
				Usage:  "let the device user pick an account",
				Action: withKeychain(selectCommand),
			},
			{
				Name:  "sign",
				Usage: "ask the device user to sign a 32 byte message",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "index", Usage: "account slot", Required: true},
					&cli.StringFlag{Name: "msg", Usage: "32 byte message, raw text or 0x hex", Required: true},
					&cli.StringFlag{Name: "pk", Usage: "0x hex public key; read from the cache or device when empty"},
				},
				Action: withKeychain(signCommand),
			},
			{
				Name:   "artifact",
				Usage:  "print the device artifact",
				Action: withKeychain(artifactCommand),
			},
			{
				Name:   "sender",
				Usage:  "print the sender address the device signs for",
				Action: withKeychain(senderCommand),
			},
			{
				Name:  "status",
				Usage: "follow the device status feed",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Usage: "status websocket URL"},
				},
				Action: statusCommand,
			},
			{
				Name:   "ports",
				Usage:  "list serial ports",
				Action: portsCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "keychainctl: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file then applies global flag overrides.
func loadConfig(c *cli.Context) (clientConfig, error) {
	cfg, err := loadClientConfig(c.String("config"))
	if err != nil {
		return clientConfig{}, err
	}
	if c.IsSet("port") {
		cfg.Transport.Port = c.String("port")
	}
	if c.IsSet("addr") {
		cfg.Transport.Addr = c.String("addr")
	}
	if c.IsSet("cache-dir") {
		cfg.CacheDir = c.String("cache-dir")
	}
	if c.IsSet("log-level") {
		lvl, ok := logging.ParseLevel(c.String("log-level"))
		if !ok {
			return clientConfig{}, fmt.Errorf("unknown log level %q", c.String("log-level"))
		}
		cfg.LogLevel = lvl
	}
	observability.InitLogger("keychainctl", cfg.LogLevel)
	return cfg, nil
}

type env struct {
	cfg      clientConfig
	keychain *device.Keychain
	store    *store.Store
}

func withKeychain(fn func(context.Context, *cli.Context, *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		e := &env{cfg: cfg}
		var cache device.ArtifactCache
		if cfg.CacheDir != "" {
			st, err := store.Open(store.Options{Dir: cfg.CacheDir})
			if err != nil {
				return err
			}
			defer st.Close()
			e.store = st
			cache = st
		}

		rw, err := transport.Open(ctx, cfg.Transport)
		if err != nil {
			return err
		}
		client := device.NewClient(rw, cfg.Device)
		defer client.Close()
		e.keychain = device.NewKeychain(client, cfg.Device, cache)
		return fn(ctx, c, e)
	}
}

func accountCommand(ctx context.Context, c *cli.Context, e *env) error {
	res, err := e.keychain.Account(ctx, c.Int("index"))
	if err != nil {
		return err
	}
	return e.printAccount(res)
}

func selectCommand(ctx context.Context, _ *cli.Context, e *env) error {
	res, err := e.keychain.SelectAccount(ctx)
	if err != nil {
		return err
	}
	return e.printAccount(res)
}

func (e *env) printAccount(res device.AccountResult) error {
	if res.Rejected {
		return printJSON(map[string]any{"rejected": true})
	}
	if e.store != nil && res.Account.Initialized() {
		if err := e.store.PutAccount(res.Account); err != nil {
			log.Warn().Err(err).Int("index", res.Account.Index).Msg("keychainctl: cache account failed")
		}
	}
	return printJSON(map[string]any{
		"index":       res.Account.Index,
		"initialized": res.Account.Initialized(),
		"pk":          "0x" + hex.EncodeToString(res.Account.PK),
		"salt":        "0x" + hex.EncodeToString(res.Account.Salt),
	})
}

func signCommand(ctx context.Context, c *cli.Context, e *env) error {
	index := c.Int("index")
	msg, err := parseBytes(c.String("msg"))
	if err != nil {
		return fmt.Errorf("msg: %w", err)
	}
	pk, err := e.publicKey(ctx, index, c.String("pk"))
	if err != nil {
		return err
	}

	res, err := e.keychain.Sign(ctx, command.SignatureRequest{Index: index, PK: pk, Msg: msg})
	if err != nil {
		return err
	}
	if res.Rejected {
		return printJSON(map[string]any{"rejected": true})
	}
	return printJSON(map[string]any{
		"r":         "0x" + hex.EncodeToString(res.Signature.R[:]),
		"s":         "0x" + hex.EncodeToString(res.Signature.S[:]),
		"signature": "0x" + hex.EncodeToString(res.Signature.Bytes()),
	})
}

// publicKey resolves the key for index from the flag, the cache or the
// device, in that order.
func (e *env) publicKey(ctx context.Context, index int, raw string) (command.Bytes, error) {
	if strings.TrimSpace(raw) != "" {
		pk, err := parseBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("pk: %w", err)
		}
		return pk, nil
	}
	if e.store != nil {
		acct, ok, err := e.store.Account(index)
		if err != nil {
			return nil, err
		}
		if ok {
			return acct.PK, nil
		}
	}
	res, err := e.keychain.Account(ctx, index)
	if err != nil {
		return nil, err
	}
	if res.Rejected {
		return nil, errors.New("account read rejected on device")
	}
	if e.store != nil {
		if err := e.store.PutAccount(res.Account); err != nil {
			log.Warn().Err(err).Int("index", index).Msg("keychainctl: cache account failed")
		}
	}
	return res.Account.PK, nil
}

func artifactCommand(ctx context.Context, _ *cli.Context, e *env) error {
	doc, err := e.keychain.Artifact(ctx)
	if err != nil {
		return err
	}
	return printJSON(doc)
}

func senderCommand(ctx context.Context, _ *cli.Context, e *env) error {
	sender, err := e.keychain.Sender(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{"sender": sender})
}

func statusCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("url") {
		cfg.StatusURL = c.String("url")
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	accounts, rejecter, closeSources, err := statusSources(cfg)
	if err != nil {
		return err
	}
	defer closeSources()

	l := status.NewListener(accounts, rejecter, func(s status.Status) {
		_ = printJSON(map[string]string{"status": s.String(), "at": time.Now().Format(time.RFC3339Nano)})
	})
	err = status.RunFeed(ctx, status.FeedConfig{URL: cfg.StatusURL}, l)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// statusSources picks where the status listener reads accounts from and how
// it declines unsafe signing prompts. The device is the authority on its own
// slots; the cache only stands in when there is no device API, and then
// nothing is ever rejected.
func statusSources(cfg clientConfig) (status.AccountSource, status.Rejecter, func(), error) {
	switch {
	case cfg.DeviceURL != "":
		client := &http.Client{Timeout: 5 * time.Second}
		return status.HTTPAccounts{BaseURL: cfg.DeviceURL, Client: client},
			status.HTTPRejecter{BaseURL: cfg.DeviceURL, Client: client},
			func() {}, nil
	case cfg.CacheDir != "":
		st, err := store.Open(store.Options{Dir: cfg.CacheDir})
		if err != nil {
			return nil, nil, nil, err
		}
		return status.AccountsFunc(st.Accounts), nil, func() { _ = st.Close() }, nil
	default:
		return nil, nil, func() {}, nil
	}
}

func portsCommand(c *cli.Context) error {
	if _, err := loadConfig(c); err != nil {
		return err
	}
	ports, err := transport.Ports()
	if err != nil {
		return err
	}
	return printJSON(ports)
}

// parseBytes accepts 0x-prefixed hex or raw text.
func parseBytes(raw string) (command.Bytes, error) {
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		b, err := hex.DecodeString(raw[2:])
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return command.Bytes(raw), nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}
