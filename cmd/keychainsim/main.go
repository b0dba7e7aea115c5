package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/keychainctl/internal/emulator"
	"github.com/danmuck/keychainctl/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "", "path to a keychainsim TOML config")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "keychainsim: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := loadSimConfig(path)
	if err != nil {
		return err
	}
	observability.InitLogger("keychainsim", cfg.LogLevel)
	gin.SetMode(gin.ReleaseMode)

	dev, err := emulator.New(cfg.Device)
	if err != nil {
		return err
	}
	for _, idx := range cfg.Generate {
		if _, err := dev.GenerateAccount(idx); err != nil {
			return fmt.Errorf("generate account %d: %w", idx, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.LinkAddr)
	if err != nil {
		return fmt.Errorf("link listen: %w", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveLink(ctx, ln, dev)
	}()

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           emulator.NewServer(dev, cfg.CorsOrigins).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("addr", cfg.HTTPAddr).Msg("keychainsim: http listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("keychainsim: http server failed")
				stop()
			}
		}()
	}

	log.Info().Str("addr", cfg.LinkAddr).Int("slots", cfg.Device.Slots).Msg("keychainsim: link listening")
	<-ctx.Done()

	_ = ln.Close()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	wg.Wait()
	return nil
}

// serveLink accepts one host at a time, the way a single serial cable would.
func serveLink(ctx context.Context, ln net.Listener, dev *emulator.Device) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("keychainsim: link accept failed")
			}
			return
		}
		log.Info().Str("remote", conn.RemoteAddr().String()).Msg("keychainsim: host connected")
		if err := dev.Serve(ctx, conn); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("keychainsim: link closed")
		}
		_ = conn.Close()
		log.Info().Str("remote", conn.RemoteAddr().String()).Msg("keychainsim: host disconnected")
	}
}
