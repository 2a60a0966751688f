package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wireloop/sfu/internal/config"
	"github.com/wireloop/sfu/internal/sfu"
	"github.com/wireloop/sfu/internal/sfu/negotiate"
	"github.com/wireloop/sfu/internal/sfu/session"
	"github.com/wireloop/sfu/internal/sfu/switchboard"
	router "github.com/wireloop/sfu/internal/transport/http"
	"github.com/wireloop/sfu/internal/transport/rtc"
	"github.com/wireloop/sfu/internal/transport/ws"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}
	if lvl, lvlErr := zerolog.ParseLevel(cfg.LogLevel); lvlErr == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	// Core and its Host form a reference cycle: sfu.New needs a Host up
	// front, but the Host (ctl, backed by manager) doesn't need a live
	// Core until the first websocket connection arrives. ctl is declared
	// ahead of its own construction and captured by reference so the
	// onOffer closure can reach it once it exists.
	var ctl *ws.Controller
	manager := rtc.NewManager(func(handle session.Handle, offer negotiate.SDP) {
		ctl.PushOffer(handle, offer)
	})
	ctl = ws.NewController(manager)

	var blockPersister switchboard.BlockPersister
	if cfg.BlockListPath != "" {
		blockPersister = switchboard.NewFilePersister(cfg.BlockListPath)
	}

	core := sfu.New(sfu.Config{MaxRoomSize: cfg.MaxRoomSize}, ctl, blockPersister)
	manager.SetCore(core)
	ctl.SetCore(core)

	if cfg.BlockListPath != "" {
		pairs, loadErr := switchboard.Load(cfg.BlockListPath)
		if loadErr != nil {
			log.Warn().Err(loadErr).Str("path", cfg.BlockListPath).Msg("block list load failed")
		} else {
			core.RestoreBlocks(pairs)
		}
	}

	r := router.SetupRouter(ctx, cfg, ctl)

	srv := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("sfu server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}
