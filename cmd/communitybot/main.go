// Copyright 2024-2026 Aiku AI

// Command communitybot runs the community messaging daemon: a Matrix bot
// that routes direct and bridge deliveries, keeps a local room/user cache,
// and exposes both over a small HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/communitybot/pkg/bridge"
	"github.com/aiku/communitybot/pkg/cache"
	"github.com/aiku/communitybot/pkg/cachesync"
	"github.com/aiku/communitybot/pkg/config"
	"github.com/aiku/communitybot/pkg/httpapi"
	"github.com/aiku/communitybot/pkg/messaging"
	"github.com/aiku/communitybot/pkg/session"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("communitybot %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cache.New(ctx, cfg.Cache.Path, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}

	gw, err := session.NewMatrix(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Matrix session")
	}
	if err = gw.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start Matrix session")
	}

	sender := messaging.NewSender(gw, cfg.Send, log)
	var adapter *bridge.Adapter
	if cfg.BridgeConfigured() {
		adapter = bridge.New(gw, store, cfg.Bridge, id.RoomID(cfg.Rooms.BridgeAdmin), sender, log)
	} else {
		log.Warn().Msg("Bridge is not configured, bridge deliveries are disabled")
	}
	engine := cachesync.New(gw, store, cfg.Cache, cfg.Bridge.AddressPrefix, log)
	coordinator := messaging.NewCoordinator(gw, store, adapter, sender, cfg, log)

	api := httpapi.New(coordinator, engine, store, cfg, log)
	api.Start()

	maxAge := time.Duration(cfg.Sync.BackgroundMaxAge) * time.Minute
	scheduler := cron.New()
	if _, err = scheduler.AddFunc(cfg.Sync.BackgroundCron, func() {
		engine.BackgroundSync(maxAge)
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Sync.BackgroundCron).Msg("Invalid background sync schedule")
	}
	scheduler.Start()

	// Warm the cache on startup without delaying readiness.
	engine.BackgroundSync(maxAge)

	log.Info().Str("user_id", gw.UserID().String()).Msg("communitybot is running")
	<-ctx.Done()
	log.Info().Msg("Shutting down")

	<-scheduler.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = api.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP API shutdown failed")
	}
	if err = gw.Close(); err != nil {
		log.Warn().Err(err).Msg("Matrix session close failed")
	}
	if err = store.Close(); err != nil {
		log.Warn().Err(err).Msg("Cache close failed")
	}
}
