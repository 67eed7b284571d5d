package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/trailcam-labs/trailcam-bridge/internal/auth"
	"github.com/trailcam-labs/trailcam-bridge/internal/config"
	"github.com/trailcam-labs/trailcam-bridge/internal/coordinator"
	"github.com/trailcam-labs/trailcam-bridge/internal/moultrie"
	"github.com/trailcam-labs/trailcam-bridge/internal/server"
	"github.com/trailcam-labs/trailcam-bridge/internal/service"
	"github.com/trailcam-labs/trailcam-bridge/internal/storage/bolt"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := bolt.New(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	session := auth.New(cfg.Account.ID, auth.Config{
		TokenURL:     cfg.Moultrie.TokenURL,
		ClientID:     cfg.Moultrie.ClientID,
		RedirectURI:  cfg.Moultrie.RedirectURI,
		Scope:        cfg.Moultrie.Scope,
		Timeout:      cfg.Moultrie.RequestTimeout,
		SafetyMargin: cfg.Poll.SafetyMargin,
	}, store)

	client, err := moultrie.New(moultrie.Config{
		BaseURL:     cfg.Moultrie.APIBaseURL,
		CDNBaseURL:  cfg.Moultrie.CDNBaseURL,
		Timeout:     cfg.Moultrie.RequestTimeout,
		MaxAttempts: cfg.Moultrie.MaxAttempts,
		RetryBase:   cfg.Moultrie.RetryBase,
		RetryMax:    cfg.Moultrie.RetryMax,
	}, session)
	if err != nil {
		log.Fatalf("init api client: %v", err)
	}

	coord := coordinator.New(cfg.Account.ID, client, session, store, cfg.Poll.Interval)

	authSvc := service.NewAuthService(cfg)
	eventSvc := service.NewEventLogService(store)

	srv := server.New(cfg, authSvc, eventSvc, session, client, coord)

	pollCtx, stopPolling := context.WithCancel(context.Background())
	go coord.Run(pollCtx)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	// graceful shutdown
	waitForSignal()
	log.Println("shutting down...")
	stopPolling()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
