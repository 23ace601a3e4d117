// Command server runs the local API gateway: Anthropic and Google
// compatible surfaces in front of a pool of upstream accounts.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zz80900/Antigravity2Api/internal/auth"
	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/internal/dispatch"
	"github.com/zz80900/Antigravity2Api/internal/logging"
	"github.com/zz80900/Antigravity2Api/internal/quota"
	"github.com/zz80900/Antigravity2Api/internal/ratelimit"
	"github.com/zz80900/Antigravity2Api/internal/server"
	"github.com/zz80900/Antigravity2Api/internal/upstream"
)

const version = "1.0.0"

func main() {
	var (
		debug bool
		port  int
		host  string
	)
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.IntVar(&port, "port", 0, "Listen port (default: 8080)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if debug {
		cfg.Debug = true
	}
	if port > 0 {
		cfg.Port = port
	}
	if host != "" {
		cfg.Host = host
	}

	if err := logging.Setup(cfg.Debug, cfg.LogDir); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	store := auth.NewStore(cfg.AuthDir)
	if err := store.Load(); err != nil {
		logging.Errorf("[Startup] load accounts: %v", err)
		os.Exit(1)
	}
	if store.Len() == 0 {
		logging.Warnf("[Startup] no accounts in %s; requests will fail until one is added", cfg.AuthDir)
	}

	client := upstream.NewClient(cfg)
	manager := auth.NewManager(store, client)
	defer manager.Close()

	gate := ratelimit.NewGate(time.Duration(config.V1InternalMinGapMs) * time.Millisecond)
	tracker := quota.NewTracker(manager, client, time.Duration(cfg.QuotaRefreshSecs)*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Run(ctx)

	dispatcher := dispatch.New(cfg, manager, tracker, gate, client)
	engine := server.New(cfg, manager, tracker, dispatcher)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     engine,
		ReadTimeout: 30 * time.Second,
		// Streamed completions stay open for a long time.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logging.Infof("[Server] listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf("[Server] %v", err)
			os.Exit(1)
		}
	}()

	printBanner(cfg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Infof("[Server] shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Errorf("[Server] forced shutdown: %v", err)
		os.Exit(1)
	}
	logging.Infof("[Server] stopped")
}

func printBanner(cfg *config.Config) {
	displayHost := cfg.Host
	if displayHost == "0.0.0.0" {
		displayHost = "localhost"
	}
	fmt.Printf(`
Antigravity2Api v%s
  Base URL:    http://%s:%d
  Anthropic:   POST /v1/messages, /v1/messages/count_tokens, GET /v1/models
  Google:      /v1beta/models, /v1beta/models/{model}:{method}
  Health:      GET /health
  Accounts:    %s
  API keys:    %d configured

`, version, displayHost, cfg.Port, cfg.AuthDir, len(cfg.APIKeys))
}
