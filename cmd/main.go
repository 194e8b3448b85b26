package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"matchgate/accounts"
	"matchgate/config"
	"matchgate/gateway"
	"matchgate/health"
	"matchgate/matchmaker"
	"matchgate/metrics"
	"matchgate/presence"
	"matchgate/registry"
	"matchgate/session"
	"matchgate/tokens"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var version = "source"

func setLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	setLogger()
	log.Info().Msgf("Starting matchgate version: %s", version)

	cfg := config.Load()
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	// Preflight required configuration
	if cfg.ServerSecret == "" {
		log.Fatal().Msg("missing server registration secret; set MATCHGATE_SERVER_SECRET")
	}
	if cfg.SigningSecret == "" {
		log.Fatal().Msg("missing token signing secret; set MATCHGATE_SIGNING_SECRET")
	}

	// Context and shutdown handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics and health HTTP server
	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux)

	obsSrv := &http.Server{
		Addr:              cfg.MetricsAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr()).Msg("starting metrics/health server")
		if err := obsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("metrics server error")
		}
	}()

	// Core components
	reg := registry.New(cfg.ServerSecret, cfg.HeartbeatTimeout)
	core := matchmaker.NewCore(cfg, reg)
	reg.SetEvictHook(core.InvalidateServer)

	signer := tokens.NewSigner(cfg.SigningSecret)
	store := accounts.NewStore(cfg.AccountsDir)
	sessions := session.NewHandler(cfg, core, signer)
	relay := presence.NewRelay(cfg.XMPPDomain, store, signer)

	// Background sweeps: registry liveness and lease recycling
	go reg.SweepInactive(ctx, cfg.SweepInterval)
	go core.RecycleServers(ctx, cfg.RecycleInterval)

	gw := gateway.New(cfg, core, reg, signer, sessions, relay)
	gwSrv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting gateway server")
		if err := gwSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("gateway server error")
		}
	}()

	// Block until shutdown
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gwSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("gateway graceful shutdown failed")
	}
	if err := obsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics server graceful shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}
