package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/adapters/httpapi"
	"github.com/voxhall/voxhall/internal/adapters/presence"
	"github.com/voxhall/voxhall/internal/app"
	"github.com/voxhall/voxhall/internal/auth"
	"github.com/voxhall/voxhall/internal/config"
	"github.com/voxhall/voxhall/internal/notify"
	"github.com/voxhall/voxhall/internal/store"
	memorystore "github.com/voxhall/voxhall/internal/store/memory"
	redisstore "github.com/voxhall/voxhall/internal/store/redis"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	var rooms store.RoomStore
	if cfg.Redis.Enabled {
		rs, err := redisstore.NewStore(redisstore.Options{
			URI:       cfg.Redis.URI,
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			RoomTTL:   cfg.Redis.RoomTTL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("redis store")
		}
		defer rs.Close()
		rooms = rs
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis room store")
	} else {
		rooms = memorystore.NewStore()
		log.Info().Msg("using in-memory room store")
	}

	bus := notify.NewBus()
	lifecycle := app.NewManager(rooms, bus)
	issuer := auth.NewIssuer(cfg.Secret, cfg.TokenTTL, rooms)
	pres := presence.NewController(lifecycle, issuer)
	events := httpapi.NewEventStream(bus)
	defer events.Close()

	h := &httpapi.Handlers{
		Lifecycle:     lifecycle,
		Issuer:        issuer,
		SignalBaseURL: cfg.SignalBaseURL,
	}

	r := httpapi.SetupRouter(ctx, cfg, h, pres, events)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("voxhall server started")
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
