package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tisayama/allstars-sub003/internal/bus"
	"github.com/tisayama/allstars-sub003/internal/clocksync"
	"github.com/tisayama/allstars-sub003/internal/config"
	"github.com/tisayama/allstars-sub003/internal/coordinator"
	"github.com/tisayama/allstars-sub003/internal/credentials"
	"github.com/tisayama/allstars-sub003/internal/gateway"
	"github.com/tisayama/allstars-sub003/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("no .env file loaded")
	}

	cfg := config.NewServerFromEnv()
	if cfg.TokenSecret == "" {
		log.Fatal().Msg("QUIZ_TOKEN_SECRET environment variable is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	mongoStore, err := store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to document store")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mongoStore.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("document store close")
		}
	}()

	eventBus, err := bus.Connect(ctx, busConfig(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to event backbone")
	}
	defer eventBus.Close()

	authority := credentials.NewHMACAuthority(cfg.TokenSecret, clock)
	broker := credentials.NewBroker(cfg.ServiceKey, authority, clock)

	var coordOpts []coordinator.Option
	if settings, err := config.LoadGameSettings(cfg.GameSettings); err != nil {
		log.Warn().Err(err).Str("path", cfg.GameSettings).Msg("no game settings loaded; resolve commands must carry prize values")
	} else {
		coordOpts = append(coordOpts, coordinator.WithPrizeLadder(settings))
	}

	coord := coordinator.New(cfg.GameID, mongoStore, eventBus, clock, coordOpts...)
	go func() {
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("coordinator failed")
			stop()
		}
	}()

	gw := gateway.NewService(gateway.DefaultConnectionConfig(), authority, coord, coord, eventBus)
	go func() {
		if err := gw.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway failed")
		}
	}()

	server := setupServer(cfg, gw, broker, clock)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("game_id", cfg.GameID).Msg("coordination server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
}

func busConfig(cfg config.Server) bus.Config {
	busCfg := bus.DefaultConfig()
	busCfg.URL = cfg.NATSURL
	return busCfg
}

func setupServer(cfg config.Server, gw *gateway.Service, broker *credentials.Broker, clock clockwork.Clock) *http.Server {
	mux := http.NewServeMux()

	gw.RegisterRoutes(mux)
	credentials.NewHandler(broker, string(gateway.RoleProjector)).RegisterRoutes(mux)
	clocksync.NewHandler(clock).RegisterRoutes(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("write health check response")
		}
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return &http.Server{
		Addr:    cfg.Addr,
		Handler: c.Handler(mux),
	}
}
