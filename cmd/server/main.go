package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/codeit/server/internal/config"
	"github.com/codeit/server/internal/db"
	"github.com/codeit/server/internal/files"
	"github.com/codeit/server/internal/hub"
	"github.com/codeit/server/internal/logger"
	"github.com/codeit/server/internal/metrics"
	"github.com/codeit/server/internal/presence"
	"github.com/codeit/server/internal/ratelimit"
	"github.com/codeit/server/internal/relay"
	"github.com/codeit/server/internal/session"
	"github.com/codeit/server/internal/state"
)

const (
	modeCluster    = "cluster"
	modeStandalone = "standalone"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		// logger is not configured yet
		logger.Init("info", "json")
		log := logger.For("server")
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		logger.Init("info", "json")
		fallback := logger.For("server")
		fallback.Warn().Err(err).Msg("Falling back to info level")
	}
	log := logger.For("server")
	log.Info().Str("instance", cfg.InstanceID).Msg("Starting codeit room server...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := connectBackends(ctx, cfg, log)

	fileService := files.NewService(b.store)
	tracker := presence.NewTracker(b.store)
	joins := ratelimit.NewLimiter(b.redis, cfg.JoinRateLimit)

	roomHub := hub.New(cfg.InstanceID, b.store, b.bus, joins, hub.WithOriginCheck(cfg.AllowsOrigin))
	coordinator := session.NewCoordinator(fileService, tracker, roomHub)
	roomHub.SetHandler(coordinator)

	if err := roomHub.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start hub")
	}

	server := &Server{
		cfg:         cfg,
		store:       b.store,
		hub:         roomHub,
		coordinator: coordinator,
		mode:        b.mode,
		log:         log,
	}

	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     server.setupRouter(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", httpServer.Addr).Str("mode", b.mode).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	// departures must reach the bus and store before they close
	if err := roomHub.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Client cleanup did not finish")
	}

	cancel()
	if err := b.bus.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close relay")
	}
	if err := b.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}

	log.Info().Msg("Server exited gracefully")
}

type backends struct {
	store state.Store
	bus   relay.Bus
	redis *redis.Client
	mode  string
}

// connectBackends never fails: whatever cannot be reached is replaced by its
// in-memory counterpart and the instance runs standalone.
func connectBackends(ctx context.Context, cfg *config.Config, log zerolog.Logger) backends {
	var b backends

	client, err := db.ConnectRedis(ctx, cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		log.Warn().Err(err).Msg("Coordination store unavailable, using in-memory state")
		b.store = state.NewMemoryStore()
	} else {
		b.redis = client
		b.store = state.NewRedisStore(client)
	}

	// Without the shared store peers cannot see this instance's files or
	// members, so its events stay local whatever bus is configured.
	if b.redis != nil {
		switch cfg.BusDriver {
		case config.BusRedis:
			b.bus = relay.NewRedisBus(b.redis)
		case config.BusNATS:
			natsBus, err := relay.ConnectNATS(cfg.NATSURL, "codeit-"+cfg.InstanceID)
			if err != nil {
				log.Warn().Err(err).Msg("Relay bus unavailable")
			} else {
				b.bus = natsBus
			}
		}
	}
	if b.bus == nil {
		b.bus = relay.NewMemoryBus()
	}

	_, inMemoryBus := b.bus.(*relay.MemoryBus)
	if b.redis == nil || inMemoryBus {
		b.mode = modeStandalone
		metrics.DegradedMode.Set(1)
		log.Warn().Str("bus", cfg.BusDriver).Msg("Running standalone: no cross-instance fan-out")
	} else {
		b.mode = modeCluster
		metrics.DegradedMode.Set(0)
	}
	return b
}
