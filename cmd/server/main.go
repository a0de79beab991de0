package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"pawkeeper-live/internal/auth"
	"pawkeeper-live/internal/chat"
	"pawkeeper-live/internal/config"
	"pawkeeper-live/internal/geo"
	"pawkeeper-live/internal/hub"
	"pawkeeper-live/internal/logging"
	"pawkeeper-live/internal/middleware"
	"pawkeeper-live/internal/rooms"
	"pawkeeper-live/internal/server"
	"pawkeeper-live/internal/sitters"
	"pawkeeper-live/internal/socketio"
	"pawkeeper-live/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		lg := logging.L()
		lg.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "pawkeeper-live"})
	gin.SetMode(cfg.Server.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(store.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		LogLevel:        "warn",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	if err := store.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}
	st := store.New(db)
	defer st.Close()

	var index sitters.Index
	if cfg.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("address", cfg.Redis.Address).Msg("failed to connect to redis")
		}
		index = geo.NewRedisIndex(rdb, cfg.Redis.GeoKey)
		logger.Info().Str("address", cfg.Redis.Address).Msg("redis geo index enabled")
	}

	tokenCfg := auth.TokenConfig{
		Secret: cfg.Auth.MasterSecret,
		Expiry: cfg.Auth.TokenExpiry,
		Issuer: cfg.Auth.Issuer,
	}

	h := hub.New()
	roomManager := rooms.NewManager(st, h)
	pipeline := chat.NewPipeline(chat.Config{
		DefaultHistoryLimit: cfg.Realtime.HistoryDefaultLimit,
		MaxHistoryLimit:     cfg.Realtime.HistoryMaxLimit,
		MaxRetries:          chat.DefaultConfig().MaxRetries,
		RetryDelay:          chat.DefaultConfig().RetryDelay,
	}, st, roomManager, h)
	sitterService := sitters.NewService(sitters.Config{MinViewportZoom: cfg.Realtime.MinViewportZoom}, st, index, h)
	if index != nil {
		// Pins saved while redis was unreachable are only in the database.
		if err := sitterService.RebuildIndex(logging.WithLogger(ctx, logger)); err != nil {
			logger.Warn().Err(err).Msg("geo index rebuild failed, radius searches use the database")
		}
	}

	realtime := socketio.NewServer(socketio.Deps{
		Config: socketio.Config{
			PingInterval:       cfg.WebSocket.PingInterval,
			PingTimeout:        cfg.WebSocket.PingTimeout,
			WriteTimeout:       cfg.WebSocket.WriteTimeout,
			MaxPayload:         cfg.WebSocket.MaxPayload,
			SendQueueSize:      cfg.WebSocket.SendQueueSize,
			OperationTimeout:   cfg.Realtime.OperationTimeout,
			LocationRateLimit:  cfg.Realtime.LocationRateLimit,
			LocationRateWindow: cfg.Realtime.LocationRateWindow,
		},
		Verifier: auth.NewVerifier(tokenCfg, st),
		Hub:      h,
		Rooms:    roomManager,
		Chat:     pipeline,
		Sitters:  sitterService,
	})

	requestLimiter := middleware.NewRateLimiter(cfg.Server.RequestRateLimit, cfg.Server.RequestRateWindow)

	router := server.NewRouter(server.Deps{
		Store:          st,
		TokenConfig:    tokenCfg,
		Rooms:          roomManager,
		Chat:           pipeline,
		Sitters:        sitterService,
		Realtime:       realtime,
		Logger:         logger,
		RequestLimiter: requestLimiter,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Int("port", cfg.Server.Port).Msg("listening")
		return server.Run(gctx, cfg.Server, router, func() {
			realtime.Shutdown()
			requestLimiter.Stop()
		})
	})
	if index != nil {
		g.Go(func() error {
			return sitterService.MaintainIndex(logging.WithLogger(gctx, logger), cfg.Redis.IndexRepairInterval)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}
