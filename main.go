package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/FlyITSwiss/TripSalama-sub001/config"
	"github.com/FlyITSwiss/TripSalama-sub001/metrics"
	"github.com/FlyITSwiss/TripSalama-sub001/relay"
	"github.com/FlyITSwiss/TripSalama-sub001/server"
	"github.com/FlyITSwiss/TripSalama-sub001/websocket"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	setupLogger()

	// Initialize config
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		slog.Error("failed to initialize config", "error", err)
		os.Exit(1)
	}
	cfg := config.Get()

	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	// Auth is optional; the booking API performs no socket-level identity
	// checks by default, so the validator only exists when enabled.
	var jwtValidator *websocket.JWTValidator
	if cfg.Auth.Enabled {
		var redisClient *redis.Client
		if cfg.Redis.Address != "" {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Address,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				PoolSize: cfg.Redis.PoolSize,
			})
			if err := redisClient.Ping(context.Background()).Err(); err != nil {
				slog.Error("failed to connect to Redis for token revocation", "error", err)
				os.Exit(1)
			}
			defer redisClient.Close()
		} else {
			slog.Warn("auth enabled without Redis, token revocation checks are skipped")
		}
		jwtValidator = websocket.NewJWTValidator(&cfg.Auth, redisClient)
		slog.Info("handshake authentication is ENABLED")
	} else {
		slog.Info("handshake authentication is DISABLED")
	}

	heartbeatInterval := time.Duration(cfg.Heartbeat.Interval) * time.Millisecond

	rly := relay.New(relay.Options{
		HeartbeatInterval: heartbeatInterval,
		MaxConnections:    cfg.WebSocket.MaxConnections,
	})
	rly.Start()

	handler := websocket.NewHandler(rly, jwtValidator, &cfg.WebSocket, &cfg.Auth, heartbeatInterval)

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	srv := server.NewServer(
		addr,
		rly,
		handler.HandleWebSocket,
		time.Duration(cfg.Server.ReadTimeout)*time.Second,
		time.Duration(cfg.Server.WriteTimeout)*time.Second,
	)

	go func() {
		if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()
	slog.Info("tracking relay started", "addr", addr, "heartbeatInterval", heartbeatInterval)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	slog.Info("shutdown signal received")

	// Graceful shutdown: stop the heartbeat, drain every socket, then
	// stop the HTTP listener.
	rly.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func setupLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}
