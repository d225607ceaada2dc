package config

import (
	"errors"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	if c.Heartbeat.Interval < 1000 {
		return errors.New("heartbeat interval must be at least 1000 ms")
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}

	if c.WebSocket.MessageSizeLimit < 1 {
		return errors.New("message size limit must be positive")
	}

	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}

	if c.WebSocket.WriteTimeout < 1 {
		return errors.New("write timeout must be at least 1 second")
	}

	// Validate auth config
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return errors.New("invalid metrics port")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path must be configured when metrics are enabled")
		}
	}

	return nil
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "RELAY_PORT")

	// Heartbeat
	viper.BindEnv("heartbeat.interval", "RELAY_HEARTBEAT_INTERVAL")

	// WebSocket
	viper.BindEnv("websocket.maxConnections", "RELAY_MAX_CONNECTIONS")
	viper.BindEnv("websocket.messageSizeLimit", "RELAY_MESSAGE_SIZE_LIMIT")
	viper.BindEnv("websocket.handshakeTimeout", "RELAY_HANDSHAKE_TIMEOUT")
	viper.BindEnv("websocket.writeTimeout", "RELAY_WRITE_TIMEOUT")

	// Auth
	viper.BindEnv("auth.enabled", "RELAY_AUTH_ENABLED")
	viper.BindEnv("auth.jwtSecret", "RELAY_AUTH_JWT_SECRET")
	viper.BindEnv("auth.tokenQueryParam", "RELAY_AUTH_TOKEN_PARAM")
	viper.BindEnv("auth.revocationListKey", "RELAY_AUTH_REVOCATION_KEY")

	// Redis
	viper.BindEnv("redis.address", "RELAY_REDIS_ADDRESS")
	viper.BindEnv("redis.password", "RELAY_REDIS_PASSWORD")

	// Metrics
	viper.BindEnv("metrics.enabled", "RELAY_METRICS_ENABLED")
	viper.BindEnv("metrics.port", "RELAY_METRICS_PORT")
}
