package config

import "github.com/spf13/viper"

func setDefaults() {
	// Server
	viper.SetDefault("server.port", 8081)
	viper.SetDefault("server.readTimeout", 15)
	viper.SetDefault("server.writeTimeout", 15)
	viper.SetDefault("server.shutdownTimeout", 10)

	// Heartbeat
	viper.SetDefault("heartbeat.interval", 30000)

	// WebSocket
	viper.SetDefault("websocket.maxConnections", 10000)
	viper.SetDefault("websocket.messageSizeLimit", 4096)
	viper.SetDefault("websocket.handshakeTimeout", 10)
	viper.SetDefault("websocket.writeTimeout", 10)
	viper.SetDefault("websocket.writeRetryBackoff", 200)
	viper.SetDefault("websocket.writeMaxRetries", 2)

	// Auth
	viper.SetDefault("auth.enabled", false) // Default to off, matching the upstream CRUD system
	viper.SetDefault("auth.jwtSecret", "default-secret")
	viper.SetDefault("auth.tokenQueryParam", "token")
	viper.SetDefault("auth.revocationListKey", "jwt:revoked")

	// Redis (only used for the JWT revocation list when auth is enabled)
	viper.SetDefault("redis.address", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolSize", 100)

	// Metrics
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.path", "/metrics")
}
