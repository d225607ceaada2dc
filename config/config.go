package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Heartbeat HeartbeatConfig
	WebSocket WebSocketConfig
	Auth      AuthConfig
	Redis     RedisConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Port            int
	ReadTimeout     int // Seconds
	WriteTimeout    int // Seconds
	ShutdownTimeout int // Seconds
}

type HeartbeatConfig struct {
	Interval int // Milliseconds between supervisor ticks
}

type WebSocketConfig struct {
	MaxConnections    int
	MessageSizeLimit  int64 // Bytes
	HandshakeTimeout  int   // Seconds
	WriteTimeout      int   // Seconds, per-frame write deadline
	WriteRetryBackoff int   // Milliseconds between write retries
	WriteMaxRetries   int
}

type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	TokenQueryParam   string
	RevocationListKey string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

var (
	instance *AppConfig
	once     sync.Once
)

func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		viper.SetConfigName(fmt.Sprintf("config.%s", env))
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")

		viper.AutomaticEnv()
		viper.SetEnvPrefix("RELAY")

		setDefaults()
		bindEnvVars()

		// The relay runs fine on defaults plus env vars; a config file
		// is optional.
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				initErr = fmt.Errorf("config file error: %w", err)
				return
			}
		}

		if err := viper.Unmarshal(&instance); err != nil {
			initErr = fmt.Errorf("config unmarshal error: %w", err)
			return
		}

		if err := instance.Validate(); err != nil {
			initErr = fmt.Errorf("config validation failed: %w", err)
			return
		}
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}
