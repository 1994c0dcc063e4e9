package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Bus drivers accepted in BUS_DRIVER.
const (
	BusRedis = "redis"
	BusNATS  = "nats"
	BusNone  = "none"
)

// Config holds the server settings read from the environment.
type Config struct {
	Port          string
	RedisURL      string
	RedisPassword string
	BusDriver     string
	NATSURL       string
	CORSOrigins   []string
	InstanceID    string
	LogLevel      string
	LogFormat     string
	JoinRateLimit int
}

// LoadConfig reads configuration from the environment, after loading an
// optional .env file from the working directory.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "5000")
	v.SetDefault("redis_url", "localhost:6379")
	v.SetDefault("bus_driver", BusRedis)
	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("cors_origin", "*")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("join_rate_limit", 30)

	v.BindEnv("port", "PORT")
	v.BindEnv("redis_url", "REDIS_URL", "REDIS_ADDR")
	v.BindEnv("redis_password", "REDIS_PASSWORD")
	v.BindEnv("bus_driver", "BUS_DRIVER")
	v.BindEnv("nats_url", "NATS_URL")
	v.BindEnv("cors_origin", "CORS_ORIGIN")
	v.BindEnv("instance_id", "INSTANCE_ID")
	v.BindEnv("log_level", "LOG_LEVEL")
	v.BindEnv("log_format", "LOG_FORMAT")
	v.BindEnv("join_rate_limit", "JOIN_RATE_LIMIT")

	cfg := &Config{
		Port:          v.GetString("port"),
		RedisURL:      v.GetString("redis_url"),
		RedisPassword: v.GetString("redis_password"),
		BusDriver:     strings.ToLower(v.GetString("bus_driver")),
		NATSURL:       v.GetString("nats_url"),
		CORSOrigins:   splitOrigins(v.GetString("cors_origin")),
		InstanceID:    v.GetString("instance_id"),
		LogLevel:      v.GetString("log_level"),
		LogFormat:     v.GetString("log_format"),
		JoinRateLimit: v.GetInt("join_rate_limit"),
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}

	switch cfg.BusDriver {
	case BusRedis, BusNATS, BusNone:
	default:
		return nil, fmt.Errorf("unknown BUS_DRIVER %q (want redis, nats or none)", cfg.BusDriver)
	}

	if cfg.JoinRateLimit < 0 {
		return nil, fmt.Errorf("JOIN_RATE_LIMIT must not be negative, got %d", cfg.JoinRateLimit)
	}

	return cfg, nil
}

// AllowsOrigin reports whether a browser origin may open a websocket or call
// the HTTP API. An empty origin (non-browser client) is always allowed.
func (c *Config) AllowsOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range c.CORSOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return origins
}
