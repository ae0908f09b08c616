package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the delivery service.
type Config struct {
	Addr              string        `env:"ADDR,default=:8080"`
	DBDSN             string        `env:"DB_DSN,required"`
	NATSURL           string        `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	InstanceID        string        `env:"INSTANCE_ID"`
	SendTimeout       time.Duration `env:"SEND_TIMEOUT,default=5s"`
	CacheTTL          time.Duration `env:"CACHE_TTL,default=30s"`
	RecentLimit       int           `env:"RECENT_LIMIT,default=50"`
	SendRatePerMinute int           `env:"SEND_RATE_PER_MINUTE,default=120"`
	AllowedOrigins    []string      `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:5173"`
}

// Load returns a Config populated from environment variables. The instance
// id defaults to the hostname plus a random suffix so two instances on one
// host never share a broadcast consumer.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "delivery"
		}
		cfg.InstanceID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	return cfg, nil
}
