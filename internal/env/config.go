package env

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	LogLevel  string `env:"CONDUIT_LOG_LEVEL, default=info"`
	DebugHTTP bool   `env:"CONDUIT_DEBUG_HTTP"`

	// RequestTimeout bounds each request the remote command makes
	RequestTimeout time.Duration `env:"CONDUIT_REQUEST_TIMEOUT, default=30s"`

	// WatchLatency is used for watches that do not ask for one
	WatchLatency time.Duration `env:"CONDUIT_WATCH_LATENCY, default=100ms"`

	MaxBackground int64 `env:"CONDUIT_MAX_BACKGROUND, default=8"`
}

// LoadConfig reads .env.local, when there is one, then the environment.
func LoadConfig(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	return LoadConfigFrom(ctx, envconfig.OsLookuper())
}

func LoadConfigFrom(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	config := Config{}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &config,
		Lookuper: lookuper,
	}); err != nil {
		return nil, err
	}

	return &config, nil
}
