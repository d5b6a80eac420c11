// Package relay is the websocket signaling relay: it authenticates clients,
// keeps one socket per signed-in user and forwards call envelopes between
// them. The relay never interprets call semantics; it routes by recipient
// and drops what it cannot deliver.
package relay

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the relay process configuration, loaded from the environment.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	JWTSecret   string        `env:"JWT_SECRET,required"`
	JWTIssuer   string        `env:"JWT_ISSUER" envDefault:"callkit-relay"`
	JWTAudience string        `env:"JWT_AUDIENCE"`
	TokenTTL    time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	// RedisAddr switches presence to the shared Redis store when set;
	// empty keeps presence in process memory.
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	PresenceTTL   time.Duration `env:"PRESENCE_TTL" envDefault:"5m"`

	// SendQueueSize bounds the per-client outbound queue; a client that
	// cannot drain it is disconnected.
	SendQueueSize int           `env:"SEND_QUEUE_SIZE" envDefault:"64"`
	WriteTimeout  time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	PingInterval  time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
}

// LoadConfig reads an optional env file named by ENV_FILE (falling back to
// .env) and parses the environment into a Config.
func LoadConfig() (*Config, error) {
	if envfile := os.Getenv("ENV_FILE"); envfile != "" {
		if err := godotenv.Load(envfile); err != nil {
			return nil, err
		}
	} else {
		// A missing default .env is not an error.
		_ = godotenv.Load()
	}

	cfg := new(Config)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
