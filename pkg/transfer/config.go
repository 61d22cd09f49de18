package transfer

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

// Config is read from TRANSFER_* environment variables.
type Config struct {
	// PacketTimeout is how long a sent packet may go unreceived before it is refunded.
	PacketTimeout time.Duration `env:"TRANSFER_PACKET_TIMEOUT" envDefault:"10m"`

	PollInterval time.Duration `env:"TRANSFER_POLL_INTERVAL" envDefault:"2s"`

	// SourceTimeout bounds how long Resume waits for a send whose outcome was unknown. Zero means
	// PacketTimeout.
	SourceTimeout time.Duration `env:"TRANSFER_SOURCE_TIMEOUT" envDefault:"0s"`

	// ArchiveTTL is how long acknowledged and refunded transfers stay readable.
	ArchiveTTL time.Duration `env:"TRANSFER_ARCHIVE_TTL" envDefault:"1h"`
}

func DefaultConfig() Config {
	return Config{
		PacketTimeout: 10 * time.Minute,
		PollInterval:  2 * time.Second,
		ArchiveTTL:    time.Hour,
	}
}

// LoadConfig reads and validates the environment.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse transfer config")
	}
	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate transfer config")
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.PacketTimeout <= 0 {
		return eris.New("packet timeout must be positive")
	}
	if cfg.PollInterval <= 0 {
		return eris.New("poll interval must be positive")
	}
	if cfg.ArchiveTTL < 0 {
		return eris.New("archive ttl must not be negative")
	}
	if cfg.SourceTimeout < 0 {
		return eris.New("source timeout must not be negative")
	}
	return nil
}

func (cfg Config) sourceTimeout() time.Duration {
	if cfg.SourceTimeout > 0 {
		return cfg.SourceTimeout
	}
	return cfg.PacketTimeout
}
