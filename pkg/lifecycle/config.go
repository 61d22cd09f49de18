package lifecycle

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/chainclient/pkg/retry"
)

// Config is read from TX_* environment variables.
type Config struct {
	// MaxAttempts bounds broadcast attempts of one signed transaction, the first included.
	MaxAttempts int `env:"TX_MAX_ATTEMPTS" envDefault:"3"`

	BackoffBase       time.Duration `env:"TX_BACKOFF_BASE"       envDefault:"1s"`
	BackoffMax        time.Duration `env:"TX_BACKOFF_MAX"        envDefault:"30s"`
	BackoffMultiplier float64       `env:"TX_BACKOFF_MULTIPLIER" envDefault:"2"`

	// PollInterval is the length of one confirmation round.
	PollInterval time.Duration `env:"TX_POLL_INTERVAL" envDefault:"200ms"`

	// ConfirmTimeout bounds the wait for inclusion after the transaction was accepted.
	ConfirmTimeout time.Duration `env:"TX_CONFIRM_TIMEOUT" envDefault:"10s"`
}

// DefaultConfig returns the values LoadConfig uses when no variable is set.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		BackoffMax:        30 * time.Second,
		BackoffMultiplier: 2,
		PollInterval:      200 * time.Millisecond,
		ConfirmTimeout:    10 * time.Second,
	}
}

// LoadConfig reads and validates the environment.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse lifecycle config")
	}
	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate lifecycle config")
	}
	return cfg, nil
}

// Policy is the broadcast retry policy described by the config.
func (cfg Config) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BackoffBase,
		MaxDelay:    cfg.BackoffMax,
		Multiplier:  cfg.BackoffMultiplier,
	}
}

func (cfg Config) validate() error {
	if err := cfg.Policy().Validate(); err != nil {
		return err
	}
	if cfg.PollInterval <= 0 {
		return eris.New("poll interval must be positive")
	}
	if cfg.ConfirmTimeout < cfg.PollInterval {
		return eris.New("confirm timeout must be at least one poll interval")
	}
	return nil
}
