package evm

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

// Config is read from EVM_* environment variables.
type Config struct {
	// RPCURL is the JSON-RPC endpoint (http, https, ws or wss).
	RPCURL string `env:"EVM_RPC_URL"`

	// ChainID of zero means ask the node with eth_chainId.
	ChainID uint64 `env:"EVM_CHAIN_ID" envDefault:"0"`

	// GasPrice in wei. Zero means ask the node with eth_gasPrice when simulating.
	GasPrice uint64 `env:"EVM_GAS_PRICE" envDefault:"0"`

	// GasMultiplier scales eth_estimateGas results.
	GasMultiplier float64 `env:"EVM_GAS_MULTIPLIER" envDefault:"1.2"`

	PollInterval time.Duration `env:"EVM_POLL_INTERVAL" envDefault:"1s"`
}

// LoadConfig reads and validates the environment.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse evm config")
	}
	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate evm config")
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.RPCURL == "" {
		return eris.New("EVM_RPC_URL is required")
	}
	if cfg.GasMultiplier < 1 {
		return eris.New("gas multiplier must be at least 1")
	}
	if cfg.PollInterval <= 0 {
		return eris.New("poll interval must be positive")
	}
	return nil
}
