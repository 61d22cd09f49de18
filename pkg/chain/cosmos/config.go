package cosmos

import (
	"strings"
	"time"

	"cosmossdk.io/math"
	"github.com/caarlos0/env/v11"
	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
	"github.com/rotisserie/eris"
)

// DefaultGasLimit is used when the intent carries no gas limit and simulation was skipped.
const DefaultGasLimit = 200_000

// Config is read from COSMOS_* environment variables.
type Config struct {
	// GRPCAddr is the node's gRPC endpoint, host:port.
	GRPCAddr string `env:"COSMOS_GRPC_ADDR"`

	ChainID string `env:"COSMOS_CHAIN_ID"`

	// Denom is the fee denomination.
	Denom string `env:"COSMOS_DENOM"`

	// GasPrice is the price per unit of gas in Denom, as a decimal.
	GasPrice string `env:"COSMOS_GAS_PRICE" envDefault:"0.025"`

	// GasAdjustment multiplies simulated gas usage.
	GasAdjustment float64 `env:"COSMOS_GAS_ADJUSTMENT" envDefault:"1.5"`

	Bech32Prefix string `env:"COSMOS_BECH32_PREFIX" envDefault:"cosmos"`

	// BroadcastMode is "sync" (wait for CheckTx) or "async".
	BroadcastMode string `env:"COSMOS_BROADCAST_MODE" envDefault:"sync"`

	UseTLS bool `env:"COSMOS_USE_TLS" envDefault:"false"`

	PollInterval time.Duration `env:"COSMOS_POLL_INTERVAL" envDefault:"200ms"`
}

// LoadConfig reads and validates the environment.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse cosmos config")
	}
	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate cosmos config")
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.GRPCAddr == "" {
		return eris.New("COSMOS_GRPC_ADDR is required")
	}
	if cfg.ChainID == "" {
		return eris.New("COSMOS_CHAIN_ID is required")
	}
	if cfg.Denom == "" {
		return eris.New("COSMOS_DENOM is required")
	}
	if cfg.Bech32Prefix == "" {
		return eris.New("bech32 prefix cannot be empty")
	}
	price, err := math.LegacyNewDecFromStr(cfg.GasPrice)
	if err != nil {
		return eris.Wrapf(err, "invalid gas price %q", cfg.GasPrice)
	}
	if price.IsNegative() {
		return eris.New("gas price must not be negative")
	}
	if cfg.GasAdjustment < 1 {
		return eris.New("gas adjustment must be at least 1")
	}
	if _, err := parseBroadcastMode(cfg.BroadcastMode); err != nil {
		return err
	}
	if cfg.PollInterval <= 0 {
		return eris.New("poll interval must be positive")
	}
	return nil
}

func parseBroadcastMode(s string) (txtypes.BroadcastMode, error) {
	switch strings.ToLower(s) {
	case "sync", "":
		return txtypes.BroadcastMode_BROADCAST_MODE_SYNC, nil
	case "async":
		return txtypes.BroadcastMode_BROADCAST_MODE_ASYNC, nil
	}
	return txtypes.BroadcastMode_BROADCAST_MODE_UNSPECIFIED,
		eris.Errorf("invalid broadcast mode: %s (must be 'sync' or 'async')", s)
}
