package telemetry

import (
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Config is read from OTEL_* environment variables.
type Config struct {
	// TracingEnabled when false installs a noop tracer.
	TracingEnabled bool `env:"OTEL_ENABLED" envDefault:"false"`

	// Endpoint is the OTLP gRPC collector endpoint.
	Endpoint string `env:"OTEL_ENDPOINT" envDefault:"localhost:4317"`

	// TraceSampleRate is the sampling rate for traces (0.0 to 1.0).
	TraceSampleRate float64 `env:"OTEL_TRACE_SAMPLE_RATE" envDefault:"1.0"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `env:"OTEL_LOG_LEVEL" envDefault:"info"`

	// LogFormat is "json" or "pretty".
	LogFormat string `env:"OTEL_LOG_FORMAT" envDefault:"json"`
}

func loadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse telemetry config")
	}
	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate telemetry config")
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil {
		return eris.Errorf("invalid log level: %s (must be 'debug', 'info', 'warn', or 'error')", cfg.LogLevel)
	}
	if ParseLogFormat(cfg.LogFormat) == LogFormatUndefined {
		return eris.Errorf("invalid log format: %s (must be 'json' or 'pretty')", cfg.LogFormat)
	}
	if cfg.TracingEnabled {
		if cfg.Endpoint == "" {
			return eris.New("OTLP endpoint cannot be empty when tracing is enabled")
		}
		if cfg.TraceSampleRate < 0.0 || cfg.TraceSampleRate > 1.0 {
			return eris.New("trace sample rate must be between 0.0 and 1.0")
		}
	}
	return nil
}

// Options override the environment. Zero fields keep the environment value.
type Options struct {
	ServiceName     string
	LogLevel        string
	LogFormat       LogFormat
	TraceSampleRate float64
}

func (cfg *Config) apply(opt Options) {
	if opt.LogLevel != "" {
		cfg.LogLevel = opt.LogLevel
	}
	if opt.LogFormat != LogFormatUndefined {
		cfg.LogFormat = opt.LogFormat.String()
	}
	if opt.TraceSampleRate != 0.0 {
		cfg.TraceSampleRate = opt.TraceSampleRate
	}
}

// LogFormat is the log output format.
type LogFormat uint8

const (
	LogFormatUndefined LogFormat = iota
	LogFormatJSON
	LogFormatPretty
)

func (f LogFormat) String() string {
	switch f {
	case LogFormatJSON:
		return "json"
	case LogFormatPretty:
		return "pretty"
	case LogFormatUndefined:
	}
	return "undefined"
}

// ParseLogFormat returns LogFormatUndefined for unknown names.
func ParseLogFormat(s string) LogFormat {
	switch strings.ToLower(s) {
	case "json":
		return LogFormatJSON
	case "pretty":
		return LogFormatPretty
	}
	return LogFormatUndefined
}
