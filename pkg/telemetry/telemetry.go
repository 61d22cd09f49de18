// Package telemetry builds the process logger and tracer handed to the transaction clients.
package telemetry

import (
	"context"
	"io"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

type Telemetry struct {
	Logger      zerolog.Logger
	Tracer      trace.Tracer
	serviceName string

	shutdown func(context.Context) error
}

// New loads OTEL_* settings, applies opts on top and sets up logging and tracing.
func New(ctx context.Context, opts Options) (Telemetry, error) {
	return newTelemetry(ctx, opts, nil)
}

func newTelemetry(ctx context.Context, opts Options, out io.Writer) (Telemetry, error) {
	if opts.ServiceName == "" {
		return Telemetry{}, eris.New("service name cannot be empty")
	}

	cfg, err := loadConfig()
	if err != nil {
		return Telemetry{}, eris.Wrap(err, "failed to load telemetry config")
	}
	cfg.apply(opts)
	if err := cfg.validate(); err != nil {
		return Telemetry{}, eris.Wrap(err, "invalid telemetry options")
	}

	tracer, shutdown, err := setupTracing(ctx, opts.ServiceName, cfg)
	if err != nil {
		return Telemetry{}, eris.Wrap(err, "failed to setup tracing")
	}

	return Telemetry{
		Logger:      newLogger(cfg, out),
		Tracer:      tracer,
		serviceName: opts.ServiceName,
		shutdown:    shutdown,
	}, nil
}

// Shutdown flushes and stops the tracer provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.shutdown != nil {
		return t.shutdown(ctx)
	}
	return nil
}

// GetLogger returns a component-specific logger.
func (t *Telemetry) GetLogger(component string) zerolog.Logger {
	return t.Logger.With().Str("component", t.serviceName+"."+component).Logger()
}

// GetLoggerWithTrace returns a component-specific logger enriched with the span in ctx.
func (t *Telemetry) GetLoggerWithTrace(ctx context.Context, component string) zerolog.Logger {
	logger := t.Logger.With().Str("component", t.serviceName+"."+component)

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		spanCtx := span.SpanContext()
		logger = logger.
			Str("trace_id", spanCtx.TraceID().String()).
			Str("span_id", spanCtx.SpanID().String())
	}
	return logger.Logger()
}
