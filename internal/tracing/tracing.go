// Package tracing installs a global OpenTelemetry TracerProvider from an
// operator-supplied OTLP exporter config. It has no effect unless a config
// file sets `tracing:`.
package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/thanos-io/thanos/pkg/tracing/otlp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/yaml.v3"
)

type kitLogger struct {
	logger *slog.Logger
}

func newKitLogger(logger *slog.Logger) *kitLogger {
	return &kitLogger{logger: logger}
}

func (kl *kitLogger) Log(keyvals ...interface{}) error {
	kl.logger.Log(context.Background(), slog.LevelInfo, "", keyvals...)
	return nil
}

// WithTracing builds and installs a TracerProvider from cfg. A nil cfg
// disables tracing: WithTracing returns a nil provider and a nil error, and
// callers should skip the shutdown step.
func WithTracing(ctx context.Context, logger *slog.Logger, cfg *otlp.Config) (*trace.TracerProvider, error) {
	if cfg == nil {
		return nil, nil
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal tracing config: %w", err)
	}

	tp, err := otlp.NewTracerProvider(ctx, newKitLogger(logger), raw)
	if err != nil {
		return nil, fmt.Errorf("start otlp tracer provider: %w", err)
	}

	otel.SetTracerProvider(tp)
	return tp, nil
}
