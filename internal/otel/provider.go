// Package otel builds the OpenTelemetry log pipeline behind the slog bridge.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultExportTimeout = 5 * time.Second

// ErrNoExporter is returned when neither a log writer nor an endpoint is configured.
var ErrNoExporter = errors.New("otel: no log writer or endpoint configured")

// Config selects the log exporters. At least one of LogWriter and Endpoint is required.
type Config struct {
	ServiceName    string
	ServiceVersion string
	ExportTimeout  time.Duration
	// LogWriter receives pretty-printed records, normally the rotating log file.
	LogWriter io.Writer
	// Endpoint enables OTLP/HTTP export when set.
	Endpoint string
	Insecure bool
}

// Provider owns the log pipeline. A nil *Provider is valid and does nothing.
type Provider struct {
	logs *sdklog.LoggerProvider
}

// New builds a batching LoggerProvider with one processor per configured exporter.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	exporters, err := newExporters(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if len(exporters) == 0 {
		return nil, ErrNoExporter
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("otel: resource: %w", err)
	}

	timeout := cfg.ExportTimeout
	if timeout <= 0 {
		timeout = defaultExportTimeout
	}
	opts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
	for _, exp := range exporters {
		opts = append(opts, sdklog.WithProcessor(
			sdklog.NewBatchProcessor(exp, sdklog.WithExportTimeout(timeout)),
		))
	}
	return &Provider{logs: sdklog.NewLoggerProvider(opts...)}, nil
}

func newExporters(ctx context.Context, cfg Config) ([]sdklog.Exporter, error) {
	var out []sdklog.Exporter
	if cfg.LogWriter != nil {
		exp, err := stdoutlog.New(stdoutlog.WithWriter(cfg.LogWriter), stdoutlog.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("otel: file exporter: %w", err)
		}
		out = append(out, exp)
	}
	if cfg.Endpoint != "" {
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		exp, err := otlploghttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otel: otlp exporter: %w", err)
		}
		out = append(out, exp)
	}
	return out, nil
}

// LoggerProvider returns the provider for the otelslog bridge, or nil.
func (p *Provider) LoggerProvider() *sdklog.LoggerProvider {
	if p == nil {
		return nil
	}
	return p.logs
}

// Shutdown flushes buffered records and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.logs == nil {
		return nil
	}
	if err := p.logs.Shutdown(ctx); err != nil {
		return fmt.Errorf("otel: shutdown: %w", err)
	}
	return nil
}
