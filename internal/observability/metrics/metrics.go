package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes pipeline-level instruments.
type Metrics struct {
	recordsIngested    metric.Int64Counter
	recordsDeduplicate metric.Int64Counter
	recordsRejected    metric.Int64Counter
	rowsInserted       metric.Int64Counter
	rowsUpdated        metric.Int64Counter
	fraudFlagged       metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the pipeline metric instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "merchlytics"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	var err error
	if m.recordsIngested, err = meter.Int64Counter("pipeline.records.ingested"); err != nil {
		return nil, err
	}
	if m.recordsDeduplicate, err = meter.Int64Counter("pipeline.records.deduplicated"); err != nil {
		return nil, err
	}
	if m.recordsRejected, err = meter.Int64Counter("pipeline.records.rejected"); err != nil {
		return nil, err
	}
	if m.rowsInserted, err = meter.Int64Counter("pipeline.rows.inserted"); err != nil {
		return nil, err
	}
	if m.rowsUpdated, err = meter.Int64Counter("pipeline.rows.updated"); err != nil {
		return nil, err
	}
	if m.fraudFlagged, err = meter.Int64Counter("pipeline.orders.fraud_flagged"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) add(ctx context.Context, counter metric.Int64Counter, source, entity string, count int) {
	if m == nil || counter == nil || count <= 0 {
		return
	}
	counter.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("entity", entity),
	))
}

// AddIngested records raw records pulled from a source.
func (m *Metrics) AddIngested(ctx context.Context, source, entity string, count int) {
	m.add(ctx, m.recordsIngested, source, entity, count)
}

// AddDeduplicated records duplicates collapsed within a batch.
func (m *Metrics) AddDeduplicated(ctx context.Context, source, entity string, count int) {
	m.add(ctx, m.recordsDeduplicate, source, entity, count)
}

// AddRejected records records excluded by validation.
func (m *Metrics) AddRejected(ctx context.Context, source, entity string, count int) {
	m.add(ctx, m.recordsRejected, source, entity, count)
}

// AddInserted records freshly created warehouse rows.
func (m *Metrics) AddInserted(ctx context.Context, source, entity string, count int) {
	m.add(ctx, m.rowsInserted, source, entity, count)
}

// AddUpdated records warehouse rows replaced in place.
func (m *Metrics) AddUpdated(ctx context.Context, source, entity string, count int) {
	m.add(ctx, m.rowsUpdated, source, entity, count)
}

// AddFraudFlagged records orders crossing the fraud threshold.
func (m *Metrics) AddFraudFlagged(ctx context.Context, source string, count int) {
	m.add(ctx, m.fraudFlagged, source, "orders", count)
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	endpoint = strings.TrimSpace(endpoint)
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http", "http/protobuf":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}
