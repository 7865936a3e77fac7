// Package telemetry sets up the OpenTelemetry meter provider and the
// instruments recorded on the ingest and broadcast paths.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/zsprackett/setupwatch/internal/events"
)

const meterName = "github.com/zsprackett/setupwatch"

type Config struct {
	// Endpoint is the OTLP gRPC collector, e.g. localhost:4317. Empty keeps
	// metrics in-process only.
	Endpoint    string
	ServiceName string
	Insecure    bool
}

type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Shutdown      func(context.Context) error
}

// NewProvider builds a meter provider exporting over OTLP gRPC every 10s.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		mp := sdkmetric.NewMeterProvider()
		return &Provider{MeterProvider: mp, Shutdown: mp.Shutdown}, nil
	}

	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", cfg.Endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: missing host", cfg.Endpoint)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "setupwatch"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(u.Host)}
	if cfg.Insecure || u.Scheme != "https" {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))),
	)
	return &Provider{MeterProvider: mp, Shutdown: mp.Shutdown}, nil
}

// Instruments records ingest and broadcast outcomes.
type Instruments struct {
	accepted metric.Int64Counter
	rejected metric.Int64Counter
	sent     metric.Int64Counter
	failed   metric.Int64Counter
}

// NewInstruments registers the counters on mp. sessions, when non-nil, is
// sampled for the live session gauge at each collection.
func NewInstruments(mp metric.MeterProvider, sessions func() int) (*Instruments, error) {
	meter := mp.Meter(meterName)
	var (
		in  Instruments
		err error
	)
	if in.accepted, err = meter.Int64Counter("setupwatch.ingest.accepted",
		metric.WithDescription("Events stored and broadcast")); err != nil {
		return nil, err
	}
	if in.rejected, err = meter.Int64Counter("setupwatch.ingest.rejected",
		metric.WithDescription("Submissions refused, by reason")); err != nil {
		return nil, err
	}
	if in.sent, err = meter.Int64Counter("setupwatch.broadcast.sent",
		metric.WithDescription("Event messages queued to viewer sessions")); err != nil {
		return nil, err
	}
	if in.failed, err = meter.Int64Counter("setupwatch.broadcast.failed",
		metric.WithDescription("Event messages that could not be queued")); err != nil {
		return nil, err
	}
	if sessions != nil {
		_, err = meter.Int64ObservableGauge("setupwatch.hub.sessions",
			metric.WithDescription("Live viewer sessions"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(sessions()))
				return nil
			}))
		if err != nil {
			return nil, err
		}
	}
	return &in, nil
}

func (in *Instruments) Accepted(ctx context.Context) {
	in.accepted.Add(ctx, 1)
}

func (in *Instruments) Rejected(ctx context.Context, reason string) {
	in.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (in *Instruments) Broadcast(ctx context.Context, out events.Outcome) {
	if out.Succeeded > 0 {
		in.sent.Add(ctx, int64(out.Succeeded))
	}
	if out.Failed > 0 {
		in.failed.Add(ctx, int64(out.Failed))
	}
}
