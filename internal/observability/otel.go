package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "opencollective/server"

// Tracer returns the package tracer from the global provider.
// Without an SDK installed by the host process this is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

var (
	instOnce sync.Once
	inst     instruments
)

// getInstruments creates the counters once. Instruments obtained from the
// global meter before a provider is installed are delegated to it later.
func getInstruments() instruments {
	instOnce.Do(func() { inst = newInstruments() })
	return inst
}

type instruments struct {
	requests  metric.Int64Counter
	refreshes metric.Int64Counter
}

func newInstruments() instruments {
	meter := otel.Meter(instrumentationName)
	// Instrument creation only fails on invalid names; the returned
	// instrument is still usable (no-op) in that case.
	requests, _ := meter.Int64Counter("opencollective.graphql.requests",
		metric.WithDescription("GraphQL operations by outcome"))
	refreshes, _ := meter.Int64Counter("opencollective.token.refreshes",
		metric.WithDescription("OAuth2 refresh attempts by outcome"))
	return instruments{requests: requests, refreshes: refreshes}
}

// RecordRequest counts one GraphQL operation outcome.
func RecordRequest(ctx context.Context, operation, outcome string) {
	getInstruments().requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

// RecordRefresh counts one token refresh attempt.
func RecordRefresh(ctx context.Context, outcome string) {
	getInstruments().refreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}
