package observability

import (
	"context"
	"testing"
)

func TestRecordersWithoutProvider(t *testing.T) {
	// The global no-op providers must accept recordings without panicking.
	ctx := context.Background()
	RecordRequest(ctx, "GetCollective", "ok")
	RecordRefresh(ctx, "error")

	_, span := Tracer().Start(ctx, "test")
	span.End()
}

func TestPushDisabledWithoutConfig(t *testing.T) {
	Init(LokiConfig{})
	if defaultClient == nil || defaultClient.enabled {
		t.Fatal("expected disabled client")
	}
	if defaultClient.appName != "opencollective" || defaultClient.instanceID != "local" {
		t.Errorf("unexpected defaults: %+v", defaultClient)
	}
	// Must be a no-op.
	LogTokenEvent("refresh", map[string]any{"outcome": "ok"})
	LogGraphQLCall("GetCollective", 1, 10, "ok", "")
}
