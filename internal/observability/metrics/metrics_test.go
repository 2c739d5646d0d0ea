package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsHighCardinalityLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("backend", "flux_canny_pro"),
		attribute.String("account_id", "acct-1"),
		attribute.String("job_id", "123"),
		attribute.String("tx_kind", "spend"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "account_id" || attr.Key == "job_id" {
			t.Fatalf("expected %s to be dropped", attr.Key)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordSubmission(ctx, "interior_design", "image", true)
	m.RecordLedgerMutation(ctx, "spend")
	m.RecordTransition(ctx, "queued", "dispatching")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "genbroker"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordDeposit(context.Background(), "iyzico", "starter", false)
}
