package locate

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("harvest.locate")
var fallbackCounter, _ = meter.Int64Counter("locator_fallback_total")

func deviationAttrs(step, strategy string) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("strategy", strategy),
	)
}
