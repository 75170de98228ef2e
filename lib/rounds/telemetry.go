package rounds

import (
	"harvest-core/lib/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = telemetry.Tracer("harvest.lib.rounds")

var meter = otel.Meter("harvest.rounds")
var itemOutcomeCounter, _ = meter.Int64Counter("round_item_outcomes_total")
var retirementCounter, _ = meter.Int64Counter("worker_retirements_total")

func outcomeAttrs(step, phase string, class Class) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("phase", phase),
		attribute.String("class", string(class)),
	)
}

func stepAttrs(step string) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("step", step),
	)
}
