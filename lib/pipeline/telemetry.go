package pipeline

import (
	"harvest-core/lib/telemetry"
)

var tracer = telemetry.Tracer("harvest.lib.pipeline")
