package browser

import (
	"harvest-core/lib/restyutil"
	"harvest-core/lib/telemetry"
)

var tracer = telemetry.Tracer("harvest.lib.browser")
var restyInstrumentOutput restyutil.InstrumentOutput

// directs full request/response dumps of every session created
// after this call to `out`. intended for verbose debugging runs.
func SetRestyInstrumentOutput(out restyutil.InstrumentOutput) {
	restyInstrumentOutput = out
}
