package adapter

import (
	"go.opentelemetry.io/otel"

	"github.com/srediag/kernel-shm/pkg/kernel"
)

const instrumentationName = "github.com/srediag/kernel-shm"

// Telemetry returns kernel options bound to the global OpenTelemetry meter
// and tracer providers. They are noop until an SDK is installed.
func Telemetry(opts kernel.Options) kernel.Options {
	opts.Meter = otel.Meter(instrumentationName)
	opts.Tracer = otel.Tracer(instrumentationName)
	return opts
}
