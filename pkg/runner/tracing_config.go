package runner

import internaltracing "github.com/wehubfusion/Daedalus/internal/tracing"

// TracingConfig configures OTLP span export for a Runner
type TracingConfig = internaltracing.Config

// DefaultTracingConfig samples every span and exports to a collector on
// localhost over plain HTTP.
func DefaultTracingConfig(serviceName string) TracingConfig {
	return internaltracing.DefaultConfig(serviceName)
}
