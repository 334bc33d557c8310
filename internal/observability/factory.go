package observability

import (
	"strings"

	"nbflow/engine_go/internal/utils"
)

const (
	ProviderLog  = "log"
	ProviderNoop = "noop"
)

// GetTracer returns a Tracer implementation based on the provided provider string.
func GetTracer(provider string) Tracer {
	return GetTracerWithLogger(provider, nil)
}

// GetTracerWithLogger returns a Tracer implementation based on the provided
// provider string with an injected logger.
func GetTracerWithLogger(provider string, logger utils.ExtendedLogger) Tracer {
	switch strings.ToLower(provider) {
	case ProviderLog:
		return NewLogTracer(logger)
	case ProviderNoop:
		return NoopTracer{}
	default:
		return NoopTracer{}
	}
}
