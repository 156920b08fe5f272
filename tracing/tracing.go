package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// IngridTracer is the shared tracer for all request-path and issuance spans.
var IngridTracer = otel.Tracer("ingrid")

var provider *sdktrace.TracerProvider

// Init installs a tracer provider. With TRACING_STDOUT=1 spans are exported
// to stdout, otherwise spans are recorded but dropped.
func Init() error {
	opts := []sdktrace.TracerProviderOption{}
	if os.Getenv("TRACING_STDOUT") == "1" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("error in stdouttrace.New: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	provider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	IngridTracer = otel.Tracer("ingrid")
	return nil
}

// Shutdown flushes any pending spans.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}
