package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), "site-audit-test", 1, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := Tracer().Start(context.Background(), "audit.job")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "audit.job", ended[0].Name())
}

func TestOTLPExporterRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := OTLPExporter(context.Background(), "")
	require.ErrorContains(t, err, "tracing.endpoint")
}

func TestOTLPExporterBuildsOption(t *testing.T) {
	t.Parallel()

	opt, err := OTLPExporter(context.Background(), "http://localhost:4318/v1/traces")
	require.NoError(t, err)
	require.NotNil(t, opt)
}
