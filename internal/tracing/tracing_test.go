package tracing

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("daedalus-executor")
	assert.Equal(t, "daedalus-executor", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRatio)
	assert.True(t, cfg.Insecure)
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := Config{SampleRatio: tt.ratio}.sampler().Description()
		assert.True(t, strings.HasPrefix(desc, "ParentBased{root:"+tt.want), desc)
	}
}

func TestSetupTracing(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := SetupTracing(context.Background(), DefaultConfig("test"), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	// nothing listens on the endpoint; shutdown still returns
	_ = ShutdownTracing(shutdown, zap.NewNop())
}

func TestSetupTracing_RequiresServiceName(t *testing.T) {
	_, err := SetupTracing(context.Background(), Config{}, zap.NewNop())
	require.Error(t, err)
	assert.NoError(t, ShutdownTracing(nil, nil))
}
