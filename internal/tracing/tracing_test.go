package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestInitNone(t *testing.T) {
	shutdown, err := Init(Options{Exporter: "none"})
	require.NoError(t, err)
	_, span := StartSpan(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitStdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(Options{Exporter: "stdout", ServiceName: "test", Writer: &buf})
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "executor.execute", KeyRequestID.String("r1"), KeyTier.String("background"))
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "executor.execute")
	assert.Contains(t, buf.String(), "r1")

	_, err = Init(Options{Exporter: "none"})
	require.NoError(t, err)
}

func TestInitUnknown(t *testing.T) {
	_, err := Init(Options{Exporter: "zipkin"})
	assert.Error(t, err)
}
