package tracing

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestDefaultTracingConfig(t *testing.T) {
	config := DefaultTracingConfig()

	assert.Equal(t, "chatsync", config.ServiceName)
	assert.Equal(t, 0.1, config.SampleRate)
	assert.False(t, config.Enabled)
	assert.True(t, config.UseStdout)
}

func TestTracingManager_Disabled(t *testing.T) {
	tm := NewTracingManager(DefaultTracingConfig(), quietLogger())

	require.NoError(t, tm.Initialize(context.Background()))
	assert.Nil(t, tm.tracerProvider)
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestTracingManager_StdoutLifecycle(t *testing.T) {
	config := DefaultTracingConfig()
	config.Enabled = true
	config.SampleRate = 1.0
	tm := NewTracingManager(config, quietLogger())

	require.NoError(t, tm.Initialize(context.Background()))
	require.NotNil(t, tm.tracerProvider)

	ctx, span := StartSpan(context.Background(), "message.send", AttrThreadID.String("t1"))
	assert.True(t, span.IsRecording())
	assert.NotEmpty(t, GetOtelTraceID(ctx))
	AddSpanAttributes(ctx, AttrClientID.String("c1"))
	RecordError(ctx, errors.New("boom"))
	span.End()

	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestSpanHelpers_NoopWithoutSpan(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetOtelTraceID(ctx))
	assert.NotPanics(t, func() {
		RecordError(ctx, errors.New("boom"))
		AddSpanAttributes(ctx, AttrThreadID.String("t1"))
	})
}

func TestRequestContext(t *testing.T) {
	id := GenerateRequestID()
	assert.True(t, strings.HasPrefix(id, "req_"))
	assert.NotEqual(t, id, GenerateRequestID())

	ctx := WithRequestID(context.Background(), id)
	assert.Equal(t, id, GetRequestID(ctx))
	assert.Empty(t, GetRequestID(context.Background()))

	assert.Zero(t, Duration(ctx))
	ctx = WithStartTime(ctx, time.Now().Add(-time.Second))
	assert.GreaterOrEqual(t, Duration(ctx), time.Second)
}
