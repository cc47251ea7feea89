package tracing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"whatsbot/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	id := NewRequestID()
	assert.True(t, strings.HasPrefix(id, "req_"))
	assert.NotEqual(t, id, NewRequestID())

	ctx := WithRequestID(context.Background(), id)
	assert.Equal(t, id, GetRequestID(ctx))
	assert.Equal(t, "", GetRequestID(context.Background()))
}

func TestManager_Disabled(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	m := NewManager(models.TracingConfig{Enabled: false}, logger)
	require.NoError(t, m.Initialize(context.Background()))
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_ConsoleExporter(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	m := NewManager(models.TracingConfig{
		Enabled:     true,
		ServiceName: "whatsbot-test",
		SampleRate:  1,
		UseConsole:  true,
	}, logger)
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), "test.span")
	RecordError(ctx, errors.New("boom"))
	RecordError(ctx, nil)
	assert.NotEmpty(t, TraceID(ctx))
	span.End()
}

func TestSpanHelpers_NoProvider(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", TraceID(ctx))
	AddSpanAttributes(ctx)
	RecordError(ctx, errors.New("ignored"))
}
