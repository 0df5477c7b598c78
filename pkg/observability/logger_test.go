package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fleetwise/pkg/contextkeys"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.Debug("hidden")
	assert.Zero(t, buf.Len(), "debug suppressed at info level")

	logger.Info("shown")
	entry := decodeLine(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "shown", entry["msg"])

	buf.Reset()
	logger.SetLevel(DebugLevel)
	logger.Debugf("now %s", "visible")
	assert.Equal(t, "now visible", decodeLine(t, &buf)["msg"])
	assert.Equal(t, DebugLevel, logger.Level())
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithField("tenant_id", 7).
		WithFields(map[string]interface{}{"user_id": 3}).
		WithError(errors.New("boom")).
		Warn("denied")

	entry := decodeLine(t, &buf)
	assert.Equal(t, float64(7), entry["tenant_id"])
	assert.Equal(t, float64(3), entry["user_id"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "warning", entry["level"])
}

func TestLogger_WithErrorNil(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})
	assert.Same(t, logger, logger.WithError(nil))
}

func TestLogger_DerivedSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(ErrorLevel, &buf)
	child := logger.WithField("component", "worker")

	logger.SetLevel(InfoLevel)
	child.Info("hello")
	assert.NotZero(t, buf.Len())
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLogLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLogLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLogLevel("error"))
	assert.Equal(t, InfoLevel, ParseLogLevel("bogus"))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	ctx := WithLogger(context.Background(), logger)
	ctx = contextkeys.WithRequestID(ctx, "req-1")

	FromContext(ctx).Info("handled")
	assert.Equal(t, "req-1", decodeLine(t, &buf)["request_id"])

	assert.Same(t, Default(), GetLogger(context.Background()))
}
