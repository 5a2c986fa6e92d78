package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestZerologAdapter_FieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	l := FromZerolog(zerolog.New(&buf).Level(zerolog.InfoLevel)).With(Fields{"component": "arbitrator"})

	ctx := context.Background()
	l.Debug(ctx, "hidden")
	l.Info(ctx, "login", Fields{"user_id": "u1"})
	l.Error(ctx, "heartbeat failed", errors.New("boom"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "login", lines[0]["message"])
	assert.Equal(t, "u1", lines[0]["user_id"])
	assert.Equal(t, "arbitrator", lines[0]["component"])
	assert.Equal(t, "error", lines[1]["level"])
	assert.Equal(t, "boom", lines[1]["error"])
}

func TestSetLevel_RaisesAndLowersVerbosity(t *testing.T) {
	t.Cleanup(func() { SetLevel(zerolog.TraceLevel) })

	var buf bytes.Buffer
	l := FromZerolog(zerolog.New(&buf).Level(zerolog.TraceLevel))
	ctx := context.Background()

	SetLevel(zerolog.InfoLevel)
	l.Debug(ctx, "before reload")
	assert.Empty(t, decodeLines(t, &buf))

	SetLevel(zerolog.DebugLevel)
	l.Debug(ctx, "after reload")
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "after reload", lines[0]["message"])

	SetLevel(zerolog.WarnLevel)
	l.Info(ctx, "muted")
	assert.Len(t, decodeLines(t, &buf), 1)
}

func TestZerologAdapter_TraceInfo(t *testing.T) {
	var buf bytes.Buffer
	l := FromZerolog(zerolog.New(&buf))

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	l.Info(ctx, "inside span")
	span.End()

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, span.SpanContext().TraceID().String(), lines[0]["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), lines[0]["span_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}
