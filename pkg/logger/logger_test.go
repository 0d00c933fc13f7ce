package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observedLogger() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return FromZap(zap.New(core)), logs
}

func fieldKeys(entry observer.LoggedEntry) map[string]bool {
	keys := make(map[string]bool, len(entry.Context))
	for _, field := range entry.Context {
		keys[field.Key] = true
	}
	return keys
}

func TestCtxLoggingCarriesTraceFields(t *testing.T) {
	log, logs := observedLogger()

	log.CtxInfo(context.Background(), "no span")

	provider := sdktrace.NewTracerProvider()
	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	log.CtxInfo(ctx, "with span")
	log.CtxWarn(ctx, "warned")
	log.CtxError(ctx, "errored")

	entries := logs.All()
	require.Len(t, entries, 4)

	assert.False(t, fieldKeys(entries[0])["trace_id"], "spanless context must not add trace fields")

	wantTraceID := span.SpanContext().TraceID().String()
	for _, entry := range entries[1:] {
		keys := fieldKeys(entry)
		require.True(t, keys["trace_id"] && keys["span_id"])
		for _, field := range entry.Context {
			if field.Key == "trace_id" {
				assert.Equal(t, wantTraceID, field.String)
			}
		}
	}
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}

func TestWithErrorAddsErrorField(t *testing.T) {
	log, logs := observedLogger()

	log.WithError(errors.New("boom")).Error("it broke")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.True(t, fieldKeys(entries[0])["error"])
}

func TestForRequestAddsIdentityFields(t *testing.T) {
	log, logs := observedLogger()

	log.ForRequest("req-1", "GET", "/api/v1/accounts").Info("HTTP request")

	entries := logs.All()
	require.Len(t, entries, 1)
	keys := fieldKeys(entries[0])
	assert.True(t, keys["request_id"] && keys["method"] && keys["path"])
}
