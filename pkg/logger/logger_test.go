package logger

import (
	"errors"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEvent_CarriesKindAndComponent(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	restore := Replace(zap.New(core))
	defer restore()

	Event("orchestrator", "gated", map[string]any{
		"user_id":    "u1",
		"latency_ms": int64(12),
	})

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "orchestrator", ctx["component"])
	assert.Equal(t, "gated", ctx["kind"])
	assert.Equal(t, "u1", ctx["user_id"])
	assert.Equal(t, int64(12), ctx["latency_ms"])
}

func TestEvent_WithErrorIsWarn(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	restore := Replace(zap.New(core))
	defer restore()

	Event("memory", "store_error", map[string]any{"error": errors.New("disk full")})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, "disk full", entries[0].ContextMap()["error"])
}

func TestErrorCF_FlattensGoerrValues(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	restore := Replace(zap.New(core))
	defer restore()

	err := goerr.New("provider failed", goerr.V("provider", "groq"), goerr.V("status", 503))
	ErrorCF("providers", "call failed", map[string]any{"error": err})

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "groq", ctx["err.provider"])
	assert.EqualValues(t, 503, ctx["err.status"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, ERROR, ParseLevel("error"))
	assert.Equal(t, INFO, ParseLevel(""))
}
