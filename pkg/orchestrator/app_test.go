package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/dotsetgreg/priya/pkg/config"
	"github.com/dotsetgreg/priya/pkg/persona"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrap_EndToEndWithLocalRuntime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["stream"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"heyy, long time!"}}`))
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.Memory.Path = filepath.Join(t.TempDir(), "memory.db")
	cfg.Providers.UseCatalog = false
	cfg.Providers.Entries = []config.ProviderConfig{{
		Name:      "local",
		Family:    "local",
		Transport: "local",
		Endpoint:  srv.URL,
		Model:     "llama3.2:3b",
		Priority:  1,
	}}

	ctx := context.Background()
	app, err := Bootstrap(ctx, cfg, WithGate(persona.Always()))
	require.NoError(t, err)

	assert.Equal(t, 1, app.Registry.Len())
	res := app.Orchestrator.Handle(ctx, Request{UserID: "u1", Text: "hi"})
	require.NotNil(t, res.Reply)
	assert.Equal(t, "heyy, long time!", *res.Reply)

	n, err := app.Store.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	e, ok := app.Registry.Entry("local")
	require.True(t, ok)
	assert.Equal(t, 1, e.UsedToday)

	require.NoError(t, app.Close(ctx))
}

func TestBootstrap_ZeroRetriesMeansOneCall(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.Memory.Path = filepath.Join(t.TempDir(), "memory.db")
	cfg.Model.MaxRetries = 0
	cfg.Providers.UseCatalog = false
	cfg.Providers.Entries = []config.ProviderConfig{{
		Name:      "local",
		Family:    "local",
		Transport: "local",
		Endpoint:  srv.URL,
		Model:     "llama3.2:3b",
		Priority:  1,
	}}

	ctx := context.Background()
	app, err := Bootstrap(ctx, cfg, WithGate(persona.Always()))
	require.NoError(t, err)
	defer app.Close(ctx)

	res := app.Orchestrator.Handle(ctx, Request{UserID: "u1", Text: "hi"})
	require.NotNil(t, res.Reply)
	assert.True(t, res.Fallback)
	assert.EqualValues(t, 1, hits.Load())
}
