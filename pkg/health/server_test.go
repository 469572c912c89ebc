package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/priya/pkg/bus"
	"github.com/dotsetgreg/priya/pkg/providers"
	"github.com/dotsetgreg/priya/pkg/scheduler"
)

type fakeFleet struct {
	available []providers.Candidate
	entries   []providers.ProviderEntry
}

func (f *fakeFleet) Available() []providers.Candidate { return f.available }
func (f *fakeFleet) Snapshot() []providers.ProviderEntry { return f.entries }

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	mb := bus.NewMessageBus(4)
	defer mb.Close()
	mb.PublishInbound(bus.InboundMessage{SenderID: "u1", Content: "hi"})

	s := NewServer("127.0.0.1", 0, WithBus(mb))
	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status string    `json:"status"`
		Bus    bus.Stats `json:"bus"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Bus.InboundQueued)
}

func TestReady(t *testing.T) {
	cases := []struct {
		name   string
		fleet  *fakeFleet
		store  Pinger
		status int
		reason string
	}{
		{
			name:   "ready",
			fleet:  &fakeFleet{available: []providers.Candidate{{Name: "groq"}}},
			store:  fakePinger{},
			status: http.StatusOK,
		},
		{
			name:   "no providers",
			fleet:  &fakeFleet{},
			store:  fakePinger{},
			status: http.StatusServiceUnavailable,
			reason: "no available providers",
		},
		{
			name:   "store down",
			fleet:  &fakeFleet{available: []providers.Candidate{{Name: "groq"}}},
			store:  fakePinger{err: errors.New("memory store is closed")},
			status: http.StatusServiceUnavailable,
			reason: "memory store is closed",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewServer("127.0.0.1", 0, WithFleet(tc.fleet), WithStore(tc.store))
			rec := get(t, s, "/ready")
			assert.Equal(t, tc.status, rec.Code)

			var rd readiness
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rd))
			assert.Equal(t, tc.status == http.StatusOK, rd.Ready)
			assert.Equal(t, tc.reason, rd.Reason)
		})
	}
}

func TestProviders(t *testing.T) {
	fleet := &fakeFleet{entries: []providers.ProviderEntry{
		{Name: "groq", Priority: 1, Circuit: providers.CircuitClosed, DailyLimit: 14400, UsedToday: 12},
	}}
	s := NewServer("127.0.0.1", 0, WithFleet(fleet))

	rec := get(t, s, "/providers")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []providers.ProviderEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "groq", got[0].Name)
	assert.Equal(t, 12, got[0].UsedToday)

	rec = get(t, NewServer("127.0.0.1", 0), "/providers")
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestJobs(t *testing.T) {
	sc := scheduler.New(scheduler.Options{})
	require.NoError(t, sc.Add(scheduler.Job{Name: "flush", Every: time.Minute, Run: func(context.Context) error { return nil }}))

	rec := get(t, NewServer("127.0.0.1", 0, WithScheduler(sc)), "/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []scheduler.JobState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "flush", got[0].Name)
}

func TestUnknownRoute(t *testing.T) {
	rec := get(t, NewServer("127.0.0.1", 0), "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartStop(t *testing.T) {
	s := NewServer("127.0.0.1", 0)
	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
