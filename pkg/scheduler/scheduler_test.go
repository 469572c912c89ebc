package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dotsetgreg/priya/pkg/config"
	"github.com/dotsetgreg/priya/pkg/providers"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)}
}

func TestAdd_Validation(t *testing.T) {
	s := New(Options{Now: newClock().Now})
	noop := func(context.Context) error { return nil }

	cases := []struct {
		name string
		job  Job
	}{
		{"missing name", Job{Expr: "* * * * *", Run: noop}},
		{"missing run", Job{Name: "x", Expr: "* * * * *"}},
		{"no schedule", Job{Name: "x", Run: noop}},
		{"both schedules", Job{Name: "x", Expr: "* * * * *", Every: time.Minute, Run: noop}},
		{"bad cron", Job{Name: "x", Expr: "not a cron", Run: noop}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Add(tc.job)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidJob)
		})
	}

	require.NoError(t, s.Add(Job{Name: "ok", Expr: "*/5 * * * *", Run: noop}))
	assert.ErrorIs(t, s.Add(Job{Name: "ok", Every: time.Minute, Run: noop}), ErrDuplicateID)
}

func TestAdd_ComputesNextRun(t *testing.T) {
	clock := newClock()
	s := New(Options{Now: clock.Now})
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add(Job{Name: "cron", Expr: "*/5 * * * *", Run: noop}))
	require.NoError(t, s.Add(Job{Name: "every", Every: 90 * time.Second, Run: noop}))

	states := s.States()
	require.Len(t, states, 2)
	assert.Equal(t, "cron", states[0].Name)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), states[0].NextRun.UTC())
	assert.Equal(t, "every", states[1].Name)
	assert.Equal(t, "@every 1m30s", states[1].Schedule)
	assert.Equal(t, clock.Now().Add(90*time.Second), states[1].NextRun)
}

func TestRunDue_RunsOnlyDueJobs(t *testing.T) {
	clock := newClock()
	s := New(Options{Now: clock.Now})

	var ran []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			ran = append(ran, name)
			return nil
		}
	}
	require.NoError(t, s.Add(Job{Name: "minutely", Expr: "* * * * *", Run: record("minutely")}))
	require.NoError(t, s.Add(Job{Name: "hourly", Expr: "0 * * * *", Run: record("hourly")}))

	ctx := context.Background()
	assert.Equal(t, 0, s.RunDue(ctx))

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, s.RunDue(ctx))
	assert.Equal(t, []string{"minutely"}, ran)

	// Running again at the same instant is a no-op.
	assert.Equal(t, 0, s.RunDue(ctx))

	clock.Advance(59 * time.Minute)
	assert.Equal(t, 2, s.RunDue(ctx))
	assert.ElementsMatch(t, []string{"minutely", "minutely", "hourly"}, ran)

	for _, st := range s.States() {
		assert.Equal(t, "ok", st.LastStatus)
		assert.True(t, st.NextRun.After(clock.Now()))
	}
}

func TestRunDue_RecordsFailuresAndPanics(t *testing.T) {
	clock := newClock()
	s := New(Options{Now: clock.Now})
	require.NoError(t, s.Add(Job{Name: "fails", Every: time.Second, Run: func(context.Context) error {
		return errors.New("disk full")
	}}))
	require.NoError(t, s.Add(Job{Name: "panics", Every: time.Second, Run: func(context.Context) error {
		panic("boom")
	}}))

	clock.Advance(time.Second)
	assert.Equal(t, 2, s.RunDue(context.Background()))

	states := s.States()
	require.Len(t, states, 2)
	assert.Equal(t, "error", states[0].LastStatus)
	assert.Equal(t, "disk full", states[0].LastError)
	assert.Equal(t, 1, states[0].Runs)
	assert.Equal(t, "error", states[1].LastStatus)
	assert.Contains(t, states[1].LastError, "panicked")
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(Options{Tick: 5 * time.Millisecond})
	runs := make(chan struct{}, 16)
	require.NoError(t, s.Add(Job{Name: "fast", Every: time.Millisecond, Run: func(context.Context) error {
		select {
		case runs <- struct{}{}:
		default:
		}
		return nil
	}}))

	s.Start(context.Background())
	s.Start(context.Background())
	select {
	case <-runs:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
	s.Stop()
	s.Stop()
}

type fakeRegistry struct {
	probes   []providers.ProbeResult
	resets   int
	flushes  int
	flushErr error
}

func (f *fakeRegistry) TickHealth(context.Context) []providers.ProbeResult { return f.probes }
func (f *fakeRegistry) ResetDaily()                                      { f.resets++ }
func (f *fakeRegistry) FlushUsage(context.Context) error {
	f.flushes++
	return f.flushErr
}

type fakeMemory struct {
	cleanupDays int
	backfills   int
	checkpoints int
}

func (f *fakeMemory) Cleanup(_ context.Context, days int) (int64, error) {
	f.cleanupDays = days
	return 3, nil
}

func (f *fakeMemory) BackfillEmbeddings(context.Context, int) (int, error) {
	f.backfills++
	return 0, nil
}

func (f *fakeMemory) Checkpoint(context.Context) error {
	f.checkpoints++
	return nil
}

func TestMaintenanceJobs(t *testing.T) {
	cfg := config.DefaultConfig()
	reg := &fakeRegistry{probes: []providers.ProbeResult{{Name: "a", OK: true}, {Name: "b", OK: false}}}
	mem := &fakeMemory{}

	jobs := MaintenanceJobs(cfg, reg, mem)
	byName := map[string]Job{}
	for _, j := range jobs {
		byName[j.Name] = j
	}
	require.Len(t, byName, 6)
	assert.Equal(t, cfg.Scheduler.HealthCron, byName["provider-health"].Expr)
	assert.Equal(t, time.Duration(cfg.Memory.SaveInterval)*time.Second, byName["memory-checkpoint"].Every)

	ctx := context.Background()
	assert.Error(t, byName["provider-health"].Run(ctx))
	require.NoError(t, byName["quota-reset"].Run(ctx))
	require.NoError(t, byName["usage-flush"].Run(ctx))
	require.NoError(t, byName["memory-cleanup"].Run(ctx))
	require.NoError(t, byName["embedding-backfill"].Run(ctx))
	require.NoError(t, byName["memory-checkpoint"].Run(ctx))

	assert.Equal(t, 1, reg.resets)
	assert.Equal(t, 1, reg.flushes)
	assert.Equal(t, cfg.Memory.RetentionDays, mem.cleanupDays)
	assert.Equal(t, 1, mem.backfills)
	assert.Equal(t, 1, mem.checkpoints)

	s := New(Options{})
	for _, j := range jobs {
		require.NoError(t, s.Add(j), j.Name)
	}
}

func TestMaintenanceJobs_Fallbacks(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Scheduler.CleanupCron = ""
	cfg.Scheduler.BackfillCron = ""

	jobs := MaintenanceJobs(cfg, nil, &fakeMemory{})
	names := map[string]Job{}
	for _, j := range jobs {
		names[j.Name] = j
	}
	assert.NotContains(t, names, "provider-health")
	assert.NotContains(t, names, "embedding-backfill")
	require.Contains(t, names, "memory-cleanup")
	assert.Equal(t, cfg.CleanupInterval(), names["memory-cleanup"].Every)
}
