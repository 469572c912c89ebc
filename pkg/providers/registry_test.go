package providers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func okAdapter(reply string) Adapter {
	return AdapterFunc(func(context.Context, Request) (string, error) { return reply, nil })
}

func newTestRegistry(t *testing.T, clock *fakeClock, specs ...Spec) *Registry {
	t.Helper()
	reg := NewRegistry(RegistryOptions{Now: clock.Now})
	for _, s := range specs {
		require.NoError(t, reg.Add(s, okAdapter("ok")))
	}
	return reg
}

func names(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Name
	}
	return out
}

func TestRegistry_AvailableOrdering(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := newTestRegistry(t, clock,
		Spec{Name: "slow", Priority: 2},
		Spec{Name: "fast", Priority: 2},
		Spec{Name: "remote", Priority: 1},
		Spec{Name: "local", Priority: 1, Transport: TransportLocal},
		Spec{Name: "sick", Priority: 2},
	)

	require.True(t, reg.Reserve("slow"))
	reg.RecordSuccess("slow", 900*time.Millisecond)
	require.True(t, reg.Reserve("fast"))
	reg.RecordSuccess("fast", 100*time.Millisecond)
	require.True(t, reg.Reserve("sick"))
	reg.RecordFailure("sick")

	assert.Equal(t, []string{"local", "remote", "fast", "slow", "sick"}, names(reg.Available()))
}

func TestRegistry_DailyLimitCountsInFlight(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := newTestRegistry(t, clock, Spec{Name: "capped", Priority: 1, DailyLimit: 2})

	require.True(t, reg.Reserve("capped"))
	require.True(t, reg.Reserve("capped"))
	assert.False(t, reg.Reserve("capped"), "third reservation would exceed the limit")
	assert.Empty(t, reg.Available())

	reg.RecordSuccess("capped", time.Millisecond)
	reg.Release("capped")
	e, ok := reg.Entry("capped")
	require.True(t, ok)
	assert.Equal(t, 1, e.UsedToday)
	assert.Equal(t, 0, e.InFlight)
	assert.Len(t, reg.Available(), 1)

	require.True(t, reg.Reserve("capped"))
	reg.RecordSuccess("capped", time.Millisecond)
	assert.Empty(t, reg.Available())
	assert.False(t, reg.Reserve("capped"))
}

func TestRegistry_DayRollover(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)}
	reg := newTestRegistry(t, clock, Spec{Name: "p", Priority: 1, DailyLimit: 1})

	require.True(t, reg.Reserve("p"))
	reg.RecordSuccess("p", time.Millisecond)
	assert.Empty(t, reg.Available())

	clock.Advance(2 * time.Minute)
	require.Len(t, reg.Available(), 1)
	e, _ := reg.Entry("p")
	assert.Equal(t, 0, e.UsedToday)
}

func TestRegistry_CircuitLifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := newTestRegistry(t, clock, Spec{Name: "flaky", Priority: 1})

	for i := 0; i < 4; i++ {
		require.True(t, reg.Reserve("flaky"))
		reg.RecordFailure("flaky")
	}
	e, _ := reg.Entry("flaky")
	assert.Equal(t, CircuitClosed, e.Circuit)
	assert.Equal(t, StatusDegraded, e.Status)

	require.True(t, reg.Reserve("flaky"))
	reg.RecordFailure("flaky")
	e, _ = reg.Entry("flaky")
	assert.Equal(t, CircuitOpen, e.Circuit)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Empty(t, reg.Available())

	clock.Advance(61 * time.Second)
	e, _ = reg.Entry("flaky")
	assert.Equal(t, CircuitHalfOpen, e.Circuit)

	// Half-open admits a single trial call.
	require.True(t, reg.Reserve("flaky"))
	assert.False(t, reg.Reserve("flaky"))
	reg.RecordFailure("flaky")
	e, _ = reg.Entry("flaky")
	assert.Equal(t, CircuitOpen, e.Circuit)

	clock.Advance(61 * time.Second)
	require.True(t, reg.Reserve("flaky"))
	reg.RecordSuccess("flaky", 50*time.Millisecond)
	e, _ = reg.Entry("flaky")
	assert.Equal(t, CircuitClosed, e.Circuit)
	assert.Equal(t, 0, e.FailureCount)
	assert.Equal(t, StatusHealthy, e.Status)
}

func TestRegistry_FailureWindowExpires(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := newTestRegistry(t, clock, Spec{Name: "p", Priority: 1})

	for i := 0; i < 4; i++ {
		require.True(t, reg.Reserve("p"))
		reg.RecordFailure("p")
	}
	clock.Advance(2 * time.Minute)
	require.True(t, reg.Reserve("p"))
	reg.RecordFailure("p")

	e, _ := reg.Entry("p")
	assert.Equal(t, 1, e.FailureCount)
	assert.Equal(t, CircuitClosed, e.Circuit)
}

func TestRegistry_PermanentAndQuota(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := newTestRegistry(t, clock,
		Spec{Name: "badkey", Priority: 1},
		Spec{Name: "limited", Priority: 1, DailyLimit: 100},
		Spec{Name: "fine", Priority: 1},
	)

	require.True(t, reg.Reserve("badkey"))
	reg.RecordPermanentFailure("badkey")
	require.True(t, reg.Reserve("limited"))
	reg.RecordQuotaExhausted("limited")

	assert.Equal(t, []string{"fine"}, names(reg.Available()))
	e, _ := reg.Entry("limited")
	assert.True(t, e.Exhausted)
	assert.Equal(t, 100, e.UsedToday)

	reg.ResetDaily()
	assert.ElementsMatch(t, []string{"fine", "limited"}, names(reg.Available()))
}

func TestRegistry_LatencyEMA(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := newTestRegistry(t, clock, Spec{Name: "p", Priority: 1})

	require.True(t, reg.Reserve("p"))
	reg.RecordSuccess("p", 100*time.Millisecond)
	require.True(t, reg.Reserve("p"))
	reg.RecordSuccess("p", 200*time.Millisecond)

	e, _ := reg.Entry("p")
	assert.InDelta(t, 130.0, e.AvgLatencyMS, 0.001)
	assert.Equal(t, 2, e.UsedToday)
	assert.EqualValues(t, 2, e.Successes)
}

func TestRegistry_AddRejectsDuplicates(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	require.NoError(t, reg.Add(Spec{Name: "Groq"}, okAdapter("x")))
	assert.Error(t, reg.Add(Spec{Name: "groq"}, okAdapter("x")))
	assert.Error(t, reg.Add(Spec{Name: ""}, okAdapter("x")))
	assert.Equal(t, []string{"groq"}, reg.Names())
}

type memUsage struct {
	mu   sync.Mutex
	days map[string]map[string]int
	fail error
	// onSave runs before a save is recorded, outside the lock.
	onSave func()
}

func (m *memUsage) LoadProviderUsage(_ context.Context, day string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for k, v := range m.days[day] {
		out[k] = v
	}
	return out, nil
}

func (m *memUsage) SaveProviderUsage(_ context.Context, day string, usage map[string]int) error {
	if m.onSave != nil {
		m.onSave()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if m.days == nil {
		m.days = map[string]map[string]int{}
	}
	if m.days[day] == nil {
		m.days[day] = map[string]int{}
	}
	for k, v := range usage {
		m.days[day][k] = v
	}
	return nil
}

func TestRegistry_UsagePersistence(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := &memUsage{}
	reg := NewRegistry(RegistryOptions{Now: clock.Now, Usage: store})
	require.NoError(t, reg.Add(Spec{Name: "p", DailyLimit: 3}, okAdapter("x")))

	require.True(t, reg.Reserve("p"))
	reg.RecordSuccess("p", time.Millisecond)
	require.True(t, reg.Reserve("p"))
	reg.RecordSuccess("p", time.Millisecond)
	require.NoError(t, reg.FlushUsage(context.Background()))
	assert.Equal(t, 2, store.days["2026-03-01"]["p"])

	restarted := NewRegistry(RegistryOptions{Now: clock.Now, Usage: store})
	require.NoError(t, restarted.Add(Spec{Name: "p", DailyLimit: 3}, okAdapter("x")))
	require.NoError(t, restarted.LoadUsage(context.Background()))
	e, _ := restarted.Entry("p")
	assert.Equal(t, 2, e.UsedToday)

	require.True(t, restarted.Reserve("p"))
	assert.False(t, restarted.Reserve("p"))
}

func TestRegistry_FlushKeepsDirtyOnError(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := &memUsage{fail: errors.New("disk full")}
	reg := NewRegistry(RegistryOptions{Now: clock.Now, Usage: store})
	require.NoError(t, reg.Add(Spec{Name: "p"}, okAdapter("x")))
	require.True(t, reg.Reserve("p"))
	reg.RecordSuccess("p", time.Millisecond)

	require.Error(t, reg.FlushUsage(context.Background()))
	store.fail = nil
	require.NoError(t, reg.FlushUsage(context.Background()))
	assert.Equal(t, 1, store.days["2026-03-01"]["p"])
}

func TestRegistry_FlushKeepsDirtyWhenCounterMovesDuringSave(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := &memUsage{}
	reg := NewRegistry(RegistryOptions{Now: clock.Now, Usage: store})
	require.NoError(t, reg.Add(Spec{Name: "p"}, okAdapter("x")))
	require.True(t, reg.Reserve("p"))
	reg.RecordSuccess("p", time.Millisecond)

	store.onSave = func() {
		store.onSave = nil
		require.True(t, reg.Reserve("p"))
		reg.RecordSuccess("p", time.Millisecond)
	}
	require.NoError(t, reg.FlushUsage(context.Background()))
	assert.Equal(t, 1, store.days["2026-03-01"]["p"])

	require.NoError(t, reg.FlushUsage(context.Background()))
	assert.Equal(t, 2, store.days["2026-03-01"]["p"])
}

func TestRegistry_TickHealth(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := NewRegistry(RegistryOptions{Now: clock.Now, ProbeTimeout: time.Second})

	var mu sync.Mutex
	probed := map[string]Request{}
	record := func(name string, err error) Adapter {
		return AdapterFunc(func(_ context.Context, req Request) (string, error) {
			mu.Lock()
			probed[name] = req
			mu.Unlock()
			if err != nil {
				return "", err
			}
			return "hello", nil
		})
	}
	require.NoError(t, reg.Add(Spec{Name: "up", DailyLimit: 10}, record("up", nil)))
	require.NoError(t, reg.Add(Spec{Name: "down"}, record("down", &StatusError{Provider: "down", Status: 503})))
	require.NoError(t, reg.Add(Spec{Name: "local", Transport: TransportLocal}, record("local", nil)))
	require.NoError(t, reg.Add(Spec{Name: "open"}, record("open", nil)))
	require.True(t, reg.Reserve("open"))
	reg.RecordPermanentFailure("open")

	results := reg.TickHealth(context.Background())
	assert.Len(t, results, 2)
	assert.Contains(t, probed, "up")
	assert.Contains(t, probed, "down")
	assert.NotContains(t, probed, "local")
	assert.NotContains(t, probed, "open")
	assert.Equal(t, 5, probed["up"].MaxTokens)

	up, _ := reg.Entry("up")
	assert.Equal(t, StatusHealthy, up.Status)
	assert.Equal(t, 0, up.UsedToday, "probes do not consume quota")

	down, _ := reg.Entry("down")
	assert.Equal(t, StatusDegraded, down.Status)
	reg.TickHealth(context.Background())
	down, _ = reg.Entry("down")
	assert.Equal(t, StatusFailed, down.Status)
	assert.Equal(t, CircuitClosed, down.Circuit)
}
