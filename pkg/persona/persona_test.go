package persona

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-03-04 is a Wednesday, 2026-03-07 a Saturday.
func at(day, hour int) time.Time {
	return time.Date(2026, 3, day, hour, 30, 0, 0, time.UTC)
}

func engineAt(t time.Time, roll float64) *Engine {
	return New(Options{
		Location: time.UTC,
		Now:      func() time.Time { return t },
		Float:    func() float64 { return roll },
	})
}

func TestStateAt_WeekdaySchedule(t *testing.T) {
	cases := []struct {
		hour     int
		activity Activity
		energy   float64
	}{
		{3, ActivitySleeping, 0.5},
		{7, ActivityGettingReady, 0.9},
		{10, ActivityClasses, 0.9},
		{13, ActivityEating, 0.7},
		{17, ActivityFreeTime, 0.8},
		{22, ActivityLeisure, 0.5},
		{23, ActivityWindingDown, 0.5},
	}
	for _, tc := range cases {
		s := StateAt(at(4, tc.hour))
		assert.Equal(t, tc.activity, s.Activity, "hour %d", tc.hour)
		assert.Equal(t, tc.energy, s.Energy, "hour %d", tc.hour)
		assert.False(t, s.Weekend)
	}
}

func TestStateAt_WeekendDiffers(t *testing.T) {
	wk := StateAt(at(4, 10))
	we := StateAt(at(7, 10))
	assert.Equal(t, ActivityClasses, wk.Activity)
	assert.Equal(t, ActivityEating, we.Activity)
	assert.True(t, we.Weekend)
}

func TestStateAt_DelayAndMood(t *testing.T) {
	s := StateAt(at(4, 3))
	assert.Equal(t, 3.0, s.DelayMultiplier)
	assert.Equal(t, MoodSleepy, s.Mood)

	s = StateAt(at(4, 8))
	assert.Equal(t, 2.0, s.DelayMultiplier)
	assert.Equal(t, MoodRushed, s.Mood)

	s = StateAt(at(4, 17))
	assert.Equal(t, 0.8, s.DelayMultiplier)
	assert.Equal(t, MoodPlayful, s.Mood)
}

func TestEvaluate_ChanceTable(t *testing.T) {
	sleeping := StateAt(at(4, 3))
	d := Evaluate(sleeping, false)
	assert.InDelta(t, 0.05*0.2, d.Chance, 1e-9)
	d = Evaluate(sleeping, true)
	assert.InDelta(t, 0.35, d.Chance, 1e-9, "mentions skip the sleeping penalty")

	commute := StateAt(at(4, 8))
	assert.InDelta(t, 0.5*0.6, Evaluate(commute, false).Chance, 1e-9)
	assert.InDelta(t, 0.8*0.6, Evaluate(commute, true).Chance, 1e-9)

	free := StateAt(at(4, 17))
	assert.InDelta(t, 1.0, Evaluate(free, false).Chance, 1e-9, "0.9*1.2 is clamped to 1")
	assert.InDelta(t, 1.0, Evaluate(free, true).Chance, 1e-9)
}

func TestShouldRespond_SleepingNonMentionIsSilent(t *testing.T) {
	e := engineAt(at(4, 3), 0.5)
	d := e.ShouldRespond(false)
	assert.False(t, d.Respond)
	assert.Empty(t, d.BusyReason, "busy reason only accompanies mentions")
}

func TestShouldRespond_BusyReasonOnMention(t *testing.T) {
	e := engineAt(at(4, 10), 0.99)
	d := e.ShouldRespond(true)
	assert.False(t, d.Respond)
	assert.NotEmpty(t, d.BusyReason)

	e = engineAt(at(4, 10), 0.01)
	d = e.ShouldRespond(true)
	assert.True(t, d.Respond)
	assert.Empty(t, d.BusyReason)
}

func TestEngine_UsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	// 21:30 UTC Wednesday is 03:00 Thursday in Kolkata.
	e := New(Options{Location: loc, Now: func() time.Time { return at(4, 21) }})
	s := e.Snapshot()
	assert.Equal(t, 3, s.At.Hour())
	assert.Equal(t, ActivitySleeping, s.Activity)
}

func TestStatic(t *testing.T) {
	d := Always().ShouldRespond(false)
	assert.True(t, d.Respond)
	assert.Equal(t, 1.0, d.Chance)

	asleep := &Static{State: StateAt(at(4, 3))}
	d = asleep.ShouldRespond(true)
	assert.False(t, d.Respond)
	assert.Equal(t, "was asleep, just saw this", d.BusyReason)
	assert.Empty(t, asleep.ShouldRespond(false).BusyReason)
}
