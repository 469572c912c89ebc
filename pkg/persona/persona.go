// Package persona models the companion's daily routine and decides whether
// and how quickly she answers.
package persona

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

type Mood string

const (
	MoodSleepy  Mood = "sleepy"
	MoodRushed  Mood = "rushed"
	MoodFocused Mood = "focused"
	MoodHappy   Mood = "happy"
	MoodPlayful Mood = "playful"
	MoodRelaxed Mood = "relaxed"
	MoodCalm    Mood = "calm"
	MoodTired   Mood = "tired"
)

// State is an immutable snapshot; a new one is produced for every query.
type State struct {
	Mood            Mood      `json:"mood"`
	Energy          float64   `json:"energy"`
	Activity        Activity  `json:"current_activity"`
	Availability    float64   `json:"availability"`
	DelayMultiplier float64   `json:"delay_multiplier"`
	At              time.Time `json:"at"`
	Weekend         bool      `json:"weekend"`
}

type Decision struct {
	Respond         bool    `json:"respond"`
	Chance          float64 `json:"chance"`
	DelayMultiplier float64 `json:"delay_multiplier"`
	BusyReason      string  `json:"busy_reason,omitempty"`
}

// Gate is what the orchestrator consults before replying.
type Gate interface {
	Snapshot() State
	ShouldRespond(isMention bool) Decision
}

type Options struct {
	Location *time.Location
	Now      func() time.Time
	// Float returns a uniform value in [0,1).
	Float func() float64
}

// Engine derives persona state from the wall clock.
type Engine struct {
	loc *time.Location
	now func() time.Time

	mu    sync.Mutex
	float func() float64
}

func New(opts Options) *Engine {
	e := &Engine{loc: opts.Location, now: opts.Now, float: opts.Float}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.float == nil {
		e.float = rand.Float64
	}
	return e
}

func (e *Engine) Snapshot() State {
	return StateAt(e.now().In(e.loc))
}

// StateAt computes the persona state for a local time.
func StateAt(t time.Time) State {
	wk := t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
	table := &weekday
	if wk {
		table = &weekend
	}
	s := table[t.Hour()]
	energy := energyAt(t.Hour())
	return State{
		Mood:            moodFor(s.activity, energy),
		Energy:          energy,
		Activity:        s.activity,
		Availability:    s.availability,
		DelayMultiplier: gatingFor(s.activity).delay,
		At:              t,
		Weekend:         wk,
	}
}

func energyAt(hour int) float64 {
	switch {
	case hour >= 5 && hour <= 11:
		return 0.9
	case hour >= 12 && hour <= 16:
		return 0.7
	case hour >= 17 && hour <= 21:
		return 0.8
	default:
		return 0.5
	}
}

func moodFor(a Activity, energy float64) Mood {
	switch a {
	case ActivitySleeping:
		return MoodSleepy
	case ActivityGettingReady, ActivityCommute:
		return MoodRushed
	case ActivityClasses, ActivityStudying:
		return MoodFocused
	case ActivityEating:
		return MoodHappy
	case ActivityFreeTime:
		if energy >= 0.8 {
			return MoodPlayful
		}
		return MoodHappy
	case ActivityLeisure:
		return MoodRelaxed
	case ActivityWindingDown:
		if energy <= 0.5 {
			return MoodTired
		}
		return MoodCalm
	default:
		return MoodCalm
	}
}

// ShouldRespond draws against the response chance for the current state.
func (e *Engine) ShouldRespond(isMention bool) Decision {
	s := e.Snapshot()
	d := Evaluate(s, isMention)
	e.mu.Lock()
	roll := e.float()
	e.mu.Unlock()
	d.Respond = roll < d.Chance
	if !d.Respond && isMention {
		d.BusyReason = gatingFor(s.Activity).busy
	}
	return d
}

// Evaluate computes chance and pacing without drawing.
func Evaluate(s State, isMention bool) Decision {
	chance := s.Availability
	if isMention {
		chance = math.Min(0.9, s.Availability+0.3)
	}
	g := gatingFor(s.Activity)
	if !(g.mentionOverride && isMention) {
		chance *= g.chance
	}
	return Decision{
		Chance:          math.Max(0, math.Min(1, chance)),
		DelayMultiplier: g.delay,
	}
}

// Static is a fixed gate for tests and the local chat REPL.
type Static struct {
	State   State
	Respond bool
	Reason  string
}

// Always returns a gate that answers every message immediately.
func Always() *Static {
	return &Static{
		State:   State{Mood: MoodHappy, Energy: 0.9, Activity: ActivityFreeTime, Availability: 1, DelayMultiplier: 1},
		Respond: true,
	}
}

func (s *Static) Snapshot() State { return s.State }

func (s *Static) ShouldRespond(isMention bool) Decision {
	d := Evaluate(s.State, isMention)
	d.Respond = s.Respond
	if s.Respond {
		d.Chance = 1
	} else if isMention {
		d.BusyReason = s.Reason
		if d.BusyReason == "" {
			d.BusyReason = gatingFor(s.State.Activity).busy
		}
	}
	return d
}
