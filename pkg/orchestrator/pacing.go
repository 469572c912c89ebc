package orchestrator

import (
	"unicode/utf8"

	"github.com/dotsetgreg/priya/pkg/bus"
	"github.com/dotsetgreg/priya/pkg/persona"
)

const (
	readDelayMS     = 600
	typingMSPerRune = 35
	maxDelayMS      = 8000
)

// timingFor paces a reply like a person typing on a phone.
func timingFor(reply string, multiplier float64, kind bus.Kind) Timing {
	if kind == bus.KindVoice {
		return Timing{}
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	ms := float64(readDelayMS+typingMSPerRune*utf8.RuneCountInString(reply)) * multiplier
	if ms > maxDelayMS {
		ms = maxDelayMS
	}
	return Timing{TotalDelayMS: int64(ms), ShowTyping: true}
}

// emotionFor maps mood to the tag a speech backend understands.
func emotionFor(mood persona.Mood, safe bool) string {
	if !safe {
		return "neutral"
	}
	switch mood {
	case persona.MoodPlayful:
		return "excited"
	case persona.MoodHappy:
		return "happy"
	case persona.MoodSleepy, persona.MoodTired:
		return "tired"
	case persona.MoodRushed:
		return "hurried"
	case persona.MoodRelaxed, persona.MoodCalm:
		return "calm"
	default:
		return "neutral"
	}
}
