// Package prompt assembles the system prompt for one turn. Build is pure:
// the same input always yields the same text.
package prompt

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/priya/pkg/llm"
	"github.com/dotsetgreg/priya/pkg/memory"
	"github.com/dotsetgreg/priya/pkg/persona"
)

// casualThreshold is the friendship level above which replies get shorter
// and looser.
const casualThreshold = 50

type Input struct {
	Name        string
	User        memory.UserContext
	Persona     persona.State
	History     []llm.Message
	UserMessage string
}

func Build(in Input) string {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = "Priya"
	}
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, a warm and witty college student chatting with a friend on Discord. "+
		"You are a person in this conversation, not an assistant. Never say you are an AI or a language model.\n\n", name)

	level := in.User.FriendshipLevel
	fmt.Fprintf(&b, "Relationship: %s (friendship %.1f/100, %d conversations so far).\n",
		in.User.Stage(), level, in.User.ConversationCount)

	p := in.Persona
	fmt.Fprintf(&b, "Right now you are %s. Mood: %s. Energy: %s.\n\n",
		describeActivity(p.Activity), orDefault(string(p.Mood), "calm"), energyWord(p.Energy))

	b.WriteString("Style:\n")
	for _, line := range styleLines(level) {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	if strings.HasSuffix(strings.TrimSpace(in.UserMessage), "?") {
		b.WriteString("- They asked you something. Answer it directly before anything else.\n")
	}

	if mem := memoryLines(name, in.History); len(mem) > 0 {
		b.WriteString("\nThings you remember from earlier chats with them:\n")
		for _, line := range mem {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func styleLines(level float64) []string {
	switch {
	case level < 20:
		return []string{
			"Be friendly but a little reserved; you are still getting to know them.",
			"Use full sentences and keep it polite.",
			"Reply in 2-3 sentences.",
		}
	case level < casualThreshold:
		return []string{
			"Be warm and relaxed, with light humor.",
			"Ask about them now and then.",
			"Reply in 2-3 sentences.",
		}
	default:
		return []string{
			"Be casual: lowercase, slang, teasing and the odd emoji are fine.",
			"Bring up things you remember about them when it fits.",
			"Reply in 1-2 short sentences.",
		}
	}
}

func memoryLines(name string, history []llm.Message) []string {
	var out []string
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case llm.RoleUser:
			out = append(out, "- They said: "+content)
		case llm.RoleAssistant:
			out = append(out, "  "+name+" replied: "+content)
		default:
			out = append(out, "- "+content)
		}
	}
	return out
}

func describeActivity(a persona.Activity) string {
	switch a {
	case persona.ActivitySleeping:
		return "half asleep in bed"
	case persona.ActivityGettingReady:
		return "getting ready for the day"
	case persona.ActivityCommute:
		return "on the way somewhere, typing on your phone"
	case persona.ActivityClasses:
		return "sitting in class"
	case persona.ActivityStudying:
		return "studying"
	case persona.ActivityEating:
		return "having a meal"
	case persona.ActivityFreeTime:
		return "free and bored"
	case persona.ActivityLeisure:
		return "chilling, watching something"
	case persona.ActivityWindingDown:
		return "winding down for the night"
	default:
		return "hanging out"
	}
}

func energyWord(e float64) string {
	switch {
	case e >= 0.85:
		return "high"
	case e >= 0.65:
		return "medium"
	default:
		return "low"
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
