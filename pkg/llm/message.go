// Package llm holds the chat message shape and token accounting shared by
// the provider, memory, and compression layers.
package llm

import (
	"strings"
	"unicode/utf8"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// messageOverhead approximates the per-message framing tokens chat APIs add.
const messageOverhead = 4

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// EstimateTokens is the single tokenizer used for every budget decision.
func EstimateTokens(content string) int {
	runes := utf8.RuneCountInString(content)
	if runes == 0 {
		return 0
	}
	tokens := runes * 2 / 5
	if tokens < 8 {
		return 8
	}
	return tokens
}

func MessageTokens(m Message) int {
	return EstimateTokens(m.Content) + messageOverhead
}

func CountTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += MessageTokens(m)
	}
	return total
}

// ClipToTokens shortens content so EstimateTokens(result) <= budget,
// keeping the head of the text.
func ClipToTokens(content string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if EstimateTokens(content) <= budget {
		return content
	}
	if budget < 8 {
		return ""
	}
	maxRunes := budget * 5 / 2
	runes := []rune(content)
	if len(runes) > maxRunes {
		runes = runes[:maxRunes]
	}
	return strings.TrimRightFunc(string(runes), isSpace)
}

// ClipTailToTokens keeps the end of content within budget.
func ClipTailToTokens(content string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if EstimateTokens(content) <= budget {
		return content
	}
	if budget < 8 {
		return ""
	}
	maxRunes := budget * 5 / 2
	runes := []rune(content)
	if len(runes) > maxRunes {
		runes = runes[len(runes)-maxRunes:]
	}
	return strings.TrimLeftFunc(string(runes), isSpace)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}

// NonSystem returns the messages whose role is not system.
func NonSystem(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}
