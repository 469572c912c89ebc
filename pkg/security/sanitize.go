// Package security filters text on its way in and out of the model.
package security

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultMaxInput  = 4000
	TruncationMarker = " [truncated]"
)

var (
	scriptBlock = regexp.MustCompile(`(?is)<(script|style)\b[^<>]*>.*?</(script|style)\s*>`)
	markupTag   = regexp.MustCompile(`</?[A-Za-z!][^<>]*>`)
	inlineSpace = regexp.MustCompile(`[^\S\n]+`)
	blankRuns   = regexp.MustCompile(`\n{3,}`)
)

// SanitizeInput removes markup and control characters, collapses whitespace,
// and truncates to max runes including the truncation marker. Applying it
// twice yields the same result as applying it once.
func SanitizeInput(text string, max int) string {
	if max <= 0 {
		max = DefaultMaxInput
	}
	s := text
	for {
		next := stripControl(stripMarkup(s))
		if next == s {
			break
		}
		s = next
	}
	s = collapseSpace(s)
	return truncate(s, max)
}

func stripMarkup(s string) string {
	s = scriptBlock.ReplaceAllString(s, "")
	return markupTag.ReplaceAllString(s, "")
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\r':
			return -1
		case unicode.IsControl(r), hiddenFormat(r):
			return -1
		}
		return r
	}, s)
}

// hiddenFormat reports zero-width and bidi override characters. The zero
// width joiner is kept since emoji sequences rely on it.
func hiddenFormat(r rune) bool {
	switch {
	case r == '\u200b', r == '\u200c', r == '\ufeff', r == '\u2060':
		return true
	case r >= '\u202a' && r <= '\u202e':
		return true
	case r >= '\u2066' && r <= '\u2069':
		return true
	}
	return false
}

func collapseSpace(s string) string {
	s = inlineSpace.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	keep := max - utf8.RuneCountInString(TruncationMarker)
	if keep <= 0 {
		return strings.TrimSpace(string(runes[:max]))
	}
	head := strings.TrimRightFunc(string(runes[:keep]), unicode.IsSpace)
	return head + TruncationMarker
}
