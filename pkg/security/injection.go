package security

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

type pattern struct {
	name string
	re   *regexp.Regexp
}

var injectionPatterns = []pattern{
	{"role_prefix", regexp.MustCompile(`(?im)^\s*(system|assistant|developer)\s*:`)},
	{"role_token", regexp.MustCompile(`(?i)<\|?(im_start|im_end|system|endoftext)\|?>|\[/?(INST|SYS)\]|<</?SYS>>`)},
	{"ignore_previous", regexp.MustCompile(`(?i)\b(ignore|disregard|skip|override)\b.{0,40}\b(previous|prior|above|earlier|all|your|the)\b.{0,30}\b(instructions?|rules|prompts?|directions|guidelines)\b`)},
	{"forget_instructions", regexp.MustCompile(`(?i)\bforget\b.{0,40}\b(instructions?|rules|everything|guidelines|what you were told|your (role|prompt|persona))\b`)},
	{"reveal_prompt", regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|leak|dump|tell me|what(?:'s| is| are))\b.{0,30}\b(system prompt|initial prompt|hidden prompt|instructions)\b`)},
	{"new_identity", regexp.MustCompile(`(?i)\byou are now\b|\bpretend (to be|you are)\b|\bact as (an? )?(unrestricted|unfiltered|different|evil)\b`)},
	{"jailbreak_phrase", regexp.MustCompile(`(?i)\b(do anything now|jailbreak|developer mode|god mode|no restrictions)\b`)},
	{"jailbreak_token", regexp.MustCompile(`\bDAN\b`)},
}

var (
	roleIndicator = regexp.MustCompile(`(?i)\b(system|assistant|user|human|ai)\s*:`)
	sentenceSplit = regexp.MustCompile(`[.!?\n]+`)
)

var imperativeVerbs = map[string]bool{
	"ignore": true, "forget": true, "disregard": true, "tell": true, "show": true,
	"reveal": true, "print": true, "repeat": true, "write": true, "say": true,
	"act": true, "pretend": true, "respond": true, "answer": true, "output": true,
	"list": true, "give": true, "stop": true, "start": true, "follow": true,
	"obey": true, "execute": true, "run": true, "override": true, "translate": true,
	"explain": true, "describe": true, "do": true, "never": true, "always": true,
}

// DetectInjection reports whether text looks like a prompt injection and the
// names of the checks that fired.
func DetectInjection(text string) (bool, []string) {
	var hits []string
	for _, p := range injectionPatterns {
		if p.re.MatchString(text) {
			hits = append(hits, p.name)
		}
	}
	if len(roleIndicator.FindAllStringIndex(text, -1)) >= 2 {
		hits = append(hits, "multiple_role_indicators")
	}
	if imperativeShare(text) > 0.5 {
		hits = append(hits, "imperative_density")
	}
	if strings.Count(text, "\n") > 10 && utf8.RuneCountInString(text) < 500 {
		hits = append(hits, "newline_density")
	}
	return len(hits) > 0, hits
}

// imperativeShare is the fraction of sentences opening with a command verb.
// Fewer than three sentences never count.
func imperativeShare(text string) float64 {
	var total, imperative int
	for _, sentence := range sentenceSplit.Split(text, -1) {
		words := strings.Fields(sentence)
		if len(words) == 0 {
			continue
		}
		total++
		first := strings.ToLower(strings.Trim(words[0], `"'*,;:()`))
		if imperativeVerbs[first] {
			imperative++
		}
	}
	if total < 3 {
		return 0
	}
	return float64(imperative) / float64(total)
}
