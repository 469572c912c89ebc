// Package compress keeps conversation windows inside the model's context
// budget by folding older turns into a short summary.
package compress

import (
	"context"
	"strings"

	"github.com/dotsetgreg/priya/pkg/llm"
	"github.com/dotsetgreg/priya/pkg/logger"
)

// Summarizer produces a summary, or an error when no model answered.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []llm.Message, temperature float64) (string, error)
}

// SummaryWriter persists a summary as a memory row.
type SummaryWriter interface {
	SaveSummary(ctx context.Context, userID, scopeID, summary string) (int64, error)
}

const summaryLabel = "Previous conversation: "

const summaryInstruction = "You condense chat transcripts. Summarize the conversation below in 2-3 short sentences. " +
	"Keep names, facts the user shared, their preferences and the emotional tone. Do not add anything else."

type Options struct {
	MaxTokens int
	// InputTokens caps the transcript sent for summarization.
	InputTokens int
	// SummaryTokens caps the summary kept in the window.
	SummaryTokens int
	Temperature   float64
	AssistantName string
}

func (o Options) withDefaults() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4000
	}
	if o.InputTokens <= 0 {
		o.InputTokens = o.MaxTokens / 2
	}
	if o.SummaryTokens <= 0 {
		o.SummaryTokens = 300
	}
	if o.Temperature <= 0 {
		o.Temperature = 0.3
	}
	if strings.TrimSpace(o.AssistantName) == "" {
		o.AssistantName = "Priya"
	}
	return o
}

type Compressor struct {
	sum    Summarizer
	writer SummaryWriter
	opts   Options
}

func New(sum Summarizer, writer SummaryWriter, opts Options) *Compressor {
	return &Compressor{sum: sum, writer: writer, opts: opts.withDefaults()}
}

func (c *Compressor) MaxTokens() int { return c.opts.MaxTokens }

// Compress returns msgs unchanged when they fit. Otherwise it keeps the
// leading system message and the two most recent non-system turns, and
// replaces everything between with a "Previous conversation" summary.
func (c *Compressor) Compress(ctx context.Context, userID string, msgs []llm.Message, scopeID string) []llm.Message {
	if llm.CountTokens(msgs) <= c.opts.MaxTokens {
		return msgs
	}

	var head []llm.Message
	rest := msgs
	if len(msgs) > 0 && msgs[0].Role == llm.RoleSystem {
		head, rest = msgs[:1], msgs[1:]
	}

	recentStart := len(rest)
	kept := 0
	for i := len(rest) - 1; i >= 0 && kept < 2; i-- {
		if rest[i].Role != llm.RoleSystem {
			recentStart = i
			kept++
		}
	}
	if len(llm.NonSystem(rest)) <= 2 {
		return c.enforce(append(append([]llm.Message{}, head...), rest...))
	}

	older := rest[:recentStart]
	var recent []llm.Message
	for _, m := range rest[recentStart:] {
		if m.Role != llm.RoleSystem {
			recent = append(recent, m)
		}
	}

	out := append([]llm.Message{}, head...)
	if summary := c.summarize(ctx, older); summary != "" {
		out = append(out, llm.System(summaryLabel+summary))
		c.persist(ctx, userID, scopeID, summary)
	}
	out = append(out, recent...)

	logger.DebugCF("compress", "Context compressed", map[string]any{
		"user_id":       userID,
		"tokens_before": llm.CountTokens(msgs),
		"dropped":       len(older),
	})
	return c.enforce(out)
}

func (c *Compressor) summarize(ctx context.Context, older []llm.Message) string {
	if c.sum == nil || len(older) == 0 {
		return ""
	}
	transcript := llm.ClipTailToTokens(c.transcript(older), c.opts.InputTokens)
	if strings.TrimSpace(transcript) == "" {
		return ""
	}
	summary, err := c.sum.Summarize(ctx, []llm.Message{
		llm.System(summaryInstruction),
		llm.User(transcript),
	}, c.opts.Temperature)
	if err != nil {
		logger.WarnCF("compress", "Summarization failed; dropping older turns", map[string]any{"error": err})
		return ""
	}
	return llm.ClipToTokens(strings.TrimSpace(summary), c.opts.SummaryTokens)
}

func (c *Compressor) transcript(msgs []llm.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		// Earlier summaries stay persisted on their own and are not folded again.
		if m.Role == llm.RoleSystem && strings.HasPrefix(m.Content, summaryLabel) {
			continue
		}
		switch m.Role {
		case llm.RoleUser:
			b.WriteString("User: ")
		case llm.RoleAssistant:
			b.WriteString(c.opts.AssistantName + ": ")
		default:
			b.WriteString("Note: ")
		}
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("\n")
	}
	return b.String()
}

func (c *Compressor) persist(ctx context.Context, userID, scopeID, summary string) {
	if c.writer == nil || userID == "" {
		return
	}
	if _, err := c.writer.SaveSummary(ctx, userID, scopeID, summary); err != nil {
		logger.WarnCF("compress", "Summary not persisted", map[string]any{
			"user_id": userID,
			"error":   err,
		})
	}
}

// enforce clips content until the window fits the budget: middle messages
// first, then the system prompt, the newest message last.
func (c *Compressor) enforce(msgs []llm.Message) []llm.Message {
	excess := llm.CountTokens(msgs) - c.opts.MaxTokens
	if excess <= 0 {
		return msgs
	}
	out := append([]llm.Message{}, msgs...)

	order := make([]int, 0, len(out))
	for i := 1; i < len(out)-1; i++ {
		order = append(order, i)
	}
	if len(out) > 1 {
		order = append(order, 0)
	}
	order = append(order, len(out)-1)

	for _, i := range order {
		if excess <= 0 {
			break
		}
		have := llm.EstimateTokens(out[i].Content)
		if have == 0 {
			continue
		}
		clipped := out[i]
		clipped.Content = llm.ClipToTokens(out[i].Content, have-excess)
		excess -= have - llm.EstimateTokens(clipped.Content)
		out[i] = clipped
	}
	return out
}
