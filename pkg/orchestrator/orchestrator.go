// Priya - conversational gateway over a racing fleet of LLM providers
// License: MIT
//
// Copyright (c) 2026 Priya contributors

// Package orchestrator turns one inbound chat message into at most one
// reply: gate, sanitize, recall, prompt, race, filter, remember.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dotsetgreg/priya/pkg/bus"
	"github.com/dotsetgreg/priya/pkg/concurrency"
	"github.com/dotsetgreg/priya/pkg/llm"
	"github.com/dotsetgreg/priya/pkg/logger"
	"github.com/dotsetgreg/priya/pkg/memory"
	"github.com/dotsetgreg/priya/pkg/persona"
	"github.com/dotsetgreg/priya/pkg/prompt"
	"github.com/dotsetgreg/priya/pkg/security"
	"github.com/google/uuid"
)

const component = "orchestrator"

// Store is the memory surface Handle needs.
type Store interface {
	Recall(ctx context.Context, userID, query string, opts memory.RecallOptions) []llm.Message
	Append(ctx context.Context, rec memory.Record) (int64, error)
	FormatTurn(user, reply string) string
	UserContext(ctx context.Context, userID string) (memory.UserContext, error)
	SaveUserContext(ctx context.Context, uc memory.UserContext) error
}

// Generator produces a reply; it always returns text, falling back to a
// canned line when no provider answered.
type Generator interface {
	Generate(ctx context.Context, msgs []llm.Message, temperature float64) string
	IsFallback(text string) bool
}

type Compressor interface {
	Compress(ctx context.Context, userID string, msgs []llm.Message, scopeID string) []llm.Message
}

// Deps is the application context. Every field except the tuning knobs is
// required.
type Deps struct {
	Store      Store
	Generator  Generator
	Compressor Compressor
	Persona    persona.Gate
	Security   *security.Filter
	Slots      *concurrency.SlotPool
	Voice      *concurrency.VoiceLocks
	Users      *concurrency.KeyedMutex

	Name        string
	Temperature float64
	// MaxHistory caps recalled messages placed in the conversation.
	MaxHistory int
	// Deadline bounds generation; RequestTimeout bounds the whole Handle.
	Deadline       time.Duration
	RequestTimeout time.Duration
	SaveAttempts   int
	SaveBackoff    time.Duration
	Now            func() time.Time
}

func (d Deps) withDefaults() Deps {
	if strings.TrimSpace(d.Name) == "" {
		d.Name = "Priya"
	}
	if d.Temperature <= 0 {
		d.Temperature = 0.95
	}
	if d.MaxHistory <= 0 {
		d.MaxHistory = 20
	}
	if d.Deadline <= 0 {
		d.Deadline = 8 * time.Second
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 45 * time.Second
	}
	if d.SaveAttempts <= 0 {
		d.SaveAttempts = 3
	}
	if d.SaveBackoff <= 0 {
		d.SaveBackoff = time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Users == nil {
		d.Users = concurrency.NewKeyedMutex()
	}
	return d
}

type Request struct {
	UserID    string
	ScopeID   string
	Text      string
	Kind      bus.Kind
	IsMention bool
}

type Timing struct {
	TotalDelayMS int64 `json:"total_delay_ms"`
	ShowTyping   bool  `json:"show_typing"`
}

// Result carries a nil Reply when Priya chose not to answer. BusyReason
// is set for ignored mentions so channels can show a status line.
type Result struct {
	RequestID  string  `json:"request_id"`
	Reply      *string `json:"reply,omitempty"`
	BusyReason string  `json:"busy_reason,omitempty"`
	Timing     Timing  `json:"timing"`
	Emotion    string  `json:"emotion,omitempty"`
	Fallback   bool    `json:"fallback,omitempty"`
	Flagged    bool    `json:"flagged,omitempty"`
}

type Orchestrator struct {
	d Deps
}

func New(d Deps) (*Orchestrator, error) {
	var missing []string
	if d.Store == nil {
		missing = append(missing, "Store")
	}
	if d.Generator == nil {
		missing = append(missing, "Generator")
	}
	if d.Compressor == nil {
		missing = append(missing, "Compressor")
	}
	if d.Persona == nil {
		missing = append(missing, "Persona")
	}
	if d.Security == nil {
		missing = append(missing, "Security")
	}
	if d.Slots == nil {
		missing = append(missing, "Slots")
	}
	if d.Voice == nil {
		missing = append(missing, "Voice")
	}
	if len(missing) > 0 {
		return nil, errors.New("orchestrator: missing deps: " + strings.Join(missing, ", "))
	}
	return &Orchestrator{d: d.withDefaults()}, nil
}

// Handle runs one turn. It never fails: every problem is logged as an
// event and mapped to either a reply or a nil reply.
func (o *Orchestrator) Handle(ctx context.Context, req Request) Result {
	start := o.d.Now()
	res := Result{RequestID: uuid.NewString()}
	ev := func(kind string, extra map[string]any) {
		fields := map[string]any{
			"user_id":    req.UserID,
			"scope_id":   req.ScopeID,
			"request_id": res.RequestID,
			"latency_ms": o.d.Now().Sub(start).Milliseconds(),
		}
		for k, v := range extra {
			fields[k] = v
		}
		logger.Event(component, kind, fields)
	}

	if strings.TrimSpace(req.UserID) == "" {
		ev("rejected", map[string]any{"reason": "empty user"})
		return res
	}
	if req.Kind == "" {
		req.Kind = bus.KindText
	}
	if req.Kind == bus.KindMention {
		req.IsMention = true
	}

	ctx, cancel := context.WithTimeout(ctx, o.d.RequestTimeout)
	defer cancel()

	// Voice turns are served only inside a session opened by StartVoiceSession.
	if req.Kind == bus.KindVoice && !o.d.Voice.Holds(req.ScopeID, req.UserID) {
		if holder := o.d.Voice.Holder(req.ScopeID); holder != "" {
			ev("voice_busy", map[string]any{"holder": holder})
		} else {
			ev("voice_no_session", nil)
		}
		return res
	}

	release, err := o.d.Slots.Acquire(ctx, req.UserID, "handle")
	if err != nil {
		ev("slot_timeout", map[string]any{"error": err})
		return res
	}
	defer release()

	unlock, err := o.d.Users.Lock(ctx, req.UserID)
	if err != nil {
		ev("user_lock_timeout", map[string]any{"error": err})
		return res
	}
	defer unlock()

	state := o.d.Persona.Snapshot()
	decision := persona.Decision{Respond: true, Chance: 1, DelayMultiplier: state.DelayMultiplier}
	if req.Kind != bus.KindVoice {
		decision = o.d.Persona.ShouldRespond(req.IsMention)
	}
	if !decision.Respond {
		res.BusyReason = decision.BusyReason
		ev("gated", map[string]any{"activity": string(state.Activity), "chance": decision.Chance})
		return res
	}

	text := o.d.Security.Sanitize(req.Text)
	if text == "" {
		ev("empty_input", nil)
		return res
	}
	flagged, patterns := o.d.Security.Detect(req.Text)
	if flagged {
		res.Flagged = true
		logger.WarnCF("security", "Possible prompt injection", map[string]any{
			"user_id":    req.UserID,
			"request_id": res.RequestID,
			"patterns":   patterns,
		})
	}

	uc, err := o.d.Store.UserContext(ctx, req.UserID)
	if err != nil {
		logger.WarnCF(component, "User context unavailable", map[string]any{"user_id": req.UserID, "error": err})
		uc = memory.NewUserContext(req.UserID, start)
	}

	recalled := o.d.Store.Recall(ctx, req.UserID, text, memory.RecallOptions{ScopeID: req.ScopeID})
	notes, dialogue := splitRecall(recalled)
	dialogue = trimDialogue(dialogue, o.d.MaxHistory)

	system := prompt.Build(prompt.Input{
		Name:        o.d.Name,
		User:        uc,
		Persona:     state,
		History:     notes,
		UserMessage: text,
	})
	if flagged {
		system = security.ProtectSystemPrompt(system)
	}

	msgs := make([]llm.Message, 0, len(dialogue)+2)
	msgs = append(msgs, llm.System(system))
	msgs = append(msgs, dialogue...)
	msgs = append(msgs, llm.User(text))
	msgs = o.d.Compressor.Compress(ctx, req.UserID, msgs, req.ScopeID)

	gctx, gcancel := context.WithTimeout(ctx, o.d.Deadline)
	reply := o.d.Generator.Generate(gctx, msgs, o.d.Temperature)
	gcancel()
	res.Fallback = o.d.Generator.IsFallback(reply)

	safe, reply := o.d.Security.Check(reply)
	if !safe {
		ev("filtered", nil)
	}

	o.remember(ctx, req, text, reply, res)

	uc = uc.Touch(o.d.Now())
	if err := o.d.Store.SaveUserContext(ctx, uc); err != nil {
		logger.WarnCF(component, "Failed to save user context", map[string]any{"user_id": req.UserID, "error": err})
	}

	res.Reply = &reply
	res.Timing = timingFor(reply, decision.DelayMultiplier, req.Kind)
	res.Emotion = emotionFor(state.Mood, safe)

	kind := "reply"
	if res.Fallback {
		kind = "fallback"
	}
	ev(kind, map[string]any{
		"friendship": uc.FriendshipLevel,
		"delay_ms":   res.Timing.TotalDelayMS,
		"flagged":    flagged,
	})
	return res
}

func (o *Orchestrator) remember(ctx context.Context, req Request, text, reply string, res Result) {
	rec := memory.Record{
		UserID:  req.UserID,
		ScopeID: req.ScopeID,
		Content: o.d.Store.FormatTurn(text, reply),
		Metadata: map[string]any{
			"type":       "turn",
			"kind":       string(req.Kind),
			"request_id": res.RequestID,
		},
	}
	if res.Flagged {
		rec.Metadata["injection_flagged"] = true
	}
	if res.Fallback {
		rec.Metadata["fallback"] = true
		rec.Importance = memory.FallbackImportance
	}
	err := concurrency.WithRetry(ctx, concurrency.RetryOptions{
		Attempts:  o.d.SaveAttempts,
		Base:      o.d.SaveBackoff,
		Retryable: retryableStoreError,
	}, func(ctx context.Context) error {
		_, err := o.d.Store.Append(ctx, rec)
		return err
	})
	if err != nil {
		logger.ErrorCF(component, "Failed to save turn", map[string]any{
			"user_id":    req.UserID,
			"request_id": res.RequestID,
			"error":      err,
		})
	}
}

func retryableStoreError(err error) bool {
	return !errors.Is(err, memory.ErrStoreClosed) &&
		!errors.Is(err, memory.ErrEmptyUser) &&
		!errors.Is(err, memory.ErrEmptyText)
}

// splitRecall separates summary notes from the recalled exchange.
func splitRecall(msgs []llm.Message) (notes, dialogue []llm.Message) {
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			notes = append(notes, m)
			continue
		}
		dialogue = append(dialogue, m)
	}
	return notes, dialogue
}

// trimDialogue keeps the most recent whole exchanges within limit messages,
// so the window never opens on an assistant turn.
func trimDialogue(dialogue []llm.Message, limit int) []llm.Message {
	if len(dialogue) > limit {
		dialogue = dialogue[len(dialogue)-limit:]
	}
	for len(dialogue) > 0 && dialogue[0].Role != llm.RoleUser {
		dialogue = dialogue[1:]
	}
	return dialogue
}
