// Package executor races chat requests across the provider fleet and always
// produces a reply.
package executor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/priya/pkg/concurrency"
	"github.com/dotsetgreg/priya/pkg/llm"
	"github.com/dotsetgreg/priya/pkg/logger"
	"github.com/dotsetgreg/priya/pkg/providers"
	"github.com/m-mizutani/goerr/v2"
)

// ErrExhausted means no provider produced a reply within the budget.
var ErrExhausted = goerr.New("all providers exhausted")

// ProviderSource is the slice of the registry the executor needs.
type ProviderSource interface {
	Available() []providers.Candidate
	Reserve(name string) bool
	Release(name string)
	RecordSuccess(name string, latency time.Duration)
	RecordFailure(name string)
	RecordPermanentFailure(name string)
	RecordQuotaExhausted(name string)
}

var defaultFallbacks = []string{
	"Sorry, my brain just froze for a sec. Say that again?",
	"Hmm, I lost my train of thought. Give me a moment and ask me again?",
	"Ugh, my phone is acting up right now. Can you repeat that?",
	"Wait, I totally zoned out there. What were you saying?",
	"Sorry, I got distracted for a second! Try me again?",
}

type Options struct {
	// Budget bounds one Generate call end to end.
	Budget time.Duration
	// CallTimeout bounds each provider call.
	CallTimeout time.Duration
	// Width is how many providers race at once.
	Width     int
	MaxTokens int
	// SoloAttempts is the total attempt count for a provider racing alone;
	// 1 disables retries.
	SoloAttempts int
	RetryBase   time.Duration
	Fallbacks   []string
}

func (o Options) withDefaults() Options {
	if o.Budget <= 0 {
		o.Budget = 5 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.Width <= 0 {
		o.Width = 2
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 200
	}
	if o.SoloAttempts <= 0 {
		o.SoloAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if len(o.Fallbacks) == 0 {
		o.Fallbacks = defaultFallbacks
	}
	return o
}

// Executor implements first-success racing over a ProviderSource.
type Executor struct {
	src      ProviderSource
	opts     Options
	rotation atomic.Uint64
}

func New(src ProviderSource, opts Options) *Executor {
	return &Executor{src: src, opts: opts.withDefaults()}
}

// Generate returns a reply from the fastest healthy provider, or a canned
// fallback line. It never fails.
func (e *Executor) Generate(ctx context.Context, msgs []llm.Message, temperature float64) string {
	reply, err := e.TryGenerate(ctx, msgs, temperature)
	if err != nil {
		return e.Fallback()
	}
	return reply
}

// Fallback returns the next line of the fixed rotation.
func (e *Executor) Fallback() string {
	n := e.rotation.Add(1) - 1
	return e.opts.Fallbacks[n%uint64(len(e.opts.Fallbacks))]
}

// IsFallback reports whether text is one of the canned lines.
func (e *Executor) IsFallback(text string) bool {
	for _, f := range e.opts.Fallbacks {
		if f == text {
			return true
		}
	}
	return false
}

// Summarize satisfies the compressor's Summarizer.
func (e *Executor) Summarize(ctx context.Context, msgs []llm.Message, temperature float64) (string, error) {
	return e.TryGenerate(ctx, msgs, temperature)
}

type callResult struct {
	name  string
	reply string
	err   error
}

// TryGenerate is Generate without the fallback: it returns ErrExhausted
// when every candidate failed or the budget ran out.
func (e *Executor) TryGenerate(ctx context.Context, msgs []llm.Message, temperature float64) (string, error) {
	start := time.Now()
	bctx, cancel := context.WithTimeout(ctx, e.opts.Budget)
	defer cancel()

	tried := map[string]bool{}
	attempts := 0
	for bctx.Err() == nil {
		batch := e.nextBatch(tried)
		if len(batch) == 0 {
			break
		}
		attempts += len(batch)
		if reply, name, ok := e.race(bctx, batch, msgs, temperature); ok {
			logger.DebugCF("executor", "Race won", map[string]any{
				"provider":   name,
				"attempts":   attempts,
				"latency_ms": time.Since(start).Milliseconds(),
			})
			return reply, nil
		}
	}

	logger.WarnCF("executor", "No provider produced a reply", map[string]any{
		"attempts":   attempts,
		"latency_ms": time.Since(start).Milliseconds(),
		"budget_hit": errors.Is(bctx.Err(), context.DeadlineExceeded),
	})
	return "", goerr.Wrap(ErrExhausted, "generate", goerr.V("attempts", attempts))
}

// nextBatch reserves up to Width untried candidates in availability order.
func (e *Executor) nextBatch(tried map[string]bool) []providers.Candidate {
	var batch []providers.Candidate
	for _, c := range e.src.Available() {
		if len(batch) == e.opts.Width {
			break
		}
		if tried[c.Name] {
			continue
		}
		tried[c.Name] = true
		if !e.src.Reserve(c.Name) {
			continue
		}
		batch = append(batch, c)
	}
	return batch
}

// race runs the batch concurrently and returns the first non-empty reply.
// Losers are cancelled; every goroutine has recorded its outcome before
// race returns.
func (e *Executor) race(ctx context.Context, batch []providers.Candidate, msgs []llm.Message, temperature float64) (string, string, bool) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan callResult, len(batch))
	for _, c := range batch {
		go func() {
			reply, err := e.call(rctx, c, msgs, temperature, len(batch) == 1)
			results <- callResult{name: c.Name, reply: reply, err: err}
		}()
	}

	var (
		winner string
		reply  string
	)
	for range batch {
		r := <-results
		if r.err == nil && winner == "" {
			winner, reply = r.name, r.reply
			cancel()
		}
	}
	return reply, winner, winner != ""
}

// call performs one provider call and settles its reservation.
func (e *Executor) call(ctx context.Context, c providers.Candidate, msgs []llm.Message, temperature float64, solo bool) (string, error) {
	req := providers.Request{
		Model:       c.ModelID,
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   e.opts.MaxTokens,
	}

	var (
		reply   string
		latency time.Duration
	)
	once := func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		defer cancel()
		started := time.Now()
		out, err := c.Adapter.Chat(cctx, req)
		latency = time.Since(started)
		if err == nil && strings.TrimSpace(out) == "" {
			err = goerr.Wrap(providers.ErrEmptyReply, "blank reply", goerr.V("provider", c.Name))
		}
		if err == nil {
			reply = strings.TrimSpace(out)
		}
		return err
	}

	var err error
	if solo {
		err = concurrency.WithRetry(ctx, concurrency.RetryOptions{
			Attempts:  e.opts.SoloAttempts,
			Base:      e.opts.RetryBase,
			Retryable: providers.IsTransient,
		}, once)
	} else {
		err = once(ctx)
	}
	e.settle(ctx, c.Name, err, latency)
	return reply, err
}

func (e *Executor) settle(ctx context.Context, name string, err error, latency time.Duration) {
	if err == nil {
		e.src.RecordSuccess(name, latency)
		return
	}
	// A call cut short by a sibling's win or by the request deadline says
	// nothing about the provider.
	outcome := providers.Classify(err)
	if ctx.Err() != nil {
		outcome = providers.OutcomeCancelled
	}
	fields := map[string]any{
		"provider":   name,
		"outcome":    outcome.String(),
		"latency_ms": latency.Milliseconds(),
	}
	switch outcome {
	case providers.OutcomeCancelled:
		e.src.Release(name)
		return
	case providers.OutcomeQuota:
		e.src.RecordQuotaExhausted(name)
	case providers.OutcomePermanent:
		e.src.RecordPermanentFailure(name)
	case providers.OutcomeEmpty, providers.OutcomeRejected:
		// Counted as failures but never against quota.
		e.src.RecordFailure(name)
	default:
		e.src.RecordFailure(name)
	}
	fields["error"] = err
	logger.DebugCF("executor", "Provider call failed", fields)
}
