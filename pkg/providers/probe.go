package providers

import (
	"context"
	"errors"
	"time"

	"github.com/dotsetgreg/priya/pkg/llm"
	"github.com/dotsetgreg/priya/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// ProbeResult is one health-probe observation.
type ProbeResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// TickHealth probes every network provider whose circuit is not open and
// whose quota is not exhausted. Probes do not count against the daily
// limit.
func (r *Registry) TickHealth(ctx context.Context) []ProbeResult {
	now := r.opts.Now()
	type target struct {
		name    string
		model   string
		adapter Adapter
	}
	var targets []target
	for _, s := range r.all() {
		s.mu.Lock()
		r.refresh(s, now)
		if s.e.Transport != TransportLocal && s.e.Circuit == CircuitClosed && !s.e.Exhausted {
			targets = append(targets, target{name: s.e.Name, model: s.e.ModelID, adapter: s.adapter})
		}
		s.mu.Unlock()
	}

	results := make([]ProbeResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.ProbeConcurrency)
	for i, t := range targets {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, r.opts.ProbeTimeout)
			defer cancel()
			start := time.Now()
			_, err := t.adapter.Chat(pctx, Request{
				Model:       t.model,
				Messages:    []llm.Message{llm.User("Hi")},
				Temperature: 0,
				MaxTokens:   5,
			})
			latency := time.Since(start)
			results[i] = ProbeResult{Name: t.name, OK: err == nil, Latency: latency}
			if err != nil {
				results[i].Error = err.Error()
			}
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return nil
			}
			r.recordProbe(t.name, err, latency)
			return nil
		})
	}
	_ = g.Wait()

	healthy := 0
	for _, res := range results {
		if res.OK {
			healthy++
		}
	}
	logger.DebugCF("providers", "Health probe finished", map[string]any{
		"probed":  len(results),
		"healthy": healthy,
	})
	return results
}

func (r *Registry) recordProbe(name string, err error, latency time.Duration) {
	s := r.lookup(name)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.probeFailures = 0
		s.e.Status = StatusHealthy
		r.observeLatency(s, latency)
		return
	}
	s.probeFailures++
	if s.probeFailures >= 2 {
		s.e.Status = StatusFailed
	} else {
		s.e.Status = StatusDegraded
	}
}
