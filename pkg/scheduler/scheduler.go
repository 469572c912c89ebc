package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/m-mizutani/goerr/v2"

	"github.com/dotsetgreg/priya/pkg/logger"
)

var (
	ErrInvalidJob  = goerr.New("invalid job")
	ErrDuplicateID = goerr.New("duplicate job name")
)

// Job is one periodic task. Exactly one of Expr and Every must be set.
type Job struct {
	Name  string
	Expr  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

func (j Job) schedule() string {
	if j.Expr != "" {
		return j.Expr
	}
	return "@every " + j.Every.String()
}

// JobState is a read-only view of a registered job.
type JobState struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	NextRun    time.Time `json:"next_run"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastStatus string    `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Runs       int       `json:"runs"`
}

type entry struct {
	job   Job
	state JobState
}

type Options struct {
	Now  func() time.Time
	Tick time.Duration
}

// Scheduler runs maintenance jobs from a single tick loop.
type Scheduler struct {
	mu      sync.Mutex
	runMu   sync.Mutex
	entries []*entry
	now     func() time.Time
	tick    time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &Scheduler{now: opts.Now, tick: opts.Tick}
}

// Add registers a job and computes its first run time.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return goerr.Wrap(ErrInvalidJob, "name and run func are required", goerr.V("name", job.Name))
	}
	if (job.Expr == "") == (job.Every <= 0) {
		return goerr.Wrap(ErrInvalidJob, "exactly one of cron expression or interval is required", goerr.V("name", job.Name))
	}
	if job.Expr != "" && !gronx.New().IsValid(job.Expr) {
		return goerr.Wrap(ErrInvalidJob, "invalid cron expression",
			goerr.V("name", job.Name),
			goerr.V("expr", job.Expr))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.job.Name == job.Name {
			return goerr.Wrap(ErrDuplicateID, "add job", goerr.V("name", job.Name))
		}
	}
	next, err := nextRun(job, s.now())
	if err != nil {
		return err
	}
	s.entries = append(s.entries, &entry{
		job:   job,
		state: JobState{Name: job.Name, Schedule: job.schedule(), NextRun: next},
	})
	return nil
}

func nextRun(job Job, ref time.Time) (time.Time, error) {
	if job.Every > 0 {
		return ref.Add(job.Every), nil
	}
	next, err := gronx.NextTickAfter(job.Expr, ref, false)
	if err != nil {
		return time.Time{}, goerr.Wrap(err, "compute next run",
			goerr.V("name", job.Name),
			goerr.V("expr", job.Expr))
	}
	return next, nil
}

// Start launches the tick loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	count := len(s.entries)
	s.mu.Unlock()

	logger.InfoCF("scheduler", "Scheduler started", map[string]any{"jobs": count})
	go s.tickLoop(runCtx, done)
}

// Stop cancels the tick loop and waits for an in-flight job to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	logger.InfoC("scheduler", "Scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue executes every job whose next run time has passed and returns
// how many ran. Jobs run one after another.
func (s *Scheduler) RunDue(ctx context.Context) int {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	now := s.now()
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.state.NextRun.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		s.execute(ctx, e, now)
	}
	return len(due)
}

func (s *Scheduler) execute(ctx context.Context, e *entry, ref time.Time) {
	start := s.now()
	err := safeRun(ctx, e.job)
	elapsed := s.now().Sub(start)

	next, nextErr := nextRun(e.job, ref)
	if nextErr != nil {
		next = ref.Add(time.Hour)
	}

	s.mu.Lock()
	e.state.LastRun = start
	e.state.NextRun = next
	e.state.Runs++
	if err != nil {
		e.state.LastStatus = "error"
		e.state.LastError = err.Error()
	} else {
		e.state.LastStatus = "ok"
		e.state.LastError = ""
	}
	s.mu.Unlock()

	fields := map[string]any{
		"job":         e.job.Name,
		"duration_ms": elapsed.Milliseconds(),
		"next_run":    next.Format(time.RFC3339),
	}
	if err != nil {
		fields["error"] = err.Error()
		logger.WarnCF("scheduler", "Job failed", fields)
		return
	}
	logger.DebugCF("scheduler", "Job finished", fields)
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}

// States returns job states sorted by name.
func (s *Scheduler) States() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
