package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dotsetgreg/priya/pkg/config"
	"github.com/dotsetgreg/priya/pkg/logger"
	"github.com/m-mizutani/goerr/v2"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	StatusUnknown  Status = "unknown"
)

const dayLayout = "2006-01-02"

// UsageStore persists used_today counters per UTC day.
type UsageStore interface {
	LoadProviderUsage(ctx context.Context, day string) (map[string]int, error)
	SaveProviderUsage(ctx context.Context, day string, usage map[string]int) error
}

type RegistryOptions struct {
	FailureThreshold int
	FailureWindow    time.Duration
	RecoveryTimeout  time.Duration
	LatencyAlpha     float64
	ProbeTimeout     time.Duration
	ProbeConcurrency int
	Now              func() time.Time
	Usage            UsageStore
}

func (o RegistryOptions) withDefaults() RegistryOptions {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.FailureWindow <= 0 {
		o.FailureWindow = 60 * time.Second
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = 60 * time.Second
	}
	if o.LatencyAlpha <= 0 || o.LatencyAlpha > 1 {
		o.LatencyAlpha = 0.3
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.ProbeConcurrency <= 0 {
		o.ProbeConcurrency = 4
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// ProviderEntry is a point-in-time view of one registered provider.
type ProviderEntry struct {
	Name         string       `json:"name"`
	Family       string       `json:"family"`
	Priority     int          `json:"priority"`
	Transport    Transport    `json:"transport"`
	Endpoint     string       `json:"endpoint"`
	AuthHeaders  []string     `json:"auth_headers,omitempty"`
	ModelID      string       `json:"model_id"`
	DailyLimit   int          `json:"daily_limit"`
	UsedToday    int          `json:"used_today"`
	InFlight     int          `json:"in_flight"`
	Circuit      CircuitState `json:"circuit_state"`
	FailureCount int          `json:"failure_count"`
	LastFailure  time.Time    `json:"last_failure_ts,omitempty"`
	AvgLatencyMS float64      `json:"avg_latency_ms"`
	Status       Status       `json:"status"`
	Successes    int64        `json:"successes"`
	Exhausted    bool         `json:"exhausted"`
}

// Candidate is what the executor dispatches to.
type Candidate struct {
	Name      string
	ModelID   string
	Transport Transport
	Adapter   Adapter
}

type slot struct {
	mu            sync.Mutex
	e             ProviderEntry
	adapter       Adapter
	order         int
	day           string
	dirty         bool
	probeFailures int
}

// Registry is the provider catalog with per-provider quota, latency, and
// circuit state. Each provider has its own mutex; the slot list is fixed
// after startup.
type Registry struct {
	opts   RegistryOptions
	mu     sync.RWMutex
	slots  []*slot
	byName map[string]*slot
}

func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		opts:   opts.withDefaults(),
		byName: make(map[string]*slot),
	}
}

// BuildRegistry resolves the configured fleet and constructs its adapters.
// Providers whose adapter cannot be built are skipped with a warning.
func BuildRegistry(cfg *config.Config, opts RegistryOptions) (*Registry, error) {
	client, err := newHTTPClient(ClientOptions{
		Timeout:        cfg.Model.HTTPTimeout(),
		ConnectTimeout: cfg.Model.ConnectTimeout(),
		Proxy:          cfg.Providers.Proxy,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "build provider http client")
	}

	reg := NewRegistry(opts)
	for _, spec := range ResolveSpecs(cfg) {
		adapter, err := BuildAdapter(spec, client)
		if err != nil {
			logger.WarnCF("providers", "Provider skipped", map[string]any{
				"provider": spec.Name,
				"error":    err,
			})
			continue
		}
		if err := reg.Add(spec, adapter); err != nil {
			return nil, err
		}
	}
	logger.InfoCF("providers", "Provider registry ready", map[string]any{
		"count":     reg.Len(),
		"providers": reg.Names(),
	})
	return reg, nil
}

func (r *Registry) Add(spec Spec, adapter Adapter) error {
	name := NormalizeName(spec.Name)
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	if adapter == nil {
		return fmt.Errorf("provider %s: adapter is nil", name)
	}
	transport := spec.Transport
	if transport == "" {
		transport = TransportHTTP
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return goerr.New("duplicate provider", goerr.V("provider", name))
	}
	s := &slot{
		e: ProviderEntry{
			Name:        name,
			Family:      spec.Family,
			Priority:    spec.Priority,
			Transport:   transport,
			Endpoint:    spec.Endpoint,
			AuthHeaders: authHeaderNames(spec.Family, transport),
			ModelID:     spec.Model,
			DailyLimit:  spec.DailyLimit,
			Circuit:     CircuitClosed,
			Status:      StatusUnknown,
		},
		adapter: adapter,
		order:   len(r.slots),
		day:     r.opts.Now().UTC().Format(dayLayout),
	}
	r.slots = append(r.slots, s)
	r.byName[name] = s
	return nil
}

func authHeaderNames(family string, transport Transport) []string {
	if transport == TransportLocal {
		return nil
	}
	switch family {
	case FamilyAnthropic:
		return []string{"x-api-key", "anthropic-version"}
	case FamilyGemini:
		return []string{"x-goog-api-key"}
	default:
		return []string{"Authorization"}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, s.e.Name)
	}
	return out
}

func (r *Registry) lookup(name string) *slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[NormalizeName(name)]
}

func (r *Registry) all() []*slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*slot, len(r.slots))
	copy(out, r.slots)
	return out
}

// refresh applies the UTC day rollover and the open -> half-open
// transition. Caller holds s.mu.
func (r *Registry) refresh(s *slot, now time.Time) {
	day := now.UTC().Format(dayLayout)
	if s.day != day {
		s.day = day
		if s.e.UsedToday != 0 || s.e.Exhausted {
			s.dirty = true
		}
		s.e.UsedToday = 0
		s.e.Exhausted = false
	}
	if s.e.Circuit == CircuitOpen && now.Sub(s.e.LastFailure) > r.opts.RecoveryTimeout {
		s.e.Circuit = CircuitHalfOpen
	}
}

// admissible reports whether one more call may be dispatched. Caller holds s.mu.
func admissible(s *slot) bool {
	e := &s.e
	if e.Circuit == CircuitOpen || e.Exhausted {
		return false
	}
	if e.Circuit == CircuitHalfOpen && e.InFlight > 0 {
		return false
	}
	if e.DailyLimit > 0 && e.UsedToday+e.InFlight >= e.DailyLimit {
		return false
	}
	return true
}

type ranked struct {
	entry ProviderEntry
	cand  Candidate
	order int
}

// Available lists dispatchable providers, best first: lower priority
// number, local before network, healthy before not, lower average latency.
func (r *Registry) Available() []Candidate {
	now := r.opts.Now()
	var list []ranked
	for _, s := range r.all() {
		s.mu.Lock()
		r.refresh(s, now)
		if admissible(s) {
			list = append(list, ranked{
				entry: s.e,
				cand:  Candidate{Name: s.e.Name, ModelID: s.e.ModelID, Transport: s.e.Transport, Adapter: s.adapter},
				order: s.order,
			})
		}
		s.mu.Unlock()
	}
	sortRanked(list)
	out := make([]Candidate, len(list))
	for i, rk := range list {
		out[i] = rk.cand
	}
	return out
}

func sortRanked(list []ranked) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].entry, list[j].entry
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		aLocal, bLocal := a.Transport == TransportLocal, b.Transport == TransportLocal
		if aLocal != bLocal {
			return aLocal
		}
		aHealthy, bHealthy := a.Status == StatusHealthy, b.Status == StatusHealthy
		if aHealthy != bHealthy {
			return aHealthy
		}
		if a.AvgLatencyMS != b.AvgLatencyMS {
			return a.AvgLatencyMS < b.AvgLatencyMS
		}
		return list[i].order < list[j].order
	})
}

// Reserve claims one unit of quota for an imminent call. It fails when the
// provider stopped being admissible since Available was read.
func (r *Registry) Reserve(name string) bool {
	s := r.lookup(name)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r.refresh(s, r.opts.Now())
	if !admissible(s) {
		return false
	}
	s.e.InFlight++
	return true
}

func release(s *slot) {
	if s.e.InFlight > 0 {
		s.e.InFlight--
	}
}

// Release returns a reservation without touching counters (cancelled
// calls and empty replies).
func (r *Registry) Release(name string) {
	s := r.lookup(name)
	if s == nil {
		return
	}
	s.mu.Lock()
	release(s)
	s.mu.Unlock()
}

// RecordSuccess commits a reservation: used_today +1, EMA latency, status
// healthy, failure count reset, circuit closed.
func (r *Registry) RecordSuccess(name string, latency time.Duration) {
	s := r.lookup(name)
	if s == nil {
		return
	}
	now := r.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	r.refresh(s, now)
	release(s)
	s.e.UsedToday++
	s.e.Successes++
	s.dirty = true
	r.observeLatency(s, latency)
	s.e.Status = StatusHealthy
	s.e.FailureCount = 0
	s.e.Circuit = CircuitClosed
}

func (r *Registry) observeLatency(s *slot, latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)
	if s.e.AvgLatencyMS == 0 {
		s.e.AvgLatencyMS = ms
		return
	}
	a := r.opts.LatencyAlpha
	s.e.AvgLatencyMS = a*ms + (1-a)*s.e.AvgLatencyMS
}

// RecordFailure counts a transient failure. The threshold-th failure within
// the window opens the circuit; any failure while half-open reopens it.
func (r *Registry) RecordFailure(name string) {
	s := r.lookup(name)
	if s == nil {
		return
	}
	now := r.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	r.refresh(s, now)
	release(s)
	if !s.e.LastFailure.IsZero() && now.Sub(s.e.LastFailure) > r.opts.FailureWindow {
		s.e.FailureCount = 0
	}
	s.e.FailureCount++
	s.e.LastFailure = now
	switch {
	case s.e.Circuit == CircuitHalfOpen || s.e.FailureCount >= r.opts.FailureThreshold:
		r.open(s)
	default:
		s.e.Status = StatusDegraded
	}
}

// RecordPermanentFailure opens the circuit at once (auth rejections).
func (r *Registry) RecordPermanentFailure(name string) {
	s := r.lookup(name)
	if s == nil {
		return
	}
	now := r.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	r.refresh(s, now)
	release(s)
	s.e.FailureCount++
	s.e.LastFailure = now
	r.open(s)
}

func (r *Registry) open(s *slot) {
	if s.e.Circuit != CircuitOpen {
		logger.WarnCF("providers", "Circuit opened", map[string]any{
			"provider":      s.e.Name,
			"failure_count": s.e.FailureCount,
		})
	}
	s.e.Circuit = CircuitOpen
	s.e.Status = StatusFailed
}

// RecordQuotaExhausted removes the provider from rotation until the next
// UTC day.
func (r *Registry) RecordQuotaExhausted(name string) {
	s := r.lookup(name)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r.refresh(s, r.opts.Now())
	release(s)
	s.e.Exhausted = true
	if s.e.DailyLimit > 0 {
		s.e.UsedToday = s.e.DailyLimit
	}
	s.dirty = true
}

// ResetDaily zeroes every used_today counter regardless of the date.
func (r *Registry) ResetDaily() {
	now := r.opts.Now()
	for _, s := range r.all() {
		s.mu.Lock()
		s.day = now.UTC().Format(dayLayout)
		s.e.UsedToday = 0
		s.e.Exhausted = false
		s.dirty = true
		s.mu.Unlock()
	}
}

// Entry returns the current view of one provider.
func (r *Registry) Entry(name string) (ProviderEntry, bool) {
	s := r.lookup(name)
	if s == nil {
		return ProviderEntry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r.refresh(s, r.opts.Now())
	return copyEntry(s.e), true
}

// Snapshot returns every provider in dispatch order, admissible or not.
func (r *Registry) Snapshot() []ProviderEntry {
	now := r.opts.Now()
	var list []ranked
	for _, s := range r.all() {
		s.mu.Lock()
		r.refresh(s, now)
		list = append(list, ranked{entry: copyEntry(s.e), order: s.order})
		s.mu.Unlock()
	}
	sortRanked(list)
	out := make([]ProviderEntry, len(list))
	for i, rk := range list {
		out[i] = rk.entry
	}
	return out
}

func copyEntry(e ProviderEntry) ProviderEntry {
	if e.AuthHeaders != nil {
		e.AuthHeaders = append([]string(nil), e.AuthHeaders...)
	}
	return e
}

// LoadUsage restores today's counters from the usage store.
func (r *Registry) LoadUsage(ctx context.Context) error {
	if r.opts.Usage == nil {
		return nil
	}
	day := r.opts.Now().UTC().Format(dayLayout)
	usage, err := r.opts.Usage.LoadProviderUsage(ctx, day)
	if err != nil {
		return goerr.Wrap(err, "load provider usage", goerr.V("day", day))
	}
	for name, used := range usage {
		s := r.lookup(name)
		if s == nil {
			continue
		}
		s.mu.Lock()
		s.day = day
		s.e.UsedToday = used
		if s.e.DailyLimit > 0 && used >= s.e.DailyLimit {
			s.e.Exhausted = true
		}
		s.mu.Unlock()
	}
	return nil
}

// FlushUsage writes changed counters to the usage store. A slot stays
// dirty when its counter moved while the save was in flight.
func (r *Registry) FlushUsage(ctx context.Context) error {
	if r.opts.Usage == nil {
		return nil
	}
	type flushedSlot struct {
		s    *slot
		day  string
		used int
	}
	byDay := map[string]map[string]int{}
	var flushed []flushedSlot
	for _, s := range r.all() {
		s.mu.Lock()
		if s.dirty {
			if byDay[s.day] == nil {
				byDay[s.day] = map[string]int{}
			}
			byDay[s.day][s.e.Name] = s.e.UsedToday
			flushed = append(flushed, flushedSlot{s: s, day: s.day, used: s.e.UsedToday})
		}
		s.mu.Unlock()
	}
	for day, usage := range byDay {
		if err := r.opts.Usage.SaveProviderUsage(ctx, day, usage); err != nil {
			return goerr.Wrap(err, "save provider usage", goerr.V("day", day))
		}
	}
	for _, f := range flushed {
		f.s.mu.Lock()
		if f.s.day == f.day && f.s.e.UsedToday == f.used {
			f.s.dirty = false
		}
		f.s.mu.Unlock()
	}
	return nil
}
