package concurrency

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ActiveRequest describes one held request slot.
type ActiveRequest struct {
	ID      uint64    `json:"id"`
	UserID  string    `json:"user_id"`
	Op      string    `json:"op"`
	Started time.Time `json:"started"`
}

// SlotPool bounds the number of user-visible operations in flight.
type SlotPool struct {
	size int64
	sem  *semaphore.Weighted

	mu     sync.Mutex
	seq    uint64
	active map[uint64]ActiveRequest
}

func NewSlotPool(size int) *SlotPool {
	if size <= 0 {
		size = 1
	}
	return &SlotPool{
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		active: make(map[uint64]ActiveRequest),
	}
}

// Acquire waits for a free slot. The returned release func is idempotent.
func (p *SlotPool) Acquire(ctx context.Context, userID, op string) (func(), error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.seq++
	id := p.seq
	p.active[id] = ActiveRequest{ID: id, UserID: userID, Op: op, Started: time.Now()}
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.active, id)
			p.mu.Unlock()
			p.sem.Release(1)
		})
	}, nil
}

// WithSlot runs fn while holding a slot.
func (p *SlotPool) WithSlot(ctx context.Context, userID, op string, fn func(ctx context.Context) error) error {
	release, err := p.Acquire(ctx, userID, op)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

func (p *SlotPool) Size() int { return int(p.size) }

func (p *SlotPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Active lists held slots, oldest first.
func (p *SlotPool) Active() []ActiveRequest {
	p.mu.Lock()
	out := make([]ActiveRequest, 0, len(p.active))
	for _, r := range p.active {
		out = append(out, r)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
