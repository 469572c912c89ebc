package concurrency

import "sync"

// Serial runs submitted work one at a time per key, in submission order.
// Different keys run concurrently. A key's goroutine exits once its queue
// drains.
type Serial struct {
	mu      sync.Mutex
	pending map[string][]func()
	wg      sync.WaitGroup
}

func NewSerial() *Serial {
	return &Serial{pending: make(map[string][]func())}
}

func (q *Serial) Submit(key string, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if list, running := q.pending[key]; running {
		q.pending[key] = append(list, fn)
		return
	}
	q.pending[key] = []func(){}
	q.wg.Add(1)
	go q.drain(key, fn)
}

func (q *Serial) drain(key string, fn func()) {
	defer q.wg.Done()
	for {
		fn()
		q.mu.Lock()
		list := q.pending[key]
		if len(list) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		fn = list[0]
		q.pending[key] = list[1:]
		q.mu.Unlock()
	}
}

// Wait blocks until every submitted func has run.
func (q *Serial) Wait() { q.wg.Wait() }

// Keys is the number of keys with queued or running work.
func (q *Serial) Keys() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
