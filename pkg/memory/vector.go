package memory

import (
	"sort"
	"sync"
)

// vectorIndex is a flat inner-product index: one contiguous float arena,
// a row id to slot map, and the owning user per slot.
type vectorIndex struct {
	mu       sync.RWMutex
	dims     int
	capacity int
	arena    []float32
	rows     []int64
	users    []string
	slots    map[int64]int
}

type vectorHit struct {
	rowID int64
	score float64
}

func newVectorIndex(dims, capacity int) *vectorIndex {
	return &vectorIndex{dims: dims, capacity: capacity, slots: make(map[int64]int)}
}

// add indexes vec for rowID. It reports false when the index is full or
// the vector has the wrong width.
func (x *vectorIndex) add(rowID int64, userID string, vec []float32) bool {
	if len(vec) != x.dims {
		return false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if i, ok := x.slots[rowID]; ok {
		copy(x.arena[i*x.dims:(i+1)*x.dims], vec)
		return true
	}
	if x.capacity > 0 && len(x.rows) >= x.capacity {
		return false
	}
	x.slots[rowID] = len(x.rows)
	x.rows = append(x.rows, rowID)
	x.users = append(x.users, userID)
	x.arena = append(x.arena, vec...)
	return true
}

// reset drops everything; used before a rebuild.
func (x *vectorIndex) reset() {
	x.mu.Lock()
	x.arena = x.arena[:0]
	x.rows = x.rows[:0]
	x.users = x.users[:0]
	x.slots = make(map[int64]int)
	x.mu.Unlock()
}

func (x *vectorIndex) len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rows)
}

func (x *vectorIndex) has(rowID int64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.slots[rowID]
	return ok
}

// search returns the k best rows owned by userID scoring at least minScore.
func (x *vectorIndex) search(userID string, query []float32, k int, minScore float64) []vectorHit {
	if len(query) != x.dims || k <= 0 {
		return nil
	}
	x.mu.RLock()
	var hits []vectorHit
	for i, owner := range x.users {
		if owner != userID {
			continue
		}
		score := dot(query, x.arena[i*x.dims:(i+1)*x.dims])
		if score >= minScore {
			hits = append(hits, vectorHit{rowID: x.rows[i], score: score})
		}
	}
	x.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].rowID > hits[j].rowID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
