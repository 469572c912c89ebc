package memory

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/dotsetgreg/priya/pkg/llm"
)

type cachedRecall struct {
	msgs    []llm.Message
	expires time.Time
}

// recallCache holds recent recall results per user. Any write for a user
// drops that user's entries.
type recallCache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	users map[string]map[string]cachedRecall
}

func newRecallCache(ttl time.Duration, now func() time.Time) *recallCache {
	return &recallCache{ttl: ttl, now: now, users: make(map[string]map[string]cachedRecall)}
}

func recallKey(query string, opts RecallOptions) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s\x00%s\x00%d", query, opts.ScopeID, opts.MaxTokens)))
	return hex.EncodeToString(sum[:])
}

func (c *recallCache) get(userID, key string) ([]llm.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.users[userID]
	hit, ok := entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(hit.expires) {
		delete(entries, key)
		return nil, false
	}
	return cloneMessages(hit.msgs), true
}

func (c *recallCache) put(userID, key string, msgs []llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, ok := c.users[userID]
	if !ok {
		entries = make(map[string]cachedRecall)
		c.users[userID] = entries
	}
	entries[key] = cachedRecall{msgs: cloneMessages(msgs), expires: c.now().Add(c.ttl)}
}

func (c *recallCache) invalidate(userID string) {
	c.mu.Lock()
	delete(c.users, userID)
	c.mu.Unlock()
}

func (c *recallCache) clear() {
	c.mu.Lock()
	c.users = make(map[string]map[string]cachedRecall)
	c.mu.Unlock()
}

func cloneMessages(msgs []llm.Message) []llm.Message {
	if msgs == nil {
		return nil
	}
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	return out
}
