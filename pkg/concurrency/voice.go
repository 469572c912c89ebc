package concurrency

import (
	"context"
	"sync"
	"time"
)

type voiceScope struct {
	sem    chan struct{}
	holder string
}

// VoiceLocks grants each scope to at most one user at a time.
type VoiceLocks struct {
	timeout time.Duration

	mu     sync.Mutex
	scopes map[string]*voiceScope
}

func NewVoiceLocks(timeout time.Duration) *VoiceLocks {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &VoiceLocks{timeout: timeout, scopes: make(map[string]*voiceScope)}
}

func (v *VoiceLocks) scope(id string) *voiceScope {
	s, ok := v.scopes[id]
	if !ok {
		s = &voiceScope{sem: make(chan struct{}, 1)}
		v.scopes[id] = s
	}
	return s
}

// Acquire claims the scope for userID. Re-acquiring an already held scope
// is a no-op; a scope held by someone else fails with *VoiceBusyError.
func (v *VoiceLocks) Acquire(ctx context.Context, scopeID, userID string) error {
	v.mu.Lock()
	s := v.scope(scopeID)
	switch s.holder {
	case userID:
		v.mu.Unlock()
		return nil
	case "":
	default:
		holder := s.holder
		v.mu.Unlock()
		return &VoiceBusyError{Scope: scopeID, Holder: holder}
	}
	v.mu.Unlock()

	timer := time.NewTimer(v.timeout)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		v.mu.Lock()
		s.holder = userID
		v.mu.Unlock()
		return nil
	case <-timer.C:
		switch holder := v.Holder(scopeID); holder {
		case userID:
			return nil
		case "":
		default:
			return &VoiceBusyError{Scope: scopeID, Holder: holder}
		}
		return &TimeoutError{Op: "voice lock " + scopeID, After: v.timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the scope if userID holds it.
func (v *VoiceLocks) Release(scopeID, userID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.scopes[scopeID]
	if !ok || s.holder != userID || userID == "" {
		return false
	}
	s.holder = ""
	<-s.sem
	return true
}

// Holder returns the current holder of scopeID, or "".
func (v *VoiceLocks) Holder(scopeID string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.scopes[scopeID]; ok {
		return s.holder
	}
	return ""
}

// Holds reports whether userID currently holds scopeID.
func (v *VoiceLocks) Holds(scopeID, userID string) bool {
	return userID != "" && v.Holder(scopeID) == userID
}
