package orchestrator

import (
	"context"

	"github.com/dotsetgreg/priya/pkg/logger"
)

// StartVoiceSession gives userID the scope's voice lock, waiting up to the
// lock timeout when another session is ending.
func (o *Orchestrator) StartVoiceSession(ctx context.Context, scopeID, userID string) error {
	if err := o.d.Voice.Acquire(ctx, scopeID, userID); err != nil {
		logger.Event(component, "voice_busy", map[string]any{
			"user_id":  userID,
			"scope_id": scopeID,
			"error":    err,
		})
		return err
	}
	logger.Event(component, "voice_start", map[string]any{"user_id": userID, "scope_id": scopeID})
	return nil
}

// EndVoiceSession releases the lock if userID holds it.
func (o *Orchestrator) EndVoiceSession(scopeID, userID string) bool {
	released := o.d.Voice.Release(scopeID, userID)
	if released {
		logger.Event(component, "voice_end", map[string]any{"user_id": userID, "scope_id": scopeID})
	}
	return released
}

func (o *Orchestrator) VoiceHolder(scopeID string) string {
	return o.d.Voice.Holder(scopeID)
}
