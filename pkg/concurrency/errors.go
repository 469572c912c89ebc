package concurrency

import (
	"fmt"
	"time"
)

// TimeoutError is returned when an operation outlives its deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// Timeout marks the error as a timeout for net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// VoiceBusyError is returned when another user holds a scope's voice lock.
type VoiceBusyError struct {
	Scope  string
	Holder string
}

func (e *VoiceBusyError) Error() string {
	return fmt.Sprintf("voice busy with %s", e.Holder)
}
