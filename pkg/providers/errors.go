package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrEmptyReply       = goerr.New("provider returned an empty reply")
	ErrUnknownProvider  = goerr.New("unknown provider")
	ErrUnknownFamily    = goerr.New("unknown provider family")
	ErrMissingEndpoint  = goerr.New("provider endpoint not configured")
	ErrProviderDisabled = goerr.New("provider not available")
)

// Outcome is the typed result of one provider call.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTransient
	OutcomePermanent
	OutcomeQuota
	OutcomeEmpty
	OutcomeCancelled
	// OutcomeRejected is a non-auth 4xx: the request was refused, so it is
	// not retried, but it only counts as an ordinary circuit failure.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTransient:
		return "transient_error"
	case OutcomePermanent:
		return "permanent_error"
	case OutcomeQuota:
		return "quota"
	case OutcomeEmpty:
		return "empty"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider string
	Status   int
	Message  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API request failed: status=%d error=%s", e.Provider, e.Status, e.Message)
}

// Classify converts an adapter error into an Outcome. Cancellation is only
// reported when the error is context.Canceled; callers that cancel a
// deadline themselves must check their own context first.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if errors.Is(err, ErrEmptyReply) {
		return OutcomeEmpty
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeCancelled
	}
	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(se.Status)
	}
	return OutcomeTransient
}

func classifyStatus(status int) Outcome {
	switch {
	case status == http.StatusTooManyRequests:
		return OutcomeQuota
	case status == http.StatusRequestTimeout:
		return OutcomeTransient
	case status >= 500:
		return OutcomeTransient
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return OutcomePermanent
	case status >= 400:
		return OutcomeRejected
	default:
		return OutcomeTransient
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return Classify(err) == OutcomeTransient
}
