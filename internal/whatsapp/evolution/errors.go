package evolution

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoCredentialsConfigured   = errors.New("evolution: no provider credentials configured")
	ErrAuthenticationUnavailable = errors.New("evolution: provider authentication unavailable")
	ErrAllCandidatesExhausted    = errors.New("evolution: all endpoint candidates exhausted")
	ErrInvalidPhoneNumber        = errors.New("evolution: invalid phone number")
	ErrProviderConflict          = errors.New("evolution: instance conflict not resolved")
	ErrInstanceTokenRequired     = errors.New("evolution: instance token required")
	ErrInvalidInstanceName       = errors.New("evolution: invalid instance name")
	ErrEmptyMessage              = errors.New("evolution: message content is empty")

	// errInconclusive marks a soft failure; the dispatcher moves on to the
	// next candidate and never surfaces it directly.
	errInconclusive = errors.New("evolution: inconclusive response")
)

// ProviderError is a structured error body returned by the provider.
type ProviderError struct {
	Status  int
	Message string
	Body    string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("evolution: provider error (%d)", e.Status)
	}
	return fmt.Sprintf("evolution: provider error (%d): %s", e.Status, e.Message)
}

// Attempt records the outcome of one candidate request.
type Attempt struct {
	URL    string
	Status int
	Err    error
}

// ExhaustedError is returned when no candidate produced a usable result.
// It matches ErrAllCandidatesExhausted and unwraps to the last failure.
type ExhaustedError struct {
	Op       string
	Attempts []Attempt
}

func (e *ExhaustedError) record(url string, status int, err error) {
	e.Attempts = append(e.Attempts, Attempt{URL: url, Status: status, Err: err})
}

// Last returns the failure of the final attempt.
func (e *ExhaustedError) Last() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// AllStatus reports whether every attempt received the given HTTP status.
func (e *ExhaustedError) AllStatus(status int) bool {
	if len(e.Attempts) == 0 {
		return false
	}
	for _, a := range e.Attempts {
		if a.Status != status {
			return false
		}
	}
	return true
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "evolution: %s: all %d endpoint candidates exhausted", e.Op, len(e.Attempts))
	if last := e.Last(); last != nil {
		b.WriteString(": ")
		b.WriteString(last.Error())
	}
	return b.String()
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllCandidatesExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last()
}

func inconclusive(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errInconclusive, fmt.Sprintf(format, args...))
}
