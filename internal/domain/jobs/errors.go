package jobs

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrInvalidDelta      = errors.New("invalid progress delta")
)

// StalledPrefix marks error messages written by stall reclamation.
const StalledPrefix = "stalled:"

// ValidationError means a task or request can never succeed as constructed,
// e.g. a look is missing the source view a shot type needs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// TransientServiceError is a retryable generation service failure.
// RetryAfter is the service's hint, zero when absent.
type TransientServiceError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientServiceError) Error() string {
	msg := "generation service transient error"
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

// TerminalServiceError is a generation service failure that retrying cannot fix.
type TerminalServiceError struct {
	StatusCode int
	Message    string
}

func (e *TerminalServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("generation service error (status %d): %s", e.StatusCode, e.Message)
	}
	return "generation service error: " + e.Message
}

// StallError describes a running item whose heartbeat went stale.
type StallError struct {
	LastHeartbeat time.Time
	Threshold     time.Duration
}

func (e *StallError) Error() string {
	if e.LastHeartbeat.IsZero() {
		return fmt.Sprintf("%s no heartbeat within %s", StalledPrefix, e.Threshold)
	}
	return fmt.Sprintf("%s no heartbeat since %s (threshold %s)",
		StalledPrefix, e.LastHeartbeat.UTC().Format(time.RFC3339), e.Threshold)
}

// PersistenceError wraps a failed store read or write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persist wraps err as a PersistenceError, passing nil and domain sentinels through.
func Persist(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrInvalidDelta) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var te *TransientServiceError
	return errors.As(err, &te)
}

func IsTerminal(err error) bool {
	var te *TerminalServiceError
	return errors.As(err, &te)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RetryAfter returns the retry hint carried by a transient error, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var te *TransientServiceError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter, true
	}
	return 0, false
}
