package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

var (
	// ErrCircuitOpen is returned without contacting the provider when a breaker refuses a call.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrRateBudgetExceeded means the limiter wait would exceed the caller's budget.
	ErrRateBudgetExceeded = errors.New("rate limit wait exceeds budget")
)

// Class buckets errors by how callers should react to them.
type Class int

const (
	ClassNone Class = iota
	ClassTerminal
	ClassTransient
	ClassCircuitOpen
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTerminal:
		return "terminal"
	case ClassTransient:
		return "transient"
	case ClassCircuitOpen:
		return "circuit_open"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ProviderError is a non-2xx response from the provider.
type ProviderError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("provider %s (%d %s): %s", e.Op, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("provider %s (%d): %s", e.Op, e.StatusCode, msg)
}

// Temporary reports whether the status is worth retrying.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// TransientError marks an arbitrary error as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so Classify treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Classify maps an error onto the retry taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ClassCircuitOpen
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, ErrRateBudgetExceeded) {
		return ClassTransient
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		if perr.Temporary() {
			return ClassTransient
		}
		return ClassTerminal
	}

	var terr *TransientError
	if errors.As(err, &terr) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassTransient
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return ClassTransient
	}
	return ClassTerminal
}

// Retryable reports whether err should be retried.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}

// CountsAsFailure reports whether err indicates an unhealthy provider for breaker purposes.
// Client errors prove the provider answered; local refusals never reached it.
func CountsAsFailure(err error) bool {
	if errors.Is(err, ErrRateBudgetExceeded) {
		return false
	}
	return Classify(err) == ClassTransient
}

// ErrorCode returns a stable short code for telemetry.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrCircuitOpen) {
		return "circuit_open"
	}
	if errors.Is(err, ErrRateBudgetExceeded) {
		return "rate_budget"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		switch {
		case perr.StatusCode == http.StatusTooManyRequests:
			return "rate_limited"
		case perr.StatusCode >= 500:
			return "server_error"
		default:
			return fmt.Sprintf("http_%d", perr.StatusCode)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return "timeout"
		}
		return "network"
	}
	var terr *TransientError
	if errors.As(err, &terr) {
		return "transient"
	}
	return "error"
}
