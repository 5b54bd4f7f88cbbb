package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// Sentinel errors shared across packages.
var (
	ErrTimeout      = errors.New("timeout")
	ErrValidation   = errors.New("validation error")
	ErrBlocked      = errors.New("request blocked")
	ErrNonRetryable = errors.New("non-retryable error")
)

// Classifier is implemented by errors that carry their own classification label.
type Classifier interface {
	Category() string
}

// TimeoutError is returned when a bounded wait exceeds its deadline.
type TimeoutError struct {
	Op  string
	Err error
}

// NewTimeoutError wraps cause as a timeout for op.
func NewTimeoutError(op string, cause error) *TimeoutError {
	return &TimeoutError{Op: op, Err: cause}
}

func (e *TimeoutError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: timeout", e.Op)
	}
	return fmt.Sprintf("%s: timeout: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying context error.
func (e *TimeoutError) Unwrap() error { return e.Err }

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Category implements Classifier.
func (e *TimeoutError) Category() string { return "timeout" }

// BlockedError reports a response recognized as a block or challenge page.
type BlockedError struct {
	StatusCode int
	Reason     string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked (status %d): %s", e.StatusCode, e.Reason)
}

// Is matches ErrBlocked.
func (e *BlockedError) Is(target error) bool { return target == ErrBlocked }

// Category implements Classifier.
func (e *BlockedError) Category() string { return "blocked" }

type nonRetryableError struct {
	err error
}

// NonRetryable marks err so the orchestrator fails the request without retrying.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

func (e *nonRetryableError) Error() string        { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error        { return e.err }
func (e *nonRetryableError) Is(target error) bool { return target == ErrNonRetryable }

// ErrorClass groups errors by how the orchestrator reacts to them.
type ErrorClass int

// Error classes, ordered by precedence in Classify.
const (
	ClassHandler ErrorClass = iota
	ClassTransient
	ClassBlocked
	ClassValidation
	ClassTimeout
)

// Classify maps err onto the recovery taxonomy.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassHandler
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNonRetryable):
		return ClassValidation
	case errors.Is(err, ErrBlocked):
		return ClassBlocked
	case errors.Is(err, ErrTimeout):
		return ClassTimeout
	case IsTransient(err):
		return ClassTransient
	default:
		return ClassHandler
	}
}

// IsTransient reports network or proxy failures worth retrying with another identity.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "proxyconnect") || strings.Contains(msg, "tunnel") ||
		strings.Contains(msg, "connection reset")
}
